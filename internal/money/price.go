package money

import (
	"errors"
	"math/big"
)

var ErrZeroPriceRatio = errors.New("price ratio side must be non-zero")

// PriceRatio relates an amount of cents to an amount of sats and converts
// between the two. Two ratio sources exist upstream: the mid price (used for
// USD volume accounting) and the dealer buy/sell price (used for actual
// conversion). Which one a caller uses is the caller's responsibility.
type PriceRatio struct {
	cents uint64
	sats  uint64
}

func NewPriceRatio(cents Cents, sats Sats) (PriceRatio, error) {
	if cents.Amount == 0 || sats.Amount == 0 {
		return PriceRatio{}, ErrZeroPriceRatio
	}
	return PriceRatio{cents: cents.Amount, sats: sats.Amount}, nil
}

// CentsFromSats converts sats to cents at this ratio, rounding half-up so
// repeated conversions of the same amount are deterministic.
func (r PriceRatio) CentsFromSats(btc Sats) Cents {
	return NewCents(mulDivRoundHalfUp(btc.Amount, r.cents, r.sats))
}

// SatsFromCents converts cents to sats at this ratio, rounding half-up.
func (r PriceRatio) SatsFromCents(usd Cents) Sats {
	return NewSats(mulDivRoundHalfUp(usd.Amount, r.sats, r.cents))
}

// CentsPerSat is for display and logging only; ledger math never uses floats.
func (r PriceRatio) CentsPerSat() float64 {
	return float64(r.cents) / float64(r.sats)
}

// mulDivRoundHalfUp computes round(a*b/c) without overflowing uint64.
func mulDivRoundHalfUp(a, b, c uint64) uint64 {
	num := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	den := new(big.Int).SetUint64(c)

	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	// half-up: round up when 2*rem >= den
	if rem.Lsh(rem, 1).Cmp(den) >= 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo.Uint64()
}
