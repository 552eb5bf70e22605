package money

import (
	"errors"
	"fmt"
)

// Currency codes for the two wallet currencies supported by the ledger.
const (
	CurrencyBtc = "BTC"
	CurrencyUsd = "USD"
)

var ErrNegativeAmount = errors.New("amount would be negative")

// BTC and USD are marker types so that amounts of different currencies
// are different Go types. Mixing them in Add/Sub does not compile.
type BTC struct{}

func (BTC) Code() string { return CurrencyBtc }

type USD struct{}

func (USD) Code() string { return CurrencyUsd }

type CurrencyMarker interface {
	BTC | USD
	Code() string
}

// Amount is a non-negative quantity of minor units (satoshis or cents)
// tagged with its currency.
type Amount[C CurrencyMarker] struct {
	Amount uint64
}

type (
	Sats  = Amount[BTC]
	Cents = Amount[USD]
)

func NewSats(n uint64) Sats   { return Sats{Amount: n} }
func NewCents(n uint64) Cents { return Cents{Amount: n} }

func (a Amount[C]) Currency() string {
	var c C
	return c.Code()
}

func (a Amount[C]) IsZero() bool { return a.Amount == 0 }

func (a Amount[C]) String() string {
	return fmt.Sprintf("%d %s", a.Amount, a.Currency())
}

func Add[C CurrencyMarker](a, b Amount[C]) Amount[C] {
	return Amount[C]{Amount: a.Amount + b.Amount}
}

// Sub fails rather than going negative. Ledger amounts are never negative.
func Sub[C CurrencyMarker](a, b Amount[C]) (Amount[C], error) {
	if b.Amount > a.Amount {
		return Amount[C]{}, fmt.Errorf("%w: %d - %d %s", ErrNegativeAmount, a.Amount, b.Amount, a.Currency())
	}
	return Amount[C]{Amount: a.Amount - b.Amount}, nil
}

// SubSaturating clamps at zero. Callers must opt in to this explicitly.
func SubSaturating[C CurrencyMarker](a, b Amount[C]) Amount[C] {
	if b.Amount > a.Amount {
		return Amount[C]{}
	}
	return Amount[C]{Amount: a.Amount - b.Amount}
}

func MulScalar[C CurrencyMarker](a Amount[C], n uint64) Amount[C] {
	return Amount[C]{Amount: a.Amount * n}
}

func Max[C CurrencyMarker](a, b Amount[C]) Amount[C] {
	if a.Amount >= b.Amount {
		return a
	}
	return b
}
