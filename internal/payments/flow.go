package payments

import (
	"fmt"

	"github.com/zapbank/backend/internal/models"
	"github.com/zapbank/backend/internal/money"
)

// PaymentFlow is the immutable result of the flow builder: a fully priced
// settlement instruction. Every numeric field is precomputed at build time so
// the executor never re-runs a conversion after the balance check.
type PaymentFlow struct {
	SenderWallet    models.WalletDescriptor
	RecipientWallet *models.WalletDescriptor

	// InputAmount is the raw requested amount in the sender wallet's minor
	// units; BtcAmount and UsdAmount are its two priced representations.
	InputAmount uint64
	BtcAmount   money.Sats
	UsdAmount   money.Cents

	// MaxFeeBtc is the fee reserved up front on routed sends; zero for
	// intraledger transfers.
	MaxFeeBtc         money.Sats
	FeeKnownInAdvance bool

	SettlementMethod models.SettlementMethod
	PaymentHash      models.PaymentHash
	Description      string
}

// totalForSender is the full debit the send will place on the sender wallet,
// in that wallet's own minor units.
func (f *PaymentFlow) totalForSender() uint64 {
	if f.SenderWallet.Currency == money.CurrencyUsd {
		return f.UsdAmount.Amount
	}
	return money.Add(f.BtcAmount, f.MaxFeeBtc).Amount
}

// CheckBalanceForSend verifies the given balance covers amount plus reserved
// fee. The balance must have been read inside the wallet lock that will also
// perform the send's write, or a concurrent send can observe a stale value.
func (f *PaymentFlow) CheckBalanceForSend(balance uint64) error {
	total := f.totalForSender()
	if balance < total {
		return fmt.Errorf("%w: balance %d, needed %d %s",
			ErrInsufficientBalance, balance, total, f.SenderWallet.Currency)
	}
	return nil
}
