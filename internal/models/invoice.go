package models

import "time"

// WalletInvoice tracks an inbound invoice from creation until it is settled
// at the node and credited in the ledger. Paid means credited, not merely
// settled: the flag flips only after the receive journal commits.
type WalletInvoice struct {
	PaymentHash PaymentHash `json:"paymentHash" db:"payment_hash"`
	WalletID    WalletID    `json:"walletId" db:"wallet_id"`
	Currency    string      `json:"currency" db:"currency"`
	Pubkey      Pubkey      `json:"pubkey" db:"pubkey"`
	AmountSats  uint64      `json:"amountSats" db:"amount_sats"`
	Memo        string      `json:"memo,omitempty" db:"memo"`
	Paid        bool        `json:"paid" db:"paid"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
	ExpiresAt   time.Time   `json:"expiresAt" db:"expires_at"`
}
