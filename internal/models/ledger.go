package models

import (
	"time"
)

type (
	JournalID   string
	PaymentHash string
	Pubkey      string
)

// LedgerTransactionType classifies one economic event. Stored on every leg of
// the journal entry the event produced.
type LedgerTransactionType string

const (
	LedgerTxTypeInvoice          LedgerTransactionType = "invoice"           // LN receive
	LedgerTxTypePayment          LedgerTransactionType = "payment"           // LN send
	LedgerTxTypeOnChainPayment   LedgerTransactionType = "onchain_payment"   // on-chain send
	LedgerTxTypeIntraledger      LedgerTransactionType = "intraledger"       // on-us transfer
	LedgerTxTypeFeeReimbursement LedgerTransactionType = "fee_reimbursement" // maxFee - actualFee credit
	LedgerTxTypeVoid             LedgerTransactionType = "void"              // compensating reversal
)

// LedgerEntry is one leg of a journal entry, in minor units of its currency.
// All legs sharing a JournalID were written in one atomic commit and net to
// zero per currency.
type LedgerEntry struct {
	ID                int64                 `json:"id" db:"id"`
	JournalID         JournalID             `json:"journalId" db:"journal_id"`
	WalletID          WalletID              `json:"walletId" db:"wallet_id"`
	TxType            LedgerTransactionType `json:"txType" db:"tx_type"`
	Debit             uint64                `json:"debit" db:"debit"`
	Credit            uint64                `json:"credit" db:"credit"`
	Currency          string                `json:"currency" db:"currency"`
	Fee               uint64                `json:"fee" db:"fee"`
	Pending           bool                  `json:"pending" db:"pending"`
	FeeKnownInAdvance bool                  `json:"feeKnownInAdvance" db:"fee_known_in_advance"`
	PaymentHash       PaymentHash           `json:"paymentHash,omitempty" db:"payment_hash"`
	Pubkey            Pubkey                `json:"pubkey,omitempty" db:"pubkey"`
	VoidedBy          JournalID             `json:"voidedBy,omitempty" db:"voided_by"`
	Voids             JournalID             `json:"voids,omitempty" db:"voids"`
	Memo              string                `json:"memo,omitempty" db:"memo"`
	CreatedAt         time.Time             `json:"createdAt" db:"created_at"`
}

// LnPaymentState is derived from the journal rows sharing a payment hash; it
// is never stored, so it cannot drift from the ledger.
type LnPaymentState string

const (
	LnPaymentStatePending                            LnPaymentState = "PENDING"
	LnPaymentStatePendingAfterRetry                  LnPaymentState = "PENDING_AFTER_RETRY"
	LnPaymentStateFailed                             LnPaymentState = "FAILED"
	LnPaymentStateFailedAfterRetry                   LnPaymentState = "FAILED_AFTER_RETRY"
	LnPaymentStateSuccess                            LnPaymentState = "SUCCESS"
	LnPaymentStateSuccessWithReimbursement           LnPaymentState = "SUCCESS_WITH_REIMBURSEMENT"
	LnPaymentStateSuccessWithReimbursementAfterRetry LnPaymentState = "SUCCESS_WITH_REIMBURSEMENT_AFTER_RETRY"
)

// LnPaymentRecord mirrors the node's view of a payment in our own store so
// reconciliation survives node pruning. Updated best-effort; the ledger stays
// the source of truth.
type LnPaymentRecord struct {
	PaymentHash    PaymentHash `json:"paymentHash" db:"payment_hash"`
	Pubkey         Pubkey      `json:"pubkey" db:"pubkey"`
	Status         string      `json:"status" db:"status"`
	SatsFee        uint64      `json:"satsFee" db:"sats_fee"`
	AttemptedCount int         `json:"attemptedCount" db:"attempted_count"`
	CreatedAt      time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time   `json:"updatedAt" db:"updated_at"`
}
