package ledger

import "errors"

var (
	// Validation errors: rejected before any write, never retried.
	ErrCurrencyMismatch = errors.New("wallet currency does not match amount currency")
	ErrZeroAmount       = errors.New("amount must be positive")
	ErrFeeExceedsAmount = errors.New("bank fee exceeds amount")

	ErrJournalNotFound = errors.New("journal entry not found")

	// ErrAlreadyVoided covers both voiding twice and voiding a compensating
	// entry. Either indicates the caller lost track of journal state.
	ErrAlreadyVoided = errors.New("journal entry already voided")

	// ErrFeeAboveMaxReserved is an invariant violation: the network charged
	// more than the fee reserved at send time. Never a negative reimbursement.
	ErrFeeAboveMaxReserved = errors.New("actual fee above reserved max fee")

	// ErrNegativeBalance is an invariant violation: the journal rows for a
	// wallet net below zero.
	ErrNegativeBalance = errors.New("wallet balance is negative")
)
