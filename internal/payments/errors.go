package payments

import "errors"

var (
	// ErrInvalidFlowState means a builder step ran out of order or a required
	// field was never set. Always a programming error in the caller.
	ErrInvalidFlowState = errors.New("invalid payment flow builder state")

	// ErrZeroAmountForUsdRecipient means the converted amount rounds to zero
	// cents; the payment is rejected instead of silently sending nothing.
	ErrZeroAmountForUsdRecipient = errors.New("amount for USD recipient rounds to zero cents")

	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrSelfPayment             = errors.New("sender and recipient wallet are the same")
	ErrBtcWalletRequired       = errors.New("operation requires a BTC wallet")
	ErrWithdrawalLimitExceeded = errors.New("daily withdrawal limit exceeded")
)
