package ledger

import (
	"fmt"

	"github.com/zapbank/backend/internal/models"
)

// ProjectPaymentState derives the Lightning payment state for one hash from
// all journal rows carrying it. A hash may have been attempted several times
// (retries), so the state is recomputed from history rather than stored:
// repeated reconciliation runs always project the same answer.
//
//	Pending -> {Success, Failed}
//	Failed -> (retry) -> PendingAfterRetry -> {FailedAfterRetry,
//	                                           SuccessWithReimbursementAfterRetry}
func ProjectPaymentState(entries []models.LedgerEntry) (models.LnPaymentState, error) {
	type attempt struct {
		pending bool
		voided  bool
	}

	attempts := map[models.JournalID]*attempt{}
	order := []models.JournalID{}
	reimbursed := false

	for _, e := range entries {
		switch e.TxType {
		case models.LedgerTxTypePayment, models.LedgerTxTypeOnChainPayment:
			a, ok := attempts[e.JournalID]
			if !ok {
				a = &attempt{}
				attempts[e.JournalID] = a
				order = append(order, e.JournalID)
			}
			a.pending = e.Pending
			a.voided = e.VoidedBy != ""
		case models.LedgerTxTypeFeeReimbursement:
			reimbursed = true
		}
	}

	if len(order) == 0 {
		return "", fmt.Errorf("no payment entries for hash")
	}

	retried := len(order) > 1
	var live *attempt
	for _, id := range order {
		if !attempts[id].voided {
			live = attempts[id]
		}
	}

	switch {
	case live == nil:
		if retried {
			return models.LnPaymentStateFailedAfterRetry, nil
		}
		return models.LnPaymentStateFailed, nil
	case live.pending:
		if retried {
			return models.LnPaymentStatePendingAfterRetry, nil
		}
		return models.LnPaymentStatePending, nil
	case reimbursed && retried:
		return models.LnPaymentStateSuccessWithReimbursementAfterRetry, nil
	case reimbursed:
		return models.LnPaymentStateSuccessWithReimbursement, nil
	default:
		return models.LnPaymentStateSuccess, nil
	}
}
