package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zapbank/backend/internal/models"
)

func paymentLeg(journalID string, pending bool, voidedBy string) models.LedgerEntry {
	return models.LedgerEntry{
		JournalID:   models.JournalID(journalID),
		TxType:      models.LedgerTxTypePayment,
		PaymentHash: "hash-1",
		Pending:     pending,
		VoidedBy:    models.JournalID(voidedBy),
	}
}

func TestProjectPaymentState(t *testing.T) {
	tests := []struct {
		name    string
		entries []models.LedgerEntry
		want    models.LnPaymentState
	}{
		{
			name:    "single pending attempt",
			entries: []models.LedgerEntry{paymentLeg("j1", true, "")},
			want:    models.LnPaymentStatePending,
		},
		{
			name:    "single settled attempt",
			entries: []models.LedgerEntry{paymentLeg("j1", false, "")},
			want:    models.LnPaymentStateSuccess,
		},
		{
			name: "settled with reimbursement",
			entries: []models.LedgerEntry{
				paymentLeg("j1", false, ""),
				{JournalID: "j2", TxType: models.LedgerTxTypeFeeReimbursement, PaymentHash: "hash-1"},
			},
			want: models.LnPaymentStateSuccessWithReimbursement,
		},
		{
			name:    "single voided attempt",
			entries: []models.LedgerEntry{paymentLeg("j1", false, "v1")},
			want:    models.LnPaymentStateFailed,
		},
		{
			name: "retry still pending",
			entries: []models.LedgerEntry{
				paymentLeg("j1", false, "v1"),
				paymentLeg("j2", true, ""),
			},
			want: models.LnPaymentStatePendingAfterRetry,
		},
		{
			name: "retry failed again",
			entries: []models.LedgerEntry{
				paymentLeg("j1", false, "v1"),
				paymentLeg("j2", false, "v2"),
			},
			want: models.LnPaymentStateFailedAfterRetry,
		},
		{
			name: "retry settled with reimbursement",
			entries: []models.LedgerEntry{
				paymentLeg("j1", false, "v1"),
				paymentLeg("j2", false, ""),
				{JournalID: "j3", TxType: models.LedgerTxTypeFeeReimbursement, PaymentHash: "hash-1"},
			},
			want: models.LnPaymentStateSuccessWithReimbursementAfterRetry,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ProjectPaymentState(tc.entries)
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("projection is stable across repeated runs", func(t *testing.T) {
		entries := []models.LedgerEntry{
			paymentLeg("j1", false, "v1"),
			paymentLeg("j2", false, ""),
		}
		first, err := ProjectPaymentState(entries)
		assert.NoError(t, err)
		second, err := ProjectPaymentState(entries)
		assert.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("no payment entries is an error", func(t *testing.T) {
		_, err := ProjectPaymentState(nil)
		assert.Error(t, err)
	})
}
