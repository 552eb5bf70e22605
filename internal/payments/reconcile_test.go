package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zapbank/backend/internal/ledger"
	"github.com/zapbank/backend/internal/lightning"
	"github.com/zapbank/backend/internal/models"
	"github.com/zapbank/backend/internal/money"
	"github.com/zapbank/backend/internal/onchain"
)

type reconcileFixture struct {
	ledger     *MockLedger
	locks      *fakeLocks
	ln         *MockLnClient
	payouts    *MockPayouts
	invoices   *MockInvoiceStore
	lnPayments *MockLnPaymentStore
	receiver   *MockReceiver
	engine     *ReconciliationEngine
}

func newReconcileFixture() *reconcileFixture {
	f := &reconcileFixture{
		ledger:     &MockLedger{},
		locks:      &fakeLocks{},
		ln:         &MockLnClient{},
		payouts:    &MockPayouts{},
		invoices:   &MockInvoiceStore{},
		lnPayments: &MockLnPaymentStore{},
		receiver:   &MockReceiver{},
	}
	f.engine = &ReconciliationEngine{
		ledger:     f.ledger,
		locks:      f.locks,
		ln:         f.ln,
		payouts:    f.payouts,
		invoices:   f.invoices,
		lnPayments: f.lnPayments,
		receiver:   f.receiver,
		nodePubkey: "node-pubkey",
	}
	return f
}

func pendingSendEntry() models.LedgerEntry {
	return models.LedgerEntry{
		JournalID:   "j-1",
		WalletID:    "w-sender",
		TxType:      models.LedgerTxTypePayment,
		Debit:       1050,
		Currency:    money.CurrencyBtc,
		Fee:         50,
		Pending:     true,
		PaymentHash: "hash-1",
		Pubkey:      "dest-pubkey",
	}
}

func TestUpdatePendingPayments(t *testing.T) {
	entry := pendingSendEntry()

	t.Run("settled payment settles and reimburses", func(t *testing.T) {
		f := newReconcileFixture()
		f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-sender")).Return(1, nil)
		f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-sender")).
			Return([]models.LedgerEntry{entry}, nil)
		f.ledger.On("IsLnTxRecorded", mock.Anything, models.PaymentHash("hash-1")).Return(false, nil)
		f.ln.On("LookupPayment", mock.Anything, models.Pubkey("node-pubkey"), models.PaymentHash("hash-1")).
			Return(&lightning.PaymentLookup{Status: lightning.PaymentStatusSettled, RoundedUpFee: 30}, nil)
		f.ledger.On("SettlePendingPayments", mock.Anything, models.PaymentHash("hash-1")).Return(nil)
		f.ledger.On("RecordFeeReimbursement", mock.Anything, mock.MatchedBy(func(a ledger.FeeReimbursementArgs) bool {
			return a.JournalID == "j-1" && a.MaxFee.Amount == 50 && a.ActualFee.Amount == 30 &&
				a.SenderWallet.ID == "w-sender"
		})).Return(models.JournalID("j-2"), nil)
		f.lnPayments.On("Upsert", mock.Anything, mock.MatchedBy(func(r models.LnPaymentRecord) bool {
			return r.PaymentHash == "hash-1" && r.Status == string(lightning.PaymentStatusSettled)
		})).Return(nil)

		err := f.engine.UpdatePendingPayments(context.Background(), "w-sender")

		require.NoError(t, err)
		assert.Equal(t, []models.WalletID{"w-sender"}, f.locks.walletKeys)
		assert.Equal(t, []models.PaymentHash{"hash-1"}, f.locks.hashKeys)
		f.ledger.AssertExpectations(t)
	})

	t.Run("fee known in advance skips reimbursement", func(t *testing.T) {
		f := newReconcileFixture()
		known := entry
		known.FeeKnownInAdvance = true
		f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-sender")).Return(1, nil)
		f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-sender")).
			Return([]models.LedgerEntry{known}, nil)
		f.ledger.On("IsLnTxRecorded", mock.Anything, mock.Anything).Return(false, nil)
		f.ln.On("LookupPayment", mock.Anything, mock.Anything, mock.Anything).
			Return(&lightning.PaymentLookup{Status: lightning.PaymentStatusSettled, RoundedUpFee: 30}, nil)
		f.ledger.On("SettlePendingPayments", mock.Anything, mock.Anything).Return(nil)
		f.lnPayments.On("Upsert", mock.Anything, mock.Anything).Return(nil)

		err := f.engine.UpdatePendingPayments(context.Background(), "w-sender")

		require.NoError(t, err)
		f.ledger.AssertNotCalled(t, "RecordFeeReimbursement", mock.Anything, mock.Anything)
	})

	t.Run("failed payment is voided", func(t *testing.T) {
		f := newReconcileFixture()
		f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-sender")).Return(1, nil)
		f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-sender")).
			Return([]models.LedgerEntry{entry}, nil)
		f.ledger.On("IsLnTxRecorded", mock.Anything, mock.Anything).Return(false, nil)
		f.ln.On("LookupPayment", mock.Anything, mock.Anything, mock.Anything).
			Return(&lightning.PaymentLookup{Status: lightning.PaymentStatusFailed}, nil)
		f.ledger.On("RecordLnSendRevert", mock.Anything, models.JournalID("j-1")).
			Return(models.JournalID("j-void"), nil)
		f.lnPayments.On("Upsert", mock.Anything, mock.Anything).Return(nil)

		err := f.engine.UpdatePendingPayments(context.Background(), "w-sender")

		require.NoError(t, err)
		f.ledger.AssertExpectations(t)
		f.ledger.AssertNotCalled(t, "SettlePendingPayments", mock.Anything, mock.Anything)
	})

	t.Run("in flight payment is left alone", func(t *testing.T) {
		f := newReconcileFixture()
		f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-sender")).Return(1, nil)
		f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-sender")).
			Return([]models.LedgerEntry{entry}, nil)
		f.ledger.On("IsLnTxRecorded", mock.Anything, mock.Anything).Return(false, nil)
		f.ln.On("LookupPayment", mock.Anything, mock.Anything, mock.Anything).
			Return(&lightning.PaymentLookup{Status: lightning.PaymentStatusInFlight}, nil)

		err := f.engine.UpdatePendingPayments(context.Background(), "w-sender")

		require.NoError(t, err)
		f.ledger.AssertNotCalled(t, "SettlePendingPayments", mock.Anything, mock.Anything)
		f.ledger.AssertNotCalled(t, "RecordLnSendRevert", mock.Anything, mock.Anything)
	})

	t.Run("already recorded hash is skipped", func(t *testing.T) {
		f := newReconcileFixture()
		f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-sender")).Return(1, nil)
		f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-sender")).
			Return([]models.LedgerEntry{entry}, nil)
		f.ledger.On("IsLnTxRecorded", mock.Anything, models.PaymentHash("hash-1")).Return(true, nil)

		err := f.engine.UpdatePendingPayments(context.Background(), "w-sender")

		require.NoError(t, err)
		f.ln.AssertNotCalled(t, "LookupPayment", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("transient lookup failure leaves entry pending", func(t *testing.T) {
		f := newReconcileFixture()
		f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-sender")).Return(1, nil)
		f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-sender")).
			Return([]models.LedgerEntry{entry}, nil)
		f.ledger.On("IsLnTxRecorded", mock.Anything, mock.Anything).Return(false, nil)
		f.ln.On("LookupPayment", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("node unreachable"))

		err := f.engine.UpdatePendingPayments(context.Background(), "w-sender")

		// Per-entry errors are logged, not propagated; the sweep succeeds.
		require.NoError(t, err)
		f.ledger.AssertNotCalled(t, "SettlePendingPayments", mock.Anything, mock.Anything)
		f.ledger.AssertNotCalled(t, "RecordLnSendRevert", mock.Anything, mock.Anything)
	})

	t.Run("pruned payment resolved from mirror", func(t *testing.T) {
		f := newReconcileFixture()
		f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-sender")).Return(1, nil)
		f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-sender")).
			Return([]models.LedgerEntry{entry}, nil)
		f.ledger.On("IsLnTxRecorded", mock.Anything, mock.Anything).Return(false, nil)
		f.ln.On("LookupPayment", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, lightning.ErrPaymentNotFound)
		f.lnPayments.On("Find", mock.Anything, models.PaymentHash("hash-1")).
			Return(&models.LnPaymentRecord{
				PaymentHash: "hash-1",
				Status:      string(lightning.PaymentStatusSettled),
				SatsFee:     25,
			}, nil)
		f.ledger.On("SettlePendingPayments", mock.Anything, models.PaymentHash("hash-1")).Return(nil)
		f.ledger.On("RecordFeeReimbursement", mock.Anything, mock.MatchedBy(func(a ledger.FeeReimbursementArgs) bool {
			return a.ActualFee.Amount == 25
		})).Return(models.JournalID("j-2"), nil)
		f.lnPayments.On("Upsert", mock.Anything, mock.Anything).Return(nil)

		err := f.engine.UpdatePendingPayments(context.Background(), "w-sender")

		require.NoError(t, err)
		f.ledger.AssertExpectations(t)
	})

	t.Run("nothing pending skips the wallet lock", func(t *testing.T) {
		f := newReconcileFixture()
		f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-sender")).Return(0, nil)

		err := f.engine.UpdatePendingPayments(context.Background(), "w-sender")

		require.NoError(t, err)
		assert.Empty(t, f.locks.walletKeys)
		f.ledger.AssertNotCalled(t, "PendingPayments", mock.Anything, mock.Anything)
	})
}

func TestUpdatePendingPayouts(t *testing.T) {
	entry := models.LedgerEntry{
		JournalID:         "j-oc",
		WalletID:          "w-sender",
		TxType:            models.LedgerTxTypeOnChainPayment,
		Debit:             10200,
		Currency:          money.CurrencyBtc,
		Fee:               200,
		FeeKnownInAdvance: true,
		Pending:           true,
		PaymentHash:       "onchain:abc",
	}

	t.Run("settled payout clears pending without touching the node", func(t *testing.T) {
		f := newReconcileFixture()
		f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-sender")).Return(1, nil)
		f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-sender")).
			Return([]models.LedgerEntry{entry}, nil)
		f.ledger.On("IsLnTxRecorded", mock.Anything, models.PaymentHash("onchain:abc")).Return(false, nil)
		f.payouts.On("PayoutStatus", mock.Anything, models.JournalID("j-oc")).
			Return(onchain.PayoutStatusSettled, nil)
		f.ledger.On("SettlePendingPayments", mock.Anything, models.PaymentHash("onchain:abc")).Return(nil)

		err := f.engine.UpdatePendingPayments(context.Background(), "w-sender")

		require.NoError(t, err)
		f.ledger.AssertExpectations(t)
		f.ln.AssertNotCalled(t, "LookupPayment", mock.Anything, mock.Anything, mock.Anything)
		f.ledger.AssertNotCalled(t, "RecordFeeReimbursement", mock.Anything, mock.Anything)
	})

	t.Run("failed payout is voided", func(t *testing.T) {
		f := newReconcileFixture()
		f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-sender")).Return(1, nil)
		f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-sender")).
			Return([]models.LedgerEntry{entry}, nil)
		f.ledger.On("IsLnTxRecorded", mock.Anything, mock.Anything).Return(false, nil)
		f.payouts.On("PayoutStatus", mock.Anything, models.JournalID("j-oc")).
			Return(onchain.PayoutStatusFailed, nil)
		f.ledger.On("VoidJournal", mock.Anything, models.JournalID("j-oc")).
			Return(models.JournalID("j-void"), nil)

		err := f.engine.UpdatePendingPayments(context.Background(), "w-sender")

		require.NoError(t, err)
		f.ledger.AssertExpectations(t)
		f.ledger.AssertNotCalled(t, "SettlePendingPayments", mock.Anything, mock.Anything)
	})

	t.Run("broadcast payout stays pending", func(t *testing.T) {
		f := newReconcileFixture()
		f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-sender")).Return(1, nil)
		f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-sender")).
			Return([]models.LedgerEntry{entry}, nil)
		f.ledger.On("IsLnTxRecorded", mock.Anything, mock.Anything).Return(false, nil)
		f.payouts.On("PayoutStatus", mock.Anything, models.JournalID("j-oc")).
			Return(onchain.PayoutStatusBroadcast, nil)

		err := f.engine.UpdatePendingPayments(context.Background(), "w-sender")

		require.NoError(t, err)
		f.ledger.AssertNotCalled(t, "SettlePendingPayments", mock.Anything, mock.Anything)
		f.ledger.AssertNotCalled(t, "VoidJournal", mock.Anything, mock.Anything)
	})
}

func TestUpdatePendingInvoices(t *testing.T) {
	invoice := models.WalletInvoice{
		PaymentHash: "inv-hash",
		WalletID:    "w-recipient",
		Currency:    money.CurrencyBtc,
		Pubkey:      "node-pubkey",
		AmountSats:  1000,
		Memo:        "coffee",
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	t.Run("settled invoice credited and marked paid", func(t *testing.T) {
		f := newReconcileFixture()
		f.invoices.On("ListPending", mock.Anything).Return([]models.WalletInvoice{invoice}, nil)
		f.ln.On("LookupInvoice", mock.Anything, models.Pubkey("node-pubkey"), models.PaymentHash("inv-hash")).
			Return(&lightning.InvoiceLookup{IsSettled: true, ReceivedAmount: 1000}, nil)
		f.receiver.On("ReceiveLightning", mock.Anything, mock.MatchedBy(func(a LightningReceiveArgs) bool {
			return a.RecipientWallet.ID == "w-recipient" && a.AmountSats == 1000 &&
				a.PaymentHash == "inv-hash"
		})).Return(models.JournalID("j-1"), nil)
		f.invoices.On("MarkPaid", mock.Anything, models.PaymentHash("inv-hash")).Return(nil)

		err := f.engine.UpdatePendingInvoices(context.Background())

		require.NoError(t, err)
		f.receiver.AssertExpectations(t)
		f.invoices.AssertExpectations(t)
	})

	t.Run("held invoice settled at node then credited", func(t *testing.T) {
		f := newReconcileFixture()
		f.invoices.On("ListPending", mock.Anything).Return([]models.WalletInvoice{invoice}, nil)
		f.ln.On("LookupInvoice", mock.Anything, mock.Anything, mock.Anything).
			Return(&lightning.InvoiceLookup{IsHeld: true, ReceivedAmount: 1000, Secret: "s3cret"}, nil)
		f.ln.On("SettleInvoice", mock.Anything, models.Pubkey("node-pubkey"), "s3cret").Return(nil)
		f.receiver.On("ReceiveLightning", mock.Anything, mock.Anything).Return(models.JournalID("j-1"), nil)
		f.invoices.On("MarkPaid", mock.Anything, models.PaymentHash("inv-hash")).Return(nil)

		err := f.engine.UpdatePendingInvoices(context.Background())

		require.NoError(t, err)
		f.ln.AssertExpectations(t)
	})

	t.Run("unsettled invoice left alone", func(t *testing.T) {
		f := newReconcileFixture()
		f.invoices.On("ListPending", mock.Anything).Return([]models.WalletInvoice{invoice}, nil)
		f.ln.On("LookupInvoice", mock.Anything, mock.Anything, mock.Anything).
			Return(&lightning.InvoiceLookup{}, nil)

		err := f.engine.UpdatePendingInvoices(context.Background())

		require.NoError(t, err)
		f.receiver.AssertNotCalled(t, "ReceiveLightning", mock.Anything, mock.Anything)
		f.invoices.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything)
	})

	t.Run("canceled invoice removed", func(t *testing.T) {
		f := newReconcileFixture()
		f.invoices.On("ListPending", mock.Anything).Return([]models.WalletInvoice{invoice}, nil)
		f.ln.On("LookupInvoice", mock.Anything, mock.Anything, mock.Anything).
			Return(&lightning.InvoiceLookup{IsCanceled: true}, nil)
		f.invoices.On("Delete", mock.Anything, models.PaymentHash("inv-hash")).Return(nil)

		err := f.engine.UpdatePendingInvoices(context.Background())

		require.NoError(t, err)
		f.invoices.AssertExpectations(t)
	})

	t.Run("expired unsettled invoice canceled at node and removed", func(t *testing.T) {
		f := newReconcileFixture()
		expired := invoice
		expired.ExpiresAt = time.Now().Add(-time.Minute)
		f.invoices.On("ListPending", mock.Anything).Return([]models.WalletInvoice{expired}, nil)
		f.ln.On("LookupInvoice", mock.Anything, mock.Anything, mock.Anything).
			Return(&lightning.InvoiceLookup{}, nil)
		f.ln.On("CancelInvoice", mock.Anything, models.Pubkey("node-pubkey"), models.PaymentHash("inv-hash")).
			Return(nil)
		f.invoices.On("Delete", mock.Anything, models.PaymentHash("inv-hash")).Return(nil)

		err := f.engine.UpdatePendingInvoices(context.Background())

		require.NoError(t, err)
		f.ln.AssertExpectations(t)
		f.invoices.AssertExpectations(t)
		f.receiver.AssertNotCalled(t, "ReceiveLightning", mock.Anything, mock.Anything)
	})

	t.Run("expired but settled invoice still credited", func(t *testing.T) {
		f := newReconcileFixture()
		expired := invoice
		expired.ExpiresAt = time.Now().Add(-time.Minute)
		f.invoices.On("ListPending", mock.Anything).Return([]models.WalletInvoice{expired}, nil)
		f.ln.On("LookupInvoice", mock.Anything, mock.Anything, mock.Anything).
			Return(&lightning.InvoiceLookup{IsSettled: true, ReceivedAmount: 1000}, nil)
		f.receiver.On("ReceiveLightning", mock.Anything, mock.Anything).Return(models.JournalID("j-1"), nil)
		f.invoices.On("MarkPaid", mock.Anything, models.PaymentHash("inv-hash")).Return(nil)

		err := f.engine.UpdatePendingInvoices(context.Background())

		require.NoError(t, err)
		f.ln.AssertNotCalled(t, "CancelInvoice", mock.Anything, mock.Anything, mock.Anything)
		f.receiver.AssertExpectations(t)
	})

	t.Run("invoice pruned at node removed", func(t *testing.T) {
		f := newReconcileFixture()
		f.invoices.On("ListPending", mock.Anything).Return([]models.WalletInvoice{invoice}, nil)
		f.ln.On("LookupInvoice", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, lightning.ErrInvoiceNotFound)
		f.invoices.On("Delete", mock.Anything, models.PaymentHash("inv-hash")).Return(nil)

		err := f.engine.UpdatePendingInvoices(context.Background())

		require.NoError(t, err)
		f.invoices.AssertExpectations(t)
	})

	t.Run("credit failure leaves invoice unpaid for next sweep", func(t *testing.T) {
		f := newReconcileFixture()
		f.invoices.On("ListPending", mock.Anything).Return([]models.WalletInvoice{invoice}, nil)
		f.ln.On("LookupInvoice", mock.Anything, mock.Anything, mock.Anything).
			Return(&lightning.InvoiceLookup{IsSettled: true, ReceivedAmount: 1000}, nil)
		f.receiver.On("ReceiveLightning", mock.Anything, mock.Anything).
			Return(models.JournalID(""), errors.New("db down"))

		err := f.engine.UpdatePendingInvoices(context.Background())

		require.NoError(t, err)
		f.invoices.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything)
	})
}

func TestReconcileAll(t *testing.T) {
	f := newReconcileFixture()
	f.ledger.On("WalletsWithPendingPayments", mock.Anything).
		Return([]models.WalletID{"w-1", "w-2"}, nil)
	f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-1")).Return(1, nil)
	f.ledger.On("PendingPaymentsCount", mock.Anything, models.WalletID("w-2")).Return(1, nil)
	f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-1")).
		Return([]models.LedgerEntry{}, nil)
	f.ledger.On("PendingPayments", mock.Anything, models.WalletID("w-2")).
		Return([]models.LedgerEntry{}, nil)
	f.invoices.On("ListPending", mock.Anything).Return([]models.WalletInvoice{}, nil)

	f.engine.ReconcileAll(context.Background())

	assert.Equal(t, []models.WalletID{"w-1", "w-2"}, f.locks.walletKeys)
	f.ledger.AssertExpectations(t)
	f.invoices.AssertExpectations(t)
}
