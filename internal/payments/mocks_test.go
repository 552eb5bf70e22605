package payments

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/zapbank/backend/internal/ledger"
	"github.com/zapbank/backend/internal/lightning"
	"github.com/zapbank/backend/internal/models"
	"github.com/zapbank/backend/internal/money"
	"github.com/zapbank/backend/internal/onchain"
	"github.com/zapbank/backend/internal/prices"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) WalletBalance(ctx context.Context, wallet models.WalletDescriptor) (uint64, error) {
	args := m.Called(ctx, wallet)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockLedger) RecordIntraledger(ctx context.Context, a ledger.IntraledgerArgs) (models.JournalID, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(models.JournalID), args.Error(1)
}

func (m *MockLedger) RecordBtcSend(ctx context.Context, a ledger.SendArgs[money.BTC]) (models.JournalID, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(models.JournalID), args.Error(1)
}

func (m *MockLedger) RecordBtcReceive(ctx context.Context, a ledger.ReceiveArgs[money.BTC]) (models.JournalID, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(models.JournalID), args.Error(1)
}

func (m *MockLedger) RecordUsdReceive(ctx context.Context, a ledger.ReceiveArgs[money.USD]) (models.JournalID, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(models.JournalID), args.Error(1)
}

func (m *MockLedger) RecordFeeReimbursement(ctx context.Context, a ledger.FeeReimbursementArgs) (models.JournalID, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(models.JournalID), args.Error(1)
}

func (m *MockLedger) RecordLnSendRevert(ctx context.Context, journalID models.JournalID) (models.JournalID, error) {
	args := m.Called(ctx, journalID)
	return args.Get(0).(models.JournalID), args.Error(1)
}

func (m *MockLedger) VoidJournal(ctx context.Context, journalID models.JournalID) (models.JournalID, error) {
	args := m.Called(ctx, journalID)
	return args.Get(0).(models.JournalID), args.Error(1)
}

func (m *MockLedger) SettlePendingPayments(ctx context.Context, hash models.PaymentHash) error {
	args := m.Called(ctx, hash)
	return args.Error(0)
}

func (m *MockLedger) IsLnTxRecorded(ctx context.Context, hash models.PaymentHash) (bool, error) {
	args := m.Called(ctx, hash)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) PendingPayments(ctx context.Context, walletID models.WalletID) ([]models.LedgerEntry, error) {
	args := m.Called(ctx, walletID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.LedgerEntry), args.Error(1)
}

func (m *MockLedger) PendingPaymentsCount(ctx context.Context, walletID models.WalletID) (int, error) {
	args := m.Called(ctx, walletID)
	return args.Int(0), args.Error(1)
}

func (m *MockLedger) NetVolumeSince(ctx context.Context, wallet models.WalletDescriptor, since time.Time) (int64, error) {
	args := m.Called(ctx, wallet, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLedger) WalletsWithPendingPayments(ctx context.Context) ([]models.WalletID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.WalletID), args.Error(1)
}

// fakeLocks runs the closure inline and records which keys were taken, in
// order. Lock semantics themselves are covered by the lock package tests.
type fakeLocks struct {
	walletKeys []models.WalletID
	hashKeys   []models.PaymentHash
}

func (f *fakeLocks) LockWalletID(ctx context.Context, id models.WalletID, fn func(ctx context.Context) error) error {
	f.walletKeys = append(f.walletKeys, id)
	return fn(ctx)
}

func (f *fakeLocks) LockPaymentHash(ctx context.Context, hash models.PaymentHash, fn func(ctx context.Context) error) error {
	f.hashKeys = append(f.hashKeys, hash)
	return fn(ctx)
}

type MockLnClient struct {
	mock.Mock
}

func (m *MockLnClient) LookupPayment(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash) (*lightning.PaymentLookup, error) {
	args := m.Called(ctx, pubkey, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lightning.PaymentLookup), args.Error(1)
}

func (m *MockLnClient) LookupInvoice(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash) (*lightning.InvoiceLookup, error) {
	args := m.Called(ctx, pubkey, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lightning.InvoiceLookup), args.Error(1)
}

func (m *MockLnClient) SettleInvoice(ctx context.Context, pubkey models.Pubkey, secret string) error {
	args := m.Called(ctx, pubkey, secret)
	return args.Error(0)
}

func (m *MockLnClient) CancelInvoice(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash) error {
	args := m.Called(ctx, pubkey, hash)
	return args.Error(0)
}

func (m *MockLnClient) PayInvoice(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash, invoice string, maxFee uint64) (*lightning.PayResult, error) {
	args := m.Called(ctx, pubkey, hash, invoice, maxFee)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lightning.PayResult), args.Error(1)
}

// fakePrices serves one fixed ratio for every price source: 20 sats per cent.
type fakePrices struct {
	err error
}

func (f *fakePrices) ratio() (money.PriceRatio, error) {
	if f.err != nil {
		return money.PriceRatio{}, f.err
	}
	return money.NewPriceRatio(money.NewCents(1), money.NewSats(20))
}

func (f *fakePrices) MidPriceRatio(ctx context.Context) (money.PriceRatio, error)   { return f.ratio() }
func (f *fakePrices) DealerBuyRatio(ctx context.Context) (money.PriceRatio, error)  { return f.ratio() }
func (f *fakePrices) DealerSellRatio(ctx context.Context) (money.PriceRatio, error) { return f.ratio() }

var _ prices.Service = (*fakePrices)(nil)

type MockPayouts struct {
	mock.Mock
}

func (m *MockPayouts) SubmitPayout(ctx context.Context, journalID models.JournalID, address string, sats uint64) (string, error) {
	args := m.Called(ctx, journalID, address, sats)
	return args.String(0), args.Error(1)
}

func (m *MockPayouts) PayoutStatus(ctx context.Context, journalID models.JournalID) (onchain.PayoutStatus, error) {
	args := m.Called(ctx, journalID)
	return args.Get(0).(onchain.PayoutStatus), args.Error(1)
}

func (m *MockPayouts) EstimateFee(ctx context.Context, address string, sats uint64) (uint64, error) {
	args := m.Called(ctx, address, sats)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockPayouts) DustThreshold() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

type fakeNotifier struct {
	received int
	sent     int
}

func (f *fakeNotifier) PaymentReceived(_ context.Context, _ models.WalletDescriptor, _ uint64, _ string) {
	f.received++
}

func (f *fakeNotifier) PaymentSent(_ context.Context, _ models.WalletDescriptor, _ models.PaymentHash) {
	f.sent++
}

type MockContacts struct {
	mock.Mock
}

func (m *MockContacts) RecordContact(ctx context.Context, account, contact models.AccountID) error {
	args := m.Called(ctx, account, contact)
	return args.Error(0)
}

func (m *MockContacts) ListContacts(ctx context.Context, account models.AccountID) ([]models.AccountID, error) {
	args := m.Called(ctx, account)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AccountID), args.Error(1)
}

type MockInvoiceStore struct {
	mock.Mock
}

func (m *MockInvoiceStore) Create(ctx context.Context, invoice models.WalletInvoice) error {
	args := m.Called(ctx, invoice)
	return args.Error(0)
}

func (m *MockInvoiceStore) Find(ctx context.Context, hash models.PaymentHash) (*models.WalletInvoice, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WalletInvoice), args.Error(1)
}

func (m *MockInvoiceStore) ListPending(ctx context.Context) ([]models.WalletInvoice, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.WalletInvoice), args.Error(1)
}

func (m *MockInvoiceStore) MarkPaid(ctx context.Context, hash models.PaymentHash) error {
	args := m.Called(ctx, hash)
	return args.Error(0)
}

func (m *MockInvoiceStore) Delete(ctx context.Context, hash models.PaymentHash) error {
	args := m.Called(ctx, hash)
	return args.Error(0)
}

type MockLnPaymentStore struct {
	mock.Mock
}

func (m *MockLnPaymentStore) Upsert(ctx context.Context, record models.LnPaymentRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockLnPaymentStore) Find(ctx context.Context, hash models.PaymentHash) (*models.LnPaymentRecord, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LnPaymentRecord), args.Error(1)
}

type MockReceiver struct {
	mock.Mock
}

func (m *MockReceiver) ReceiveLightning(ctx context.Context, args LightningReceiveArgs) (models.JournalID, error) {
	mockArgs := m.Called(ctx, args)
	return mockArgs.Get(0).(models.JournalID), mockArgs.Error(1)
}
