package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/zapbank/backend/internal/models"
	"github.com/zapbank/backend/internal/money"
)

// Facade is the double-entry engine and the only code path that may mutate
// ledger rows. Every operation writes one journal entry: an all-or-nothing
// group of legs that nets to zero per currency.
type Facade struct {
	db *sql.DB

	// Internal wallets. Bank-fee wallets collect the platform margin; the
	// network wallet is the counterparty for external settlements; the dealer
	// wallets carry the BTC/USD conversion legs of cross-currency transfers.
	bankFeeBtcWallet models.WalletID
	bankFeeUsdWallet models.WalletID
	networkWallet    models.WalletID
	dealerBtcWallet  models.WalletID
	dealerUsdWallet  models.WalletID
}

func NewFacade(db *sql.DB) *Facade {
	viper.SetDefault("ledger.bank_fee_wallet_btc", "bank-fee-btc")
	viper.SetDefault("ledger.bank_fee_wallet_usd", "bank-fee-usd")
	viper.SetDefault("ledger.network_wallet", "ln-network")
	viper.SetDefault("ledger.dealer_wallet_btc", "dealer-btc")
	viper.SetDefault("ledger.dealer_wallet_usd", "dealer-usd")

	return &Facade{
		db:               db,
		bankFeeBtcWallet: models.WalletID(viper.GetString("ledger.bank_fee_wallet_btc")),
		bankFeeUsdWallet: models.WalletID(viper.GetString("ledger.bank_fee_wallet_usd")),
		networkWallet:    models.WalletID(viper.GetString("ledger.network_wallet")),
		dealerBtcWallet:  models.WalletID(viper.GetString("ledger.dealer_wallet_btc")),
		dealerUsdWallet:  models.WalletID(viper.GetString("ledger.dealer_wallet_usd")),
	}
}

func (f *Facade) bankFeeWallet(currency string) models.WalletID {
	if currency == money.CurrencyUsd {
		return f.bankFeeUsdWallet
	}
	return f.bankFeeBtcWallet
}

func (f *Facade) dealerWallet(currency string) models.WalletID {
	if currency == money.CurrencyUsd {
		return f.dealerUsdWallet
	}
	return f.dealerBtcWallet
}

type leg struct {
	walletID models.WalletID
	debit    uint64
	credit   uint64
	currency string
}

// writeJournal persists all legs of one journal entry in a single database
// transaction. Half-written journals are the failure mode this function
// exists to prevent: any error rolls back every leg.
func (f *Facade) writeJournal(
	ctx context.Context,
	journalID models.JournalID,
	txType models.LedgerTransactionType,
	legs []leg,
	opts journalOpts,
) error {
	perCurrency := map[string]int64{}
	for _, l := range legs {
		perCurrency[l.currency] += int64(l.credit) - int64(l.debit)
	}
	for currency, net := range perCurrency {
		if net != 0 {
			// Invariant violation, not a runtime condition.
			log.Printf("[LEDGER] CRITICAL unbalanced journal %s: %s nets %d", journalID, currency, net)
			return fmt.Errorf("journal %s does not balance for %s", journalID, currency)
		}
	}

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal %s: %w", journalID, err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, l := range legs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(journal_id, wallet_id, tx_type, debit, credit, currency, fee, pending, fee_known_in_advance, payment_hash, pubkey, voids, memo, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			journalID, l.walletID, txType, l.debit, l.credit, l.currency,
			opts.fee, opts.pending, opts.feeKnownInAdvance, opts.paymentHash, opts.pubkey,
			opts.voids, opts.memo, now)
		if err != nil {
			return fmt.Errorf("insert leg for %s: %w", journalID, err)
		}
	}

	if opts.beforeCommit != nil {
		if err := opts.beforeCommit(tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal %s: %w", journalID, err)
	}
	return nil
}

type journalOpts struct {
	fee               uint64
	pending           bool
	feeKnownInAdvance bool
	paymentHash       models.PaymentHash
	pubkey            models.Pubkey
	voids             models.JournalID
	memo              string
	beforeCommit      func(tx *sql.Tx) error
}

// ReceiveArgs describes an external receive settling into one wallet.
type ReceiveArgs[C money.CurrencyMarker] struct {
	RecipientWallet models.WalletDescriptor
	Amount          money.Amount[C]
	BankFee         money.Amount[C]
	PaymentHash     models.PaymentHash
	Pubkey          models.Pubkey
	Memo            string
}

// RecordReceive credits the recipient with amount - bankFee and the bank-fee
// wallet with bankFee, against the network wallet, in one journal entry.
// Idempotent on payment hash: a second call for an already-recorded hash
// returns the original journal id without writing anything.
func RecordReceive[C money.CurrencyMarker](ctx context.Context, f *Facade, args ReceiveArgs[C]) (models.JournalID, error) {
	currency := args.Amount.Currency()
	if args.RecipientWallet.Currency != currency {
		return "", fmt.Errorf("%w: wallet %s is %s, amount is %s",
			ErrCurrencyMismatch, args.RecipientWallet.ID, args.RecipientWallet.Currency, currency)
	}
	if args.Amount.IsZero() {
		return "", ErrZeroAmount
	}
	toCredit, err := money.Sub(args.Amount, args.BankFee)
	if err != nil {
		return "", ErrFeeExceedsAmount
	}

	if args.PaymentHash != "" {
		existing, err := f.journalForReceiveHash(ctx, args.PaymentHash)
		if err != nil {
			return "", err
		}
		if existing != "" {
			log.Printf("[LEDGER] Receive for hash %s already recorded in journal %s", args.PaymentHash, existing)
			return existing, nil
		}
	}

	journalID := newJournalID()
	legs := []leg{
		{walletID: f.networkWallet, debit: args.Amount.Amount, currency: currency},
		{walletID: args.RecipientWallet.ID, credit: toCredit.Amount, currency: currency},
	}
	if !args.BankFee.IsZero() {
		legs = append(legs, leg{walletID: f.bankFeeWallet(currency), credit: args.BankFee.Amount, currency: currency})
	}

	err = f.writeJournal(ctx, journalID, models.LedgerTxTypeInvoice, legs, journalOpts{
		fee:         args.BankFee.Amount,
		paymentHash: args.PaymentHash,
		pubkey:      args.Pubkey,
		memo:        args.Memo,
	})
	if err != nil {
		return "", err
	}
	return journalID, nil
}

func (f *Facade) journalForReceiveHash(ctx context.Context, hash models.PaymentHash) (models.JournalID, error) {
	var journalID models.JournalID
	err := f.db.QueryRowContext(ctx, `
		SELECT journal_id FROM ledger_entries
		WHERE payment_hash = $1 AND tx_type = $2
		LIMIT 1`,
		hash, models.LedgerTxTypeInvoice).Scan(&journalID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("receive idempotency check for %s: %w", hash, err)
	}
	return journalID, nil
}

// SendArgs describes an external (Lightning or on-chain) send. The sender is
// debited amount + maxFee up front; the fee is corrected later by
// RecordFeeReimbursement, or the whole journal voided if the send fails.
type SendArgs[C money.CurrencyMarker] struct {
	SenderWallet      models.WalletDescriptor
	Amount            money.Amount[C]
	MaxFee            money.Amount[C]
	FeeKnownInAdvance bool
	TxType            models.LedgerTransactionType
	PaymentHash       models.PaymentHash
	Pubkey            models.Pubkey
	Memo              string
}

func RecordSend[C money.CurrencyMarker](ctx context.Context, f *Facade, args SendArgs[C]) (models.JournalID, error) {
	currency := args.Amount.Currency()
	if args.SenderWallet.Currency != currency {
		return "", fmt.Errorf("%w: wallet %s is %s, amount is %s",
			ErrCurrencyMismatch, args.SenderWallet.ID, args.SenderWallet.Currency, currency)
	}
	if args.Amount.IsZero() {
		return "", ErrZeroAmount
	}
	txType := args.TxType
	if txType == "" {
		txType = models.LedgerTxTypePayment
	}

	total := money.Add(args.Amount, args.MaxFee)
	journalID := newJournalID()
	legs := []leg{
		{walletID: args.SenderWallet.ID, debit: total.Amount, currency: currency},
		{walletID: f.networkWallet, credit: total.Amount, currency: currency},
	}

	err := f.writeJournal(ctx, journalID, txType, legs, journalOpts{
		fee:               args.MaxFee.Amount,
		pending:           true,
		feeKnownInAdvance: args.FeeKnownInAdvance,
		paymentHash:       args.PaymentHash,
		pubkey:            args.Pubkey,
		memo:              args.Memo,
	})
	if err != nil {
		return "", err
	}
	return journalID, nil
}

// IntraledgerArgs describes an on-us transfer. Both wallet movements land in
// the same journal entry, so no lock spanning two wallets is ever needed.
// When sender and recipient currencies differ, the dealer wallets carry the
// conversion legs and each currency still nets to zero.
type IntraledgerArgs struct {
	SenderWallet    models.WalletDescriptor
	RecipientWallet models.WalletDescriptor
	BtcAmount       money.Sats
	UsdAmount       money.Cents
	Hash            models.PaymentHash
	Memo            string
}

func (f *Facade) RecordIntraledger(ctx context.Context, args IntraledgerArgs) (models.JournalID, error) {
	senderCurrency := args.SenderWallet.Currency
	recipientCurrency := args.RecipientWallet.Currency

	amountIn := func(currency string) uint64 {
		if currency == money.CurrencyUsd {
			return args.UsdAmount.Amount
		}
		return args.BtcAmount.Amount
	}
	if amountIn(senderCurrency) == 0 || amountIn(recipientCurrency) == 0 {
		return "", ErrZeroAmount
	}

	var legs []leg
	if senderCurrency == recipientCurrency {
		legs = []leg{
			{walletID: args.SenderWallet.ID, debit: amountIn(senderCurrency), currency: senderCurrency},
			{walletID: args.RecipientWallet.ID, credit: amountIn(recipientCurrency), currency: recipientCurrency},
		}
	} else {
		legs = []leg{
			{walletID: args.SenderWallet.ID, debit: amountIn(senderCurrency), currency: senderCurrency},
			{walletID: f.dealerWallet(senderCurrency), credit: amountIn(senderCurrency), currency: senderCurrency},
			{walletID: f.dealerWallet(recipientCurrency), debit: amountIn(recipientCurrency), currency: recipientCurrency},
			{walletID: args.RecipientWallet.ID, credit: amountIn(recipientCurrency), currency: recipientCurrency},
		}
	}

	journalID := newJournalID()
	err := f.writeJournal(ctx, journalID, models.LedgerTxTypeIntraledger, legs, journalOpts{
		paymentHash: args.Hash,
		memo:        args.Memo,
	})
	if err != nil {
		return "", err
	}
	return journalID, nil
}

// FeeReimbursementArgs corrects a reserved max fee down to the actual network
// fee once the send has settled.
type FeeReimbursementArgs struct {
	SenderWallet models.WalletDescriptor
	JournalID    models.JournalID
	PaymentHash  models.PaymentHash
	MaxFee       money.Sats
	ActualFee    money.Sats
}

// RecordFeeReimbursement credits the sender maxFee - actualFee. No-op when
// the original entry had its fee known in advance. actualFee > maxFee is an
// error state, never a negative reimbursement.
func (f *Facade) RecordFeeReimbursement(ctx context.Context, args FeeReimbursementArgs) (models.JournalID, error) {
	var feeKnownInAdvance bool
	err := f.db.QueryRowContext(ctx, `
		SELECT fee_known_in_advance FROM ledger_entries
		WHERE journal_id = $1 AND wallet_id = $2
		LIMIT 1`,
		args.JournalID, args.SenderWallet.ID).Scan(&feeKnownInAdvance)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrJournalNotFound, args.JournalID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup send journal %s: %w", args.JournalID, err)
	}
	if feeKnownInAdvance {
		log.Printf("[LEDGER] Fee known in advance for journal %s, skipping reimbursement", args.JournalID)
		return "", nil
	}

	diff, err := money.Sub(args.MaxFee, args.ActualFee)
	if err != nil {
		log.Printf("[LEDGER] CRITICAL actual fee %d above reserved %d for hash %s",
			args.ActualFee.Amount, args.MaxFee.Amount, args.PaymentHash)
		return "", fmt.Errorf("%w: reserved %d, actual %d", ErrFeeAboveMaxReserved, args.MaxFee.Amount, args.ActualFee.Amount)
	}
	if diff.IsZero() {
		return "", nil
	}

	journalID := newJournalID()
	legs := []leg{
		{walletID: f.networkWallet, debit: diff.Amount, currency: money.CurrencyBtc},
		{walletID: args.SenderWallet.ID, credit: diff.Amount, currency: money.CurrencyBtc},
	}
	err = f.writeJournal(ctx, journalID, models.LedgerTxTypeFeeReimbursement, legs, journalOpts{
		paymentHash: args.PaymentHash,
		memo:        "fee reimbursement",
	})
	if err != nil {
		return "", err
	}
	return journalID, nil
}

// VoidJournal inserts a compensating journal entry that exactly reverses
// every leg of the target, then marks the target's legs voided so they are
// excluded from future reversal attempts.
func (f *Facade) VoidJournal(ctx context.Context, journalID models.JournalID) (models.JournalID, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT wallet_id, tx_type, debit, credit, currency, voided_by
		FROM ledger_entries
		WHERE journal_id = $1
		ORDER BY id`,
		journalID)
	if err != nil {
		return "", fmt.Errorf("load journal %s: %w", journalID, err)
	}
	defer rows.Close()

	var legs []leg
	for rows.Next() {
		var (
			l        leg
			txType   models.LedgerTransactionType
			voidedBy models.JournalID
		)
		if err := rows.Scan(&l.walletID, &txType, &l.debit, &l.credit, &l.currency, &voidedBy); err != nil {
			return "", fmt.Errorf("scan journal %s: %w", journalID, err)
		}
		if txType == models.LedgerTxTypeVoid || voidedBy != "" {
			return "", fmt.Errorf("%w: %s", ErrAlreadyVoided, journalID)
		}
		// Compensating leg: swap debit and credit.
		legs = append(legs, leg{walletID: l.walletID, debit: l.credit, credit: l.debit, currency: l.currency})
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("load journal %s: %w", journalID, err)
	}
	if len(legs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrJournalNotFound, journalID)
	}

	voidJournalID := newJournalID()
	err = f.writeJournal(ctx, voidJournalID, models.LedgerTxTypeVoid, legs, journalOpts{
		voids: journalID,
		memo:  fmt.Sprintf("void of %s", journalID),
		beforeCommit: func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE ledger_entries
				SET voided_by = $1, pending = false
				WHERE journal_id = $2 AND voided_by = ''`,
				voidJournalID, journalID)
			if err != nil {
				return fmt.Errorf("mark journal %s voided: %w", journalID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				// Lost the race against another void.
				return fmt.Errorf("%w: %s", ErrAlreadyVoided, journalID)
			}
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("[LEDGER] Voided journal %s with %s", journalID, voidJournalID)
	return voidJournalID, nil
}

// RecordLnSendRevert voids a failed Lightning send.
func (f *Facade) RecordLnSendRevert(ctx context.Context, journalID models.JournalID) (models.JournalID, error) {
	return f.VoidJournal(ctx, journalID)
}

// Concrete wrappers over the generic record functions. Go methods cannot be
// generic, and the payment executor depends on an interface, so the per
// currency entry points live here.

func (f *Facade) RecordBtcSend(ctx context.Context, args SendArgs[money.BTC]) (models.JournalID, error) {
	return RecordSend(ctx, f, args)
}

func (f *Facade) RecordBtcReceive(ctx context.Context, args ReceiveArgs[money.BTC]) (models.JournalID, error) {
	return RecordReceive(ctx, f, args)
}

func (f *Facade) RecordUsdReceive(ctx context.Context, args ReceiveArgs[money.USD]) (models.JournalID, error) {
	return RecordReceive(ctx, f, args)
}

func newJournalID() models.JournalID {
	return models.JournalID(uuid.NewString())
}
