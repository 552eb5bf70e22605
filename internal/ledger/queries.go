package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/zapbank/backend/internal/models"
)

// WalletBalance sums all legs for a wallet, pending debits included, so a
// wallet cannot be overdrawn by a concurrent send while another send is still
// unsettled. Voids cancel out arithmetically through their compensating legs.
func (f *Facade) WalletBalance(ctx context.Context, wallet models.WalletDescriptor) (uint64, error) {
	var balance int64
	err := f.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(credit::bigint - debit::bigint), 0)
		FROM ledger_entries
		WHERE wallet_id = $1`,
		wallet.ID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("balance for %s: %w", wallet.ID, err)
	}
	if balance < 0 {
		log.Printf("[LEDGER] CRITICAL negative balance %d for wallet %s", balance, wallet.ID)
		return 0, fmt.Errorf("%w: wallet %s at %d", ErrNegativeBalance, wallet.ID, balance)
	}
	return uint64(balance), nil
}

// NetVolumeSince sums a wallet's external-settlement outflow since the cutoff,
// for rate-limit and KYC threshold checks. Intraledger transfers and voided
// entries are excluded.
func (f *Facade) NetVolumeSince(ctx context.Context, wallet models.WalletDescriptor, since time.Time) (int64, error) {
	var volume int64
	err := f.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(debit::bigint - credit::bigint), 0)
		FROM ledger_entries
		WHERE wallet_id = $1
		  AND created_at >= $2
		  AND tx_type IN ($3, $4, $5)
		  AND voided_by = ''`,
		wallet.ID, since,
		models.LedgerTxTypePayment, models.LedgerTxTypeOnChainPayment, models.LedgerTxTypeInvoice).Scan(&volume)
	if err != nil {
		return 0, fmt.Errorf("net volume for %s: %w", wallet.ID, err)
	}
	return volume, nil
}

// PendingPayments lists the unsettled send legs for a wallet, the reconciler's
// work queue.
func (f *Facade) PendingPayments(ctx context.Context, walletID models.WalletID) ([]models.LedgerEntry, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT id, journal_id, wallet_id, tx_type, debit, credit, currency, fee, pending, fee_known_in_advance, payment_hash, pubkey, voided_by, voids, memo, created_at
		FROM ledger_entries
		WHERE wallet_id = $1
		  AND pending = true
		  AND tx_type IN ($2, $3)
		  AND debit > 0
		ORDER BY created_at`,
		walletID, models.LedgerTxTypePayment, models.LedgerTxTypeOnChainPayment)
	if err != nil {
		return nil, fmt.Errorf("pending payments for %s: %w", walletID, err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		err := rows.Scan(
			&e.ID, &e.JournalID, &e.WalletID, &e.TxType, &e.Debit, &e.Credit, &e.Currency,
			&e.Fee, &e.Pending, &e.FeeKnownInAdvance, &e.PaymentHash, &e.Pubkey,
			&e.VoidedBy, &e.Voids, &e.Memo, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pending payment: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// WalletsWithPendingPayments lists the wallets that currently hold unsettled
// send legs, so the reconciler only locks wallets with work to do.
func (f *Facade) WalletsWithPendingPayments(ctx context.Context) ([]models.WalletID, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT DISTINCT wallet_id FROM ledger_entries
		WHERE pending = true AND tx_type IN ($1, $2) AND debit > 0`,
		models.LedgerTxTypePayment, models.LedgerTxTypeOnChainPayment)
	if err != nil {
		return nil, fmt.Errorf("wallets with pending payments: %w", err)
	}
	defer rows.Close()

	wallets := []models.WalletID{}
	for rows.Next() {
		var id models.WalletID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending wallet: %w", err)
		}
		wallets = append(wallets, id)
	}
	return wallets, rows.Err()
}

// PendingPaymentsCount is the cheap pre-check: the reconciler skips the
// wallet lock entirely when nothing is pending anymore.
func (f *Facade) PendingPaymentsCount(ctx context.Context, walletID models.WalletID) (int, error) {
	var count int
	err := f.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE wallet_id = $1 AND pending = true AND tx_type IN ($2, $3) AND debit > 0`,
		walletID, models.LedgerTxTypePayment, models.LedgerTxTypeOnChainPayment).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending payments count for %s: %w", walletID, err)
	}
	return count, nil
}

// IsLnTxRecorded reports whether the send for a hash, Lightning or on-chain,
// has already been settled or voided, so a reconciliation re-run does not
// apply the transition twice.
func (f *Facade) IsLnTxRecorded(ctx context.Context, hash models.PaymentHash) (bool, error) {
	var pending bool
	err := f.db.QueryRowContext(ctx, `
		SELECT pending FROM ledger_entries
		WHERE payment_hash = $1 AND tx_type IN ($2, $3) AND voided_by = ''
		ORDER BY created_at DESC
		LIMIT 1`,
		hash, models.LedgerTxTypePayment, models.LedgerTxTypeOnChainPayment).Scan(&pending)
	if err == sql.ErrNoRows {
		// No live send journal left for this hash: it was voided.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("recorded check for %s: %w", hash, err)
	}
	return !pending, nil
}

// SettlePendingPayments clears the pending flag on every leg for a hash.
func (f *Facade) SettlePendingPayments(ctx context.Context, hash models.PaymentHash) error {
	res, err := f.db.ExecContext(ctx, `
		UPDATE ledger_entries SET pending = false
		WHERE payment_hash = $1 AND pending = true`,
		hash)
	if err != nil {
		return fmt.Errorf("settle pending for %s: %w", hash, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: no pending entries for hash %s", ErrJournalNotFound, hash)
	}
	return nil
}

// EntriesForHash loads every leg ever written for a payment hash, the input
// to the payment-state projection.
func (f *Facade) EntriesForHash(ctx context.Context, hash models.PaymentHash) ([]models.LedgerEntry, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT id, journal_id, wallet_id, tx_type, debit, credit, currency, fee, pending, fee_known_in_advance, payment_hash, pubkey, voided_by, voids, memo, created_at
		FROM ledger_entries
		WHERE payment_hash = $1
		ORDER BY created_at, id`,
		hash)
	if err != nil {
		return nil, fmt.Errorf("entries for hash %s: %w", hash, err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		err := rows.Scan(
			&e.ID, &e.JournalID, &e.WalletID, &e.TxType, &e.Debit, &e.Credit, &e.Currency,
			&e.Fee, &e.Pending, &e.FeeKnownInAdvance, &e.PaymentHash, &e.Pubkey,
			&e.VoidedBy, &e.Voids, &e.Memo, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry for hash %s: %w", hash, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PaymentState projects the Lightning payment state for a hash from its
// journal rows.
func (f *Facade) PaymentState(ctx context.Context, hash models.PaymentHash) (models.LnPaymentState, error) {
	entries, err := f.EntriesForHash(ctx, hash)
	if err != nil {
		return "", err
	}
	return ProjectPaymentState(entries)
}
