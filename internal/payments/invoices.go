package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zapbank/backend/internal/models"
)

var ErrInvoiceNotFound = errors.New("wallet invoice not found")

// WalletInvoiceStore tracks inbound invoices awaiting settlement. The unpaid
// set is the reconciliation engine's receive-side work queue; expired entries
// stay listed until the sweep has canceled them at the node.
type WalletInvoiceStore interface {
	Create(ctx context.Context, invoice models.WalletInvoice) error
	Find(ctx context.Context, hash models.PaymentHash) (*models.WalletInvoice, error)
	ListPending(ctx context.Context) ([]models.WalletInvoice, error)
	MarkPaid(ctx context.Context, hash models.PaymentHash) error
	Delete(ctx context.Context, hash models.PaymentHash) error
}

type SQLWalletInvoiceStore struct {
	db *sql.DB
}

func NewSQLWalletInvoiceStore(db *sql.DB) *SQLWalletInvoiceStore {
	return &SQLWalletInvoiceStore{db: db}
}

func (s *SQLWalletInvoiceStore) Create(ctx context.Context, invoice models.WalletInvoice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_invoices (payment_hash, wallet_id, currency, pubkey, amount_sats, memo, paid, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, NOW(), $7)`,
		invoice.PaymentHash, invoice.WalletID, invoice.Currency, invoice.Pubkey,
		invoice.AmountSats, invoice.Memo, invoice.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create wallet invoice %s: %w", invoice.PaymentHash, err)
	}
	return nil
}

func (s *SQLWalletInvoiceStore) Find(ctx context.Context, hash models.PaymentHash) (*models.WalletInvoice, error) {
	var invoice models.WalletInvoice
	err := s.db.QueryRowContext(ctx, `
		SELECT payment_hash, wallet_id, currency, pubkey, amount_sats, memo, paid, created_at, expires_at
		FROM wallet_invoices
		WHERE payment_hash = $1`,
		hash).Scan(
		&invoice.PaymentHash, &invoice.WalletID, &invoice.Currency, &invoice.Pubkey,
		&invoice.AmountSats, &invoice.Memo, &invoice.Paid,
		&invoice.CreatedAt, &invoice.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrInvoiceNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("find wallet invoice %s: %w", hash, err)
	}
	return &invoice, nil
}

func (s *SQLWalletInvoiceStore) ListPending(ctx context.Context) ([]models.WalletInvoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_hash, wallet_id, currency, pubkey, amount_sats, memo, paid, created_at, expires_at
		FROM wallet_invoices
		WHERE paid = false
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending invoices: %w", err)
	}
	defer rows.Close()

	invoices := []models.WalletInvoice{}
	for rows.Next() {
		var invoice models.WalletInvoice
		err := rows.Scan(
			&invoice.PaymentHash, &invoice.WalletID, &invoice.Currency, &invoice.Pubkey,
			&invoice.AmountSats, &invoice.Memo, &invoice.Paid,
			&invoice.CreatedAt, &invoice.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pending invoice: %w", err)
		}
		invoices = append(invoices, invoice)
	}
	return invoices, rows.Err()
}

// MarkPaid flips the paid flag exactly once. The zero-rows case tells the
// caller another reconciliation run already credited this invoice.
func (s *SQLWalletInvoiceStore) MarkPaid(ctx context.Context, hash models.PaymentHash) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallet_invoices SET paid = true
		WHERE payment_hash = $1 AND paid = false`,
		hash)
	if err != nil {
		return fmt.Errorf("mark invoice %s paid: %w", hash, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: no unpaid invoice for %s", ErrInvoiceNotFound, hash)
	}
	return nil
}

func (s *SQLWalletInvoiceStore) Delete(ctx context.Context, hash models.PaymentHash) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wallet_invoices WHERE payment_hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("delete wallet invoice %s: %w", hash, err)
	}
	return nil
}
