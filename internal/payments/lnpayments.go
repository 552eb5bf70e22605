package payments

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zapbank/backend/internal/models"
)

// LnPaymentStore mirrors the node's view of outbound payments in our own
// database, so reconciliation keeps working after the node prunes old
// payments. The ledger stays the source of truth; this table is advisory.
type LnPaymentStore interface {
	Upsert(ctx context.Context, record models.LnPaymentRecord) error
	Find(ctx context.Context, hash models.PaymentHash) (*models.LnPaymentRecord, error)
}

var ErrLnPaymentNotFound = fmt.Errorf("ln payment record not found")

type SQLLnPaymentStore struct {
	db *sql.DB
}

func NewSQLLnPaymentStore(db *sql.DB) *SQLLnPaymentStore {
	return &SQLLnPaymentStore{db: db}
}

func (s *SQLLnPaymentStore) Upsert(ctx context.Context, record models.LnPaymentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ln_payments (payment_hash, pubkey, status, sats_fee, attempted_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW(), NOW())
		ON CONFLICT (payment_hash)
		DO UPDATE SET status = $3, sats_fee = $4,
			attempted_count = ln_payments.attempted_count + 1, updated_at = NOW()`,
		record.PaymentHash, record.Pubkey, record.Status, record.SatsFee)
	if err != nil {
		return fmt.Errorf("upsert ln payment %s: %w", record.PaymentHash, err)
	}
	return nil
}

func (s *SQLLnPaymentStore) Find(ctx context.Context, hash models.PaymentHash) (*models.LnPaymentRecord, error) {
	var record models.LnPaymentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT payment_hash, pubkey, status, sats_fee, attempted_count, created_at, updated_at
		FROM ln_payments
		WHERE payment_hash = $1`,
		hash).Scan(
		&record.PaymentHash, &record.Pubkey, &record.Status, &record.SatsFee,
		&record.AttemptedCount, &record.CreatedAt, &record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrLnPaymentNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("find ln payment %s: %w", hash, err)
	}
	return &record, nil
}
