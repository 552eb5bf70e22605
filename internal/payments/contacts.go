package payments

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zapbank/backend/internal/models"
)

// ContactRecorder remembers who an account has transacted with, for recipient
// suggestions. Best-effort: a failure here never fails the payment.
type ContactRecorder interface {
	RecordContact(ctx context.Context, account, contact models.AccountID) error
	ListContacts(ctx context.Context, account models.AccountID) ([]models.AccountID, error)
}

type SQLContactRecorder struct {
	db *sql.DB
}

func NewSQLContactRecorder(db *sql.DB) *SQLContactRecorder {
	return &SQLContactRecorder{db: db}
}

func (r *SQLContactRecorder) RecordContact(ctx context.Context, account, contact models.AccountID) error {
	if account == "" || contact == "" || account == contact {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO account_contacts (account_id, contact_account_id, transactions_count, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (account_id, contact_account_id)
		DO UPDATE SET transactions_count = account_contacts.transactions_count + 1, updated_at = NOW()`,
		account, contact)
	if err != nil {
		return fmt.Errorf("record contact %s -> %s: %w", account, contact, err)
	}
	return nil
}

func (r *SQLContactRecorder) ListContacts(ctx context.Context, account models.AccountID) ([]models.AccountID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT contact_account_id FROM account_contacts
		WHERE account_id = $1
		ORDER BY transactions_count DESC, updated_at DESC`,
		account)
	if err != nil {
		return nil, fmt.Errorf("list contacts for %s: %w", account, err)
	}
	defer rows.Close()

	contacts := []models.AccountID{}
	for rows.Next() {
		var id models.AccountID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, id)
	}
	return contacts, rows.Err()
}
