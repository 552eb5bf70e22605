package database

import (
	"database/sql"
	"fmt"
	"log"
)

// Startup schema. Each statement is idempotent so restarts are safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		journal_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		debit BIGINT NOT NULL DEFAULT 0,
		credit BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		fee BIGINT NOT NULL DEFAULT 0,
		pending BOOLEAN NOT NULL DEFAULT false,
		fee_known_in_advance BOOLEAN NOT NULL DEFAULT false,
		payment_hash TEXT NOT NULL DEFAULT '',
		pubkey TEXT NOT NULL DEFAULT '',
		voided_by TEXT NOT NULL DEFAULT '',
		voids TEXT NOT NULL DEFAULT '',
		memo TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_journal ON ledger_entries (journal_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet ON ledger_entries (wallet_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_hash ON ledger_entries (payment_hash) WHERE payment_hash <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_pending ON ledger_entries (wallet_id) WHERE pending = true`,

	`CREATE TABLE IF NOT EXISTS ln_payments (
		payment_hash TEXT PRIMARY KEY,
		pubkey TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		sats_fee BIGINT NOT NULL DEFAULT 0,
		attempted_count INT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS wallet_invoices (
		payment_hash TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		pubkey TEXT NOT NULL DEFAULT '',
		amount_sats BIGINT NOT NULL DEFAULT 0,
		memo TEXT NOT NULL DEFAULT '',
		paid BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_invoices_pending ON wallet_invoices (created_at) WHERE paid = false`,

	`CREATE TABLE IF NOT EXISTS account_contacts (
		account_id TEXT NOT NULL,
		contact_account_id TEXT NOT NULL,
		transactions_count INT NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (account_id, contact_account_id)
	)`,
}

// RunMigrations applies the schema.
func RunMigrations(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	log.Println("Database schema up to date")
	return nil
}
