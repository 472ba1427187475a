package sqlite

import "database/sql"

// schema sets up the settlement ledger. It runs on startup so the table
// always exists. Money columns are TEXT holding decimal strings; REAL would
// reintroduce the binary-float drift the ledger exists to prevent.
const schema = `
CREATE TABLE IF NOT EXISTS settlements (
    invoice_id TEXT PRIMARY KEY,
    chain TEXT NOT NULL,
    service_endpoint TEXT NOT NULL,
    recipient_wallet TEXT NOT NULL,
    payer_wallet TEXT NOT NULL,
    gross_amount TEXT NOT NULL,
    facilitator_fee TEXT NOT NULL,
    net_amount TEXT NOT NULL,
    tx_hash TEXT,
    status TEXT NOT NULL,
    failure_reason TEXT,
    created_at INTEGER NOT NULL,
    completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status);
CREATE INDEX IF NOT EXISTS idx_settlements_created_at ON settlements(created_at);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
