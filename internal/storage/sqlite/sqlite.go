// Package sqlite provides a SQLite-backed implementation of the
// storage.Ledger interface.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/dexterlabs/x402-facilitator/internal/models"
	"github.com/dexterlabs/x402-facilitator/internal/storage"
)

// Ensure Ledger implements storage.Ledger
var _ storage.Ledger = (*Ledger)(nil)

// Ledger implements storage.Ledger using SQLite. Begin's check-and-insert is
// a single INSERT with conflict detection and Complete's transition guard is
// part of the UPDATE predicate, so all per-invoice serialization happens in
// the database; there is no process-level lock to contend on.
type Ledger struct {
	db *sql.DB
}

// New creates a Ledger at the given database path. It creates the parent
// directories and runs migrations automatically.
func New(dbPath string) (*Ledger, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps stats reads from blocking settlement writes; the busy
	// timeout retries writes that collide instead of failing them.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Begin atomically inserts a Pending record for the invoice id.
func (l *Ledger) Begin(ctx context.Context, rec *models.SettlementRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	rec.Status = models.StatusPending

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO settlements
		 (invoice_id, chain, service_endpoint, recipient_wallet, payer_wallet,
		  gross_amount, facilitator_fee, net_amount, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(invoice_id) DO NOTHING`,
		rec.InvoiceID, string(rec.Chain), rec.ServiceEndpoint, rec.RecipientWallet, rec.PayerWallet,
		rec.GrossAmount.String(), rec.FacilitatorFee.String(), rec.NetAmount.String(),
		string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateInvoice, rec.InvoiceID)
	}
	return nil
}

// Complete transitions a Pending record to its terminal outcome.
func (l *Ledger) Complete(ctx context.Context, invoiceID string, out storage.Outcome) (*models.SettlementRecord, error) {
	if !out.Status.Terminal() {
		return nil, fmt.Errorf("%w: outcome status %q is not terminal", storage.ErrInvalidTransition, out.Status)
	}
	if out.CompletedAt == 0 {
		out.CompletedAt = time.Now().Unix()
	}

	var txHash, failureReason interface{}
	if out.TxHash != "" {
		txHash = out.TxHash
	}
	if out.FailureReason != "" {
		failureReason = out.FailureReason
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE settlements
		 SET status = ?, tx_hash = ?, failure_reason = ?,
		     facilitator_fee = ?, net_amount = ?, completed_at = ?
		 WHERE invoice_id = ? AND status = ?`,
		string(out.Status), txHash, failureReason,
		out.Fee.String(), out.Net.String(), out.CompletedAt,
		invoiceID, string(models.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to complete settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Either the record does not exist or it already left Pending.
		if _, err := l.Get(ctx, invoiceID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s is not pending", storage.ErrInvalidTransition, invoiceID)
	}

	return l.Get(ctx, invoiceID)
}

// Get retrieves a settlement record by invoice id.
func (l *Ledger) Get(ctx context.Context, invoiceID string) (*models.SettlementRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT invoice_id, chain, service_endpoint, recipient_wallet, payer_wallet,
		        gross_amount, facilitator_fee, net_amount, tx_hash, status,
		        failure_reason, created_at, completed_at
		 FROM settlements WHERE invoice_id = ?`,
		invoiceID,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, invoiceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return rec, nil
}

// Stats folds over all terminal records.
func (l *Ledger) Stats(ctx context.Context) (*models.FacilitatorStats, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT status, net_amount FROM settlements WHERE status != ?`,
		string(models.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var terminal []storage.StatusNet
	for rows.Next() {
		var status, net string
		if err := rows.Scan(&status, &net); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		netDec, err := decimal.NewFromString(net)
		if err != nil {
			return nil, fmt.Errorf("bad net amount %q: %w", net, err)
		}
		terminal = append(terminal, storage.StatusNet{Status: models.Status(status), Net: netDec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stats rows: %w", err)
	}

	return storage.FoldStats(terminal), nil
}

// FailInterrupted fails every Pending record left over from a previous run.
func (l *Ledger) FailInterrupted(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE settlements
		 SET status = ?, failure_reason = 'interrupted', completed_at = ?
		 WHERE status = ?`,
		string(models.StatusFailed), time.Now().Unix(), string(models.StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted settlements: %w", err)
	}
	return res.RowsAffected()
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*models.SettlementRecord, error) {
	rec := &models.SettlementRecord{}
	var chain, status, gross, fee, net string
	var txHash, failureReason sql.NullString
	var completedAt sql.NullInt64

	err := row.Scan(&rec.InvoiceID, &chain, &rec.ServiceEndpoint, &rec.RecipientWallet, &rec.PayerWallet,
		&gross, &fee, &net, &txHash, &status, &failureReason, &rec.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	rec.Chain = models.Chain(chain)
	rec.Status = models.Status(status)
	if rec.GrossAmount, err = decimal.NewFromString(gross); err != nil {
		return nil, fmt.Errorf("bad gross amount %q: %w", gross, err)
	}
	if rec.FacilitatorFee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("bad facilitator fee %q: %w", fee, err)
	}
	if rec.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("bad net amount %q: %w", net, err)
	}
	if txHash.Valid {
		rec.TxHash = txHash.String
	}
	if failureReason.Valid {
		rec.FailureReason = failureReason.String
	}
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Int64
	}
	return rec, nil
}
