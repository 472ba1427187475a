// Package postgres provides a PostgreSQL-backed implementation of the
// storage.Ledger interface, for deployments where the ledger must be shared
// across facilitator nodes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dexterlabs/x402-facilitator/internal/models"
	"github.com/dexterlabs/x402-facilitator/internal/storage"
)

// Ensure Ledger implements storage.Ledger
var _ storage.Ledger = (*Ledger)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS settlements (
    invoice_id TEXT PRIMARY KEY,
    chain TEXT NOT NULL,
    service_endpoint TEXT NOT NULL,
    recipient_wallet TEXT NOT NULL,
    payer_wallet TEXT NOT NULL,
    gross_amount NUMERIC NOT NULL,
    facilitator_fee NUMERIC NOT NULL,
    net_amount NUMERIC NOT NULL,
    tx_hash TEXT,
    status TEXT NOT NULL,
    failure_reason TEXT,
    created_at BIGINT NOT NULL,
    completed_at BIGINT
);

CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status);
`

// Ledger implements storage.Ledger on a pgx connection pool. Row-level
// conflict detection gives the same per-invoice serialization as the SQLite
// backend, with multi-node safety on top.
type Ledger struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Ledger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Ledger{pool: pool}, nil
}

// Close releases the connection pool.
func (l *Ledger) Close() error {
	l.pool.Close()
	return nil
}

// Pool exposes the underlying pool for health checks.
func (l *Ledger) Pool() *pgxpool.Pool { return l.pool }

// Begin atomically inserts a Pending record for the invoice id.
func (l *Ledger) Begin(ctx context.Context, rec *models.SettlementRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	rec.Status = models.StatusPending

	tag, err := l.pool.Exec(ctx,
		`INSERT INTO settlements
		 (invoice_id, chain, service_endpoint, recipient_wallet, payer_wallet,
		  gross_amount, facilitator_fee, net_amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (invoice_id) DO NOTHING`,
		rec.InvoiceID, string(rec.Chain), rec.ServiceEndpoint, rec.RecipientWallet, rec.PayerWallet,
		rec.GrossAmount, rec.FacilitatorFee, rec.NetAmount, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
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

	var txHash, failureReason *string
	if out.TxHash != "" {
		txHash = &out.TxHash
	}
	if out.FailureReason != "" {
		failureReason = &out.FailureReason
	}

	tag, err := l.pool.Exec(ctx,
		`UPDATE settlements
		 SET status = $1, tx_hash = $2, failure_reason = $3,
		     facilitator_fee = $4, net_amount = $5, completed_at = $6
		 WHERE invoice_id = $7 AND status = $8`,
		string(out.Status), txHash, failureReason,
		out.Fee, out.Net, out.CompletedAt,
		invoiceID, string(models.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to complete settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := l.Get(ctx, invoiceID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s is not pending", storage.ErrInvalidTransition, invoiceID)
	}

	return l.Get(ctx, invoiceID)
}

// Get retrieves a settlement record by invoice id.
func (l *Ledger) Get(ctx context.Context, invoiceID string) (*models.SettlementRecord, error) {
	rec := &models.SettlementRecord{}
	var chain, status string
	var txHash, failureReason *string
	var completedAt *int64

	err := l.pool.QueryRow(ctx,
		`SELECT invoice_id, chain, service_endpoint, recipient_wallet, payer_wallet,
		        gross_amount, facilitator_fee, net_amount, tx_hash, status,
		        failure_reason, created_at, completed_at
		 FROM settlements WHERE invoice_id = $1`,
		invoiceID,
	).Scan(&rec.InvoiceID, &chain, &rec.ServiceEndpoint, &rec.RecipientWallet, &rec.PayerWallet,
		&rec.GrossAmount, &rec.FacilitatorFee, &rec.NetAmount, &txHash, &status,
		&failureReason, &rec.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, invoiceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}

	rec.Chain = models.Chain(chain)
	rec.Status = models.Status(status)
	if txHash != nil {
		rec.TxHash = *txHash
	}
	if failureReason != nil {
		rec.FailureReason = *failureReason
	}
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}
	return rec, nil
}

// Stats folds over all terminal records.
func (l *Ledger) Stats(ctx context.Context) (*models.FacilitatorStats, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT status, net_amount FROM settlements WHERE status != $1`,
		string(models.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var terminal []storage.StatusNet
	for rows.Next() {
		var status string
		var net decimal.Decimal
		if err := rows.Scan(&status, &net); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		terminal = append(terminal, storage.StatusNet{Status: models.Status(status), Net: net})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stats rows: %w", err)
	}

	return storage.FoldStats(terminal), nil
}

// FailInterrupted fails every Pending record left over from a previous run.
func (l *Ledger) FailInterrupted(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx,
		`UPDATE settlements
		 SET status = $1, failure_reason = 'interrupted', completed_at = $2
		 WHERE status = $3`,
		string(models.StatusFailed), time.Now().Unix(), string(models.StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted settlements: %w", err)
	}
	return tag.RowsAffected(), nil
}
