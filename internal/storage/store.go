// Package storage provides the settlement ledger abstraction.
package storage

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/dexterlabs/x402-facilitator/internal/models"
)

var (
	// ErrDuplicateInvoice indicates a record already exists for the invoice
	// id. Callers must fetch the existing record instead of re-settling.
	ErrDuplicateInvoice = errors.New("storage: duplicate invoice")

	// ErrNotFound indicates no record exists for the invoice id.
	ErrNotFound = errors.New("storage: settlement not found")

	// ErrInvalidTransition indicates a Complete call on a record that is not
	// Pending. Pending -> terminal is one-way and exactly-once.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)

// Outcome is the terminal result applied to a Pending record. Fee and Net are
// carried here because the fee is computed after the record is begun.
type Outcome struct {
	// Status must be StatusSucceeded or StatusFailed.
	Status models.Status

	// TxHash is set on success.
	TxHash string

	// FailureReason is set on failure.
	FailureReason string

	// Fee and Net are the computed facilitator fee and net payout.
	Fee decimal.Decimal
	Net decimal.Decimal

	// CompletedAt is a Unix timestamp; the ledger fills it when zero.
	CompletedAt int64
}

// Ledger is the idempotent, concurrency-safe store of settlement records,
// keyed by invoice id. It exclusively owns SettlementRecord storage and
// serializes all mutations to a given invoice id; unrelated invoice ids never
// contend on a ledger-level lock.
//
// This abstraction allows swapping storage backends (SQLite, PostgreSQL)
// without changing the coordinator.
type Ledger interface {
	// Begin atomically inserts a Pending record for the request. Exactly one
	// concurrent caller wins; the rest get ErrDuplicateInvoice. The
	// check-and-insert is a single indivisible operation.
	Begin(ctx context.Context, rec *models.SettlementRecord) error

	// Complete transitions a Pending record to the terminal outcome and
	// returns the updated record. Returns ErrInvalidTransition if the record
	// is not Pending, ErrNotFound if it does not exist.
	Complete(ctx context.Context, invoiceID string, out Outcome) (*models.SettlementRecord, error)

	// Get retrieves a record by invoice id, or ErrNotFound.
	Get(ctx context.Context, invoiceID string) (*models.SettlementRecord, error)

	// Stats folds over all terminal records. Pending records are excluded,
	// and the fold never blocks new Begin calls for unrelated invoice ids.
	Stats(ctx context.Context) (*models.FacilitatorStats, error)

	// FailInterrupted transitions every Pending record to Failed with reason
	// "interrupted". Run at startup: a Pending record that survived a restart
	// can never complete and must not dangle.
	FailInterrupted(ctx context.Context) (int64, error)

	// Close releases any resources held by the ledger.
	Close() error
}

// FoldStats computes FacilitatorStats from (status, net) pairs of terminal
// records. Shared by backends so the aggregate definition cannot drift.
func FoldStats(rows []StatusNet) *models.FacilitatorStats {
	stats := &models.FacilitatorStats{TotalVolumeUSDC: decimal.Zero}
	for _, r := range rows {
		switch r.Status {
		case models.StatusSucceeded:
			stats.Succeeded++
			stats.TotalVolumeUSDC = stats.TotalVolumeUSDC.Add(r.Net)
		case models.StatusFailed:
			stats.Failed++
		}
	}
	stats.TotalSettlements = stats.Succeeded + stats.Failed
	if stats.TotalSettlements > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.TotalSettlements) * 100
	}
	return stats
}

// StatusNet is one terminal record's contribution to the stats fold.
type StatusNet struct {
	Status models.Status
	Net    decimal.Decimal
}
