package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dexterlabs/x402-facilitator/internal/models"
	"github.com/dexterlabs/x402-facilitator/internal/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func pendingRecord(invoiceID string, gross string) *models.SettlementRecord {
	return &models.SettlementRecord{
		InvoiceID:       invoiceID,
		Chain:           models.ChainBase,
		ServiceEndpoint: "https://api.example.com/verify",
		RecipientWallet: "0xAAA",
		PayerWallet:     "0xBBB",
		GrossAmount:     decimal.RequireFromString(gross),
		FacilitatorFee:  decimal.Zero,
		NetAmount:       decimal.Zero,
	}
}

func TestLedger(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	t.Run("Begin inserts a pending record", func(t *testing.T) {
		rec := pendingRecord("inv-1", "1.00")
		if err := ledger.Begin(ctx, rec); err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		if rec.CreatedAt == 0 {
			t.Error("Expected CreatedAt to be set")
		}

		got, err := ledger.Get(ctx, "inv-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != models.StatusPending {
			t.Errorf("Expected pending status, got %s", got.Status)
		}
		if !got.GrossAmount.Equal(decimal.RequireFromString("1.00")) {
			t.Errorf("Expected gross 1.00, got %s", got.GrossAmount)
		}
	})

	t.Run("Begin rejects duplicate invoice ids", func(t *testing.T) {
		err := ledger.Begin(ctx, pendingRecord("inv-1", "2.00"))
		if !errors.Is(err, storage.ErrDuplicateInvoice) {
			t.Errorf("Expected ErrDuplicateInvoice, got %v", err)
		}

		// The original record is untouched.
		got, err := ledger.Get(ctx, "inv-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !got.GrossAmount.Equal(decimal.RequireFromString("1.00")) {
			t.Errorf("Expected gross 1.00, got %s", got.GrossAmount)
		}
	})

	t.Run("Complete transitions pending to succeeded", func(t *testing.T) {
		rec, err := ledger.Complete(ctx, "inv-1", storage.Outcome{
			Status: models.StatusSucceeded,
			TxHash: "0xinv-1",
			Fee:    decimal.RequireFromString("0.00100"),
			Net:    decimal.RequireFromString("0.99900"),
		})
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if rec.Status != models.StatusSucceeded {
			t.Errorf("Expected succeeded, got %s", rec.Status)
		}
		if rec.TxHash != "0xinv-1" {
			t.Errorf("Expected tx hash 0xinv-1, got %s", rec.TxHash)
		}
		if rec.CompletedAt == 0 {
			t.Error("Expected CompletedAt to be set")
		}
		if rec.FacilitatorFee.String() != "0.001" {
			t.Errorf("Expected fee 0.001, got %s", rec.FacilitatorFee)
		}
	})

	t.Run("Complete is exactly-once", func(t *testing.T) {
		_, err := ledger.Complete(ctx, "inv-1", storage.Outcome{
			Status:        models.StatusFailed,
			FailureReason: "chain_unavailable",
		})
		if !errors.Is(err, storage.ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition, got %v", err)
		}

		got, err := ledger.Get(ctx, "inv-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != models.StatusSucceeded {
			t.Errorf("Succeeded record was overwritten: %s", got.Status)
		}
	})

	t.Run("Complete on missing record", func(t *testing.T) {
		_, err := ledger.Complete(ctx, "inv-missing", storage.Outcome{Status: models.StatusFailed})
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Complete rejects non-terminal outcome", func(t *testing.T) {
		_, err := ledger.Complete(ctx, "inv-1", storage.Outcome{Status: models.StatusPending})
		if !errors.Is(err, storage.ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("Get missing record", func(t *testing.T) {
		_, err := ledger.Get(ctx, "inv-missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestLedger_Stats(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	// Two succeeded, one failed, one still pending.
	amounts := []string{"10.00", "5.00"}
	for i, gross := range amounts {
		id := string(rune('a'+i)) + "-ok"
		if err := ledger.Begin(ctx, pendingRecord(id, gross)); err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		fee := decimal.RequireFromString(gross).Mul(decimal.RequireFromString("0.001"))
		net := decimal.RequireFromString(gross).Sub(fee)
		if _, err := ledger.Complete(ctx, id, storage.Outcome{
			Status: models.StatusSucceeded,
			TxHash: "0x" + id,
			Fee:    fee,
			Net:    net,
		}); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
	}

	if err := ledger.Begin(ctx, pendingRecord("inv-failed", "3.00")); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := ledger.Complete(ctx, "inv-failed", storage.Outcome{
		Status:        models.StatusFailed,
		FailureReason: "insufficient_funds",
		Net:           decimal.RequireFromString("2.997"),
	}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if err := ledger.Begin(ctx, pendingRecord("inv-pending", "7.00")); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalSettlements != 3 {
		t.Errorf("Expected 3 terminal settlements, got %d", stats.TotalSettlements)
	}
	if stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("Expected 2 succeeded / 1 failed, got %d / %d", stats.Succeeded, stats.Failed)
	}
	// Volume counts succeeded nets only: 9.99 + 4.995.
	want := decimal.RequireFromString("14.985")
	if !stats.TotalVolumeUSDC.Equal(want) {
		t.Errorf("Expected volume %s, got %s", want, stats.TotalVolumeUSDC)
	}
	if stats.SuccessRate < 66.6 || stats.SuccessRate > 66.7 {
		t.Errorf("Expected success rate ~66.67, got %f", stats.SuccessRate)
	}
}

func TestLedger_ConcurrentBegin(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ledger.Begin(ctx, pendingRecord("inv-race", "1.00"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, storage.ErrDuplicateInvoice):
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly 1 Begin winner, got %d", winners)
	}
}

func TestLedger_FailInterrupted(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	for _, id := range []string{"inv-a", "inv-b"} {
		if err := ledger.Begin(ctx, pendingRecord(id, "1.00")); err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
	}
	if _, err := ledger.Complete(ctx, "inv-a", storage.Outcome{
		Status: models.StatusSucceeded,
		TxHash: "0xinv-a",
	}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	n, err := ledger.FailInterrupted(ctx)
	if err != nil {
		t.Fatalf("FailInterrupted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 interrupted record, got %d", n)
	}

	rec, err := ledger.Get(ctx, "inv-b")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != models.StatusFailed || rec.FailureReason != "interrupted" {
		t.Errorf("Expected failed/interrupted, got %s/%s", rec.Status, rec.FailureReason)
	}

	// The terminal record is untouched.
	rec, err = ledger.Get(ctx, "inv-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != models.StatusSucceeded {
		t.Errorf("Succeeded record was reaped: %s", rec.Status)
	}
}
