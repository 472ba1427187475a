package chains

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dexterlabs/x402-facilitator/internal/models"
)

// Ensure FakeAdapter implements Adapter.
var _ Adapter = (*FakeAdapter)(nil)

// FakeAdapter is an in-memory Adapter for tests and for running the
// facilitator in simulation mode without chain credentials.
type FakeAdapter struct {
	// ChainName is the network this fake stands in for.
	ChainName models.Chain

	// TxPrefix is prepended to the invoice id to form the fake tx hash.
	TxPrefix string

	// GasCost is returned as the cost estimate on success.
	GasCost decimal.Decimal

	// Err, when set, is returned by every Settle call.
	Err error

	// Delay, when set, is waited before responding (bounded by ctx).
	Delay time.Duration

	mu    sync.Mutex
	calls []Transfer
}

// NewFakeAdapter returns a fake adapter that succeeds with prefix-derived
// transaction hashes, mirroring the network's simulated behavior.
func NewFakeAdapter(chain models.Chain) *FakeAdapter {
	f := &FakeAdapter{ChainName: chain}
	switch chain {
	case models.ChainSolana:
		f.TxPrefix = "sol-"
		f.GasCost = decimal.RequireFromString("0.00001")
	case models.ChainPolygon:
		f.TxPrefix = "matic-"
		f.GasCost = decimal.RequireFromString("0.003")
	default:
		f.TxPrefix = "0x"
		f.GasCost = decimal.RequireFromString("0.0002")
	}
	return f
}

// Chain implements Adapter.
func (f *FakeAdapter) Chain() models.Chain { return f.ChainName }

// Settle implements Adapter. Every invocation is recorded, including failed
// ones, so tests can assert at-most-once dispatch.
func (f *FakeAdapter) Settle(ctx context.Context, t Transfer) (*TxResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, t)
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, unavailable(ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	if f.Err != nil {
		return nil, f.Err
	}
	return &TxResult{
		TxHash:  f.TxPrefix + t.InvoiceID,
		GasCost: f.GasCost,
	}, nil
}

// Calls returns the number of Settle invocations so far.
func (f *FakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// LastCall returns the most recent Transfer, or a zero Transfer if none.
func (f *FakeAdapter) LastCall() Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return Transfer{}
	}
	return f.calls[len(f.calls)-1]
}
