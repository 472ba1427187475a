// Package coordinator orchestrates one settlement end-to-end: validate,
// compute fee, dispatch to the chain adapter, commit the outcome to the
// ledger, build the proof, and schedule reputation submission.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dexterlabs/x402-facilitator/internal/chains"
	"github.com/dexterlabs/x402-facilitator/internal/fees"
	"github.com/dexterlabs/x402-facilitator/internal/models"
	"github.com/dexterlabs/x402-facilitator/internal/proof"
	"github.com/dexterlabs/x402-facilitator/internal/reputation"
	"github.com/dexterlabs/x402-facilitator/internal/storage"
)

var (
	// ErrInvalidRequest indicates a malformed settlement request, detected
	// before the ledger is touched. Surfaced as a 4xx.
	ErrInvalidRequest = errors.New("coordinator: invalid request")

	// ErrUnsupportedChain indicates the requested chain has no configured
	// adapter, detected before the ledger is touched. Surfaced as a 4xx.
	ErrUnsupportedChain = errors.New("coordinator: unsupported chain")
)

// Failure reasons recorded on terminal Failed records.
const (
	ReasonBelowMinimum      = "below_minimum"
	ReasonChainUnavailable  = "chain_unavailable"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonInvalidAddress    = "invalid_address"
	ReasonSettlementFailed  = "settlement_failed"
)

// Result is the outcome of a settle call: the terminal (or, across nodes,
// possibly still pending) record, plus the proof when the record succeeded.
type Result struct {
	Record *models.SettlementRecord
	Proof  *models.PaymentProof
}

// Coordinator guarantees at-most-one in-flight settlement per invoice id and
// an idempotent retry contract: calling Settle twice with the same invoice id
// returns the same outcome both times, and the chain adapter is invoked at
// most once.
type Coordinator struct {
	ledger         storage.Ledger
	calc           *fees.Calculator
	adapters       map[models.Chain]chains.Adapter
	proofs         *proof.Builder
	submitter      reputation.Submitter
	adapterTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

// inflightCall lets concurrent settles for one invoice id join the winner's
// outcome instead of racing it.
type inflightCall struct {
	done chan struct{}
	res  *Result
	err  error
}

// New wires a Coordinator. The adapters map is the full set of supported
// chains; anything absent from it is an unsupported chain.
func New(ledger storage.Ledger, calc *fees.Calculator, adapters map[models.Chain]chains.Adapter,
	proofs *proof.Builder, submitter reputation.Submitter, adapterTimeout time.Duration) *Coordinator {
	if submitter == nil {
		submitter = reputation.NopSubmitter{}
	}
	if adapterTimeout <= 0 {
		adapterTimeout = 30 * time.Second
	}
	return &Coordinator{
		ledger:         ledger,
		calc:           calc,
		adapters:       adapters,
		proofs:         proofs,
		submitter:      submitter,
		adapterTimeout: adapterTimeout,
		inflight:       make(map[string]*inflightCall),
	}
}

// SupportedChains lists the configured chains.
func (c *Coordinator) SupportedChains() []models.Chain {
	out := make([]models.Chain, 0, len(c.adapters))
	for _, chain := range []models.Chain{models.ChainBase, models.ChainSolana, models.ChainPolygon} {
		if _, ok := c.adapters[chain]; ok {
			out = append(out, chain)
		}
	}
	return out
}

// Settle processes one settlement request. It never returns an error for
// chain-level failures; those are reported through the Failed record in the
// Result. Errors are reserved for invalid requests, unsupported chains, and
// ledger faults.
func (c *Coordinator) Settle(ctx context.Context, req models.SettlementRequest) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	chain, _ := models.ParseChain(req.Chain)
	adapter, ok := c.adapters[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, req.Chain)
	}

	// Join an in-flight settlement for the same invoice id instead of
	// racing it; everyone reports the winner's outcome.
	c.mu.Lock()
	if call, exists := c.inflight[req.InvoiceID]; exists {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.res, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	c.inflight[req.InvoiceID] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, req.InvoiceID)
		c.mu.Unlock()
		close(call.done)
	}()

	call.res, call.err = c.settle(ctx, req, chain, adapter)
	return call.res, call.err
}

// Get returns the prior outcome for an invoice id, rebuilding the proof for
// succeeded records.
func (c *Coordinator) Get(ctx context.Context, invoiceID string) (*Result, error) {
	rec, err := c.ledger.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return c.resultFor(rec), nil
}

func (c *Coordinator) settle(ctx context.Context, req models.SettlementRequest, chain models.Chain, adapter chains.Adapter) (*Result, error) {
	rec := &models.SettlementRecord{
		InvoiceID:       req.InvoiceID,
		Chain:           chain,
		ServiceEndpoint: req.ServiceEndpoint,
		RecipientWallet: req.RecipientWallet,
		PayerWallet:     req.PayerWallet,
		GrossAmount:     req.AmountUSDC,
		FacilitatorFee:  decimal.Zero,
		NetAmount:       decimal.Zero,
	}

	if err := c.ledger.Begin(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateInvoice) {
			// Retried invoice: return the prior outcome unchanged.
			return c.Get(ctx, req.InvoiceID)
		}
		return nil, err
	}

	fee, net, err := c.calc.Compute(req.AmountUSDC)
	if err != nil {
		if errors.Is(err, fees.ErrBelowMinimum) {
			// Business-rule rejection: terminal Failed, no adapter call.
			return c.fail(ctx, req.InvoiceID, ReasonBelowMinimum, decimal.Zero, decimal.Zero)
		}
		return nil, err
	}

	// The adapter round trip runs under its own deadline and outside any
	// ledger transition, so a slow chain never serializes other invoices.
	actx, cancel := context.WithTimeout(ctx, c.adapterTimeout)
	txres, aerr := adapter.Settle(actx, chains.Transfer{
		InvoiceID: req.InvoiceID,
		Amount:    net,
		Recipient: req.RecipientWallet,
		Payer:     req.PayerWallet,
	})
	cancel()
	if aerr != nil {
		slog.Warn("Chain settlement failed",
			"invoice_id", req.InvoiceID,
			"chain", chain,
			"error", aerr,
		)
		return c.fail(ctx, req.InvoiceID, failureReason(aerr), fee, net)
	}

	completed, err := c.ledger.Complete(completionContext(ctx), req.InvoiceID, storage.Outcome{
		Status: models.StatusSucceeded,
		TxHash: txres.TxHash,
		Fee:    fee,
		Net:    net,
	})
	if err != nil {
		return nil, err
	}

	res := c.resultFor(completed)
	if res.Proof != nil {
		c.submitter.Submit(res.Proof)
	}
	slog.Info("Settlement succeeded",
		"invoice_id", req.InvoiceID,
		"chain", chain,
		"tx_hash", txres.TxHash,
		"net_amount", net,
		"gas_cost", txres.GasCost,
	)
	return res, nil
}

// fail commits a terminal Failed record. Completion must happen even when the
// request context already expired; a Pending record may never dangle.
func (c *Coordinator) fail(ctx context.Context, invoiceID, reason string, fee, net decimal.Decimal) (*Result, error) {
	completed, err := c.ledger.Complete(completionContext(ctx), invoiceID, storage.Outcome{
		Status:        models.StatusFailed,
		FailureReason: reason,
		Fee:           fee,
		Net:           net,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Record: completed}, nil
}

func (c *Coordinator) resultFor(rec *models.SettlementRecord) *Result {
	res := &Result{Record: rec}
	if rec.Status == models.StatusSucceeded {
		p, err := c.proofs.Build(rec)
		if err != nil {
			slog.Error("Proof build failed for succeeded record",
				"invoice_id", rec.InvoiceID,
				"error", err,
			)
			return res
		}
		res.Proof = p
	}
	return res
}

// completionContext detaches ledger completion from request cancellation so
// an expired caller deadline cannot leave a Pending record behind.
func completionContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func validate(req models.SettlementRequest) error {
	switch {
	case req.InvoiceID == "":
		return fmt.Errorf("%w: invoice_id required", ErrInvalidRequest)
	case !req.AmountUSDC.IsPositive():
		return fmt.Errorf("%w: amount_usdc must be > 0", ErrInvalidRequest)
	case req.RecipientWallet == "":
		return fmt.Errorf("%w: recipient_wallet required", ErrInvalidRequest)
	case req.PayerWallet == "":
		return fmt.Errorf("%w: payer_wallet required", ErrInvalidRequest)
	}
	return nil
}

// failureReason maps an adapter error to the recorded reason.
func failureReason(err error) string {
	switch {
	case errors.Is(err, chains.ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, chains.ErrInvalidAddress):
		return ReasonInvalidAddress
	case errors.Is(err, chains.ErrChainUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ReasonChainUnavailable
	default:
		return ReasonSettlementFailed
	}
}
