package reputation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dexterlabs/x402-facilitator/internal/models"
)

// Submitter schedules a proof for registry submission without blocking the
// caller. Implementations must isolate all failures from the settlement path.
type Submitter interface {
	Submit(p *models.PaymentProof)
}

// NopSubmitter discards proofs; used when no registry is configured.
type NopSubmitter struct{}

// Submit implements Submitter.
func (NopSubmitter) Submit(*models.PaymentProof) {}

// AsyncSubmitter runs each submission in a background goroutine with a
// per-attempt timeout and bounded exponential backoff.
type AsyncSubmitter struct {
	client         *Client
	maxAttempts    int
	initialDelay   time.Duration
	attemptTimeout time.Duration

	wg sync.WaitGroup
}

// NewAsyncSubmitter returns an AsyncSubmitter. maxAttempts bounds the retry
// budget; initialDelay doubles after each failed attempt.
func NewAsyncSubmitter(client *Client, maxAttempts int, initialDelay, attemptTimeout time.Duration) *AsyncSubmitter {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if initialDelay <= 0 {
		initialDelay = 200 * time.Millisecond
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 5 * time.Second
	}
	return &AsyncSubmitter{
		client:         client,
		maxAttempts:    maxAttempts,
		initialDelay:   initialDelay,
		attemptTimeout: attemptTimeout,
	}
}

// Submit implements Submitter. Fire-and-forget: the settlement response never
// waits on it.
func (s *AsyncSubmitter) Submit(p *models.PaymentProof) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(p)
	}()
}

// Wait blocks until all in-flight submissions have finished their retry
// budget. Used for graceful shutdown and tests.
func (s *AsyncSubmitter) Wait() {
	s.wg.Wait()
}

func (s *AsyncSubmitter) run(p *models.PaymentProof) {
	delay := s.initialDelay
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.attemptTimeout)
		err := s.client.Submit(ctx, p)
		cancel()
		if err == nil {
			slog.Info("Reputation proof submitted",
				"invoice_id", p.InvoiceID,
				"attempt", attempt,
			)
			return
		}

		slog.Warn("Reputation submission failed",
			"invoice_id", p.InvoiceID,
			"attempt", attempt,
			"max_attempts", s.maxAttempts,
			"error", err,
		)
		if attempt < s.maxAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	slog.Error("Reputation submission exhausted retry budget", "invoice_id", p.InvoiceID)
}
