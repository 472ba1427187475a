package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dexterlabs/x402-facilitator/internal/models"
)

// TypeSubmitProof is the asynq task type for registry submissions.
const TypeSubmitProof = "reputation:submit"

// QueueName is the asynq queue reputation tasks run on.
const QueueName = "reputation"

// QueueSubmitter enqueues proof submissions on a redis-backed asynq queue.
// Unlike AsyncSubmitter the retry budget survives process restarts.
type QueueSubmitter struct {
	client         *asynq.Client
	maxRetry       int
	attemptTimeout time.Duration
}

// NewQueueSubmitter returns a QueueSubmitter on the given asynq client.
func NewQueueSubmitter(client *asynq.Client, maxRetry int, attemptTimeout time.Duration) *QueueSubmitter {
	if maxRetry <= 0 {
		maxRetry = 5
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 5 * time.Second
	}
	return &QueueSubmitter{client: client, maxRetry: maxRetry, attemptTimeout: attemptTimeout}
}

// Submit implements Submitter. Enqueue failures are logged, never surfaced:
// losing a reputation submission must not fail a settled payment.
func (q *QueueSubmitter) Submit(p *models.PaymentProof) {
	payload, err := json.Marshal(p)
	if err != nil {
		slog.Error("Failed to encode reputation task", "invoice_id", p.InvoiceID, "error", err)
		return
	}
	task := asynq.NewTask(TypeSubmitProof, payload)
	_, err = q.client.Enqueue(task,
		asynq.Queue(QueueName),
		asynq.MaxRetry(q.maxRetry),
		asynq.Timeout(q.attemptTimeout),
		// One task per invoice id; re-enqueueing the same proof is a no-op.
		asynq.TaskID(p.InvoiceID),
	)
	if err != nil {
		if err == asynq.ErrTaskIDConflict {
			return
		}
		slog.Error("Failed to enqueue reputation task", "invoice_id", p.InvoiceID, "error", err)
		return
	}
	slog.Debug("Reputation task enqueued", "invoice_id", p.InvoiceID)
}

// NewWorkerMux returns the asynq handler mux for reputation tasks. Run it in
// an asynq.Server alongside the HTTP server.
func NewWorkerMux(client *Client) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSubmitProof, func(ctx context.Context, t *asynq.Task) error {
		var p models.PaymentProof
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			// Malformed payloads can never succeed; drop instead of retrying.
			return fmt.Errorf("decode proof: %v: %w", err, asynq.SkipRetry)
		}
		if err := client.Submit(ctx, &p); err != nil {
			return err
		}
		slog.Info("Reputation proof submitted", "invoice_id", p.InvoiceID, "via", "queue")
		return nil
	})
	return mux
}
