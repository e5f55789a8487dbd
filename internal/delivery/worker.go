package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/campaign-relay/internal/pkg/ctxlog"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	NumWorkers        int
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:         50,
		PollInterval:      time.Second,
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		NumWorkers:        4,
	}
}

// Worker polls the queue for due units and hands them to the handler
// registered for their kind.
type Worker struct {
	config   WorkerConfig
	queue    Queue
	handlers map[UnitKind]UnitHandler
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new work unit worker.
func NewWorker(config WorkerConfig, queue Queue, handlers map[UnitKind]UnitHandler) *Worker {
	return &Worker{
		config:   config,
		queue:    queue,
		handlers: handlers,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting delivery worker",
		"workers", w.config.NumWorkers,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop gracefully stops all workers. Units being processed are finished first.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Info("delivery worker stopped")
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processBatch(ctx, workerID)
			if workerID == 0 {
				w.recordDepth(ctx)
			}
		}
	}
}

// processBatch handles up to BatchSize due units. Units are claimed one at a
// time so that a claim never outlives the handling of a single unit.
func (w *Worker) processBatch(ctx context.Context, workerID int) {
	processed := 0
	for processed < w.config.BatchSize {
		if w.stopping(ctx) {
			break
		}

		units, err := w.queue.FetchDue(ctx, w.now(), 1)
		if err != nil {
			slog.Error("failed to fetch due units", "worker", workerID, "error", err)
			break
		}
		if len(units) == 0 {
			break
		}

		w.processUnit(ctx, units[0])
		processed++
	}

	if processed > 0 {
		slog.Debug("processed units", "worker", workerID, "count", processed)
	}
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) processUnit(ctx context.Context, unit *Unit) {
	ctx, _ = ctxlog.With(ctx, "unit_id", unit.ID, "attempt", unit.Attempts+1)

	handler, ok := w.handlers[unit.Kind]
	if !ok {
		slog.Error("no handler for unit kind", "unit_id", unit.ID, "kind", unit.Kind)
		w.ack(ctx, unit)
		recordUnit(unit.Kind, "dropped")
		return
	}

	if err := handler.HandleUnit(ctx, unit); err != nil {
		w.handleError(ctx, unit, err)
		return
	}

	w.ack(ctx, unit)
	recordUnit(unit.Kind, "done")
}

func (w *Worker) handleError(ctx context.Context, unit *Unit, err error) {
	slog.Warn("unit failed",
		"unit_id", unit.ID,
		"kind", unit.Kind,
		"campaign_id", unit.CampaignID,
		"recipient_id", unit.RecipientID,
		"attempt", unit.Attempts+1,
		"max_attempts", w.config.MaxAttempts,
		"error", err,
	)

	// A page unit is the only link in its campaign's paging chain, so it is
	// retried at the capped backoff for as long as the error is retryable.
	exhausted := unit.Attempts+1 >= w.config.MaxAttempts && unit.Kind != UnitKindPage
	if !isRetryable(err) || exhausted {
		// A dropped dispatch leaves the recipient pending; its lease lapses and
		// a later page picks it up again.
		slog.Error("dropping unit", "unit_id", unit.ID, "kind", unit.Kind, "error", err)
		w.ack(ctx, unit)
		recordUnit(unit.Kind, "dropped")
		return
	}

	nextAttempt := w.calculateNextAttempt(unit.Attempts + 1)
	if retryErr := w.queue.Retry(ctx, unit, err, nextAttempt); retryErr != nil {
		slog.Error("failed to schedule unit retry", "unit_id", unit.ID, "error", retryErr)
	}
	recordUnit(unit.Kind, "retry")
}

func (w *Worker) ack(ctx context.Context, unit *Unit) {
	if err := w.queue.Ack(ctx, unit.ID); err != nil {
		slog.Error("failed to ack unit", "unit_id", unit.ID, "error", err)
	}
}

func (w *Worker) recordDepth(ctx context.Context) {
	depth, err := w.queue.Depth(ctx)
	if err != nil {
		slog.Debug("failed to read queue depth", "error", err)
		return
	}
	RecordQueueDepth(depth)
}

func (w *Worker) calculateNextAttempt(attempt int) time.Time {
	backoff := float64(w.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= w.config.BackoffMultiplier
	}

	if backoff > float64(w.config.MaxBackoff) {
		backoff = float64(w.config.MaxBackoff)
	}

	return w.now().Add(time.Duration(backoff))
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// PermanentError marks a unit failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

// IsRetryable returns false.
func (e *PermanentError) IsRetryable() bool { return false }

func (e *PermanentError) Unwrap() error {
	return e.Err
}
