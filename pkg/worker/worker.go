// Package worker polls the outbox and drives operations through their
// lifecycle: pick, mark inflight, dispatch, then mark delivered, schedule a
// retry, or dead-letter once the ceiling is reached.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	backoffv4 "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskbridge/outbox/pkg/config"
	"github.com/taskbridge/outbox/pkg/dispatch"
	"github.com/taskbridge/outbox/pkg/retry"
	"github.com/taskbridge/outbox/pkg/store"
)

const (
	defaultBatchSize    = 10
	defaultMaxTries     = 3
	defaultPollInterval = 5 * time.Second
)

// Summary counts the outcomes of one polling run. Advisory only; the store
// is the source of truth.
type Summary struct {
	Picked    int
	Delivered int
	Failed    int
	Dead      int
}

func (s Summary) String() string {
	return fmt.Sprintf("picked=%d delivered=%d failed=%d dead=%d", s.Picked, s.Delivered, s.Failed, s.Dead)
}

// Worker is a re-entrant polling loop. Any number of worker processes may
// run against the same store; the store's locking keeps their batches
// disjoint.
type Worker struct {
	repo         store.OutboxRepository
	dispatcher   dispatch.Dispatcher
	tracer       trace.Tracer
	id           string
	batchSize    int
	maxTries     int
	pollInterval time.Duration
	policy       retry.Policy
	executor     retry.Executor
	breaker      *retry.Breaker
}

// New creates a Worker from the loaded settings.
func New(repo store.OutboxRepository, dispatcher dispatch.Dispatcher, cfg *config.Settings) *Worker {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxTries := cfg.MaxTries
	if maxTries <= 0 {
		maxTries = defaultMaxTries
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	policy := retry.Policy{
		Base:   cfg.Retry.BaseDelay,
		Cap:    cfg.Retry.MaxDelay,
		Jitter: cfg.Retry.JitterRatio,
	}

	w := &Worker{
		repo:         repo,
		dispatcher:   dispatcher,
		tracer:       otel.Tracer("task-outbox"),
		id:           uuid.NewString(),
		batchSize:    batchSize,
		maxTries:     maxTries,
		pollInterval: pollInterval,
		policy:       policy,
		executor: retry.Executor{
			MaxAttempts: cfg.Retry.MaxAttempts,
			MaxElapsed:  cfg.Retry.MaxElapsed,
			Policy:      policy,
			Retryable:   dispatch.Retryable,
		},
	}

	if cfg.Breaker.Enabled {
		w.breaker = retry.NewBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	}

	return w
}

// WithBatchSize overrides the configured batch size (CLI --limit).
func (w *Worker) WithBatchSize(n int) *Worker {
	if n > 0 {
		w.batchSize = n
	}
	return w
}

// WithMaxTries overrides the dead-letter ceiling (CLI --max-tries).
func (w *Worker) WithMaxTries(n int) *Worker {
	if n > 0 {
		w.maxTries = n
	}
	return w
}

// RunOnce processes a single batch. Per-operation dispatch failures are
// isolated and recorded in the summary; store errors abort the run and
// propagate so the caller can back off the whole poll.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary

	ops, err := w.repo.PickBatch(ctx, w.batchSize)
	if err != nil {
		return summary, fmt.Errorf("pick batch: %w", err)
	}

	for i := range ops {
		op := &ops[i]
		summary.Picked++

		if err := w.processOne(ctx, op, &summary); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

// processOne runs one operation through dispatch and the matching state
// transition. Only store errors are returned.
func (w *Worker) processOne(ctx context.Context, op *store.Operation, summary *Summary) error {
	ctx, span := w.tracer.Start(ctx, "ProcessOperation", trace.WithAttributes(
		attribute.Int64("operation.id", op.ID),
		attribute.String("operation.type", op.OperationType),
		attribute.String("operation.endpoint", op.Endpoint),
		attribute.String("operation.status", string(op.Status)),
		attribute.Int("operation.retry_count", op.RetryCount),
		attribute.String("worker.id", w.id),
	))
	defer span.End()

	if err := w.repo.MarkInflight(ctx, op.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark inflight %d: %w", op.ID, err)
	}

	dispatchErr := w.dispatchOp(ctx, op)
	if dispatchErr == nil {
		if err := w.repo.MarkDelivered(ctx, op.ID); err != nil {
			span.RecordError(err)
			return fmt.Errorf("mark delivered %d: %w", op.ID, err)
		}
		summary.Delivered++
		return nil
	}

	log.Printf("Failed to dispatch operation %d: %v", op.ID, dispatchErr)
	span.RecordError(dispatchErr)
	span.SetStatus(codes.Error, dispatchErr.Error())

	newRetryCount := op.RetryCount + 1
	// Non-retryable failures skip the remaining budget: retrying a
	// validation error burns attempts without ever succeeding.
	if !dispatch.Retryable(dispatchErr) || newRetryCount >= w.maxTries {
		if err := w.repo.DeadLetter(ctx, op.ID, dispatchErr.Error()); err != nil {
			span.RecordError(err)
			return fmt.Errorf("dead letter %d: %w", op.ID, err)
		}
		summary.Dead++
		return nil
	}

	delay := w.retryDelay(newRetryCount, dispatchErr)
	if err := w.repo.MarkFailed(ctx, op.ID, delay, dispatchErr.Error()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark failed %d: %w", op.ID, err)
	}
	summary.Failed++
	return nil
}

// dispatchOp invokes the dispatcher wrapped in the retry executor (and the
// breaker when enabled). This attempt-level retry is separate from the
// outbox-level retry driven by MarkFailed.
func (w *Worker) dispatchOp(ctx context.Context, op *store.Operation) error {
	call := func(ctx context.Context) error {
		return w.dispatcher.Dispatch(ctx, op)
	}
	if w.breaker != nil {
		inner := call
		call = func(ctx context.Context) error {
			return w.breaker.Do(func() error { return inner(ctx) })
		}
	}
	return w.executor.Do(ctx, call)
}

func (w *Worker) retryDelay(attempt int, err error) time.Duration {
	var hinter retry.RetryAfterHinter
	if errors.As(err, &hinter) {
		if hint, ok := hinter.RetryAfterHint(); ok {
			return w.policy.DelayWithHint(attempt, hint)
		}
	}
	return w.policy.NextDelay(attempt)
}

// Run polls until the context is cancelled. Store failures back the poll off
// exponentially instead of spinning against a down database.
func (w *Worker) Run(ctx context.Context) error {
	storeBackoff := backoffv4.NewExponentialBackOff()
	storeBackoff.MaxElapsedTime = 0 // keep polling until shutdown

	for {
		summary, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := storeBackoff.NextBackOff()
			log.Printf("outbox worker %s: run failed (retrying in %s): %v", w.id, wait, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		storeBackoff.Reset()
		log.Printf("outbox worker %s: %s", w.id, summary)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}
