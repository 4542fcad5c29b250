package store

import (
	"context"
	"time"

	"github.com/taskbridge/outbox/pkg/idempotency"
)

// OutboxRepository defines the database operations for outbox rows.
//
// Implementations must keep every transition a single atomic statement and
// must guarantee that concurrent PickBatch calls never return the same row.
// The retry ceiling is owned by the caller: MarkFailed only persists the
// attempted count, it never dead-letters on its own.
type OutboxRepository interface {
	// Enqueue inserts the operation with status "pending". Insertion is
	// idempotent: a second enqueue with the same derived key is a no-op and
	// returns the existing key. When op.IdempotencyKey is empty it is
	// derived from (operation type, endpoint, canonical payload).
	Enqueue(ctx context.Context, op *Operation) (string, error)
	// PickBatch returns up to limit eligible rows, oldest first. Eligible
	// means pending, or failed with next_retry_at null or in the past.
	// Rows locked by a concurrent picker are skipped. The snapshot is fully
	// deserialized; status is not changed.
	PickBatch(ctx context.Context, limit int) ([]Operation, error)
	// MarkInflight records that a dispatch attempt is starting.
	MarkInflight(ctx context.Context, id int64) error
	// MarkDelivered is the terminal success transition.
	MarkDelivered(ctx context.Context, id int64) error
	// MarkFailed schedules a retry: increments retry_count and sets
	// next_retry_at to now + retryIn (zero means immediately eligible).
	MarkFailed(ctx context.Context, id int64, retryIn time.Duration, dispatchErr string) error
	// DeadLetter is the terminal failure transition.
	DeadLetter(ctx context.Context, id int64, dispatchErr string) error
	// Stats returns the row count per status.
	Stats(ctx context.Context) (map[Status]int, error)
}

// ensureKey fills op.IdempotencyKey when the caller did not supply one.
func ensureKey(op *Operation) error {
	if op.IdempotencyKey != "" {
		return nil
	}
	key, err := idempotency.Derive(op.OperationType, op.Endpoint, op.Payload)
	if err != nil {
		return err
	}
	op.IdempotencyKey = key
	return nil
}
