package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
)

// SpannerSchema is the reference DDL for the outbox table on Spanner.
// Spanner has no FOR UPDATE SKIP LOCKED; PickBatch claims rows with a
// picked_until lease inside a read-write transaction instead.
const SpannerSchema = `
CREATE SEQUENCE task_outbox_id OPTIONS (sequence_kind = 'bit_reversed_positive');
CREATE TABLE task_outbox (
    id              INT64 NOT NULL DEFAULT (GET_NEXT_SEQUENCE_VALUE(SEQUENCE task_outbox_id)),
    idempotency_key STRING(64) NOT NULL,
    operation_type  STRING(255) NOT NULL,
    endpoint        STRING(MAX) NOT NULL,
    payload         STRING(MAX) NOT NULL,
    headers         STRING(MAX),
    status          STRING(20) NOT NULL,
    retry_count     INT64 NOT NULL,
    next_retry_at   TIMESTAMP,
    picked_until    TIMESTAMP,
    last_error      STRING(MAX),
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
) PRIMARY KEY (id);
CREATE UNIQUE INDEX idx_task_outbox_key ON task_outbox (idempotency_key);
CREATE INDEX idx_task_outbox_eligible ON task_outbox (status, next_retry_at);
`

type SpannerRepository struct {
	client *spanner.Client
}

func NewSpannerRepository(client *spanner.Client) *SpannerRepository {
	return &SpannerRepository{client: client}
}

func (s *SpannerRepository) Enqueue(ctx context.Context, op *Operation) (string, error) {
	if err := ensureKey(op); err != nil {
		return "", err
	}

	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var headers []byte
	if op.Headers != nil {
		headers, err = json.Marshal(op.Headers)
		if err != nil {
			return "", fmt.Errorf("marshal headers: %w", err)
		}
	}

	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		// Read-then-insert inside the transaction gives ON CONFLICT DO
		// NOTHING semantics: a duplicate enqueue never resets state.
		iter := txn.Query(ctx, spanner.Statement{
			SQL:    `SELECT id FROM task_outbox WHERE idempotency_key = @key`,
			Params: map[string]interface{}{"key": op.IdempotencyKey},
		})
		defer iter.Stop()
		if _, err := iter.Next(); err != iterator.Done {
			return err // nil when the row exists, the insert is skipped
		}

		stmt := spanner.Statement{
			SQL: `INSERT INTO task_outbox (idempotency_key, operation_type, endpoint, payload, headers, status, retry_count, created_at, updated_at)
                  VALUES (@key, @operationType, @endpoint, @payload, @headers, @status, 0, CURRENT_TIMESTAMP(), CURRENT_TIMESTAMP())`,
			Params: map[string]interface{}{
				"key":           op.IdempotencyKey,
				"operationType": op.OperationType,
				"endpoint":      op.Endpoint,
				"payload":       string(payload),
				"headers":       string(headers),
				"status":        string(StatusPending),
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	if err != nil {
		return "", err
	}

	return op.IdempotencyKey, nil
}

func (s *SpannerRepository) PickBatch(ctx context.Context, limit int) ([]Operation, error) {
	var ops []Operation

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		ops = nil

		stmt := spanner.Statement{
			SQL: `SELECT id, idempotency_key, operation_type, endpoint, payload, headers, status, retry_count, next_retry_at, last_error, created_at, updated_at
                  FROM task_outbox
                  WHERE (status = @statusPending OR (status = @statusFailed AND (next_retry_at IS NULL OR next_retry_at <= CURRENT_TIMESTAMP())))
                    AND (picked_until IS NULL OR picked_until < CURRENT_TIMESTAMP())
                  ORDER BY created_at ASC
                  LIMIT @batchSize`,
			Params: map[string]interface{}{
				"statusPending": string(StatusPending),
				"statusFailed":  string(StatusFailed),
				"batchSize":     int64(limit),
			},
		}

		iter := txn.Query(ctx, stmt)
		defer iter.Stop()

		var ids []int64
		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}
			op, err := decodeSpannerRow(row)
			if err != nil {
				return err
			}
			ops = append(ops, op)
			ids = append(ids, op.ID)
		}

		if len(ids) == 0 {
			return nil
		}

		// Stamp the lease so concurrent pickers skip these rows.
		_, err := txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE task_outbox SET picked_until = TIMESTAMP_ADD(CURRENT_TIMESTAMP(), INTERVAL 30 SECOND) WHERE id IN UNNEST(@ids)`,
			Params: map[string]interface{}{
				"ids": ids,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return ops, nil
}

func (s *SpannerRepository) MarkInflight(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusInflight)
}

func (s *SpannerRepository) MarkDelivered(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusDelivered)
}

func (s *SpannerRepository) MarkFailed(ctx context.Context, id int64, retryIn time.Duration, dispatchErr string) error {
	if retryIn < 0 {
		retryIn = 0
	}
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE task_outbox SET status = @status, retry_count = retry_count + 1, next_retry_at = @nextRetryAt, last_error = @lastError, picked_until = NULL, updated_at = CURRENT_TIMESTAMP() WHERE id = @id`,
			Params: map[string]interface{}{
				"status":      string(StatusFailed),
				"nextRetryAt": time.Now().Add(retryIn),
				"lastError":   truncateError(dispatchErr),
				"id":          id,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerRepository) DeadLetter(ctx context.Context, id int64, dispatchErr string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE task_outbox SET status = @status, last_error = @lastError, picked_until = NULL, updated_at = CURRENT_TIMESTAMP() WHERE id = @id`,
			Params: map[string]interface{}{
				"status":    string(StatusDead),
				"lastError": truncateError(dispatchErr),
				"id":        id,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerRepository) Stats(ctx context.Context) (map[Status]int, error) {
	stmt := spanner.Statement{
		SQL: `SELECT status, COUNT(*) FROM task_outbox GROUP BY status`,
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	stats := make(map[Status]int)
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var status string
		var count int64
		if err := row.Columns(&status, &count); err != nil {
			return nil, err
		}
		stats[Status(status)] = int(count)
	}
	return stats, nil
}

func (s *SpannerRepository) setStatus(ctx context.Context, id int64, status Status) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE task_outbox SET status = @status, picked_until = NULL, updated_at = CURRENT_TIMESTAMP() WHERE id = @id`,
			Params: map[string]interface{}{
				"status": string(status),
				"id":     id,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func decodeSpannerRow(row *spanner.Row) (Operation, error) {
	var op Operation
	var payload string
	var headers spanner.NullString
	var status string
	var retryCount int64
	var nextRetryAt spanner.NullTime
	var lastError spanner.NullString

	if err := row.Columns(&op.ID, &op.IdempotencyKey, &op.OperationType, &op.Endpoint,
		&payload, &headers, &status, &retryCount, &nextRetryAt, &lastError,
		&op.CreatedAt, &op.UpdatedAt); err != nil {
		return op, err
	}

	op.Status = Status(status)
	op.RetryCount = int(retryCount)
	if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
		return op, fmt.Errorf("unmarshal payload: %w", err)
	}
	if headers.Valid && headers.StringVal != "" {
		if err := json.Unmarshal([]byte(headers.StringVal), &op.Headers); err != nil {
			return op, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		op.NextRetryAt = &t
	}
	if lastError.Valid {
		op.LastError = lastError.StringVal
	}

	return op, nil
}
