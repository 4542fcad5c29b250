package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// PostgresSchema is the reference DDL for the outbox table. The partial
// index serves the PickBatch eligibility scan; the unique index enforces
// idempotent enqueue.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS task_outbox (
    id              BIGSERIAL PRIMARY KEY,
    idempotency_key VARCHAR(64) NOT NULL,
    operation_type  VARCHAR(255) NOT NULL,
    endpoint        TEXT NOT NULL,
    payload         JSONB NOT NULL,
    headers         JSONB,
    status          VARCHAR(20) NOT NULL DEFAULT 'pending',
    retry_count     INT NOT NULL DEFAULT 0,
    next_retry_at   TIMESTAMPTZ,
    last_error      TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_task_outbox_key ON task_outbox (idempotency_key);
CREATE INDEX IF NOT EXISTS idx_task_outbox_eligible ON task_outbox (status, next_retry_at)
    WHERE status IN ('pending', 'failed');
`

type PostgresRepository struct {
	db *sql.DB // using database/sql
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Enqueue(ctx context.Context, op *Operation) (string, error) {
	ctx, span := p.startSpan(ctx, "Enqueue")
	defer span.End()

	if err := ensureKey(op); err != nil {
		span.RecordError(err)
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

	start := time.Now()
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO task_outbox (idempotency_key, operation_type, endpoint, payload, headers, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $7) ON CONFLICT (idempotency_key) DO NOTHING`,
		op.IdempotencyKey, op.OperationType, op.Endpoint, payload, headers, StatusPending, time.Now())
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	addDBStatsToSpan(span, "postgresql", "Enqueue", 1, time.Since(start))

	return op.IdempotencyKey, nil
}

func (p *PostgresRepository) PickBatch(ctx context.Context, limit int) ([]Operation, error) {
	ctx, span := p.startSpan(ctx, "PickBatch")
	defer span.End()

	start := time.Now()

	// The row locks exclude rows already claimed by a concurrent picker and
	// are released on commit; callers mark picked rows inflight right away.
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, idempotency_key, operation_type, endpoint, payload, headers, status, retry_count, next_retry_at, last_error, created_at, updated_at FROM task_outbox WHERE status = $1 OR (status = $2 AND (next_retry_at IS NULL OR next_retry_at <= $3)) ORDER BY created_at ASC LIMIT $4 FOR UPDATE SKIP LOCKED`,
		StatusPending, StatusFailed, time.Now(), limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", "PickBatch", len(ops), time.Since(start))

	return ops, nil
}

func (p *PostgresRepository) MarkInflight(ctx context.Context, id int64) error {
	return p.setStatus(ctx, "MarkInflight", id, StatusInflight)
}

func (p *PostgresRepository) MarkDelivered(ctx context.Context, id int64) error {
	return p.setStatus(ctx, "MarkDelivered", id, StatusDelivered)
}

func (p *PostgresRepository) MarkFailed(ctx context.Context, id int64, retryIn time.Duration, dispatchErr string) error {
	ctx, span := p.startSpan(ctx, "MarkFailed")
	defer span.End()

	if retryIn < 0 {
		retryIn = 0
	}

	_, err := p.db.ExecContext(ctx,
		`UPDATE task_outbox SET status=$1, retry_count = retry_count + 1, next_retry_at=$2, last_error=$3, updated_at=$4 WHERE id=$5`,
		StatusFailed, time.Now().Add(retryIn), truncateError(dispatchErr), time.Now(), id)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *PostgresRepository) DeadLetter(ctx context.Context, id int64, dispatchErr string) error {
	ctx, span := p.startSpan(ctx, "DeadLetter")
	defer span.End()

	_, err := p.db.ExecContext(ctx,
		`UPDATE task_outbox SET status=$1, last_error=$2, updated_at=$3 WHERE id=$4`,
		StatusDead, truncateError(dispatchErr), time.Now(), id)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *PostgresRepository) Stats(ctx context.Context) (map[Status]int, error) {
	ctx, span := p.startSpan(ctx, "Stats")
	defer span.End()

	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_outbox GROUP BY status`)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			span.RecordError(err)
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (p *PostgresRepository) setStatus(ctx context.Context, spanName string, id int64, status Status) error {
	ctx, span := p.startSpan(ctx, spanName)
	defer span.End()

	_, err := p.db.ExecContext(ctx,
		`UPDATE task_outbox SET status=$1, updated_at=$2 WHERE id=$3`,
		status, time.Now(), id)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *PostgresRepository) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

func scanOperation(rows *sql.Rows) (Operation, error) {
	var op Operation
	var payload, headers []byte
	var nextRetryAt sql.NullTime
	var lastError sql.NullString

	if err := rows.Scan(&op.ID, &op.IdempotencyKey, &op.OperationType, &op.Endpoint,
		&payload, &headers, &op.Status, &op.RetryCount, &nextRetryAt, &lastError,
		&op.CreatedAt, &op.UpdatedAt); err != nil {
		return op, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &op.Payload); err != nil {
			return op, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &op.Headers); err != nil {
			return op, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		op.NextRetryAt = &t
	}
	if lastError.Valid {
		op.LastError = lastError.String
	}

	return op, nil
}
