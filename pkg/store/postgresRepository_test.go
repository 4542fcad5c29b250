package store

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

const (
	enqueueSQL   = `INSERT INTO task_outbox (idempotency_key, operation_type, endpoint, payload, headers, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $7) ON CONFLICT (idempotency_key) DO NOTHING`
	pickBatchSQL = `SELECT id, idempotency_key, operation_type, endpoint, payload, headers, status, retry_count, next_retry_at, last_error, created_at, updated_at FROM task_outbox WHERE status = $1 OR (status = $2 AND (next_retry_at IS NULL OR next_retry_at <= $3)) ORDER BY created_at ASC LIMIT $4 FOR UPDATE SKIP LOCKED`
	setStatusSQL = `UPDATE task_outbox SET status=$1, updated_at=$2 WHERE id=$3`
)

func pickColumns() []string {
	return []string{"id", "idempotency_key", "operation_type", "endpoint", "payload", "headers",
		"status", "retry_count", "next_retry_at", "last_error", "created_at", "updated_at"}
}

func TestEnqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(enqueueSQL)).
		WithArgs(sqlmock.AnyArg(), "create_task", "/create", sqlmock.AnyArg(), sqlmock.AnyArg(), StatusPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	op := NewOperation("create_task", "/create", map[string]any{"task_id": "t1"}, nil)
	key, err := repo.Enqueue(context.Background(), op)
	assert.NoError(t, err)
	assert.Len(t, key, 64)
	assert.Equal(t, key, op.IdempotencyKey)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue_DuplicateIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	// ON CONFLICT DO NOTHING: the second insert touches zero rows but still
	// succeeds and returns the same key.
	mock.ExpectExec(regexp.QuoteMeta(enqueueSQL)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(enqueueSQL)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	first, err := repo.Enqueue(ctx, NewOperation("create_task", "/create", map[string]any{"task_id": "t1"}, nil))
	assert.NoError(t, err)
	second, err := repo.Enqueue(ctx, NewOperation("create_task", "/create", map[string]any{"task_id": "t1"}, nil))
	assert.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue_CallerSuppliedKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(enqueueSQL)).
		WithArgs("caller-key", "create_task", "/create", sqlmock.AnyArg(), sqlmock.AnyArg(), StatusPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	op := NewOperation("create_task", "/create", nil, nil)
	op.IdempotencyKey = "caller-key"
	key, err := repo.Enqueue(context.Background(), op)
	assert.NoError(t, err)
	assert.Equal(t, "caller-key", key)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPickBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows(pickColumns()).
		AddRow(int64(1), "key1", "create_task", "/create", []byte(`{"task_id":"t1"}`), []byte(`{"Idempotency-Key":"X"}`),
			StatusPending, 0, nil, nil, now, now).
		AddRow(int64(2), "key2", "add_comment", "/comment", []byte(`{"task_id":"t2"}`), nil,
			StatusFailed, 2, now.Add(-time.Minute), "boom", now, now)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(pickBatchSQL)).
		WithArgs(StatusPending, StatusFailed, sqlmock.AnyArg(), 10).
		WillReturnRows(rows)
	mock.ExpectCommit()

	ops, err := repo.PickBatch(context.Background(), 10)
	assert.NoError(t, err)
	assert.Len(t, ops, 2)

	assert.Equal(t, int64(1), ops[0].ID)
	assert.Equal(t, "create_task", ops[0].OperationType)
	assert.Equal(t, map[string]any{"task_id": "t1"}, ops[0].Payload)
	assert.Equal(t, map[string]string{"Idempotency-Key": "X"}, ops[0].Headers)
	assert.Nil(t, ops[0].NextRetryAt)

	assert.Equal(t, int64(2), ops[1].ID)
	assert.Equal(t, 2, ops[1].RetryCount)
	assert.Equal(t, "boom", ops[1].LastError)
	assert.NotNil(t, ops[1].NextRetryAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPickBatch_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(pickBatchSQL)).
		WillReturnRows(sqlmock.NewRows(pickColumns()))
	mock.ExpectCommit()

	ops, err := repo.PickBatch(context.Background(), 5)
	assert.NoError(t, err)
	assert.Empty(t, ops)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkInflight(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(setStatusSQL)).
		WithArgs(StatusInflight, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, repo.MarkInflight(context.Background(), 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDelivered(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(setStatusSQL)).
		WithArgs(StatusDelivered, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, repo.MarkDelivered(context.Background(), 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE task_outbox SET status=$1, retry_count = retry_count + 1, next_retry_at=$2, last_error=$3, updated_at=$4 WHERE id=$5`)).
		WithArgs(StatusFailed, sqlmock.AnyArg(), "connection refused", sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, repo.MarkFailed(context.Background(), 1, 30*time.Second, "connection refused"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed_TruncatesError(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	long := strings.Repeat("x", 3000)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE task_outbox SET status=$1, retry_count = retry_count + 1, next_retry_at=$2, last_error=$3, updated_at=$4 WHERE id=$5`)).
		WithArgs(StatusFailed, sqlmock.AnyArg(), strings.Repeat("x", 2000), sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, repo.MarkFailed(context.Background(), 1, 0, long))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetter(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE task_outbox SET status=$1, last_error=$2, updated_at=$3 WHERE id=$4`)).
		WithArgs(StatusDead, "gave up", sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, repo.DeadLetter(context.Background(), 7, "gave up"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("pending", 3).
		AddRow("delivered", 10).
		AddRow("dead", 1)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, COUNT(*) FROM task_outbox GROUP BY status`)).
		WillReturnRows(rows)

	stats, err := repo.Stats(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, map[Status]int{
		StatusPending:   3,
		StatusDelivered: 10,
		StatusDead:      1,
	}, stats)

	assert.NoError(t, mock.ExpectationsWereMet())
}
