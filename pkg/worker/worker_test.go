package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskbridge/outbox/pkg/config"
	"github.com/taskbridge/outbox/pkg/dispatch"
	"github.com/taskbridge/outbox/pkg/store"
)

type markCall struct {
	method  string
	id      int64
	retryIn time.Duration
	errMsg  string
}

type fakeRepo struct {
	ops     []store.Operation
	pickErr error
	markErr error
	calls   []markCall
}

func (f *fakeRepo) Enqueue(ctx context.Context, op *store.Operation) (string, error) {
	return op.IdempotencyKey, nil
}

func (f *fakeRepo) PickBatch(ctx context.Context, limit int) ([]store.Operation, error) {
	if f.pickErr != nil {
		return nil, f.pickErr
	}
	if limit < len(f.ops) {
		return f.ops[:limit], nil
	}
	return f.ops, nil
}

func (f *fakeRepo) MarkInflight(ctx context.Context, id int64) error {
	f.calls = append(f.calls, markCall{method: "inflight", id: id})
	return f.markErr
}

func (f *fakeRepo) MarkDelivered(ctx context.Context, id int64) error {
	f.calls = append(f.calls, markCall{method: "delivered", id: id})
	return nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, id int64, retryIn time.Duration, dispatchErr string) error {
	f.calls = append(f.calls, markCall{method: "failed", id: id, retryIn: retryIn, errMsg: dispatchErr})
	return nil
}

func (f *fakeRepo) DeadLetter(ctx context.Context, id int64, dispatchErr string) error {
	f.calls = append(f.calls, markCall{method: "dead", id: id, errMsg: dispatchErr})
	return nil
}

func (f *fakeRepo) Stats(ctx context.Context) (map[store.Status]int, error) {
	return nil, nil
}

// methods returns the transition sequence for one operation ID.
func (f *fakeRepo) methods(id int64) []string {
	var out []string
	for _, c := range f.calls {
		if c.id == id {
			out = append(out, c.method)
		}
	}
	return out
}

type fakeDispatcher struct {
	errs  map[int64]error // per-operation outcome, nil means success
	calls []int64
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, op *store.Operation) error {
	f.calls = append(f.calls, op.ID)
	return f.errs[op.ID]
}

func (f *fakeDispatcher) Close() error { return nil }

func testSettings() *config.Settings {
	return &config.Settings{
		BatchSize: 10,
		MaxTries:  3,
		Retry: config.RetrySettings{
			MaxAttempts: 1, // no attempt-level retries, outcomes map 1:1
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Minute,
			JitterRatio: 0,
		},
	}
}

func pendingOp(id int64, retryCount int) store.Operation {
	op := *store.NewOperation("create_task", "/tasks", map[string]any{"task_id": "t1"}, nil)
	op.ID = id
	op.RetryCount = retryCount
	if retryCount > 0 {
		op.Status = store.StatusFailed
	}
	return op
}

func TestRunOnce_Delivers(t *testing.T) {
	repo := &fakeRepo{ops: []store.Operation{pendingOp(1, 0)}}
	d := &fakeDispatcher{}
	w := New(repo, d, testSettings())

	summary, err := w.RunOnce(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, Summary{Picked: 1, Delivered: 1}, summary)
	assert.Equal(t, []string{"inflight", "delivered"}, repo.methods(1))
	assert.Equal(t, []int64{1}, d.calls)
}

func TestRunOnce_RetryableFailureSchedulesRetry(t *testing.T) {
	repo := &fakeRepo{ops: []store.Operation{pendingOp(1, 0)}}
	d := &fakeDispatcher{errs: map[int64]error{
		1: &dispatch.Error{Kind: dispatch.KindServer, StatusCode: 503, Message: "unavailable"},
	}}
	w := New(repo, d, testSettings())

	summary, err := w.RunOnce(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, Summary{Picked: 1, Failed: 1}, summary)
	assert.Equal(t, []string{"inflight", "failed"}, repo.methods(1))

	failed := repo.calls[1]
	assert.Equal(t, 1*time.Second, failed.retryIn) // first retry, no jitter
	assert.Contains(t, failed.errMsg, "unavailable")
}

func TestRunOnce_DeadLettersAtCeiling(t *testing.T) {
	// Two failed deliveries already recorded; with max tries 3 the next
	// failure is the last.
	repo := &fakeRepo{ops: []store.Operation{pendingOp(1, 2)}}
	d := &fakeDispatcher{errs: map[int64]error{
		1: &dispatch.Error{Kind: dispatch.KindServer, StatusCode: 500},
	}}
	w := New(repo, d, testSettings())

	summary, err := w.RunOnce(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, Summary{Picked: 1, Dead: 1}, summary)
	assert.Equal(t, []string{"inflight", "dead"}, repo.methods(1))
}

func TestRunOnce_NonRetryableDeadLettersImmediately(t *testing.T) {
	repo := &fakeRepo{ops: []store.Operation{pendingOp(1, 0)}}
	d := &fakeDispatcher{errs: map[int64]error{
		1: &dispatch.Error{Kind: dispatch.KindClient, StatusCode: 422, Message: "bad field"},
	}}
	w := New(repo, d, testSettings())

	summary, err := w.RunOnce(context.Background())
	assert.NoError(t, err)

	// Retry budget untouched: a validation error will never succeed.
	assert.Equal(t, Summary{Picked: 1, Dead: 1}, summary)
	assert.Equal(t, []string{"inflight", "dead"}, repo.methods(1))
	assert.Equal(t, []int64{1}, d.calls)
}

func TestRunOnce_RateLimitHintOverridesSchedule(t *testing.T) {
	repo := &fakeRepo{ops: []store.Operation{pendingOp(1, 0)}}
	d := &fakeDispatcher{errs: map[int64]error{
		1: &dispatch.Error{Kind: dispatch.KindRateLimited, StatusCode: 429, RetryAfter: 90 * time.Second},
	}}
	w := New(repo, d, testSettings())

	summary, err := w.RunOnce(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, Summary{Picked: 1, Failed: 1}, summary)
	assert.Equal(t, 90*time.Second, repo.calls[1].retryIn)
}

func TestRunOnce_FailureIsolation(t *testing.T) {
	repo := &fakeRepo{ops: []store.Operation{pendingOp(1, 0), pendingOp(2, 0)}}
	d := &fakeDispatcher{errs: map[int64]error{
		1: &dispatch.Error{Kind: dispatch.KindServer, StatusCode: 500},
	}}
	w := New(repo, d, testSettings())

	summary, err := w.RunOnce(context.Background())
	assert.NoError(t, err)

	// Operation 1 failing does not block operation 2.
	assert.Equal(t, Summary{Picked: 2, Delivered: 1, Failed: 1}, summary)
	assert.Equal(t, []string{"inflight", "failed"}, repo.methods(1))
	assert.Equal(t, []string{"inflight", "delivered"}, repo.methods(2))
}

func TestRunOnce_PickBatchErrorPropagates(t *testing.T) {
	repo := &fakeRepo{pickErr: errors.New("connection reset")}
	w := New(repo, &fakeDispatcher{}, testSettings())

	summary, err := w.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "pick batch")
	assert.Equal(t, Summary{}, summary)
}

func TestRunOnce_StoreErrorAbortsRun(t *testing.T) {
	repo := &fakeRepo{
		ops:     []store.Operation{pendingOp(1, 0), pendingOp(2, 0)},
		markErr: errors.New("connection reset"),
	}
	w := New(repo, &fakeDispatcher{}, testSettings())

	_, err := w.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "mark inflight")

	// The run stopped at the first store failure.
	assert.Equal(t, []markCall{{method: "inflight", id: 1}}, repo.calls)
}

func TestRunOnce_EmptyBatch(t *testing.T) {
	repo := &fakeRepo{}
	w := New(repo, &fakeDispatcher{}, testSettings())

	summary, err := w.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
	assert.Empty(t, repo.calls)
}

func TestRunOnce_HonorsBatchSizeOverride(t *testing.T) {
	repo := &fakeRepo{ops: []store.Operation{pendingOp(1, 0), pendingOp(2, 0), pendingOp(3, 0)}}
	w := New(repo, &fakeDispatcher{}, testSettings()).WithBatchSize(2)

	summary, err := w.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, summary.Picked)
}

func TestRunOnce_MaxTriesOverride(t *testing.T) {
	repo := &fakeRepo{ops: []store.Operation{pendingOp(1, 0)}}
	d := &fakeDispatcher{errs: map[int64]error{
		1: &dispatch.Error{Kind: dispatch.KindServer, StatusCode: 500},
	}}
	w := New(repo, d, testSettings()).WithMaxTries(1)

	summary, err := w.RunOnce(context.Background())
	assert.NoError(t, err)

	// With a ceiling of one the first failure is terminal.
	assert.Equal(t, Summary{Picked: 1, Dead: 1}, summary)
}

func TestSummary_String(t *testing.T) {
	s := Summary{Picked: 4, Delivered: 2, Failed: 1, Dead: 1}
	assert.Equal(t, "picked=4 delivered=2 failed=1 dead=1", s.String())
}
