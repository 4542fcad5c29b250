// Package dispatch delivers outbox operations to their downstream target.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskbridge/outbox/pkg/store"
)

// Dispatcher performs the external side effect for one operation.
// Success is signaled only by a nil return.
type Dispatcher interface {
	// Dispatch delivers the operation. The operation's headers are passed
	// through to the target verbatim.
	Dispatch(ctx context.Context, op *store.Operation) error
	// Close cleans up any resources (connections).
	Close() error
}

// Kind classifies a dispatch failure for the retry predicate.
type Kind string

const (
	// KindRateLimited is a throttling response; retry after the hint.
	KindRateLimited Kind = "rate_limited"
	// KindServer is a downstream 5xx-style failure; retryable.
	KindServer Kind = "server"
	// KindNetwork is a transport-level failure; retryable.
	KindNetwork Kind = "network"
	// KindClient is a validation/4xx-style failure; never retried.
	KindClient Kind = "client"
)

// Error is a classified dispatch failure. The worker's retry predicate
// operates on Kind rather than on arbitrary error types.
type Error struct {
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration // server-supplied hint, zero when absent
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("dispatch %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("dispatch %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Kind != KindClient
}

// RetryAfterHint exposes the server hint to the retry executor.
func (e *Error) RetryAfterHint() (time.Duration, bool) {
	if e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// Retryable classifies any error from a Dispatcher. Unclassified errors are
// treated as transient.
func Retryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return true
}
