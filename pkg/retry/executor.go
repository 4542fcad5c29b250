package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryAfterHinter is implemented by errors that carry a server-supplied
// retry hint, such as a rate-limit response with a Retry-After header.
// The hint takes precedence over the computed exponential delay.
type RetryAfterHinter interface {
	RetryAfterHint() (time.Duration, bool)
}

// Executor wraps a callable with bounded, classified retries.
//
// Non-retryable failures propagate immediately. Retryable ones sleep for the
// policy delay (or the error's own hint) and try again, up to MaxAttempts.
// MaxElapsed, when set, aborts early even if attempts remain, bounding tail
// latency. Sleeps are cancelled by the context.
type Executor struct {
	MaxAttempts int
	MaxElapsed  time.Duration // 0 means no elapsed-time ceiling
	Policy      Policy
	Retryable   func(error) bool // nil means every failure is retryable
}

// Do runs fn until it succeeds, exhausts the attempt budget, fails with a
// non-retryable error, or the context is cancelled.
func (e Executor) Do(ctx context.Context, fn func(context.Context) error) error {
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	start := time.Now()

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		if e.Retryable != nil && !e.Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay := e.Policy.NextDelay(attempt)
		var hinter RetryAfterHinter
		if errors.As(err, &hinter) {
			if hint, ok := hinter.RetryAfterHint(); ok {
				delay = e.Policy.DelayWithHint(attempt, hint)
			}
		}

		if e.MaxElapsed > 0 && time.Since(start)+delay > e.MaxElapsed {
			return fmt.Errorf("retry budget of %s exhausted after %d attempts: %w", e.MaxElapsed, attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("after %d attempts, last error: %w", maxAttempts, err)
}
