package retry

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned without invoking the downstream while the
// breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker guards a downstream from being hammered while it is down.
//
// Consecutive failures up to the threshold trip the breaker open; every call
// then fails fast until the cooldown elapses, after which a single trial
// call is let through. Trial success closes the breaker, trial failure
// re-opens it.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	trialing bool
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces the clock, for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Do invokes fn subject to the breaker state.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = breakerHalfOpen
		b.trialing = true
		return nil
	default: // half-open
		if b.trialing {
			return ErrBreakerOpen
		}
		b.trialing = true
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.trialing = false
		if err != nil {
			b.state = breakerOpen
			b.openedAt = b.now()
			return
		}
		b.state = breakerClosed
		b.failures = 0
		return
	}

	if err != nil {
		b.failures++
		if b.failures >= b.threshold {
			b.state = breakerOpen
			b.openedAt = b.now()
		}
		return
	}
	b.failures = 0
}
