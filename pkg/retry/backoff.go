// Package retry provides the backoff schedule, a generic retry executor and
// a circuit breaker used around dispatch calls.
package retry

import (
	"math/rand"
	"time"
)

const (
	defaultBase   = 1 * time.Second
	defaultCap    = 5 * time.Minute
	defaultFloor  = 100 * time.Millisecond
	defaultJitter = 0.2
)

// Policy describes an exponential backoff schedule with symmetric jitter.
type Policy struct {
	Base   time.Duration // delay for the first retry
	Cap    time.Duration // upper bound on any delay
	Floor  time.Duration // lower bound, prevents busy-looping
	Jitter float64       // ±ratio applied around the computed delay
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = defaultBase
	}
	if p.Cap <= 0 {
		p.Cap = defaultCap
	}
	if p.Floor <= 0 {
		p.Floor = defaultFloor
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = defaultJitter
	}
	return p
}

// NextDelay returns the jittered delay before retry number attempt.
// Attempt is 1-indexed for the first retry. The result is always within
// [Floor, Cap].
func (p Policy) NextDelay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			delay = p.Cap
			break
		}
	}

	if p.Jitter > 0 {
		// Uniform sample from delay * [1-jitter, 1+jitter].
		span := float64(delay) * p.Jitter
		delay = time.Duration(float64(delay) - span + rand.Float64()*2*span)
	}

	return p.clamp(delay)
}

// DelayWithHint prefers a server-supplied hint (e.g. an HTTP Retry-After)
// over the computed exponential delay, still clamped to [Floor, Cap].
func (p Policy) DelayWithHint(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return p.withDefaults().clamp(hint)
	}
	return p.NextDelay(attempt)
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if d < p.Floor {
		return p.Floor
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}
