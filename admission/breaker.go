package admission

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// breaker is a three-state circuit breaker. Closed admits everything and
// counts consecutive failures; reaching the threshold opens it. Open
// rejects until the timeout elapses, after which the next admission runs
// as a half-open probe: success closes the breaker, failure re-opens it
// and restarts the timer.
type breaker struct {
	mu sync.Mutex

	threshold   int
	openTimeout time.Duration

	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(threshold int, openTimeout time.Duration) *breaker {
	return &breaker{
		threshold:   threshold,
		openTimeout: openTimeout,
		state:       BreakerClosed,
	}
}

// admit reports whether a request may proceed.
func (b *breaker) admit(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) < b.openTimeout {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		// One probe at a time.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// recordSuccess feeds back a successful handler completion.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.probing = false
	}
}

// recordFailure feeds back a failed handler completion.
func (b *breaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = now
		b.probing = false
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = now
			b.failures = 0
		}
	}
}

// currentState returns the state, accounting for an elapsed open timeout.
func (b *breaker) currentState(now time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && now.Sub(b.openedAt) >= b.openTimeout {
		return BreakerHalfOpen
	}
	return b.state
}
