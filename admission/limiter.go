// Package admission gates the message-processing pipeline against abusive
// peers: a per-peer token bucket bounds sustained and burst request rates,
// and a per-peer circuit breaker short-circuits peers whose requests keep
// failing. Both are O(1) per peer and created lazily on first contact.
package admission

import (
	"sync"
	"time"
)

// tokenBucket is a lazily refilled token bucket. Tokens are fractional;
// each check refills by elapsed-seconds × rate, clamped to the burst
// capacity, then spends one token if available.
type tokenBucket struct {
	mu sync.Mutex

	rate     float64 // tokens per second
	capacity float64

	tokens float64
	last   time.Time
}

func newTokenBucket(rate, capacity float64, now time.Time) *tokenBucket {
	return &tokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		last:     now,
	}
}

// allow consumes one token if available.
func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
