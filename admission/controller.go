package admission

import (
	"sync"

	"github.com/spacepanda/core/config"
	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/internal/metrics"
)

// MaxFrameSize bounds the size of any frame admitted to the parser.
const MaxFrameSize = 1 << 20

// Controller is the per-peer admission gate in front of the message
// pipeline. Admission order is fixed: breaker first, then the token
// bucket, then the frame-size cap; a tripped breaker must not drain
// tokens. Peer entries are created lazily; the registry is a keyed map
// behind a read/write lock, so concurrent admits for known peers never
// contend on the write path.
type Controller struct {
	mu    sync.RWMutex
	peers map[string]*peerEntry

	rate      config.RateLimitConfig
	breakerCf config.BreakerConfig
	clock     Clock
}

type peerEntry struct {
	bucket  *tokenBucket
	breaker *breaker
}

// NewController creates an admission controller with the given limits.
// A nil clock falls back to the system clock.
func NewController(rate config.RateLimitConfig, breakerCf config.BreakerConfig, clock Clock) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Controller{
		peers:     make(map[string]*peerEntry),
		rate:      rate,
		breakerCf: breakerCf,
		clock:     clock,
	}
}

func (c *Controller) entryFor(peer string) *peerEntry {
	c.mu.RLock()
	e, ok := c.peers[peer]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.peers[peer]; ok {
		return e
	}
	e = &peerEntry{
		bucket:  newTokenBucket(c.rate.RequestsPerSec, c.rate.Burst, c.clock.Now()),
		breaker: newBreaker(c.breakerCf.FailureThreshold, c.breakerCf.OpenTimeout()),
	}
	c.peers[peer] = e
	return e
}

// Admit decides whether a frame from peer may enter the parser. A
// rejection never advances any state beyond the bucket/breaker themselves.
func (c *Controller) Admit(peer string, frameLen int) error {
	e := c.entryFor(peer)
	now := c.clock.Now()

	if !e.breaker.admit(now) {
		metrics.AdmissionRejections.WithLabelValues("circuit_open").Inc()
		return coreerrors.New(coreerrors.KindCircuitOpen, "peer circuit is open")
	}
	if !e.bucket.allow(now) {
		metrics.AdmissionRejections.WithLabelValues("rate_limited").Inc()
		return coreerrors.New(coreerrors.KindRateLimited, "peer exceeded request rate")
	}
	if frameLen > MaxFrameSize {
		metrics.AdmissionRejections.WithLabelValues("oversized_frame").Inc()
		return coreerrors.New(coreerrors.KindOversizedFrame, "frame exceeds size limit")
	}
	return nil
}

// RecordSuccess feeds back a successful handler completion for peer.
func (c *Controller) RecordSuccess(peer string) {
	e := c.entryFor(peer)
	e.breaker.recordSuccess()
	c.updateStateMetric(peer, e)
}

// RecordFailure feeds back a failed handler completion for peer.
func (c *Controller) RecordFailure(peer string) {
	e := c.entryFor(peer)
	e.breaker.recordFailure(c.clock.Now())
	c.updateStateMetric(peer, e)
}

// BreakerState reports the peer's current breaker state.
func (c *Controller) BreakerState(peer string) BreakerState {
	return c.entryFor(peer).breaker.currentState(c.clock.Now())
}

// OpenBreakerRatio reports the fraction of known peers whose breaker is
// open, feeding the service health signal.
func (c *Controller) OpenBreakerRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.peers) == 0 {
		return 0
	}
	now := c.clock.Now()
	open := 0
	for _, e := range c.peers {
		if e.breaker.currentState(now) == BreakerOpen {
			open++
		}
	}
	return float64(open) / float64(len(c.peers))
}

func (c *Controller) updateStateMetric(peer string, e *peerEntry) {
	var v float64
	switch e.breaker.currentState(c.clock.Now()) {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(peer).Set(v)
}
