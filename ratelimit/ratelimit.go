// Package ratelimit implements the process-wide token bucket shared by
// every worker talking to the same upstream: refill-on-acquire, mutex
// around bucket state only, sleep outside the mutex to avoid a wait
// convoy.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/schemahub/tradefeed/internal/tflog"
)

var log = tflog.New("ratelimit")

// Limiter is a single token bucket. Use Registry to get one per upstream
// name rather than constructing this directly in application code.
type Limiter struct {
	rate  float64 // tokens added per second
	burst float64 // bucket capacity

	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
}

// New returns a Limiter. burst defaults to 1 (no bursting, steady rate
// only) when burst <= 0.
func New(ratePerSec float64, burst int) *Limiter {
	if ratePerSec <= 0 {
		panic(fmt.Sprintf("ratelimit: rate_per_sec must be positive, got %v", ratePerSec))
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rate:       ratePerSec,
		burst:      float64(burst),
		tokens:     0,
		lastUpdate: time.Now(),
	}
}

// Acquire consumes n tokens. In blocking mode it suspends the caller until
// refill makes n tokens available; in non-blocking mode it returns false
// immediately if n tokens are not currently available.
func (l *Limiter) Acquire(n int, block bool) bool {
	for {
		var wait time.Duration
		l.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(l.lastUpdate).Seconds()
		l.tokens = min(l.burst, l.tokens+elapsed*l.rate)
		l.lastUpdate = now

		need := float64(n)
		if l.tokens >= need {
			l.tokens -= need
			l.mu.Unlock()
			return true
		}

		if !block {
			l.mu.Unlock()
			return false
		}

		tokensNeeded := need - l.tokens
		wait = time.Duration(tokensNeeded / l.rate * float64(time.Second))
		l.mu.Unlock()

		log.Debug("waiting for tokens", "wait", wait, "tokens_needed", tokensNeeded)
		time.Sleep(wait)
	}
}

// CurrentTokens reports the current bucket level, refilled as of now, for
// monitoring/debugging — it does not consume any tokens.
func (l *Limiter) CurrentTokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	return min(l.burst, l.tokens+elapsed*l.rate)
}

// Reset empties the tracking state back to a full bucket. Intended for
// tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = l.burst
	l.lastUpdate = time.Now()
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Registry hands out one Limiter per upstream name, so every request to
// the same upstream serializes through the same bucket no matter which
// worker issues it.
type Registry struct {
	rate  float64
	burst int

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry returns a Registry that lazily constructs one Limiter per
// upstream name, all sharing the same rate/burst configuration.
func NewRegistry(ratePerSec float64, burst int) *Registry {
	return &Registry{rate: ratePerSec, burst: burst, limiters: make(map[string]*Limiter)}
}

// For returns the Limiter for the given upstream name, creating it on first
// use.
func (r *Registry) For(upstream string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[upstream]; ok {
		return l
	}
	l := New(r.rate, r.burst)
	r.limiters[upstream] = l
	return l
}
