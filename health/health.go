// Package health tracks per-upstream call outcomes and drives the
// circuit breaker: a rolling-window error rate, an EMA response time,
// an exponential-backoff cooldown while the circuit is open, and an
// atomic open->half_open transition via a conditional write so exactly
// one caller wins that transition. Callers arriving once the circuit is
// already half_open proceed as well.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/schemahub/tradefeed/internal/tflog"
	"github.com/schemahub/tradefeed/internal/tfmetrics"
)

var log = tflog.New("health")

// circuitStateGauge and errorRateGauge surface per-exchange health
// state to the metrics registry, one dynamically-registered gauge per
// exchange name so a single process tracking several upstreams still
// reports each one distinctly.
func circuitStateGauge(exchange string) tfmetrics.Gauge {
	return tfmetrics.DefaultRegistry.GetOrRegisterGauge(fmt.Sprintf("health.circuit_state{exchange=%s}", exchange))
}

func errorRateGauge(exchange string) tfmetrics.GaugeFloat64 {
	return tfmetrics.DefaultRegistry.GetOrRegisterGaugeFloat64(fmt.Sprintf("health.error_rate{exchange=%s}", exchange))
}

func circuitStateValue(s CircuitState) int64 {
	switch s {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return 0
	}
}

// Status is the coarse per-upstream health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CircuitState is the breaker's position for one upstream.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Record is the persisted health row for one upstream. The rolling
// outcome window stays in-process (see Tracker); only its derived
// error rate is persisted.
type Record struct {
	Exchange             string
	Timestamp            time.Time
	Status               Status
	CircuitState         CircuitState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastSuccessTS        time.Time
	LastFailureTS        time.Time
	LastErrorMessage     string
	AvgResponseTimeMS    float64
	ErrorRate            float64
	RequestCount         int
	ReopenCount          int
}

// ErrConditionFailed is returned by Store.ConditionalTransition when
// another caller has already won the race.
var ErrConditionFailed = errors.New("health: condition failed")

// Store persists and queries health rows for an exchange as an
// append-only time series; the latest row is authoritative.
type Store interface {
	// Latest returns the most recent row for exchange, or a zero Record
	// with found=false if none exists.
	Latest(ctx context.Context, exchange string) (rec Record, found bool, err error)
	// Put appends a new row stamped with the current timestamp.
	Put(ctx context.Context, rec Record) error
	// ConditionalTransition atomically sets circuit_state to newState
	// only if the current persisted circuit_state equals expected,
	// ensuring exactly one caller wins an OPEN->HALF_OPEN race.
	ConditionalTransition(ctx context.Context, exchange string, expected, newState CircuitState) (bool, error)
}

const (
	maxRetries           = 5
	circuitOpenWait      = 10 * time.Second
	maxCircuitWait       = 120 * time.Second
	successThreshold     = 3
	degradedErrorRate    = 0.1
	unhealthyErrorRate   = 0.3
	rollingWindowSize    = 100
	responseTimeEMAAlpha = 0.2
)

// Tracker wraps a Store with the in-process rolling window the error
// rate is computed over.
type Tracker struct {
	store Store

	mu      sync.Mutex
	windows map[string][]bool
}

// NewTracker returns a Tracker backed by store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, windows: make(map[string][]bool)}
}

func (t *Tracker) recordOutcome(exchange string, success bool) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := append(t.windows[exchange], success)
	if len(w) > rollingWindowSize {
		w = w[len(w)-rollingWindowSize:]
	}
	t.windows[exchange] = w

	failures := 0
	for _, ok := range w {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(w))
}

func (t *Tracker) latestOrDefault(ctx context.Context, exchange string) (Record, error) {
	rec, found, err := t.store.Latest(ctx, exchange)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{Exchange: exchange, Status: StatusHealthy, CircuitState: CircuitClosed, Timestamp: time.Now().UTC()}, nil
	}
	return rec, nil
}

// RecordSuccess updates health state after a successful upstream call,
// possibly closing the circuit out of HALF_OPEN once SUCCESS_THRESHOLD
// consecutive successes accumulate.
func (t *Tracker) RecordSuccess(ctx context.Context, exchange string, responseTimeMS float64) error {
	rec, err := t.latestOrDefault(ctx, exchange)
	if err != nil {
		return err
	}

	rec.ConsecutiveSuccesses++
	rec.ConsecutiveFailures = 0
	rec.LastSuccessTS = time.Now().UTC()
	rec.RequestCount++

	if rec.AvgResponseTimeMS == 0 {
		rec.AvgResponseTimeMS = responseTimeMS
	} else {
		rec.AvgResponseTimeMS = (1-responseTimeEMAAlpha)*rec.AvgResponseTimeMS + responseTimeEMAAlpha*responseTimeMS
	}

	rec.ErrorRate = t.recordOutcome(exchange, true)

	switch rec.CircuitState {
	case CircuitHalfOpen:
		if rec.ConsecutiveSuccesses >= successThreshold {
			rec.CircuitState = CircuitClosed
			rec.Status = StatusHealthy
			rec.ReopenCount = 0
			log.Info("circuit closed, exchange recovered", "exchange", exchange, "consecutive_successes", rec.ConsecutiveSuccesses)
		}
	case CircuitClosed:
		rec.Status = statusForErrorRate(rec.ErrorRate)
	}

	rec.Timestamp = time.Now().UTC()
	circuitStateGauge(exchange).Update(circuitStateValue(rec.CircuitState))
	errorRateGauge(exchange).Update(rec.ErrorRate)
	return t.store.Put(ctx, rec)
}

// RecordFailure updates health state after a failed upstream call,
// possibly opening the circuit once MAX_RETRIES consecutive failures
// accumulate, or reopening it if a HALF_OPEN probe fails.
func (t *Tracker) RecordFailure(ctx context.Context, exchange string, errMsg string) error {
	rec, err := t.latestOrDefault(ctx, exchange)
	if err != nil {
		return err
	}

	rec.ConsecutiveFailures++
	rec.ConsecutiveSuccesses = 0
	rec.LastFailureTS = time.Now().UTC()
	rec.LastErrorMessage = truncate(errMsg, 500)
	rec.RequestCount++

	rec.ErrorRate = t.recordOutcome(exchange, false)

	circuitOpened := false
	switch rec.CircuitState {
	case CircuitClosed:
		if rec.ConsecutiveFailures >= maxRetries {
			rec.CircuitState = CircuitOpen
			rec.Status = StatusUnhealthy
			circuitOpened = true
			log.Error("circuit opened", "exchange", exchange, "consecutive_failures", rec.ConsecutiveFailures, "last_error", errMsg)
		}
	case CircuitHalfOpen:
		rec.CircuitState = CircuitOpen
		rec.Status = StatusUnhealthy
		circuitOpened = true
		log.Error("recovery probe failed, circuit reopened", "exchange", exchange, "last_error", errMsg)
	}

	if circuitOpened {
		rec.ReopenCount++
		log.Info("reopen_count incremented", "exchange", exchange, "reopen_count", rec.ReopenCount, "next_cooldown", cooldownFor(rec.ReopenCount))
	}

	rec.Timestamp = time.Now().UTC()
	return t.store.Put(ctx, rec)
}

func statusForErrorRate(rate float64) Status {
	switch {
	case rate < degradedErrorRate:
		return StatusHealthy
	case rate < unhealthyErrorRate:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

func cooldownFor(reopenCount int) time.Duration {
	d := circuitOpenWait
	for i := 0; i < reopenCount && d < maxCircuitWait; i++ {
		d *= 2
	}
	if d > maxCircuitWait {
		d = maxCircuitWait
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// CircuitBreaker computes pre-call wait times and drives the
// open -> half_open transition race.
type CircuitBreaker struct {
	store Store
}

// NewCircuitBreaker returns a CircuitBreaker reading health state from
// store.
func NewCircuitBreaker(store Store) *CircuitBreaker {
	return &CircuitBreaker{store: store}
}

// GetWaitTime returns how long the caller must wait before the next
// upstream call: 0 when closed or half_open, the remaining cooldown when
// open and still cooling, 0 if this caller wins the HALF_OPEN transition
// race, or 30s if another caller won it.
func (b *CircuitBreaker) GetWaitTime(ctx context.Context, exchange string) (time.Duration, error) {
	rec, found, err := b.store.Latest(ctx, exchange)
	if err != nil {
		return 0, err
	}
	if !found || rec.CircuitState != CircuitOpen {
		return 0, nil
	}
	if rec.LastFailureTS.IsZero() {
		log.Warn("circuit open but no last_failure_ts, proceeding", "exchange", exchange)
		return 0, nil
	}

	cooldown := cooldownFor(rec.ReopenCount)
	elapsed := time.Since(rec.LastFailureTS)
	if elapsed < cooldown {
		return cooldown - elapsed, nil
	}

	won, err := b.store.ConditionalTransition(ctx, exchange, CircuitOpen, CircuitHalfOpen)
	if err != nil {
		return 0, err
	}
	if won {
		log.Info("circuit half_open, testing recovery", "exchange", exchange, "cooldown", cooldown)
		return 0, nil
	}
	log.Info("another caller already probing, waiting", "exchange", exchange)
	return 30 * time.Second, nil
}

// EnsureUsable is a convenience wrapper that sleeps for GetWaitTime,
// respecting ctx cancellation, then returns nil (ready to proceed) or the
// context error.
func (b *CircuitBreaker) EnsureUsable(ctx context.Context, exchange string) error {
	wait, err := b.GetWaitTime(ctx, exchange)
	if err != nil {
		return fmt.Errorf("health: get wait time for %s: %w", exchange, err)
	}
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
