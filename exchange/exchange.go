// Package exchange is the upstream trade-feed client: a Connector
// interface per exchange, a concrete Coinbase implementation, and a
// Client wrapper that gates every call behind the shared rate limiter
// and circuit breaker and applies the retry policy.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/schemahub/tradefeed/health"
	"github.com/schemahub/tradefeed/internal/tflog"
	"github.com/schemahub/tradefeed/internal/tfmetrics"
	"github.com/schemahub/tradefeed/ratelimit"
)

var log = tflog.New("exchange")

// Metrics emitted to tfmetrics.DefaultRegistry, served as Prometheus
// text exposition via internal/tfmetrics/prometheusexp.
var (
	metricRequests  = tfmetrics.DefaultRegistry.GetOrRegisterCounter("exchange.requests")
	metricSuccesses = tfmetrics.DefaultRegistry.GetOrRegisterCounter("exchange.successes")
	metricFailures  = tfmetrics.DefaultRegistry.GetOrRegisterCounter("exchange.failures")
	metricLatencyMS = tfmetrics.DefaultRegistry.GetOrRegisterHistogram("exchange.latency_ms")
)

// Trade is a single trade payload as returned by the upstream feed.
type Trade struct {
	TradeID int64
	Price   string
	Size    string
	Time    string
	Side    string
}

// RawRecord is the normalized shape the raw writer persists: the trade
// itself plus ingest provenance and the serialized original payload.
type RawRecord struct {
	TradeID        string    `json:"trade_id"`
	ProductID      string    `json:"product_id"`
	Price          float64   `json:"price"`
	Size           float64   `json:"size"`
	Time           time.Time `json:"time"`
	Side           string    `json:"side"`
	Source         string    `json:"_source"`
	SourceIngestTS time.Time `json:"_source_ingest_ts"`
	RawPayload     string    `json:"_raw_payload"`
}

// ToRawRecord converts a Trade into the raw record schema, uppercasing
// side and parsing price/size as floats.
func ToRawRecord(t Trade, productID, source string, ingestTS time.Time) (RawRecord, error) {
	parsedTime, err := parseTime(t.Time)
	if err != nil {
		return RawRecord{}, fmt.Errorf("exchange: parse trade time %q: %w", t.Time, err)
	}
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return RawRecord{}, fmt.Errorf("exchange: parse price %q: %w", t.Price, err)
	}
	size, err := strconv.ParseFloat(t.Size, 64)
	if err != nil {
		return RawRecord{}, fmt.Errorf("exchange: parse size %q: %w", t.Size, err)
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return RawRecord{}, fmt.Errorf("exchange: marshal raw payload: %w", err)
	}
	return RawRecord{
		TradeID:        strconv.FormatInt(t.TradeID, 10),
		ProductID:      productID,
		Price:          price,
		Size:           size,
		Time:           parsedTime,
		Side:           strings.ToUpper(t.Side),
		Source:         source,
		SourceIngestTS: ingestTS,
		RawPayload:     string(payload),
	}, nil
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.Replace(value, "Z", "+00:00", 1))
}

// ErrRateLimited signals an HTTP 429 response, distinguished from other
// failures so the parallel fetcher can re-queue the page instead of
// failing the batch.
type ErrRateLimited struct{ RetryAfter time.Duration }

func (e *ErrRateLimited) Error() string { return "exchange: rate limited" }

// ErrPermanent wraps a non-retryable 4xx response.
type ErrPermanent struct{ StatusCode int }

func (e *ErrPermanent) Error() string {
	return fmt.Sprintf("exchange: permanent error, status %d", e.StatusCode)
}

// Connector is the interface every upstream implementation satisfies.
type Connector interface {
	// FetchTradesWithCursor fetches up to limit trades for productID,
	// paginating forward from the after cursor (descending trade_id
	// pages, matching the upstream's native order). The second return is
	// the next-page boundary from the upstream's cursor header (CB-AFTER
	// for Coinbase), or nil when the upstream supplied none.
	FetchTradesWithCursor(ctx context.Context, productID string, limit int, after *int64) ([]Trade, *int64, error)
	// LatestTradeID returns the most recent trade_id for productID, used
	// to compute the ingest session's finish line.
	LatestTradeID(ctx context.Context, productID string) (int64, error)
	// Name identifies the upstream for rate limiting, health tracking,
	// and logging (e.g. "coinbase").
	Name() string
}

// Client wraps a Connector with rate limiting, circuit breaking, and the
// retry/backoff policy. Every call passes both the circuit wait and the
// limiter before reaching the underlying Connector: FetchTradesWithCursor
// waits out the circuit and then acquires from the limiter on each
// attempt of a bounded retry loop; LatestTradeID acquires from the
// limiter first, then waits out the circuit, and makes a single attempt.
type Client struct {
	conn       Connector
	limiter    *ratelimit.Limiter
	breaker    *health.CircuitBreaker
	tracker    *health.Tracker
	maxRetries int
}

// NewClient returns a Client composing conn with the given rate limiter
// and health tracker/breaker (each already scoped to conn.Name()'s
// upstream).
func NewClient(conn Connector, limiter *ratelimit.Limiter, tracker *health.Tracker, breaker *health.CircuitBreaker, maxRetries int) *Client {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Client{conn: conn, limiter: limiter, tracker: tracker, breaker: breaker, maxRetries: maxRetries}
}

// FetchTradesWithCursor executes the retry policy: 2xx
// records success and returns the page plus its cursor header; 429
// retries with exponential backoff; other 4xx fail immediately without
// retrying; every other error (timeouts, connect errors, and 5xx alike)
// retries up to maxRetries with no backoff of its own, only the
// circuit's wait before the next attempt. 5xx responses get no
// exponential backoff.
func (c *Client) FetchTradesWithCursor(ctx context.Context, productID string, limit int, after *int64) ([]Trade, *int64, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if err := c.circuitWait(ctx); err != nil {
			return nil, nil, fmt.Errorf("exchange: circuit wait: %w", err)
		}
		c.limiter.Acquire(1, true)

		metricRequests.Inc(1)
		start := time.Now()
		trades, nextCursor, err := c.conn.FetchTradesWithCursor(ctx, productID, limit, after)
		latency := time.Since(start)
		metricLatencyMS.Update(latency.Milliseconds())

		if err == nil {
			metricSuccesses.Inc(1)
			c.recordSuccess(ctx, float64(latency.Milliseconds()))
			return trades, nextCursor, nil
		}
		lastErr = err

		metricFailures.Inc(1)
		c.recordFailure(ctx, err)

		var rateLimited *ErrRateLimited
		var permanent *ErrPermanent
		switch {
		case asErrRateLimited(err, &rateLimited):
			backoff := exponentialBackoff(attempt)
			log.Warn("rate limited, backing off", "product", productID, "attempt", attempt, "backoff", backoff)
			if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
				return nil, nil, sleepErr
			}
			continue
		case asErrPermanent(err, &permanent):
			return nil, nil, err
		default:
			// Timeout/connect/5xx: retry without extra backoff beyond the
			// circuit's own cooldown (already applied via circuitWait).
			log.Warn("transient fetch error, retrying", "product", productID, "attempt", attempt, "err", err)
		}
	}
	return nil, nil, fmt.Errorf("exchange: exhausted retries for %s: %w", productID, lastErr)
}

// LatestTradeID fetches limit=1 to determine the session finish line.
func (c *Client) LatestTradeID(ctx context.Context, productID string) (int64, error) {
	c.limiter.Acquire(1, true)
	if err := c.circuitWait(ctx); err != nil {
		return 0, fmt.Errorf("exchange: circuit wait: %w", err)
	}
	metricRequests.Inc(1)
	id, err := c.conn.LatestTradeID(ctx, productID)
	if err != nil {
		metricFailures.Inc(1)
		c.recordFailure(ctx, err)
		return 0, err
	}
	metricSuccesses.Inc(1)
	c.recordSuccess(ctx, 0)
	return id, nil
}

// circuitWait, recordSuccess, and recordFailure tolerate a nil breaker or
// tracker, the wiring CIRCUIT_BREAKER_ENABLED=false and
// HEALTH_CHECK_ENABLED=false produce.
func (c *Client) circuitWait(ctx context.Context) error {
	if c.breaker == nil {
		return nil
	}
	return c.breaker.EnsureUsable(ctx, c.conn.Name())
}

func (c *Client) recordSuccess(ctx context.Context, latencyMS float64) {
	if c.tracker == nil {
		return
	}
	if err := c.tracker.RecordSuccess(ctx, c.conn.Name(), latencyMS); err != nil {
		log.Warn("failed to record success", "exchange", c.conn.Name(), "err", err)
	}
}

func (c *Client) recordFailure(ctx context.Context, cause error) {
	if c.tracker == nil {
		return
	}
	if err := c.tracker.RecordFailure(ctx, c.conn.Name(), cause.Error()); err != nil {
		log.Warn("failed to record failure", "exchange", c.conn.Name(), "err", err)
	}
}

func exponentialBackoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	const cap = 60 * time.Second
	if d > cap {
		d = cap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func asErrRateLimited(err error, target **ErrRateLimited) bool {
	if e, ok := err.(*ErrRateLimited); ok {
		*target = e
		return true
	}
	return false
}

func asErrPermanent(err error, target **ErrPermanent) bool {
	if e, ok := err.(*ErrPermanent); ok {
		*target = e
		return true
	}
	return false
}
