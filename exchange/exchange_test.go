package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schemahub/tradefeed/health"
	"github.com/schemahub/tradefeed/ratelimit"
)

type memHealthStore struct {
	rows map[string]health.Record
}

func newMemHealthStore() *memHealthStore { return &memHealthStore{rows: make(map[string]health.Record)} }

func (s *memHealthStore) Latest(ctx context.Context, exchange string) (health.Record, bool, error) {
	r, ok := s.rows[exchange]
	return r, ok, nil
}

func (s *memHealthStore) Put(ctx context.Context, rec health.Record) error {
	s.rows[rec.Exchange] = rec
	return nil
}

func (s *memHealthStore) ConditionalTransition(ctx context.Context, exchange string, expected, newState health.CircuitState) (bool, error) {
	current, ok := s.rows[exchange]
	if ok && current.CircuitState != expected {
		return false, nil
	}
	if !ok {
		current = health.Record{Exchange: exchange}
	}
	current.CircuitState = newState
	s.rows[exchange] = current
	return true, nil
}

func newTestClient(conn Connector) *Client {
	store := newMemHealthStore()
	tracker := health.NewTracker(store)
	breaker := health.NewCircuitBreaker(store)
	limiter := ratelimit.New(1000, 10)
	return NewClient(conn, limiter, tracker, breaker, 3)
}

func TestFetchTradesWithCursorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"trade_id":5,"price":"100.5","size":"1.2","time":"2026-01-01T00:00:00.000000Z","side":"buy"}]`))
	}))
	defer srv.Close()

	conn := NewCoinbaseConnector()
	conn.baseURL = srv.URL
	client := newTestClient(conn)

	trades, _, err := client.FetchTradesWithCursor(context.Background(), "BTC-USD", 100, nil)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.EqualValues(t, 5, trades[0].TradeID)
}

func TestFetchTradesPermanentErrorDoesNotRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	conn := NewCoinbaseConnector()
	conn.baseURL = srv.URL
	client := newTestClient(conn)

	_, _, err := client.FetchTradesWithCursor(context.Background(), "BTC-USD", 100, nil)
	require.Error(t, err)
	require.Equal(t, 1, calls, "4xx other than 429 must fail immediately without retry")
}

func TestFetchTradesRetriesOnRateLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[{"trade_id":1,"price":"1","size":"1","time":"2026-01-01T00:00:00.000000Z","side":"sell"}]`))
	}))
	defer srv.Close()

	conn := NewCoinbaseConnector()
	conn.baseURL = srv.URL
	client := newTestClient(conn)

	start := time.Now()
	trades, _, err := client.FetchTradesWithCursor(context.Background(), "BTC-USD", 100, nil)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.GreaterOrEqual(t, calls, 2)
	require.GreaterOrEqual(t, time.Since(start), time.Second, "429 must back off before retrying")
}

func TestToRawRecordUppercasesSideAndParsesNumerics(t *testing.T) {
	trade := Trade{TradeID: 42, Price: "123.45", Size: "0.5", Time: "2026-01-01T00:00:00.000000Z", Side: "buy"}
	rec, err := ToRawRecord(trade, "BTC-USD", "coinbase", time.Now())
	require.NoError(t, err)
	require.Equal(t, "42", rec.TradeID)
	require.Equal(t, "BUY", rec.Side)
	require.InDelta(t, 123.45, rec.Price, 0.0001)
	require.InDelta(t, 0.5, rec.Size, 0.0001)
}

func TestFetchTradesParsesCBAfterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("CB-AFTER", "12345")
		w.Write([]byte(`[{"trade_id":12344,"price":"1","size":"1","time":"2026-01-01T00:00:00.000000Z","side":"buy"}]`))
	}))
	defer srv.Close()

	conn := NewCoinbaseConnector()
	conn.baseURL = srv.URL
	client := newTestClient(conn)

	_, next, err := client.FetchTradesWithCursor(context.Background(), "BTC-USD", 100, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.EqualValues(t, 12345, *next)
}

func TestFetchTradesMissingCBAfterHeaderIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	conn := NewCoinbaseConnector()
	conn.baseURL = srv.URL
	client := newTestClient(conn)

	_, next, err := client.FetchTradesWithCursor(context.Background(), "BTC-USD", 100, nil)
	require.NoError(t, err)
	require.Nil(t, next)
}
