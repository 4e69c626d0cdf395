package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]Record
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]Record)} }

func (s *memStore) Latest(ctx context.Context, exchange string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[exchange]
	return r, ok, nil
}

func (s *memStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Timestamp = time.Now().UTC()
	s.rows[rec.Exchange] = rec
	return nil
}

func (s *memStore) ConditionalTransition(ctx context.Context, exchange string, expected, newState CircuitState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rows[exchange]
	if ok && current.CircuitState != expected {
		return false, nil
	}
	if !ok {
		current = Record{Exchange: exchange}
	}
	current.CircuitState = newState
	s.rows[exchange] = current
	return true, nil
}

func TestCircuitOpensAfterMaxRetries(t *testing.T) {
	store := newMemStore()
	tr := NewTracker(store)
	ctx := context.Background()

	for i := 0; i < maxRetries; i++ {
		require.NoError(t, tr.RecordFailure(ctx, "coinbase", "boom"))
	}

	rec, found, err := store.Latest(ctx, "coinbase")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, CircuitOpen, rec.CircuitState)
	require.Equal(t, StatusUnhealthy, rec.Status)
	require.Equal(t, 1, rec.ReopenCount)
}

func TestCircuitClosesAfterSuccessThresholdInHalfOpen(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Put(context.Background(), Record{
		Exchange: "coinbase", CircuitState: CircuitHalfOpen, Status: StatusUnhealthy,
	}))
	tr := NewTracker(store)
	ctx := context.Background()

	for i := 0; i < successThreshold; i++ {
		require.NoError(t, tr.RecordSuccess(ctx, "coinbase", 50))
	}

	rec, _, err := store.Latest(ctx, "coinbase")
	require.NoError(t, err)
	require.Equal(t, CircuitClosed, rec.CircuitState)
	require.Equal(t, StatusHealthy, rec.Status)
}

func TestGetWaitTimeZeroWhenClosed(t *testing.T) {
	store := newMemStore()
	cb := NewCircuitBreaker(store)
	wait, err := cb.GetWaitTime(context.Background(), "coinbase")
	require.NoError(t, err)
	require.Zero(t, wait)
}

func TestGetWaitTimeRemainsDuringCooldown(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Put(context.Background(), Record{
		Exchange: "coinbase", CircuitState: CircuitOpen, LastFailureTS: time.Now(), ReopenCount: 0,
	}))
	cb := NewCircuitBreaker(store)

	wait, err := cb.GetWaitTime(context.Background(), "coinbase")
	require.NoError(t, err)
	require.Greater(t, wait, time.Duration(0))
	require.LessOrEqual(t, wait, circuitOpenWait)
}

func TestGetWaitTimeTransitionsToHalfOpenAfterCooldown(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Put(context.Background(), Record{
		Exchange:      "coinbase",
		CircuitState:  CircuitOpen,
		LastFailureTS: time.Now().Add(-circuitOpenWait - time.Second),
	}))
	cb := NewCircuitBreaker(store)

	wait, err := cb.GetWaitTime(context.Background(), "coinbase")
	require.NoError(t, err)
	require.Zero(t, wait)

	rec, _, err := store.Latest(context.Background(), "coinbase")
	require.NoError(t, err)
	require.Equal(t, CircuitHalfOpen, rec.CircuitState)
}

func TestOnlyOneCallerWinsHalfOpenRace(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Put(context.Background(), Record{Exchange: "coinbase", CircuitState: CircuitOpen}))

	wonA, err := store.ConditionalTransition(context.Background(), "coinbase", CircuitOpen, CircuitHalfOpen)
	require.NoError(t, err)
	wonB, err := store.ConditionalTransition(context.Background(), "coinbase", CircuitOpen, CircuitHalfOpen)
	require.NoError(t, err)

	require.True(t, wonA)
	require.False(t, wonB)
}
