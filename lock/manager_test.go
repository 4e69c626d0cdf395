package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memStore is an in-process fake satisfying Store, used so these tests
// don't touch the filesystem.
type memStore struct {
	mu   sync.Mutex
	rows map[string]Record
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]Record)} }

func (s *memStore) Get(ctx context.Context, name string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[name]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *memStore) PutIfAbsent(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[rec.LockName]; ok {
		return ErrConditionFailed
	}
	s.rows[rec.LockName] = rec
	return nil
}

func (s *memStore) ReplaceIfExpired(ctx context.Context, rec Record, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[rec.LockName]
	if !ok || !existing.Expired(now) {
		return ErrConditionFailed
	}
	s.rows[rec.LockName] = rec
	return nil
}

func (s *memStore) UpdateIfMatch(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[rec.LockName]
	if !ok || existing.LockID != rec.LockID {
		return ErrConditionFailed
	}
	existing.TTL = rec.TTL
	existing.RenewedAt = rec.RenewedAt
	s.rows[rec.LockName] = existing
	return nil
}

func (s *memStore) DeleteIfMatch(ctx context.Context, name, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[name]
	if !ok || existing.LockID != lockID {
		return nil
	}
	delete(s.rows, name)
	return nil
}

func TestAcquireThenRelease(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, 50*time.Millisecond, 20*time.Millisecond, 10*time.Millisecond)

	ok, err := m.Acquire(context.Background(), "ingest", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Release(context.Background(), "ingest"))

	_, err = store.Get(context.Background(), "ingest")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSecondAcquireBlocksUntilReleaseOrExpiry(t *testing.T) {
	store := newMemStore()
	a := NewManager(store, 30*time.Millisecond, 15*time.Millisecond, 10*time.Millisecond)
	b := NewManager(store, 30*time.Millisecond, 15*time.Millisecond, 10*time.Millisecond)

	ok, err := a.Acquire(context.Background(), "backfill", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	// b should eventually steal the lock once a's lease expires without renewal.
	a.mu.Lock()
	held := a.held["backfill"]
	a.mu.Unlock()
	held.cancel() // stop a's renewal without releasing, simulating a crash
	<-held.done

	ok, err = b.Acquire(context.Background(), "backfill", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "b should steal the expired lock")
}

func TestRenewalKeepsLeaseAlive(t *testing.T) {
	store := newMemStore()
	a := NewManager(store, 40*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)
	b := NewManager(store, 40*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)

	ok, err := a.Acquire(context.Background(), "ingest", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond) // several renewal ticks

	ok, err = b.Acquire(context.Background(), "ingest", 30*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "a's lease should still be renewed, not expired")
}

func TestReleaseAllReleasesEveryHeldLock(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, 50*time.Millisecond, 20*time.Millisecond, 10*time.Millisecond)

	_, err := m.Acquire(context.Background(), "ingest", 50*time.Millisecond)
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "backfill", 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseAll(context.Background()))

	_, err = store.Get(context.Background(), "ingest")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(context.Background(), "backfill")
	require.ErrorIs(t, err, ErrNotFound)
}
