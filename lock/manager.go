package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schemahub/tradefeed/internal/tflog"
)

var log = tflog.New("lock")

// Manager acquires, renews, and releases leases against a Store, keeping
// local bookkeeping (held leases and their renewal goroutines) so it can
// release everything on shutdown or cancellation.
type Manager struct {
	store  Store
	lockID string

	ttl           time.Duration
	renewInterval time.Duration
	acquireRetry  time.Duration

	mu   sync.Mutex
	held map[string]*heldLock
}

type heldLock struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager returns a Manager whose holder identity (lock_id) is a
// fresh UUID, one per process instance.
func NewManager(store Store, ttl, renewInterval, acquireRetry time.Duration) *Manager {
	if renewInterval <= 0 {
		renewInterval = ttl / 2
	}
	return &Manager{
		store:         store,
		lockID:        uuid.NewString(),
		ttl:           ttl,
		renewInterval: renewInterval,
		acquireRetry:  acquireRetry,
		held:          make(map[string]*heldLock),
	}
}

// LockID returns this Manager's holder identity.
func (m *Manager) LockID() string { return m.lockID }

// Acquire attempts to take the named lock, retrying every acquireRetry
// until timeout elapses. On success it spawns a renewal goroutine that
// renews the lease every renewInterval (ttl/2 when NewManager was given
// none) until Release or a lost renewal.
func (m *Manager) Acquire(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := m.tryAcquireOnce(ctx, name)
		if err != nil {
			return false, err
		}
		if ok {
			m.startRenewal(name)
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.acquireRetry):
		}
	}
}

func (m *Manager) tryAcquireOnce(ctx context.Context, name string) (bool, error) {
	now := time.Now()
	rec := Record{LockName: name, LockID: m.lockID, AcquiredAt: now, TTL: now.Add(m.ttl)}

	err := m.store.PutIfAbsent(ctx, rec)
	if err == nil {
		log.Info("acquired lock", "name", name, "lock_id", m.lockID)
		return true, nil
	}
	if !errors.Is(err, ErrConditionFailed) {
		return false, err
	}

	// Row exists; attempt to steal it if expired.
	return m.steal(ctx, name, now)
}

// steal reads the current row and, if its TTL has elapsed, attempts a
// conditional replace. A concurrent stealer may win the CAS instead.
func (m *Manager) steal(ctx context.Context, name string, now time.Time) (bool, error) {
	existing, err := m.store.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		// Row disappeared between PutIfAbsent failing and our read; retry
		// the whole acquire loop rather than looping here.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !existing.Expired(now) {
		return false, nil
	}

	rec := Record{LockName: name, LockID: m.lockID, AcquiredAt: now, TTL: now.Add(m.ttl)}
	if err := m.store.ReplaceIfExpired(ctx, rec, now); err != nil {
		if errors.Is(err, ErrConditionFailed) {
			log.Debug("lost steal race", "name", name)
			return false, nil
		}
		return false, err
	}
	log.Info("stole expired lock", "name", name, "lock_id", m.lockID, "previous_holder", existing.LockID)
	return true, nil
}

func (m *Manager) startRenewal(name string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.held[name] = &heldLock{cancel: cancel, done: done}
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !m.renew(context.Background(), name) {
					m.mu.Lock()
					delete(m.held, name)
					m.mu.Unlock()
					return
				}
			}
		}
	}()
}

// renew extends the lease; transient errors are retried on the next tick
// ("they must not abort the holding task"), a lost CAS (ErrConditionFailed)
// drops local state and stops further renewal.
func (m *Manager) renew(ctx context.Context, name string) bool {
	now := time.Now()
	rec := Record{LockName: name, LockID: m.lockID, TTL: now.Add(m.ttl), RenewedAt: now}
	err := m.store.UpdateIfMatch(ctx, rec)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrConditionFailed) {
		log.Warn("lost lock during renewal", "name", name)
		return false
	}
	log.Warn("transient error renewing lock, will retry", "name", name, "err", err)
	return true
}

// Release stops the renewal goroutine (if any) and conditionally deletes
// the row. Absent or mismatched rows are not treated as errors.
func (m *Manager) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	held, ok := m.held[name]
	delete(m.held, name)
	m.mu.Unlock()

	if ok {
		held.cancel()
		<-held.done
	}
	return m.store.DeleteIfMatch(ctx, name, m.lockID)
}

// ReleaseAll releases every lock currently held by this Manager
// instance, used on shutdown and cancellation.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.held))
	for name := range m.held {
		names = append(names, name)
	}
	m.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := m.Release(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
