package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// LocalStore is a single-host Store backed by an embedded goleveldb
// database, used for dev/test and single-host deployments. Conditional
// semantics are emulated with an in-process mutex, which is sufficient
// because goleveldb itself is only ever opened by one process at a time.
type LocalStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLocalStore opens (creating if absent) a goleveldb database at path.
func NewLocalStore(path string) (*LocalStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("lock: open local store: %w", err)
	}
	return &LocalStore{db: db}, nil
}

// Close releases the underlying goleveldb handle.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

func (s *LocalStore) Get(ctx context.Context, name string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(name)
}

func (s *LocalStore) getLocked(name string) (Record, error) {
	data, err := s.db.Get([]byte(name), nil)
	if err == leveldb.ErrNotFound {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("lock: local get %s: %w", name, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("lock: decode %s: %w", name, err)
	}
	return rec, nil
}

func (s *LocalStore) putLocked(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lock: encode %s: %w", rec.LockName, err)
	}
	if err := s.db.Put([]byte(rec.LockName), data, nil); err != nil {
		return fmt.Errorf("lock: local put %s: %w", rec.LockName, err)
	}
	return nil
}

func (s *LocalStore) PutIfAbsent(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getLocked(rec.LockName); err == nil {
		return ErrConditionFailed
	} else if err != ErrNotFound {
		return err
	}
	return s.putLocked(rec)
}

func (s *LocalStore) ReplaceIfExpired(ctx context.Context, rec Record, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.getLocked(rec.LockName)
	if err != nil {
		if err == ErrNotFound {
			return ErrConditionFailed
		}
		return err
	}
	if !existing.Expired(now) {
		return ErrConditionFailed
	}
	return s.putLocked(rec)
}

func (s *LocalStore) UpdateIfMatch(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.getLocked(rec.LockName)
	if err != nil {
		if err == ErrNotFound {
			return ErrConditionFailed
		}
		return err
	}
	if existing.LockID != rec.LockID {
		return ErrConditionFailed
	}
	existing.TTL = rec.TTL
	existing.RenewedAt = rec.RenewedAt
	return s.putLocked(existing)
}

func (s *LocalStore) DeleteIfMatch(ctx context.Context, name, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.getLocked(name)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.LockID != lockID {
		return nil
	}
	if err := s.db.Delete([]byte(name), nil); err != nil {
		return fmt.Errorf("lock: local delete %s: %w", name, err)
	}
	return nil
}
