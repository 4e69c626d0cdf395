package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// LocalStore is a single-host Store backed by goleveldb, storing only
// the latest row per exchange (the only row the rest of the system ever
// reads). Used for dev/test and single-host deployments alongside
// lock.LocalStore.
type LocalStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLocalStore opens (creating if absent) a goleveldb database at path.
func NewLocalStore(path string) (*LocalStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("health: open local store: %w", err)
	}
	return &LocalStore{db: db}, nil
}

// Close releases the underlying goleveldb handle.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

func (s *LocalStore) Latest(ctx context.Context, exchange string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestLocked(exchange)
}

func (s *LocalStore) latestLocked(exchange string) (Record, bool, error) {
	data, err := s.db.Get([]byte(exchange), nil)
	if err == leveldb.ErrNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("health: local get %s: %w", exchange, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("health: decode %s: %w", exchange, err)
	}
	return rec, true, nil
}

func (s *LocalStore) putLocked(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("health: encode %s: %w", rec.Exchange, err)
	}
	if err := s.db.Put([]byte(rec.Exchange), data, nil); err != nil {
		return fmt.Errorf("health: local put %s: %w", rec.Exchange, err)
	}
	return nil
}

func (s *LocalStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Timestamp = time.Now().UTC()
	return s.putLocked(rec)
}

func (s *LocalStore) ConditionalTransition(ctx context.Context, exchange string, expected, newState CircuitState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, found, err := s.latestLocked(exchange)
	if err != nil {
		return false, err
	}
	if found && current.CircuitState != expected {
		return false, nil
	}
	if !found {
		current = Record{Exchange: exchange, Status: StatusHealthy}
	}
	current.CircuitState = newState
	current.Timestamp = time.Now().UTC()
	if err := s.putLocked(current); err != nil {
		return false, err
	}
	return true, nil
}
