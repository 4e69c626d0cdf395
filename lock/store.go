// Package lock implements the distributed lock manager: TTL leases on a
// conditional key-value store, background renewal, and expired-lease
// stealing. The conditional-store interface sits in front of a DynamoDB
// backend for production and a local embedded backend for dev and tests.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrConditionFailed is returned by a Store when a conditional write loses
// its race (the row changed, or attribute_not_exists failed because the row
// already exists).
var ErrConditionFailed = errors.New("lock: condition failed")

// ErrNotFound is returned by Get when no row exists for the given name.
var ErrNotFound = errors.New("lock: not found")

// Record is the persisted shape of one lock row: {lock_name, lock_id,
// acquired_at, ttl, renewed_at}.
type Record struct {
	LockName   string
	LockID     string
	AcquiredAt time.Time
	TTL        time.Time
	RenewedAt  time.Time
}

// Expired reports whether the lease's TTL has elapsed as of now.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.TTL)
}

// Store is the conditional key-value backend a Manager leases against. Every
// method must be atomic with respect to concurrent callers across processes
// (a real Store is backed by DynamoDB conditional expressions or an
// equivalent single-writer-wins primitive).
type Store interface {
	// Get returns the current row for name, or ErrNotFound.
	Get(ctx context.Context, name string) (Record, error)
	// PutIfAbsent creates the row only if none exists. Returns
	// ErrConditionFailed if a row is already present.
	PutIfAbsent(ctx context.Context, rec Record) error
	// ReplaceIfExpired overwrites an existing row only if the existing
	// row's TTL has already elapsed as of now. Returns ErrConditionFailed
	// if the existing row is not expired (or no longer present with the
	// expected identity), matching steal()'s race against other stealers.
	ReplaceIfExpired(ctx context.Context, rec Record, now time.Time) error
	// UpdateIfMatch overwrites the row's TTL/RenewedAt only if the
	// existing row's LockID equals rec.LockID. Returns ErrConditionFailed
	// on mismatch (we lost the lock).
	UpdateIfMatch(ctx context.Context, rec Record) error
	// DeleteIfMatch removes the row only if its LockID equals lockID. A
	// missing or mismatched row is not an error (release is idempotent).
	DeleteIfMatch(ctx context.Context, name, lockID string) error
}
