// Package objectstore is the object-store boundary every component that
// persists page-shaped data (checkpoints, raw pages, unified pages) writes
// through: a single atomic Put, a Get that distinguishes "missing" from
// "error", and a prefix listing used by the transform engine's file-level
// tracking. An S3 backend serves production; a local-filesystem backend
// serves dev, tests, and single-host deployments.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when key does not exist.
var ErrNotFound = errors.New("objectstore: not found")

// Store is implemented by both the production S3 backend and the local
// filesystem backend.
type Store interface {
	// Put writes data under key as a single atomic operation: a single
	// PUT for S3, write-to-tmp-then-rename for the local backend.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get reads the object at key, returning ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key with the given prefix, used by the
	// Transform Engine to enumerate raw files and by the Dedupe Engine to
	// enumerate a version partition.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the object at key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// PutReader is a convenience used by writers that already have an
// io.Reader (e.g. a gzip pipe) rather than a fully-buffered []byte.
func PutReader(ctx context.Context, s Store, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, data, contentType)
}
