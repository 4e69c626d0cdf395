package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStorePutGetRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "raw/BTC-USD/page1.ndjson", []byte("hello"), "application/x-ndjson"))

	data, err := s.Get(context.Background(), "raw/BTC-USD/page1.ndjson")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestLocalStoreGetMissingReturnsErrNotFound(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreListReturnsOnlyPrefixedKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "raw/BTC-USD/a.ndjson", []byte("a"), ""))
	require.NoError(t, s.Put(context.Background(), "raw/ETH-USD/b.ndjson", []byte("b"), ""))

	keys, err := s.List(context.Background(), "raw/BTC-USD")
	require.NoError(t, err)
	require.Equal(t, []string{"raw/BTC-USD/a.ndjson"}, keys)
}

func TestLocalStoreDeleteIsIdempotent(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Delete(context.Background(), "never-existed"))

	require.NoError(t, s.Put(context.Background(), "k", []byte("v"), ""))
	require.NoError(t, s.Delete(context.Background(), "k"))
	_, err = s.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrNotFound)
}
