package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/schemahub/tradefeed/objectstore"
)

func newTestStore(t *testing.T) *Store {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return NewStore(backend, "tenant")
}

func TestLoadAbsentReturnsZeroValue(t *testing.T) {
	s := newTestStore(t)
	cp := s.Load(context.Background(), ModeIngest, "BTC-USD")
	require.Zero(t, cp.Cursor)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(context.Background(), ModeIngest, "BTC-USD", Checkpoint{Cursor: 1000}))

	cp := s.Load(context.Background(), ModeIngest, "BTC-USD")
	require.EqualValues(t, 1000, cp.Cursor)
	require.False(t, cp.LastUpdated.IsZero())
}

func TestSaveSkipsCursorRegression(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(context.Background(), ModeIngest, "BTC-USD", Checkpoint{Cursor: 2000}))
	require.NoError(t, s.Save(context.Background(), ModeIngest, "BTC-USD", Checkpoint{Cursor: 1500}))

	cp := s.Load(context.Background(), ModeIngest, "BTC-USD")
	require.EqualValues(t, 2000, cp.Cursor, "a regressing write must be skipped")
}

func TestModesAreDisjointNamespaces(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(context.Background(), ModeIngest, "BTC-USD", Checkpoint{Cursor: 100}))
	require.NoError(t, s.Save(context.Background(), ModeFullRefresh, "BTC-USD", Checkpoint{Cursor: 5000}))

	ingest := s.Load(context.Background(), ModeIngest, "BTC-USD")
	refresh := s.Load(context.Background(), ModeFullRefresh, "BTC-USD")
	require.EqualValues(t, 100, ingest.Cursor)
	require.EqualValues(t, 5000, refresh.Cursor)
}
