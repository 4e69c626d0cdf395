package rawwriter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schemahub/tradefeed/exchange"
	"github.com/schemahub/tradefeed/objectstore"
)

func newTestWriter(t *testing.T) (*Writer, objectstore.Store) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return NewWriter(backend, "tenant", "coinbase"), backend
}

func TestKeyMatchesFixedEncoding(t *testing.T) {
	w, _ := newTestWriter(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	key := w.Key("BTC-USD", ts, "run-1", 100, 200, 5)
	require.Equal(t, "tenant/raw_coinbase_trades_BTC-USD_20260102T030405Z_run-1_100_200_5.jsonl", key)
}

func TestFlushThenReadAllRoundTrips(t *testing.T) {
	w, backend := newTestWriter(t)
	records := []exchange.RawRecord{
		{TradeID: "1", ProductID: "BTC-USD", Price: 100.5, Size: 2, Side: "BUY"},
		{TradeID: "2", ProductID: "BTC-USD", Price: 101.5, Size: 1, Side: "SELL"},
	}
	key := w.Key("BTC-USD", time.Now(), "run-1", 1, 2, len(records))
	require.NoError(t, w.Flush(context.Background(), key, records))

	got, err := ReadAll(context.Background(), backend, key)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "1", got[0].TradeID)
	require.Equal(t, "BUY", got[0].Side)
}

func TestFlushEmptyRecordsIsNoop(t *testing.T) {
	w, backend := newTestWriter(t)
	key := w.Key("BTC-USD", time.Now(), "run-1", 0, 0, 0)
	require.NoError(t, w.Flush(context.Background(), key, nil))

	_, err := backend.Get(context.Background(), key)
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}
