package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schemahub/tradefeed/objectstore"
	"github.com/schemahub/tradefeed/unified"
)

func TestRunSkipsWhenNoDuplicates(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ts := time.Now().UTC()
	records := []unified.Record{
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "1", Side: "buy", Price: 1, Quantity: 1, TradeTS: ts},
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "2", Side: "sell", Price: 1, Quantity: 1, TradeTS: ts},
	}
	require.NoError(t, unified.WriteBatch(context.Background(), backend, "unified/v1/page1.arrows", records))

	res, err := Run(context.Background(), backend, "unified/v1")
	require.NoError(t, err)
	require.Equal(t, "skipped", res.Status)
}

func TestRunDedupesKeepingLatestByTradeTS(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	older := time.Now().Add(-time.Hour).UTC()
	newer := time.Now().UTC()
	page1 := []unified.Record{
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "1", Side: "buy", Price: 100, Quantity: 1, TradeTS: older},
	}
	page2 := []unified.Record{
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "1", Side: "buy", Price: 200, Quantity: 2, TradeTS: newer},
	}
	require.NoError(t, unified.WriteBatch(context.Background(), backend, "unified/v1/page1.arrows", page1))
	require.NoError(t, unified.WriteBatch(context.Background(), backend, "unified/v1/page2.arrows", page2))

	res, err := Run(context.Background(), backend, "unified/v1")
	require.NoError(t, err)
	require.Equal(t, "deduped", res.Status)
	require.Equal(t, 2, res.RecordsBefore)
	require.Equal(t, 1, res.RecordsAfter)
	require.Equal(t, 1, res.DuplicatesRemoved)

	keys, err := backend.List(context.Background(), "unified/v1")
	require.NoError(t, err)
	var all []unified.Record
	for _, k := range keys {
		recs, rerr := unified.ReadBatch(context.Background(), backend, k)
		require.NoError(t, rerr)
		all = append(all, recs...)
	}
	require.Len(t, all, 1)
	require.InDelta(t, 200, all[0].Price, 0.0001)
}

func TestRunSkipsWhenPartitionEmpty(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	res, err := Run(context.Background(), backend, "unified/v1")
	require.NoError(t, err)
	require.Equal(t, "skipped", res.Status)
}
