package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schemahub/tradefeed/checkpoint"
	"github.com/schemahub/tradefeed/exchange"
	"github.com/schemahub/tradefeed/lock"
	"github.com/schemahub/tradefeed/objectstore"
	"github.com/schemahub/tradefeed/rawwriter"
)

// fakeClient is a minimal exchange whose pages are keyed by cursor and
// whose finish line is fixed at construction, enough to drive Controller
// without a real HTTP upstream.
type fakeClient struct {
	latest int64
	pages  map[int64][]exchange.Trade
}

func (f *fakeClient) LatestTradeID(ctx context.Context, productID string) (int64, error) {
	return f.latest, nil
}

func (f *fakeClient) FetchTradesWithCursor(ctx context.Context, productID string, limit int, after *int64) ([]exchange.Trade, *int64, error) {
	return f.pages[*after], nil, nil
}

func newController(t *testing.T, client Client) *Controller {
	t.Helper()
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	lockStore, err := lock.NewLocalStore(filepath.Join(t.TempDir(), "locks"))
	require.NoError(t, err)

	return &Controller{
		Client:      client,
		Checkpoints: checkpoint.NewStore(backend, ""),
		Writer:      rawwriter.NewWriter(backend, "raw", "coinbase"),
		Locks:       lock.NewManager(lockStore, 30*time.Second, 15*time.Second, 10*time.Millisecond),
	}
}

func TestColdStartProducesTwoPages(t *testing.T) {
	client := &fakeClient{
		latest: 1999,
		pages: map[int64][]exchange.Trade{
			1000: tradesRange(1, 1000),
			1001: tradesRange(1001, 1999),
		},
	}
	c := newController(t, client)

	summary, err := c.Run(context.Background(), Params{
		Mode:            checkpoint.ModeIngest,
		Products:        []string{"BTC-USD"},
		PageLimit:       1000,
		CacheBatchSize:  1000,
		ColdStartCursor: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, "success", summary.Status)
	require.Equal(t, 1999, summary.RecordsWritten)

	cp := c.Checkpoints.Load(context.Background(), checkpoint.ModeIngest, "BTC-USD")
	require.GreaterOrEqual(t, cp.Cursor, uint64(2000))
}

func TestResumeAfterCrashDoesNotRefetchOldRange(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	lockStore, err := lock.NewLocalStore(filepath.Join(t.TempDir(), "locks"))
	require.NoError(t, err)

	checkpoints := checkpoint.NewStore(backend, "")
	require.NoError(t, checkpoints.Save(context.Background(), checkpoint.ModeIngest, "BTC-USD", checkpoint.Checkpoint{Cursor: 1500}))

	var requestedCursors []int64
	client := &recordingClient{
		latest: 2500,
		pages: map[int64][]exchange.Trade{
			1500: tradesRange(1501, 2500),
		},
		seen: &requestedCursors,
	}

	c := &Controller{
		Client:      client,
		Checkpoints: checkpoints,
		Writer:      rawwriter.NewWriter(backend, "raw", "coinbase"),
		Locks:       lock.NewManager(lockStore, 30*time.Second, 15*time.Second, 10*time.Millisecond),
	}

	summary, err := c.Run(context.Background(), Params{
		Mode:            checkpoint.ModeIngest,
		Products:        []string{"BTC-USD"},
		PageLimit:       1000,
		CacheBatchSize:  1000,
		ColdStartCursor: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, "success", summary.Status)

	for _, cursor := range requestedCursors {
		require.GreaterOrEqual(t, cursor, int64(1500), "must not re-fetch cursors below the resumed checkpoint")
	}

	cp := checkpoints.Load(context.Background(), checkpoint.ModeIngest, "BTC-USD")
	require.GreaterOrEqual(t, cp.Cursor, uint64(2500))
}

func TestAlreadyCaughtUpSkipsWithNoWrites(t *testing.T) {
	client := &fakeClient{latest: 1000, pages: map[int64][]exchange.Trade{}}
	c := newController(t, client)

	require.NoError(t, c.Checkpoints.Save(context.Background(), checkpoint.ModeIngest, "BTC-USD", checkpoint.Checkpoint{Cursor: 2000}))

	summary, err := c.Run(context.Background(), Params{
		Mode:            checkpoint.ModeIngest,
		Products:        []string{"BTC-USD"},
		PageLimit:       1000,
		CacheBatchSize:  1000,
		ColdStartCursor: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, "success", summary.Status)
	require.Equal(t, 0, summary.RecordsWritten)
}

type recordingClient struct {
	latest int64
	pages  map[int64][]exchange.Trade
	seen   *[]int64
}

func (f *recordingClient) LatestTradeID(ctx context.Context, productID string) (int64, error) {
	return f.latest, nil
}

func (f *recordingClient) FetchTradesWithCursor(ctx context.Context, productID string, limit int, after *int64) ([]exchange.Trade, *int64, error) {
	*f.seen = append(*f.seen, *after)
	return f.pages[*after], nil, nil
}

func tradesRange(first, last int64) []exchange.Trade {
	var out []exchange.Trade
	for id := first; id <= last; id++ {
		out = append(out, exchange.Trade{
			TradeID: id,
			Price:   "100.00",
			Size:    "1.0",
			Time:    time.Now().UTC().Format(time.RFC3339),
			Side:    "buy",
		})
	}
	return out
}
