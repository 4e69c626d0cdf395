package transform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schemahub/tradefeed/exchange"
	"github.com/schemahub/tradefeed/objectstore"
	"github.com/schemahub/tradefeed/rawwriter"
	"github.com/schemahub/tradefeed/unified"
)

type fakeManifest struct {
	processed map[string]bool
}

func (f *fakeManifest) ProcessedRawFiles(ctx context.Context) (map[string]bool, error) {
	if f.processed == nil {
		return map[string]bool{}, nil
	}
	return f.processed, nil
}

func writeRawPage(t *testing.T, backend objectstore.Store, key, productID string, ids ...int64) {
	t.Helper()
	w := rawwriter.NewWriter(backend, "", "coinbase")
	var records []exchange.RawRecord
	for _, id := range ids {
		rec, err := exchange.ToRawRecord(exchange.Trade{
			TradeID: id,
			Price:   "100.00",
			Size:    "1.0",
			Time:    time.Now().UTC().Format(time.RFC3339),
			Side:    "buy",
		}, productID, "coinbase", time.Now().UTC())
		require.NoError(t, err)
		records = append(records, rec)
	}
	require.NoError(t, w.Flush(context.Background(), key, records))
}

func TestRunProjectsRawPagesIntoUnifiedBatches(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	writeRawPage(t, backend, "raw/page1.jsonl.gz", "BTC-USD", 1, 2, 3)
	writeRawPage(t, backend, "raw/page2.jsonl.gz", "BTC-USD", 4, 5)

	result, err := Run(context.Background(), backend, &fakeManifest{}, Params{
		RawPrefix:     "raw",
		UnifiedPrefix: "unified",
		Version:       1,
		RunID:         "run-1",
		BatchSize:     10,
		Concurrency:   2,
	})
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
	require.Equal(t, 5, result.RecordsRead)
	require.Equal(t, 5, result.RecordsWritten)
	require.Len(t, result.OutputKeys, 1)

	records, err := unified.ReadBatch(context.Background(), backend, result.OutputKeys[0])
	require.NoError(t, err)
	require.Len(t, records, 5)
}

func TestRunSkipsAlreadyProcessedFilesUnlessRebuild(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	writeRawPage(t, backend, "raw/page1.jsonl.gz", "BTC-USD", 1, 2)
	writeRawPage(t, backend, "raw/page2.jsonl.gz", "BTC-USD", 3, 4)

	m := &fakeManifest{processed: map[string]bool{"raw/page1.jsonl.gz": true}}

	result, err := Run(context.Background(), backend, m, Params{
		RawPrefix:     "raw",
		UnifiedPrefix: "unified",
		Version:       1,
		RunID:         "run-2",
		BatchSize:     10,
		Concurrency:   2,
	})
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
	require.Equal(t, 2, result.RecordsRead, "only the unprocessed page should be read")
	require.Equal(t, []string{"raw/page2.jsonl.gz"}, result.ProcessedFiles)

	rebuilt, err := Run(context.Background(), backend, m, Params{
		RawPrefix:     "raw",
		UnifiedPrefix: "unified",
		Version:       1,
		RunID:         "run-3",
		BatchSize:     10,
		Concurrency:   2,
		Rebuild:       true,
	})
	require.NoError(t, err)
	require.Equal(t, 4, rebuilt.RecordsRead, "rebuild ignores the manifest's processed set")
}

func TestRunReturnsNoDataWhenNothingToProcess(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	result, err := Run(context.Background(), backend, &fakeManifest{}, Params{
		RawPrefix:     "raw",
		UnifiedPrefix: "unified",
		Version:       1,
		RunID:         "run-4",
	})
	require.NoError(t, err)
	require.Equal(t, "no_data", result.Status)
}

func TestRunRecordsWrittenExcludesIntraBatchDuplicates(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	writeRawPage(t, backend, "raw/page1.jsonl.gz", "BTC-USD", 1, 2, 3)
	writeRawPage(t, backend, "raw/page2.jsonl.gz", "BTC-USD", 3, 4)

	result, err := Run(context.Background(), backend, &fakeManifest{}, Params{
		RawPrefix:     "raw",
		UnifiedPrefix: "unified",
		Version:       1,
		RunID:         "run-5",
		BatchSize:     10,
		Concurrency:   2,
	})
	require.NoError(t, err)
	require.Equal(t, 5, result.RecordsRead)
	require.Equal(t, 5, result.RecordsTransformed)
	require.Equal(t, 4, result.RecordsWritten, "the duplicate trade_id must not count toward records written")

	records, err := unified.ReadBatch(context.Background(), backend, result.OutputKeys[0])
	require.NoError(t, err)
	require.Len(t, records, 4)
}
