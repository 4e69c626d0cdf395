package validate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schemahub/tradefeed/objectstore"
	"github.com/schemahub/tradefeed/unified"
)

func TestValidateBatchCleanPage(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	records := []unified.Record{
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "1", Side: "buy", Price: 100, Quantity: 1, TradeTS: now},
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "2", Side: "sell", Price: 101, Quantity: 2, TradeTS: now},
	}
	key := "unified/v1/page1.arrows"
	require.NoError(t, unified.WriteBatch(context.Background(), backend, key, records))

	issues, metrics, err := ValidateBatch(context.Background(), backend, key, time.Time{}, 0, now)
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Equal(t, 2, metrics.RecordsChecked)
	require.Equal(t, 2, metrics.UniqueRecords)
	require.Equal(t, []string{"BTC-USD"}, metrics.Products)
}

func TestValidateBatchFlagsBadRecords(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	records := []unified.Record{
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "1", Side: "buy", Price: 100, Quantity: 1, TradeTS: now},
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "1", Side: "buy", Price: -5, Quantity: 1, TradeTS: now},
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "3", Side: "hold", Price: 1, Quantity: 1, TradeTS: now},
	}
	key := "unified/v1/page1.arrows"
	require.NoError(t, unified.WriteBatch(context.Background(), backend, key, records))

	issues, metrics, err := ValidateBatch(context.Background(), backend, key, time.Time{}, 0, now)
	require.NoError(t, err)
	require.NotEmpty(t, issues)
	require.Equal(t, 3, metrics.RecordsChecked)

	gates := CheckGates(issues, metrics, nil, nil, 0.05, 0)
	require.False(t, gates.Passed)
}

func TestValidateBatchStaleManifest(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	records := []unified.Record{
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "1", Side: "buy", Price: 100, Quantity: 1, TradeTS: now},
	}
	key := "unified/v1/page1.arrows"
	require.NoError(t, unified.WriteBatch(context.Background(), backend, key, records))

	staleSince := now.Add(-3 * time.Hour)
	issues, metrics, err := ValidateBatch(context.Background(), backend, key, staleSince, 2*time.Hour, now)
	require.NoError(t, err)
	require.NotEmpty(t, metrics.StaleProducts)
	found := false
	for _, issue := range issues {
		if containsAny(issue, "stale manifest") {
			found = true
		}
	}
	require.True(t, found)
}

func TestValidateFullComputesGapsAndAge(t *testing.T) {
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	records := []unified.Record{
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "1", Side: "buy", Price: 100, Quantity: 1, TradeTS: now.Add(-3 * time.Hour)},
		{Exchange: "coinbase", Symbol: "BTC-USD", TradeID: "2", Side: "buy", Price: 100, Quantity: 1, TradeTS: now.Add(-30 * time.Minute)},
	}
	require.NoError(t, unified.WriteBatch(context.Background(), backend, "unified/v1/page1.arrows", records))

	issues, metrics, err := ValidateFull(context.Background(), backend, "unified/v1", 60*time.Minute, 3, now)
	require.NoError(t, err)
	require.Equal(t, 2, metrics.RecordsChecked)
	require.Greater(t, metrics.MaxGapMinutes["BTC-USD"], 100.0)
	require.InDelta(t, 30, metrics.DataAgeMinutes, 1)
	_ = issues
}

func TestCheckGatesPassesOnCleanRun(t *testing.T) {
	gates := CheckGates(nil, Metrics{RecordsChecked: 10}, nil, &Metrics{DataAgeMinutes: 5}, 0.05, 4*time.Hour)
	require.True(t, gates.Passed)
}

func TestCheckGatesFailsOnStaleFullScan(t *testing.T) {
	full := &Metrics{DataAgeMinutes: 300}
	gates := CheckGates(nil, Metrics{RecordsChecked: 10}, nil, full, 0.05, 4*time.Hour)
	require.False(t, gates.Passed)
}
