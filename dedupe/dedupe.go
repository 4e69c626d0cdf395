// Package dedupe compacts a version partition down to one row per
// (exchange, symbol, trade_id): a count-vs-count-distinct check over
// the partition, and, only when they differ, a rewrite keeping the
// latest row per key by trade_ts, materialized to a temp partition and
// then swapped in for the original. A bloom-filter pre-check avoids the
// full distinct-count pass when the partition is cheaply provable as
// duplicate-free.
package dedupe

import (
	"context"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/holiman/bloomfilter/v2"

	"github.com/schemahub/tradefeed/internal/tflog"
	"github.com/schemahub/tradefeed/objectstore"
	"github.com/schemahub/tradefeed/unified"
)

// hashableKey adapts a dedupe key string to bloomfilter.Hashable, which
// requires only Sum64().
type hashableKey uint64

func (h hashableKey) Sum64() uint64 { return uint64(h) }

func hashKey(k string) hashableKey { return hashableKey(xxhash.Sum64String(k)) }

var log = tflog.New("dedupe")

// Result reports the outcome of one dedupe pass. FinalKey names the
// rewritten partition file when Status is "deduped"
// (the original batch keys no longer exist after the swap).
type Result struct {
	Status            string // "skipped" or "deduped"
	RecordsBefore     int
	RecordsAfter      int
	DuplicatesRemoved int
	FinalKey          string
}

// Run operates on partitionPrefix (e.g. "<unified_prefix>/v<version>")
// as a single logical table: it counts total rows and distinct
// (exchange, symbol, trade_id) keys, and if they differ, rewrites the
// partition keeping the most recent row per key by trade_ts.
func Run(ctx context.Context, backend objectstore.Store, partitionPrefix string) (Result, error) {
	keys, err := backend.List(ctx, partitionPrefix)
	if err != nil {
		return Result{}, fmt.Errorf("dedupe: list %s: %w", partitionPrefix, err)
	}
	if len(keys) == 0 {
		return Result{Status: "skipped"}, nil
	}

	var all []unified.Record
	for _, key := range keys {
		recs, rerr := unified.ReadBatch(ctx, backend, key)
		if rerr != nil {
			return Result{}, fmt.Errorf("dedupe: read %s: %w", key, rerr)
		}
		all = append(all, recs...)
	}

	total := len(all)
	distinctKeys, probablyClean := quickDistinctCount(all)
	if probablyClean || distinctKeys == total {
		return Result{Status: "skipped", RecordsBefore: total, RecordsAfter: total}, nil
	}

	kept := rowNumberPartitionLatest(all)
	tempPrefix := fmt.Sprintf("%s_dedupe_temp", strings.TrimSuffix(partitionPrefix, "/"))
	tempKey := fmt.Sprintf("%s/deduped.arrows", tempPrefix)
	if werr := unified.WriteBatch(ctx, backend, tempKey, kept); werr != nil {
		return Result{}, fmt.Errorf("dedupe: write temp partition: %w", werr)
	}

	// The partition is untouched up to this point, so a crash before the
	// deletes is recoverable on the next run.
	for _, key := range keys {
		if derr := backend.Delete(ctx, key); derr != nil {
			return Result{}, fmt.Errorf("dedupe: delete original key %s: %w", key, derr)
		}
	}

	finalKey := fmt.Sprintf("%s/unified_trades_deduped.arrows", partitionPrefix)
	if werr := unified.WriteBatch(ctx, backend, finalKey, kept); werr != nil {
		return Result{}, fmt.Errorf("dedupe: move temp to final: %w", werr)
	}
	if derr := backend.Delete(ctx, tempKey); derr != nil {
		log.Warn("failed to clean up temp dedupe key", "key", tempKey, "err", derr)
	}

	log.Info("dedupe complete", "partition", partitionPrefix, "before", total, "after", len(kept))
	return Result{
		Status:            "deduped",
		RecordsBefore:     total,
		RecordsAfter:      len(kept),
		DuplicatesRemoved: total - len(kept),
		FinalKey:          finalKey,
	}, nil
}

func dedupeKey(r unified.Record) string {
	return r.Exchange + "\x00" + r.Symbol + "\x00" + r.TradeID
}

// quickDistinctCount uses a bloom filter to cheaply prove "every key seen
// so far is new" for the common duplicate-free case; on the first
// possible collision it falls back to an exact map-based count so
// Run's equality check is never wrong, only sometimes slower.
func quickDistinctCount(records []unified.Record) (distinct int, probablyClean bool) {
	if len(records) == 0 {
		return 0, true
	}
	filter, err := bloomfilter.NewOptimal(uint64(len(records)), 0.01)
	if err != nil {
		return exactDistinctCount(records), false
	}

	for _, r := range records {
		h := hashKey(dedupeKey(r))
		if filter.Contains(h) {
			// Possible collision (real duplicate or false positive): fall
			// back to the exact count.
			return exactDistinctCount(records), false
		}
		filter.Add(h)
	}
	return len(records), true
}

func exactDistinctCount(records []unified.Record) int {
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[dedupeKey(r)] = true
	}
	return len(seen)
}

// rowNumberPartitionLatest keeps, for each (exchange, symbol, trade_id),
// the row with the latest trade_ts, the equivalent of
// "ROW_NUMBER() OVER (PARTITION BY ... ORDER BY trade_ts DESC)" with
// only rn=1 projected.
func rowNumberPartitionLatest(records []unified.Record) []unified.Record {
	best := make(map[string]unified.Record, len(records))
	order := make([]string, 0, len(records))
	for _, r := range records {
		k := dedupeKey(r)
		cur, ok := best[k]
		if !ok {
			order = append(order, k)
			best[k] = r
			continue
		}
		if r.TradeTS.After(cur.TradeTS) {
			best[k] = r
		}
	}
	out := make([]unified.Record, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}
