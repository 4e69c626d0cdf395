// Package transform streams accumulated raw pages out of the object
// store, projects each raw record into the unified columnar schema,
// batches the results into Arrow pages, and hands the written partition
// to the dedupe engine. A record that fails projection is logged and
// skipped; it never fails the run.
package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/schemahub/tradefeed/dedupe"
	"github.com/schemahub/tradefeed/exchange"
	"github.com/schemahub/tradefeed/internal/tflog"
	"github.com/schemahub/tradefeed/objectstore"
	"github.com/schemahub/tradefeed/rawwriter"
	"github.com/schemahub/tradefeed/unified"
)

var log = tflog.New("transform")

// Result summarizes one transform run.
type Result struct {
	RecordsRead        int
	RecordsTransformed int
	RecordsWritten     int
	OutputKeys         []string
	ProcessedFiles     []string
	Dedupe             *dedupe.Result
	Status             string
}

// Params configures one Run invocation.
type Params struct {
	RawPrefix     string
	UnifiedPrefix string
	Version       int
	RunID         string
	Rebuild       bool
	BatchSize     int // records buffered before a columnar write, default 500_000
	Concurrency   int // concurrent raw-file reads, default 5
}

// ManifestView is the subset of manifest behavior transform needs:
// knowing which raw keys are already processed, without importing the
// manifest package's full read/write surface (broken out to avoid an
// import cycle, since manifest itself records transform history).
type ManifestView interface {
	ProcessedRawFiles(ctx context.Context) (map[string]bool, error)
}

// Run lists raw keys, computes the incremental delta against the
// manifest (unless rebuilding), projects each raw record into the
// unified schema, batches and writes columnar pages, then invokes
// Dedupe on the resulting version partition.
func Run(ctx context.Context, backend objectstore.Store, manifest ManifestView, p Params) (Result, error) {
	if p.BatchSize <= 0 {
		p.BatchSize = 500_000
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 5
	}

	allKeys, err := backend.List(ctx, p.RawPrefix)
	if err != nil {
		return Result{Status: "error"}, fmt.Errorf("transform: list %s: %w", p.RawPrefix, err)
	}
	sort.Strings(allKeys)

	keysToProcess := allKeys
	if !p.Rebuild {
		processed, merr := manifest.ProcessedRawFiles(ctx)
		if merr != nil {
			log.Warn("manifest load failed, falling back to rebuild", "err", merr)
		} else {
			keysToProcess = diff(allKeys, processed)
		}
	}

	if len(keysToProcess) == 0 {
		return Result{Status: "no_data", ProcessedFiles: []string{}}, nil
	}

	type fileResult struct {
		key     string
		records []unified.Record
		read    int
		err     error
	}

	fileResults := make([]fileResult, len(keysToProcess))
	sem := make(chan struct{}, p.Concurrency)
	done := make(chan int, len(keysToProcess))
	for i, key := range keysToProcess {
		sem <- struct{}{}
		go func(i int, key string) {
			defer func() { <-sem; done <- i }()
			raws, rerr := rawwriter.ReadAll(ctx, backend, key)
			if rerr != nil {
				fileResults[i] = fileResult{key: key, err: rerr}
				return
			}
			records := make([]unified.Record, 0, len(raws))
			for _, raw := range raws {
				rec, ok := projectRaw(raw)
				if !ok {
					continue
				}
				records = append(records, rec)
			}
			fileResults[i] = fileResult{key: key, records: records, read: len(raws)}
		}(i, key)
	}
	for range keysToProcess {
		<-done
	}

	var (
		recordsRead        int
		recordsTransformed int
		recordsWritten     int
		buffer             []unified.Record
		outputKeys         []string
		processedFiles     []string
	)
	for _, fr := range fileResults {
		if fr.err != nil {
			log.Error("failed to read raw file, skipping", "key", fr.key, "err", fr.err)
			continue
		}
		recordsRead += fr.read
		recordsTransformed += len(fr.records)
		processedFiles = append(processedFiles, fr.key)
		buffer = append(buffer, fr.records...)

		for len(buffer) >= p.BatchSize {
			batch := dedupeWithinBatch(buffer[:p.BatchSize])
			key, werr := flushBatch(ctx, backend, p, batch)
			if werr != nil {
				return Result{Status: "error"}, werr
			}
			outputKeys = append(outputKeys, key)
			recordsWritten += len(batch)
			buffer = buffer[p.BatchSize:]
		}
	}
	if len(buffer) > 0 {
		batch := dedupeWithinBatch(buffer)
		key, werr := flushBatch(ctx, backend, p, batch)
		if werr != nil {
			return Result{Status: "error"}, werr
		}
		outputKeys = append(outputKeys, key)
		recordsWritten += len(batch)
	}

	partitionPrefix := fmt.Sprintf("%s/v%d", p.UnifiedPrefix, p.Version)
	dedupeResult, derr := dedupe.Run(ctx, backend, partitionPrefix)
	if derr != nil {
		return Result{
			RecordsRead:        recordsRead,
			RecordsTransformed: recordsTransformed,
			RecordsWritten:     recordsWritten,
			OutputKeys:         outputKeys,
			ProcessedFiles:     processedFiles,
			Status:             "error",
		}, fmt.Errorf("transform: dedupe: %w", derr)
	}

	return Result{
		RecordsRead:        recordsRead,
		RecordsTransformed: recordsTransformed,
		RecordsWritten:     recordsWritten,
		OutputKeys:         outputKeys,
		ProcessedFiles:     processedFiles,
		Dedupe:             &dedupeResult,
		Status:             "success",
	}, nil
}

func flushBatch(ctx context.Context, backend objectstore.Store, p Params, batch []unified.Record) (string, error) {
	key := unified.BatchKey(p.UnifiedPrefix, p.Version, time.Now().UTC(), p.RunID, len(batch))
	if err := unified.WriteBatch(ctx, backend, key, batch); err != nil {
		return "", fmt.Errorf("transform: write batch %s: %w", key, err)
	}
	return key, nil
}

// dedupeWithinBatch keeps the first occurrence of each trade_id within a
// single batch.
func dedupeWithinBatch(records []unified.Record) []unified.Record {
	seen := make(map[string]bool, len(records))
	out := make([]unified.Record, 0, len(records))
	for _, r := range records {
		if seen[r.TradeID] {
			continue
		}
		seen[r.TradeID] = true
		out = append(out, r)
	}
	return out
}

func diff(all []string, processed map[string]bool) []string {
	var out []string
	for _, k := range all {
		if !processed[k] {
			out = append(out, k)
		}
	}
	return out
}

// projectRaw maps a raw record onto the unified columnar schema
// (exchange/symbol/trade_id/side/price/quantity/trade_ts). Ingest has
// already normalized numerics and timestamps via exchange.ToRawRecord,
// so the only rejection left here is an unrecognized side, which is
// skipped-and-logged rather than failing the run.
func projectRaw(raw exchange.RawRecord) (unified.Record, bool) {
	side := strings.ToLower(raw.Side)
	if side != "buy" && side != "sell" {
		log.Warn("skipping raw record with unrecognized side", "trade_id", raw.TradeID, "side", raw.Side)
		return unified.Record{}, false
	}
	return unified.Record{
		Exchange: "coinbase",
		Symbol:   raw.ProductID,
		TradeID:  raw.TradeID,
		Side:     side,
		Price:    raw.Price,
		Quantity: raw.Size,
		TradeTS:  raw.Time.UTC(),
	}, true
}
