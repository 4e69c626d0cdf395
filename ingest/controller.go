// Package ingest orchestrates the rate limiter, lock manager, circuit
// breaker, exchange client, and parallel fetcher per product: resolve
// the finish line, resolve the cursor, page forward in batches, flush
// each completed batch to the raw writer and only then advance the
// checkpoint. The flush-then-checkpoint order is what bounds a crash to
// re-ingesting at most the last window (dedupe absorbs it downstream)
// instead of losing data.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schemahub/tradefeed/checkpoint"
	"github.com/schemahub/tradefeed/exchange"
	"github.com/schemahub/tradefeed/fetch"
	"github.com/schemahub/tradefeed/internal/tflog"
	"github.com/schemahub/tradefeed/lock"
	"github.com/schemahub/tradefeed/rawwriter"
)

var log = tflog.New("ingest")

// Client is the subset of exchange.Client the controller drives: paged
// fetches (via fetch.Client) plus the finish-line lookup.
type Client interface {
	fetch.Client
	LatestTradeID(ctx context.Context, productID string) (int64, error)
}

// Params configures one Controller run.
type Params struct {
	Mode             checkpoint.Mode
	Products         []string
	ProductWorkers   int // default 3, max 10
	ChunkConcurrency int // default 5, max 25
	PageLimit        int // default 1000, matching the upstream page size
	CacheBatchSize   int // trades drawn before a flush+checkpoint, default 5000
	ColdStartCursor  uint64
	ResetCursor      bool // true for full_refresh: always restart at ColdStartCursor
	DryRun           bool
	Source           string // exchange.RawRecord._source, e.g. "coinbase"
	LockTimeout      time.Duration
}

// ProductResult is one product's outcome within a run.
type ProductResult struct {
	ProductID      string `json:"product_id"`
	Status         string `json:"status"` // "ok", "skipped", "error"
	RecordsWritten int    `json:"records_written"`
	FinalCursor    uint64 `json:"final_cursor,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Summary is the structured run summary emitted to stdout at the end of
// a run.
type Summary struct {
	Pipeline          string          `json:"pipeline"`
	Status            string          `json:"status"` // "success", "partial_failure", "failure"
	RunID             string          `json:"run_id"`
	RecordsWritten    int             `json:"records_written"`
	ProductsProcessed int             `json:"products_processed"`
	CheckpointTS      time.Time       `json:"checkpoint_ts"`
	Products          []ProductResult `json:"products"`
}

// Controller wires the lock manager, exchange client, and raw writer
// together behind the single Run entry point.
type Controller struct {
	Client      Client
	Checkpoints *checkpoint.Store
	Writer      *rawwriter.Writer
	Locks       *lock.Manager
}

// lockName returns the mode-scoped lock this run must hold. The ingest
// lock covers incremental and full-refresh runs; backfill runs hold a
// separate lock.
func lockName(mode checkpoint.Mode) string {
	if mode == checkpoint.ModeBackfill {
		return "lock:backfill"
	}
	return "lock:ingest"
}

// Run acquires the mode lock, resolves the product set, and processes
// each product via a bounded worker pool, aggregating per-product
// outcomes into a run-level Summary. The caller is responsible for
// mapping a failed lock acquisition to exit code 2.
func (c *Controller) Run(ctx context.Context, p Params) (Summary, error) {
	runID := uuid.NewString()
	if p.ProductWorkers <= 0 {
		p.ProductWorkers = 3
	}
	if p.ProductWorkers > 10 {
		p.ProductWorkers = 10
	}
	if p.ChunkConcurrency <= 0 {
		p.ChunkConcurrency = 5
	}
	if p.ChunkConcurrency > 25 {
		p.ChunkConcurrency = 25
	}
	if p.PageLimit <= 0 {
		p.PageLimit = 1000
	}
	if p.CacheBatchSize <= 0 {
		p.CacheBatchSize = 5000
	}
	if p.ColdStartCursor == 0 {
		p.ColdStartCursor = 1000
	}
	if p.LockTimeout <= 0 {
		p.LockTimeout = 30 * time.Second
	}
	if p.Source == "" {
		p.Source = "coinbase"
	}

	name := lockName(p.Mode)
	ok, err := c.Locks.Acquire(ctx, name, p.LockTimeout)
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: acquire lock %s: %w", name, err)
	}
	if !ok {
		return Summary{}, fmt.Errorf("ingest: could not acquire lock %s within %s", name, p.LockTimeout)
	}
	defer func() {
		if rerr := c.Locks.Release(context.Background(), name); rerr != nil {
			log.Warn("failed to release lock", "name", name, "err", rerr)
		}
	}()

	log.Info("ingest run starting", "run_id", runID, "mode", p.Mode, "products", len(p.Products))

	results := make([]ProductResult, len(p.Products))
	jobs := make(chan int, len(p.Products))
	for i := range p.Products {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	numWorkers := p.ProductWorkers
	if numWorkers > len(p.Products) {
		numWorkers = len(p.Products)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				productID := p.Products[i]
				results[i] = c.runProduct(ctx, productID, runID, p)
			}
		}()
	}
	wg.Wait()

	return summarize(runID, results), nil
}

func summarize(runID string, results []ProductResult) Summary {
	totalWritten := 0
	errCount := 0
	for _, r := range results {
		totalWritten += r.RecordsWritten
		if r.Status == "error" {
			errCount++
		}
	}
	status := "success"
	switch {
	case errCount > 0 && errCount == len(results):
		status = "failure"
	case errCount > 0:
		status = "partial_failure"
	}
	return Summary{
		Pipeline:          "tradefeed-ingest",
		Status:            status,
		RunID:             runID,
		RecordsWritten:    totalWritten,
		ProductsProcessed: len(results),
		CheckpointTS:      time.Now().UTC(),
		Products:          results,
	}
}

// runProduct resolves the finish line, resolves the starting cursor,
// then pages forward in CacheBatchSize windows until the cursor exceeds
// the target or a page returns empty.
func (c *Controller) runProduct(ctx context.Context, productID, runID string, p Params) ProductResult {
	target, err := c.Client.LatestTradeID(ctx, productID)
	if err != nil {
		log.Error("failed to resolve finish line", "product", productID, "err", err)
		return ProductResult{ProductID: productID, Status: "error", Error: err.Error()}
	}

	var cursor uint64
	if p.ResetCursor {
		cursor = p.ColdStartCursor
	} else {
		cp := c.Checkpoints.Load(ctx, p.Mode, productID)
		cursor = cp.Cursor
		if cursor == 0 {
			cursor = p.ColdStartCursor
		}
	}

	if cursor > uint64(target) {
		log.Info("product already caught up", "product", productID, "cursor", cursor, "target", target)
		return ProductResult{ProductID: productID, Status: "ok", FinalCursor: cursor}
	}

	totalWritten := 0
	for cursor <= uint64(target) {
		if err := ctx.Err(); err != nil {
			return ProductResult{ProductID: productID, Status: "error", RecordsWritten: totalWritten, FinalCursor: cursor, Error: err.Error()}
		}

		batchEnd := cursor + uint64(p.CacheBatchSize)
		if batchEnd > uint64(target)+1 {
			batchEnd = uint64(target) + 1
		}

		fr, err := fetch.Run(ctx, c.Client, fetch.Params{
			ProductID:   productID,
			CursorStart: int64(cursor),
			CursorEnd:   int64(batchEnd),
			Concurrency: p.ChunkConcurrency,
			PageLimit:   p.PageLimit,
		})
		if err != nil {
			log.Error("permanent failure fetching batch", "product", productID, "cursor", cursor, "err", err)
			return ProductResult{ProductID: productID, Status: "error", RecordsWritten: totalWritten, FinalCursor: cursor, Error: err.Error()}
		}
		if len(fr.Trades) == 0 {
			log.Info("empty page, stopping", "product", productID, "cursor", cursor)
			break
		}

		ingestTS := time.Now().UTC()
		records := make([]exchange.RawRecord, 0, len(fr.Trades))
		for _, t := range fr.Trades {
			rec, rerr := exchange.ToRawRecord(t, productID, p.Source, ingestTS)
			if rerr != nil {
				log.Warn("dropping unparseable trade", "product", productID, "trade_id", t.TradeID, "err", rerr)
				continue
			}
			records = append(records, rec)
		}
		if len(records) == 0 {
			break
		}

		firstTradeID := fr.Trades[0].TradeID
		lastTradeID := fr.Trades[len(fr.Trades)-1].TradeID
		key := c.Writer.Key(productID, ingestTS, runID, firstTradeID, lastTradeID, len(records))

		newCursor := uint64(fr.HighestTradeID) + 1

		if !p.DryRun {
			if werr := c.Writer.Flush(ctx, key, records); werr != nil {
				log.Error("failed to flush raw page", "product", productID, "key", key, "err", werr)
				return ProductResult{ProductID: productID, Status: "error", RecordsWritten: totalWritten, FinalCursor: cursor, Error: werr.Error()}
			}
			// Flush-then-checkpoint ordering is mandatory: a crash here
			// re-ingests the last window (dedupe absorbs it) rather than
			// losing data.
			cp := checkpoint.Checkpoint{Cursor: newCursor, LastIngestAt: ingestTS, LastTradeID: strconv.FormatInt(lastTradeID, 10)}
			if cerr := c.Checkpoints.Save(ctx, p.Mode, productID, cp); cerr != nil {
				log.Error("failed to save checkpoint", "product", productID, "cursor", newCursor, "err", cerr)
				return ProductResult{ProductID: productID, Status: "error", RecordsWritten: totalWritten, FinalCursor: cursor, Error: cerr.Error()}
			}
		}

		totalWritten += len(records)
		cursor = newCursor
		log.Info("flushed page", "product", productID, "key", key, "records", len(records), "cursor", cursor)
	}

	return ProductResult{ProductID: productID, Status: "ok", RecordsWritten: totalWritten, FinalCursor: cursor}
}
