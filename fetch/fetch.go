// Package fetch pages through a cursor range in parallel: cursor
// targets are precomputed into a work queue, a bounded worker pool
// drains it, rate-limited pages are re-queued so other cursors make
// progress first, and the combined result is sorted by trade_id. Any
// permanent page failure fails the whole batch.
package fetch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/schemahub/tradefeed/exchange"
	"github.com/schemahub/tradefeed/internal/tflog"
)

var log = tflog.New("fetch")

// workItem is a (cursor, attempt) pair popped from the shared queue.
type workItem struct {
	cursor  int64
	attempt int
}

type pageError struct {
	cursor int64
	err    error
}

// Client is the subset of exchange.Client the fetcher needs, narrowed to
// ease testing with a fake.
type Client interface {
	FetchTradesWithCursor(ctx context.Context, productID string, limit int, after *int64) ([]exchange.Trade, *int64, error)
}

// Result is what Run returns: the combined, trade_id-sorted page results
// and the highest trade_id observed across every page.
type Result struct {
	Trades         []exchange.Trade
	HighestTradeID int64
}

// Params configures one Run invocation.
type Params struct {
	ProductID          string
	CursorStart        int64
	CursorEnd          int64
	Concurrency        int
	PageLimit          int
	MaxRequeueAttempts int // re-queues per cursor before the page fails, default 10
}

// Run enumerates cursor targets [cursor_start, cursor_start+page_limit, …)
// up to but excluding cursor_end, fans them out across Concurrency workers
// pulling from a shared channel, and returns the trade_id-sorted union of
// every page's trades. Any permanent failure (an error that isn't
// rate-limiting, or one that exhausted MaxRequeueAttempts) fails the whole
// batch.
func Run(ctx context.Context, client Client, p Params) (Result, error) {
	if p.MaxRequeueAttempts <= 0 {
		p.MaxRequeueAttempts = 10
	}

	var cursorTargets []int64
	for c := p.CursorStart; c < p.CursorEnd; c += int64(p.PageLimit) {
		cursorTargets = append(cursorTargets, c)
	}
	numPages := len(cursorTargets)
	if numPages == 0 {
		log.Info("no pages to fetch", "product", p.ProductID, "cursor_start", p.CursorStart, "cursor_end", p.CursorEnd)
		return Result{HighestTradeID: p.CursorStart}, nil
	}

	log.Info("fetching pages", "product", p.ProductID, "pages", numPages, "workers", p.Concurrency, "cursor_start", p.CursorStart, "cursor_end", p.CursorEnd)

	queue := make(chan workItem, numPages*2)
	for _, c := range cursorTargets {
		queue <- workItem{cursor: c, attempt: 0}
	}

	var (
		mu             sync.Mutex
		allTrades      []exchange.Trade
		errs           []pageError
		highestTradeID = p.CursorStart
		pagesCompleted int
		pending        sync.WaitGroup
	)
	pending.Add(numPages)

	numWorkers := p.Concurrency
	if numWorkers > numPages {
		numWorkers = numPages
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	var workers sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for {
				var item workItem
				select {
				case it, ok := <-queue:
					if !ok {
						return
					}
					item = it
				case <-ctx.Done():
					return
				}

				// The cursor header is ignored here: targets were precomputed
				// from [cursor_start, cursor_end), so each worker already
				// knows its page boundary.
				after := item.cursor
				trades, _, err := client.FetchTradesWithCursor(ctx, p.ProductID, p.PageLimit, &after)
				if err == nil {
					if len(trades) > 0 {
						mu.Lock()
						allTrades = append(allTrades, trades...)
						for _, t := range trades {
							if t.TradeID > highestTradeID {
								highestTradeID = t.TradeID
							}
						}
						pagesCompleted++
						mu.Unlock()
					} else {
						mu.Lock()
						pagesCompleted++
						mu.Unlock()
					}
					pending.Done()
					continue
				}

				var rateLimited *exchange.ErrRateLimited
				if isRateLimited(err, &rateLimited) && item.attempt < p.MaxRequeueAttempts {
					log.Warn("rate limited, re-queued", "product", p.ProductID, "cursor", item.cursor, "attempt", item.attempt+1)
					queue <- workItem{cursor: item.cursor, attempt: item.attempt + 1}
					continue
				}

				mu.Lock()
				errs = append(errs, pageError{cursor: item.cursor, err: err})
				mu.Unlock()
				log.Error("page failed permanently", "product", p.ProductID, "cursor", item.cursor, "attempt", item.attempt, "err", err)
				pending.Done()
			}
		}()
	}

	// Close the queue once every originally-scheduled (and re-queued) item
	// has been accounted for, then let workers drain and exit.
	go func() {
		pending.Wait()
		close(queue)
	}()
	workers.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		// Account for the items the cancelled workers never popped, so the
		// queue-closing goroutine above can finish instead of blocking on
		// pending.Wait forever.
		for {
			select {
			case _, ok := <-queue:
				if !ok {
					return Result{}, ctxErr
				}
				pending.Done()
			default:
				return Result{}, ctxErr
			}
		}
	}

	if len(errs) > 0 {
		return Result{}, fmt.Errorf("fetch: %d of %d pages failed permanently for %s, first error at cursor %d: %w",
			len(errs), numPages, p.ProductID, errs[0].cursor, errs[0].err)
	}

	sort.Slice(allTrades, func(i, j int) bool { return allTrades[i].TradeID < allTrades[j].TradeID })

	log.Info("fetch complete", "product", p.ProductID, "trades", len(allTrades), "pages", numPages, "highest_trade_id", highestTradeID)
	return Result{Trades: allTrades, HighestTradeID: highestTradeID}, nil
}

func isRateLimited(err error, target **exchange.ErrRateLimited) bool {
	e, ok := err.(*exchange.ErrRateLimited)
	if ok {
		*target = e
	}
	return ok
}
