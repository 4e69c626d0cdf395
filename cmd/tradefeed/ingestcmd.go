package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/schemahub/tradefeed/checkpoint"
	"github.com/schemahub/tradefeed/ingest"
	"github.com/schemahub/tradefeed/internal/flags"
	"github.com/schemahub/tradefeed/internal/seed"
	"github.com/schemahub/tradefeed/rawwriter"
)

var ingestFlags = []cli.Flag{
	&cli.BoolFlag{Name: "full-refresh", Usage: "ignore the saved checkpoint and restart from the cold-start cursor"},
	&cli.IntFlag{Name: "workers", Usage: "product_workers: how many products to ingest concurrently", Value: 3},
	&cli.IntFlag{Name: "chunk-concurrency", Usage: "chunk_concurrency: concurrent page fetches per product", Value: 5},
	&cli.IntFlag{Name: "limit", Usage: "page_limit: trades requested per upstream page", Value: 1000},
	&cli.IntFlag{Name: "cache-batch-size", Usage: "trades drawn before a flush+checkpoint cycle", Value: 5000},
	&cli.BoolFlag{Name: "dry-run", Usage: "fetch and log but do not write raw pages or advance checkpoints"},
}

var ingestCommand = &cli.Command{
	Name:      "ingest",
	Usage:     "advance the per-product cursor over the trade feed and persist raw pages",
	ArgsUsage: "[product]",
	Flags:     flags.Merge(globalFlags, ingestFlags),
	Action:    runIngest,
}

var backfillCommand = &cli.Command{
	Name:   "backfill",
	Usage:  "ingest the full product history in the backfill checkpoint namespace",
	Flags:  flags.Merge(globalFlags, ingestFlags, []cli.Flag{&cli.BoolFlag{Name: "resume", Usage: "resume from the last backfill checkpoint instead of restarting cold"}}),
	Action: runBackfill,
}

func runIngest(ctx *cli.Context) error {
	cfg := loadConfig(ctx)
	products, err := resolveProducts(ctx)
	if err != nil {
		return withExitCode(2, err)
	}

	b, err := buildBackends(ctx.Context, cfg, ctx.String("dynamodb-lock-table"), ctx.String("dynamodb-health-table"))
	if err != nil {
		return err
	}

	client := buildExchangeClient(cfg, b.healthStore, ctx.Bool("health-check-enabled"), ctx.Bool("circuit-breaker-enabled"))
	mode := checkpoint.ModeIngest
	resetCursor := ctx.Bool("full-refresh")
	if resetCursor {
		mode = checkpoint.ModeFullRefresh
	}

	controller := &ingest.Controller{
		Client:      client,
		Checkpoints: buildCheckpointStore(b.objectStore, ""),
		Writer:      rawwriter.NewWriter(b.objectStore, "raw", "coinbase"),
		Locks:       buildLockManager(b.lockStore, cfg),
	}

	summary, err := controller.Run(ctx.Context, ingest.Params{
		Mode:             mode,
		Products:         products,
		ProductWorkers:   ctx.Int("workers"),
		ChunkConcurrency: ctx.Int("chunk-concurrency"),
		PageLimit:        ctx.Int("limit"),
		CacheBatchSize:   ctx.Int("cache-batch-size"),
		ColdStartCursor:  cfg.ColdStartCursor,
		ResetCursor:      resetCursor,
		DryRun:           ctx.Bool("dry-run"),
		Source:           "coinbase",
		LockTimeout:      withTimeout(cfg),
	})
	return emitSummary(summary, err)
}

func runBackfill(ctx *cli.Context) error {
	cfg := loadConfig(ctx)
	products, err := resolveProducts(ctx)
	if err != nil {
		return withExitCode(2, err)
	}

	b, err := buildBackends(ctx.Context, cfg, ctx.String("dynamodb-lock-table"), ctx.String("dynamodb-health-table"))
	if err != nil {
		return err
	}

	client := buildExchangeClient(cfg, b.healthStore, ctx.Bool("health-check-enabled"), ctx.Bool("circuit-breaker-enabled"))
	controller := &ingest.Controller{
		Client:      client,
		Checkpoints: buildCheckpointStore(b.objectStore, ""),
		Writer:      rawwriter.NewWriter(b.objectStore, "raw", "coinbase"),
		Locks:       buildLockManager(b.lockStore, cfg),
	}

	summary, err := controller.Run(ctx.Context, ingest.Params{
		Mode:             checkpoint.ModeBackfill,
		Products:         products,
		ProductWorkers:   ctx.Int("workers"),
		ChunkConcurrency: ctx.Int("chunk-concurrency"),
		PageLimit:        ctx.Int("limit"),
		CacheBatchSize:   ctx.Int("cache-batch-size"),
		ColdStartCursor:  cfg.ColdStartCursor,
		ResetCursor:      !ctx.Bool("resume"),
		DryRun:           ctx.Bool("dry-run"),
		Source:           "coinbase",
		LockTimeout:      withTimeout(cfg),
	})
	return emitSummary(summary, err)
}

// resolveProducts returns the single product named as the first
// positional argument, or the full seed-file universe when none is
// given.
func resolveProducts(ctx *cli.Context) ([]string, error) {
	if p := ctx.Args().First(); p != "" {
		return []string{p}, nil
	}
	products, _, err := seed.Load(ctx.String("seed-file"))
	if err != nil {
		return nil, fmt.Errorf("cmd: load seed file: %w", err)
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("cmd: no product given and seed file %s has none", ctx.String("seed-file"))
	}
	return products, nil
}

func emitSummary(summary ingest.Summary, runErr error) error {
	if runErr != nil {
		return runErr
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("cmd: marshal run summary: %w", err)
	}
	fmt.Println(string(data))

	switch summary.Status {
	case "success":
		color.Green("ingest run %s: success (%d records written across %d products)", summary.RunID, summary.RecordsWritten, summary.ProductsProcessed)
		return nil
	case "partial_failure":
		color.Yellow("ingest run %s: partial failure", summary.RunID)
		return fmt.Errorf("ingest: run %s completed with partial failures", summary.RunID)
	default:
		color.Red("ingest run %s: failure", summary.RunID)
		return fmt.Errorf("ingest: run %s failed", summary.RunID)
	}
}
