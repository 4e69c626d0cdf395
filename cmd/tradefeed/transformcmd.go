package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/schemahub/tradefeed/internal/flags"
	"github.com/schemahub/tradefeed/manifest"
	"github.com/schemahub/tradefeed/transform"
	"github.com/schemahub/tradefeed/validate"
)

var transformFlags = []cli.Flag{
	&cli.BoolFlag{Name: "rebuild", Usage: "reprocess every raw file instead of only the manifest's incremental delta"},
	&cli.BoolFlag{Name: "full-scan", Usage: "additionally run the full-partition validator (slower, used by the replay decision)"},
	&cli.StringFlag{Name: "raw-prefix", Value: "raw", Usage: "object-store prefix holding raw NDJSON pages"},
	&cli.StringFlag{Name: "unified-prefix", Value: "unified", Usage: "object-store prefix holding unified columnar pages"},
}

var transformCommand = &cli.Command{
	Name:   "transform",
	Usage:  "project accumulated raw pages into the unified columnar dataset, dedupe, and validate",
	Flags:  flags.Merge(globalFlags, transformFlags),
	Action: runTransform,
}

func runTransform(ctx *cli.Context) error {
	cfg := loadConfig(ctx)
	b, err := buildBackends(ctx.Context, cfg, "", "")
	if err != nil {
		return err
	}

	manifestStore := buildManifestStore(b.objectStore)
	m, err := manifestStore.Load(ctx.Context)
	if err != nil {
		return fmt.Errorf("cmd: load manifest: %w", err)
	}

	runID := uuid.NewString()
	now := time.Now().UTC()
	version := m.LastVersion
	if version == 0 {
		version = 1
	}

	if shouldReplay, reason := manifest.ShouldTriggerReplay(m); shouldReplay {
		newVersion := manifest.NextVersion(m)
		log.Info("replay triggered", "reason", reason, "from_version", version, "to_version", newVersion)
		m = manifest.MarkReplay(m, version, newVersion, reason, now)
		version = newVersion
		m.LastVersion = version
	}

	result, terr := transform.Run(ctx.Context, b.objectStore, manifestStore, transform.Params{
		RawPrefix:     ctx.String("raw-prefix"),
		UnifiedPrefix: ctx.String("unified-prefix"),
		Version:       version,
		RunID:         runID,
		Rebuild:       ctx.Bool("rebuild"),
		BatchSize:     cfg.UnifiedBatchSize,
		Concurrency:   cfg.TransformConcurrency,
	})
	if terr != nil {
		return fmt.Errorf("cmd: transform run %s: %w", runID, terr)
	}

	outcome := manifest.TransformOutcome{
		RecordsRead:        result.RecordsRead,
		RecordsTransformed: result.RecordsTransformed,
		RecordsWritten:     result.RecordsWritten,
		OutputVersion:      version,
		ProcessedFiles:     result.ProcessedFiles,
		Status:             result.Status,
		QualityGatePassed:  true,
	}
	if len(result.OutputKeys) > 0 {
		outcome.OutputKey = result.OutputKeys[len(result.OutputKeys)-1]
	}
	if result.Dedupe != nil {
		outcome.DuplicatesFound = result.Dedupe.DuplicatesRemoved
		outcome.BatchRecordsChecked = result.Dedupe.RecordsBefore
	}

	if len(result.OutputKeys) > 0 {
		latestKey := result.OutputKeys[len(result.OutputKeys)-1]
		if result.Dedupe != nil && result.Dedupe.FinalKey != "" {
			// The dedupe rewrite deleted the original batch keys; validate
			// the rewritten partition file instead.
			latestKey = result.Dedupe.FinalKey
		}
		batchIssues, batchMetrics, verr := validate.ValidateBatch(ctx.Context, b.objectStore, latestKey, m.LastUpdateTS, cfg.StaleProductThreshold, now)
		if verr != nil {
			return fmt.Errorf("cmd: validate batch: %w", verr)
		}

		var fullIssues []string
		var fullMetricsPtr *validate.Metrics
		if ctx.Bool("full-scan") {
			partitionPrefix := fmt.Sprintf("%s/v%d", ctx.String("unified-prefix"), version)
			fi, fm, ferr := validate.ValidateFull(ctx.Context, b.objectStore, partitionPrefix, cfg.GapThreshold, cfg.GapAggregateTriggerCount, now)
			if ferr != nil {
				return fmt.Errorf("cmd: validate full scan: %w", ferr)
			}
			fullIssues = fi
			fullMetricsPtr = &fm
		}

		gates := validate.CheckGates(batchIssues, batchMetrics, fullIssues, fullMetricsPtr, cfg.BatchDuplicateRateFail, cfg.FreshnessGateThreshold)
		outcome.QualityGatePassed = gates.Passed
		outcome.ValidationIssues = append(append([]string{}, batchIssues...), fullIssues...)
		if metricsJSON, merr := json.Marshal(batchMetrics); merr == nil {
			outcome.ValidationMetrics = metricsJSON
		}
	}

	m = manifest.UpdateAfterTransform(m, outcome, now)
	if err := manifestStore.Save(ctx.Context, m); err != nil {
		return fmt.Errorf("cmd: save manifest: %w", err)
	}

	data, _ := json.Marshal(map[string]any{
		"pipeline":            "tradefeed-transform",
		"run_id":              runID,
		"status":              result.Status,
		"records_read":        result.RecordsRead,
		"records_written":     result.RecordsWritten,
		"quality_gate_passed": outcome.QualityGatePassed,
		"version":             version,
	})
	fmt.Println(string(data))

	if !outcome.QualityGatePassed {
		color.Yellow("transform run %s: quality gate failed", runID)
		return fmt.Errorf("transform: run %s failed its quality gate", runID)
	}
	color.Green("transform run %s: success (%d records written)", runID, result.RecordsWritten)
	return nil
}
