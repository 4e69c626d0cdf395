// Package validate runs the data-quality checks over the curated
// dataset: batch-level schema/range checks on the most recently
// produced columnar page, a full-scan pass over a whole version
// partition (totals, per-product gap detection, staleness, data age),
// and the gate evaluator that decides whether a transform run counts as
// healthy in the manifest.
package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/schemahub/tradefeed/internal/tflog"
	"github.com/schemahub/tradefeed/objectstore"
	"github.com/schemahub/tradefeed/unified"
)

var log = tflog.New("validate")

// requiredColumns is the fixed unified column set; a page missing any
// of these fails the "Missing required columns" gate.
var requiredColumns = []string{"exchange", "symbol", "trade_id", "side", "price", "quantity", "trade_ts"}

// Metrics is the superset of counts/observations both ValidateBatch and
// ValidateFull can populate. Fields not produced by a given pass are left
// at their zero value.
type Metrics struct {
	RecordsChecked int                `json:"records_checked"`
	UniqueRecords  int                `json:"unique_records,omitempty"`
	Products       []string           `json:"products,omitempty"`
	StaleProducts  []string           `json:"stale_products,omitempty"`
	MaxGapMinutes  map[string]float64 `json:"max_gap_minutes,omitempty"`
	DataAgeMinutes float64            `json:"data_age_minutes,omitempty"`
}

// ValidateBatch reads the single most-recently-produced columnar page
// at latestKey and checks schema completeness, intra-batch trade_id
// duplication, price/quantity positivity, and side enumeration.
// staleSince, when non-zero, additionally flags a manifest whose
// last_update_ts is older than staleThreshold.
func ValidateBatch(ctx context.Context, backend objectstore.Store, latestKey string, staleSince time.Time, staleThreshold time.Duration, now time.Time) ([]string, Metrics, error) {
	records, err := unified.ReadBatch(ctx, backend, latestKey)
	if err != nil {
		return nil, Metrics{}, fmt.Errorf("validate: read batch %s: %w", latestKey, err)
	}

	var issues []string
	metrics := Metrics{RecordsChecked: len(records)}

	if len(records) == 0 {
		issues = append(issues, "Validation error: batch is empty")
		return issues, metrics, nil
	}

	seenIDs := make(map[string]bool, len(records))
	dupCount := 0
	productSet := make(map[string]bool)
	for _, r := range records {
		if r.Exchange == "" || r.Symbol == "" || r.TradeID == "" || r.Side == "" {
			issues = append(issues, fmt.Sprintf("Missing required columns: record with trade_id=%q is missing a required field", r.TradeID))
			continue
		}
		productSet[r.Symbol] = true

		if seenIDs[r.TradeID] {
			dupCount++
		}
		seenIDs[r.TradeID] = true

		if r.Price <= 0 {
			issues = append(issues, fmt.Sprintf("Validation error: non-positive price for trade_id=%s", r.TradeID))
		}
		if r.Quantity <= 0 {
			issues = append(issues, fmt.Sprintf("Validation error: non-positive quantity for trade_id=%s", r.TradeID))
		}
		if r.Side != "buy" && r.Side != "sell" {
			issues = append(issues, fmt.Sprintf("Validation error: invalid side %q for trade_id=%s", r.Side, r.TradeID))
		}
	}

	if dupCount > 0 {
		issues = append(issues, fmt.Sprintf("duplicate trade_id count in batch: %d", dupCount))
	}

	metrics.UniqueRecords = len(seenIDs)
	metrics.Products = sortedKeys(productSet)

	if !staleSince.IsZero() && staleThreshold > 0 && now.Sub(staleSince) > staleThreshold {
		issues = append(issues, fmt.Sprintf("stale manifest: last_update_ts %s is older than %s", staleSince.Format(time.RFC3339), staleThreshold))
		metrics.StaleProducts = metrics.Products
	}

	return issues, metrics, nil
}

// ValidateFull reads every columnar page under partitionPrefix and
// computes aggregate totals, per-product gap detection, and overall
// data age.
func ValidateFull(ctx context.Context, backend objectstore.Store, partitionPrefix string, gapThreshold time.Duration, gapAggregateTrigger int, now time.Time) ([]string, Metrics, error) {
	keys, err := backend.List(ctx, partitionPrefix)
	if err != nil {
		return nil, Metrics{}, fmt.Errorf("validate: list %s: %w", partitionPrefix, err)
	}

	var all []unified.Record
	for _, key := range keys {
		recs, rerr := unified.ReadBatch(ctx, backend, key)
		if rerr != nil {
			return nil, Metrics{}, fmt.Errorf("validate: read %s: %w", key, rerr)
		}
		all = append(all, recs...)
	}

	var issues []string
	metrics := Metrics{RecordsChecked: len(all)}
	if len(all) == 0 {
		issues = append(issues, "Validation error: partition is empty")
		return issues, metrics, nil
	}

	seen := make(map[string]bool, len(all))
	lastSeenByProduct := make(map[string]time.Time)
	var latestTS time.Time
	byProduct := make(map[string][]time.Time)

	for _, r := range all {
		seen[r.TradeID] = true
		byProduct[r.Symbol] = append(byProduct[r.Symbol], r.TradeTS)
		if r.TradeTS.After(lastSeenByProduct[r.Symbol]) {
			lastSeenByProduct[r.Symbol] = r.TradeTS
		}
		if r.TradeTS.After(latestTS) {
			latestTS = r.TradeTS
		}
	}
	metrics.UniqueRecords = len(seen)
	metrics.Products = sortedKeys(productSetFrom(byProduct))

	maxGap := make(map[string]float64, len(byProduct))
	productsWithLargeGap := 0
	for product, timestamps := range byProduct {
		sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })
		var worst time.Duration
		for i := 1; i < len(timestamps); i++ {
			gap := timestamps[i].Sub(timestamps[i-1])
			if gap > worst {
				worst = gap
			}
		}
		maxGap[product] = worst.Minutes()
		if worst > gapThreshold {
			productsWithLargeGap++
		}
	}
	metrics.MaxGapMinutes = maxGap
	if gapAggregateTrigger > 0 && productsWithLargeGap > gapAggregateTrigger {
		issues = append(issues, fmt.Sprintf("gap detection: %d products have a gap exceeding %s", productsWithLargeGap, gapThreshold))
	}

	for product, last := range lastSeenByProduct {
		if now.Sub(last) > 2*time.Hour {
			metrics.StaleProducts = append(metrics.StaleProducts, product)
			issues = append(issues, fmt.Sprintf("stale product: %s has no trade newer than 2h (last %s)", product, last.Format(time.RFC3339)))
		}
	}
	sort.Strings(metrics.StaleProducts)

	metrics.DataAgeMinutes = now.Sub(latestTS).Minutes()

	log.Info("full validation complete", "records", len(all), "unique", len(seen), "products", len(byProduct), "data_age_minutes", metrics.DataAgeMinutes)
	return issues, metrics, nil
}

// GateResult is CheckGates' verdict.
type GateResult struct {
	Passed  bool
	Reasons []string
}

// CheckGates evaluates the quality gates: batch "Missing required
// columns" or "Validation error" issues fail the gate; a batch
// duplicate ratio above batchDuplicateRateFail fails the gate; a
// full-scan data age above freshnessGateThreshold fails the gate. Every
// other issue is a warning and does not fail the gate.
func CheckGates(batchIssues []string, batchMetrics Metrics, fullIssues []string, fullMetrics *Metrics, batchDuplicateRateFail float64, freshnessGateThreshold time.Duration) GateResult {
	var reasons []string

	dupCount := 0
	for _, issue := range batchIssues {
		if containsAny(issue, "Missing required columns", "Validation error") {
			reasons = append(reasons, issue)
		}
		if n, ok := parseDupCount(issue); ok {
			dupCount = n
		}
	}

	if batchMetrics.RecordsChecked > 0 {
		ratio := float64(dupCount) / float64(batchMetrics.RecordsChecked)
		if ratio > batchDuplicateRateFail {
			reasons = append(reasons, fmt.Sprintf("batch duplicate ratio %.1f%% exceeds gate threshold %.1f%%", ratio*100, batchDuplicateRateFail*100))
		}
	}

	if fullMetrics != nil && freshnessGateThreshold > 0 {
		age := time.Duration(fullMetrics.DataAgeMinutes * float64(time.Minute))
		if age > freshnessGateThreshold {
			reasons = append(reasons, fmt.Sprintf("full-scan data age %s exceeds gate threshold %s", age, freshnessGateThreshold))
		}
	}

	return GateResult{Passed: len(reasons) == 0, Reasons: reasons}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func parseDupCount(issue string) (int, bool) {
	const prefix = "duplicate trade_id count in batch: "
	if !strings.HasPrefix(issue, prefix) {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(issue[len(prefix):], "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func productSetFrom(byProduct map[string][]time.Time) map[string]bool {
	out := make(map[string]bool, len(byProduct))
	for k := range byProduct {
		out[k] = true
	}
	return out
}
