// Package config centralizes the pipeline's tunables (rate limits,
// worker pool sizes, lock TTLs, batch thresholds, validation gates) into
// one struct read once at process start. Every field has a sensible
// default; most can be overridden by environment variable (see FromEnv
// for which).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable read once at process start and threaded
// through the components that need it (no hidden global state beyond the
// package-level defaults used when a caller omits a field).
type Config struct {
	// Rate limiter
	RatePerSec float64 // public/authenticated default: 10 req/s
	Burst      int     // default 1: no bursting

	// Lock manager
	LockTTL           time.Duration // default 30s
	LockRenewInterval time.Duration // default LockTTL/2
	LockAcquireRetry  time.Duration // sleep between failed acquire attempts, default 5s

	// Health / circuit breaker
	MaxRetries             int           // exchange client attempts per request, default 5
	CircuitOpenWait        time.Duration // base cooldown, default 10s
	MaxCircuitWait         time.Duration // cooldown cap, default 120s
	SuccessThreshold       int           // HALF_OPEN -> CLOSED threshold, default 3
	DegradedErrorRate      float64       // default 0.1
	UnhealthyErrorRate     float64       // default 0.3
	RollingWindowSize    int           // default 100
	ResponseTimeEMAAlpha float64       // default 0.2
	HealthRecordTTL      time.Duration // persisted record TTL, default 7 days

	// Parallel fetcher
	MaxRequeueAttempts int // default 10

	// Concurrency
	ProductWorkers   int // default 3, max 10
	ChunkConcurrency int // default 5, max 25

	// Transform
	UnifiedBatchSize     int // records per unified output file, default 500_000
	TransformConcurrency int // bounded concurrency over raw files, default 5

	// Validation
	StaleProductThreshold    time.Duration // default 2h
	FreshnessGateThreshold   time.Duration // default 4h
	GapThreshold             time.Duration // default 60m
	GapAggregateTriggerCount int           // products exceeding GapThreshold before an aggregate issue fires, default 3
	BatchDuplicateRateFail   float64       // default 0.05 (5%)

	// Replay policy
	ReplayConsecutiveFailures int     // default 2
	ReplayDupTrendWindow      int     // last N dup_trends entries inspected, default 5
	ReplayDupTrendRate        float64 // default 0.05

	// Checkpoint cold-start cursor
	ColdStartCursor uint64 // default 1000

	// Backends
	ObjectStoreBackend string // "s3" | "local"
	LockBackend        string // "dynamodb" | "local"
	S3Bucket           string
	LocalDataDir       string // root for local object-store/lock/leveldb backends
}

// Default returns the configuration with every default applied, before
// environment overrides.
func Default() *Config {
	return &Config{
		RatePerSec:        10,
		Burst:             1,
		LockTTL:           30 * time.Second,
		LockRenewInterval: 15 * time.Second,
		LockAcquireRetry:  5 * time.Second,

		MaxRetries:           5,
		CircuitOpenWait:      10 * time.Second,
		MaxCircuitWait:       120 * time.Second,
		SuccessThreshold:     3,
		DegradedErrorRate:    0.1,
		UnhealthyErrorRate:   0.3,
		RollingWindowSize:    100,
		ResponseTimeEMAAlpha: 0.2,
		HealthRecordTTL:      7 * 24 * time.Hour,

		MaxRequeueAttempts: 10,

		ProductWorkers:   3,
		ChunkConcurrency: 5,

		UnifiedBatchSize:     500_000,
		TransformConcurrency: 5,

		StaleProductThreshold:    2 * time.Hour,
		FreshnessGateThreshold:   4 * time.Hour,
		GapThreshold:             60 * time.Minute,
		GapAggregateTriggerCount: 3,
		BatchDuplicateRateFail:   0.05,

		ReplayConsecutiveFailures: 2,
		ReplayDupTrendWindow:      5,
		ReplayDupTrendRate:        0.05,

		ColdStartCursor: 1000,

		ObjectStoreBackend: "local",
		LockBackend:        "local",
		LocalDataDir:       "./data",
	}
}

// FromEnv returns Default() with each field listed below overridden by its
// TRADEFEED_* environment variable, when set. ResponseTimeEMAAlpha,
// HealthRecordTTL, GapAggregateTriggerCount, the Replay* fields, and
// ColdStartCursor have no variable and keep their defaults. Unset variables leave the default in
// place; malformed ones are ignored (logged by the caller, not here, to
// keep this package dependency-free of internal/tflog).
func FromEnv() *Config {
	c := Default()

	envFloat(&c.RatePerSec, "TRADEFEED_RATE_PER_SEC")
	envInt(&c.Burst, "TRADEFEED_BURST")
	envDuration(&c.LockTTL, "TRADEFEED_LOCK_TTL")
	envDuration(&c.LockRenewInterval, "TRADEFEED_LOCK_RENEW_INTERVAL")
	envDuration(&c.LockAcquireRetry, "TRADEFEED_LOCK_ACQUIRE_RETRY")

	envInt(&c.MaxRetries, "TRADEFEED_MAX_RETRIES")
	envDuration(&c.CircuitOpenWait, "TRADEFEED_CIRCUIT_OPEN_WAIT")
	envDuration(&c.MaxCircuitWait, "TRADEFEED_MAX_CIRCUIT_WAIT")
	envInt(&c.SuccessThreshold, "TRADEFEED_SUCCESS_THRESHOLD")
	envFloat(&c.DegradedErrorRate, "TRADEFEED_DEGRADED_ERROR_RATE")
	envFloat(&c.UnhealthyErrorRate, "TRADEFEED_UNHEALTHY_ERROR_RATE")
	envInt(&c.RollingWindowSize, "TRADEFEED_ROLLING_WINDOW_SIZE")

	envInt(&c.MaxRequeueAttempts, "TRADEFEED_MAX_REQUEUE_ATTEMPTS")

	envInt(&c.ProductWorkers, "TRADEFEED_PRODUCT_WORKERS")
	envInt(&c.ChunkConcurrency, "TRADEFEED_CHUNK_CONCURRENCY")

	envInt(&c.UnifiedBatchSize, "TRADEFEED_UNIFIED_BATCH_SIZE")
	envInt(&c.TransformConcurrency, "TRADEFEED_TRANSFORM_CONCURRENCY")

	envDuration(&c.StaleProductThreshold, "TRADEFEED_STALE_PRODUCT_THRESHOLD")
	envDuration(&c.FreshnessGateThreshold, "TRADEFEED_FRESHNESS_GATE_THRESHOLD")
	envDuration(&c.GapThreshold, "TRADEFEED_GAP_THRESHOLD")
	envFloat(&c.BatchDuplicateRateFail, "TRADEFEED_BATCH_DUPLICATE_RATE_FAIL")

	if v := os.Getenv("TRADEFEED_OBJECT_STORE_BACKEND"); v != "" {
		c.ObjectStoreBackend = v
	}
	if v := os.Getenv("TRADEFEED_LOCK_BACKEND"); v != "" {
		c.LockBackend = v
	}
	if v := os.Getenv("TRADEFEED_S3_BUCKET"); v != "" {
		c.S3Bucket = v
	}
	if v := os.Getenv("TRADEFEED_LOCAL_DATA_DIR"); v != "" {
		c.LocalDataDir = v
	}

	return c
}

// FromFile loads an optional YAML overrides file (e.g. a checked-in
// per-environment config) and applies it on top of base. Field names in
// the YAML are matched case-insensitively against Config's Go field
// names; duration fields accept Go duration strings ("30s") via the
// decode hook.
func FromFile(base *Config, path string) (*Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(raw) == 0 {
		return base, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           base,
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("config: apply overrides from %s: %w", path, err)
	}
	return base, nil
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
