package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/urfave/cli/v2"

	"github.com/schemahub/tradefeed/checkpoint"
	"github.com/schemahub/tradefeed/config"
	"github.com/schemahub/tradefeed/exchange"
	"github.com/schemahub/tradefeed/health"
	"github.com/schemahub/tradefeed/internal/tflog"
	"github.com/schemahub/tradefeed/lock"
	"github.com/schemahub/tradefeed/manifest"
	"github.com/schemahub/tradefeed/objectstore"
	"github.com/schemahub/tradefeed/ratelimit"
)

var log = tflog.New("cmd")

var globalFlags = []cli.Flag{
	&cli.StringFlag{Name: "object-store-backend", Usage: "\"s3\" or \"local\"", EnvVars: []string{"TRADEFEED_OBJECT_STORE_BACKEND"}},
	&cli.StringFlag{Name: "lock-backend", Usage: "\"dynamodb\" or \"local\"", EnvVars: []string{"TRADEFEED_LOCK_BACKEND"}},
	&cli.StringFlag{Name: "s3-bucket", Usage: "bucket for raw/unified pages, checkpoints, and the manifest", EnvVars: []string{"TRADEFEED_S3_BUCKET", "S3_BUCKET"}},
	&cli.StringFlag{Name: "dynamodb-health-table", Usage: "DynamoDB table used for circuit-breaker health state", EnvVars: []string{"DYNAMODB_HEALTH_TABLE"}},
	&cli.StringFlag{Name: "dynamodb-lock-table", Usage: "DynamoDB table used for distributed locks", EnvVars: []string{"TRADEFEED_DYNAMODB_LOCK_TABLE"}},
	&cli.StringFlag{Name: "local-data-dir", Usage: "root directory for the local object-store/lock/health backends", EnvVars: []string{"TRADEFEED_LOCAL_DATA_DIR"}},
	&cli.StringFlag{Name: "seed-file", Usage: "path to the product seed YAML file", Value: "./seed.yaml", EnvVars: []string{"TRADEFEED_SEED_FILE"}},
	&cli.StringFlag{Name: "config-file", Usage: "optional YAML file of config overrides applied on top of the environment", EnvVars: []string{"TRADEFEED_CONFIG_FILE"}},
	&cli.BoolFlag{Name: "health-check-enabled", Usage: "enable circuit-breaker health tracking", Value: true, EnvVars: []string{"HEALTH_CHECK_ENABLED"}},
	&cli.BoolFlag{Name: "circuit-breaker-enabled", Usage: "enable circuit-breaker gating of upstream calls", Value: true, EnvVars: []string{"CIRCUIT_BREAKER_ENABLED"}},
}

// loadConfig reads the environment-derived config and overlays it with any
// global flags the caller set explicitly, since CLI flags take precedence
// over bare environment variables.
func loadConfig(ctx *cli.Context) *config.Config {
	cfg := config.FromEnv()
	cfg, err := config.FromFile(cfg, ctx.String("config-file"))
	if err != nil {
		log.Warn("ignoring config-file overrides", "err", err)
		cfg = config.FromEnv()
	}
	if v := ctx.String("object-store-backend"); v != "" {
		cfg.ObjectStoreBackend = v
	}
	if v := ctx.String("lock-backend"); v != "" {
		cfg.LockBackend = v
	}
	if v := ctx.String("s3-bucket"); v != "" {
		cfg.S3Bucket = v
	}
	if v := ctx.String("local-data-dir"); v != "" {
		cfg.LocalDataDir = v
	}
	return cfg
}

// backends bundles every external-collaborator handle a subcommand needs,
// built once from cfg.
type backends struct {
	objectStore objectstore.Store
	lockStore   lock.Store
	healthStore health.Store
}

func buildBackends(ctx context.Context, cfg *config.Config, dynamoLockTable, dynamoHealthTable string) (*backends, error) {
	b := &backends{}

	switch cfg.ObjectStoreBackend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, withExitCode(2, fmt.Errorf("cmd: load aws config: %w", err))
		}
		if cfg.S3Bucket == "" {
			return nil, withExitCode(2, fmt.Errorf("cmd: --s3-bucket (or S3_BUCKET) is required for the s3 object-store backend"))
		}
		b.objectStore = objectstore.NewS3Store(s3.NewFromConfig(awsCfg), cfg.S3Bucket, "")
	default:
		store, err := objectstore.NewLocalStore(filepath.Join(cfg.LocalDataDir, "objects"))
		if err != nil {
			return nil, fmt.Errorf("cmd: open local object store: %w", err)
		}
		b.objectStore = store
	}

	switch cfg.LockBackend {
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, withExitCode(2, fmt.Errorf("cmd: load aws config: %w", err))
		}
		if dynamoLockTable == "" {
			return nil, withExitCode(2, fmt.Errorf("cmd: --dynamodb-lock-table is required for the dynamodb lock backend"))
		}
		client := dynamodb.NewFromConfig(awsCfg)
		b.lockStore = lock.NewDynamoStore(client, dynamoLockTable)
		if dynamoHealthTable == "" {
			dynamoHealthTable = dynamoLockTable
		}
		b.healthStore = health.NewDynamoStore(client, dynamoHealthTable)
	default:
		lockStore, err := lock.NewLocalStore(filepath.Join(cfg.LocalDataDir, "locks"))
		if err != nil {
			return nil, fmt.Errorf("cmd: open local lock store: %w", err)
		}
		b.lockStore = lockStore
		healthStore, err := health.NewLocalStore(filepath.Join(cfg.LocalDataDir, "health"))
		if err != nil {
			return nil, fmt.Errorf("cmd: open local health store: %w", err)
		}
		b.healthStore = healthStore
	}

	return b, nil
}

// buildExchangeClient wires a CoinbaseConnector behind the rate
// limiter, circuit breaker, and health tracker, keyed off cfg's
// tunables. HEALTH_CHECK_ENABLED=false drops
// the tracker (no health rows are written), CIRCUIT_BREAKER_ENABLED=false
// drops the breaker (no gating before upstream calls).
func buildExchangeClient(cfg *config.Config, healthStore health.Store, healthEnabled, breakerEnabled bool) *exchange.Client {
	conn := exchange.NewCoinbaseConnector()
	limiter := ratelimit.New(cfg.RatePerSec, cfg.Burst)
	var tracker *health.Tracker
	if healthEnabled {
		tracker = health.NewTracker(healthStore)
	}
	var breaker *health.CircuitBreaker
	if breakerEnabled {
		breaker = health.NewCircuitBreaker(healthStore)
	}
	return exchange.NewClient(conn, limiter, tracker, breaker, cfg.MaxRetries)
}

func buildManifestStore(objStore objectstore.Store) *manifest.Store {
	return manifest.NewStore(objStore, manifest.DefaultKey)
}

func buildCheckpointStore(objStore objectstore.Store, prefix string) *checkpoint.Store {
	return checkpoint.NewStore(objStore, prefix)
}

func buildLockManager(lockStore lock.Store, cfg *config.Config) *lock.Manager {
	return lock.NewManager(lockStore, cfg.LockTTL, cfg.LockRenewInterval, cfg.LockAcquireRetry)
}

func withTimeout(cfg *config.Config) time.Duration {
	if cfg.LockTTL > 0 {
		return cfg.LockTTL
	}
	return 30 * time.Second
}
