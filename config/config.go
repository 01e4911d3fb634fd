// Package config loads the tracker's YAML configuration. Values come from
// built-in defaults, then the file, then TRACKER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/listingtracker/docstore"
	"github.com/GoCodeAlone/listingtracker/migration"
	"github.com/GoCodeAlone/listingtracker/observability/tracing"
)

// Config is the whole tracker configuration.
type Config struct {
	Store      docstore.Config  `yaml:"store" json:"store"`
	Migrations MigrationsConfig `yaml:"migrations" json:"migrations"`
	Log        LogConfig        `yaml:"log" json:"log"`
	Ops        OpsConfig        `yaml:"ops" json:"ops"`
	Tracing    tracing.Config   `yaml:"tracing" json:"tracing"`
}

// MigrationsConfig tunes the migration runner.
type MigrationsConfig struct {
	LockTimeout    time.Duration `yaml:"lockTimeout" json:"lockTimeout"`
	BatchSize      int           `yaml:"batchSize" json:"batchSize"`
	RunOnStart     bool          `yaml:"runOnStart" json:"runOnStart"`
	Collection     string        `yaml:"collection" json:"collection"`
	LockCollection string        `yaml:"lockCollection" json:"lockCollection"`
	// Holder overrides the generated lock holder identity.
	Holder string `yaml:"holder" json:"holder"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// OpsConfig configures the operations HTTP listener.
type OpsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Default returns the configuration used when nothing overrides it: a local
// SQLite file, five minute lock timeout, 500-write batches.
func Default() *Config {
	return &Config{
		Store: docstore.Config{
			Driver: docstore.DriverSQLite,
			SQLite: docstore.SQLiteConfig{Path: "tracker.db"},
			Redis:  docstore.RedisConfig{Address: "localhost:6379", Prefix: "tracker:"},
			DynamoDB: docstore.DynamoDBConfig{
				Table:  "listingtracker",
				Region: "us-east-1",
			},
		},
		Migrations: MigrationsConfig{
			LockTimeout:    migration.DefaultLockTimeout,
			BatchSize:      docstore.DefaultMaxBatchSize,
			RunOnStart:     true,
			Collection:     migration.DefaultRecordCollection,
			LockCollection: migration.DefaultLockCollection,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Ops: OpsConfig{Addr: ":8081"},
		Tracing: tracing.DefaultConfig(),
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"TRACKER_STORE_DRIVER":      &c.Store.Driver,
		"TRACKER_SQLITE_PATH":       &c.Store.SQLite.Path,
		"TRACKER_POSTGRES_URL":      &c.Store.Postgres.URL,
		"TRACKER_REDIS_ADDR":        &c.Store.Redis.Address,
		"TRACKER_DYNAMODB_TABLE":    &c.Store.DynamoDB.Table,
		"TRACKER_DYNAMODB_REGION":   &c.Store.DynamoDB.Region,
		"TRACKER_DYNAMODB_ENDPOINT": &c.Store.DynamoDB.Endpoint,
		"TRACKER_LOG_LEVEL":         &c.Log.Level,
		"TRACKER_OPS_ADDR":          &c.Ops.Addr,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("TRACKER_LOCK_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TRACKER_LOCK_TIMEOUT: %w", err)
		}
		c.Migrations.LockTimeout = d
	}
	if v, ok := lookup("TRACKER_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRACKER_BATCH_SIZE: %w", err)
		}
		c.Migrations.BatchSize = n
	}
	if v, ok := lookup("TRACKER_TRACING_ENDPOINT"); ok {
		c.Tracing.Endpoint = v
		c.Tracing.Enabled = v != ""
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case docstore.DriverMemory, docstore.DriverSQLite, docstore.DriverRedis:
	case docstore.DriverPostgres:
		if c.Store.Postgres.URL == "" {
			errs = append(errs, errors.New("store.postgres.url is required for the postgres driver"))
		}
	case docstore.DriverDynamoDB:
		if c.Store.DynamoDB.Table == "" {
			errs = append(errs, errors.New("store.dynamodb.table is required for the dynamodb driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: %w: %q", docstore.ErrUnknownDriver, c.Store.Driver))
	}
	if c.Migrations.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("migrations.lockTimeout must be positive, got %s", c.Migrations.LockTimeout))
	}
	if c.Migrations.BatchSize <= 0 || c.Migrations.BatchSize > docstore.DefaultMaxBatchSize {
		errs = append(errs, fmt.Errorf("migrations.batchSize must be in 1..%d, got %d",
			docstore.DefaultMaxBatchSize, c.Migrations.BatchSize))
	}
	if c.Migrations.Collection == "" || c.Migrations.LockCollection == "" {
		errs = append(errs, errors.New("migrations.collection and migrations.lockCollection must not be empty"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a log.level value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
