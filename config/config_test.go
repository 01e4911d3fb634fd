package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/listingtracker/docstore"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracker.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != docstore.DriverSQLite || cfg.Store.SQLite.Path != "tracker.db" {
		t.Errorf("unexpected default store %+v", cfg.Store)
	}
	if cfg.Migrations.LockTimeout != 5*time.Minute {
		t.Errorf("expected 5m lock timeout, got %s", cfg.Migrations.LockTimeout)
	}
	if cfg.Migrations.BatchSize != 500 || !cfg.Migrations.RunOnStart {
		t.Errorf("unexpected migration defaults %+v", cfg.Migrations)
	}
	if cfg.Migrations.Collection != "migrations" || cfg.Migrations.LockCollection != "migration_locks" {
		t.Errorf("unexpected collections %+v", cfg.Migrations)
	}
	if cfg.Tracing.Enabled {
		t.Error("tracing should be disabled by default")
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: redis
  redis:
    address: redis:6379
    prefix: "lt:"
migrations:
  lockTimeout: 90s
  batchSize: 100
  runOnStart: false
log:
  level: debug
  format: json
ops:
  addr: ":9000"
tracing:
  enabled: true
  endpoint: otel:4318
  sampleRate: 0.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != docstore.DriverRedis || cfg.Store.Redis.Address != "redis:6379" || cfg.Store.Redis.Prefix != "lt:" {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	if cfg.Migrations.LockTimeout != 90*time.Second || cfg.Migrations.BatchSize != 100 || cfg.Migrations.RunOnStart {
		t.Errorf("unexpected migrations %+v", cfg.Migrations)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Migrations.Collection != "migrations" {
		t.Errorf("expected default collection, got %q", cfg.Migrations.Collection)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" || cfg.Ops.Addr != ":9000" {
		t.Errorf("unexpected log/ops %+v %+v", cfg.Log, cfg.Ops)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "otel:4318" || cfg.Tracing.SampleRate != 0.5 {
		t.Errorf("unexpected tracing %+v", cfg.Tracing)
	}
	if cfg.Tracing.ServiceName != "listingtracker" {
		t.Errorf("expected default service name, got %q", cfg.Tracing.ServiceName)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: sqlite\n")
	t.Setenv("TRACKER_STORE_DRIVER", "postgres")
	t.Setenv("TRACKER_POSTGRES_URL", "postgres://localhost/tracker")
	t.Setenv("TRACKER_LOCK_TIMEOUT", "2m")
	t.Setenv("TRACKER_BATCH_SIZE", "50")
	t.Setenv("TRACKER_LOG_LEVEL", "warn")
	t.Setenv("TRACKER_OPS_ADDR", "127.0.0.1:0")
	t.Setenv("TRACKER_TRACING_ENDPOINT", "collector:4318")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != docstore.DriverPostgres || cfg.Store.Postgres.URL != "postgres://localhost/tracker" {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	if cfg.Migrations.LockTimeout != 2*time.Minute || cfg.Migrations.BatchSize != 50 {
		t.Errorf("unexpected migrations %+v", cfg.Migrations)
	}
	if cfg.Log.Level != "warn" || cfg.Ops.Addr != "127.0.0.1:0" {
		t.Errorf("unexpected log/ops %+v %+v", cfg.Log, cfg.Ops)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "collector:4318" {
		t.Errorf("expected tracing enabled by endpoint override, got %+v", cfg.Tracing)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	tests := map[string]string{
		"TRACKER_LOCK_TIMEOUT": "five minutes",
		"TRACKER_BATCH_SIZE":   "lots",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil || !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error naming %s, got %v", key, err)
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "store: [unterminated")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"postgres without url", func(c *Config) { c.Store.Driver = docstore.DriverPostgres }, "store.postgres.url"},
		{"dynamodb without table", func(c *Config) {
			c.Store.Driver = docstore.DriverDynamoDB
			c.Store.DynamoDB.Table = ""
		}, "store.dynamodb.table"},
		{"zero lock timeout", func(c *Config) { c.Migrations.LockTimeout = 0 }, "lockTimeout"},
		{"batch too large", func(c *Config) { c.Migrations.BatchSize = 501 }, "batchSize"},
		{"zero batch", func(c *Config) { c.Migrations.BatchSize = 0 }, "batchSize"},
		{"empty collection", func(c *Config) { c.Migrations.Collection = "" }, "migrations.collection"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "sampleRate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}

	cfg := Default()
	cfg.Store.Driver = "mongo"
	if err := cfg.Validate(); !errors.Is(err, docstore.ErrUnknownDriver) {
		t.Errorf("expected ErrUnknownDriver in chain, got %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Migrations.BatchSize = -1
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"batchSize", "log.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}
