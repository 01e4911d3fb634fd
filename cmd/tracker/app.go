package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/GoCodeAlone/listingtracker/config"
	"github.com/GoCodeAlone/listingtracker/docstore"
	"github.com/GoCodeAlone/listingtracker/migration"
	"github.com/GoCodeAlone/listingtracker/migrations"
	"github.com/GoCodeAlone/listingtracker/observability/tracing"
)

// app is the wiring shared by every command that talks to the store.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	level   *slog.LevelVar
	store   docstore.Store
	runner  *migration.Runner
	metrics *migration.Metrics
	tracing *tracing.Provider
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", os.Getenv("TRACKER_CONFIG"), "Path to tracker YAML configuration")
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, *slog.LevelVar, error) {
	lvl, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(lvl)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), level, nil
}

func registryFor(cfg *config.Config, logger *slog.Logger) (*migration.Registry, error) {
	return migrations.Registry(migrations.Options{
		BatchSize: cfg.Migrations.BatchSize,
		Logger:    logger,
	})
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, level, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	reg, err := registryFor(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build migration registry: %w", err)
	}

	provider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	store, err := docstore.Open(ctx, cfg.Store)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	lockOpts := []migration.LockOption{
		migration.WithLockTimeout(cfg.Migrations.LockTimeout),
		migration.WithLockCollection(cfg.Migrations.LockCollection),
		migration.WithLockLogger(logger),
	}
	if cfg.Migrations.Holder != "" {
		lockOpts = append(lockOpts, migration.WithHolder(cfg.Migrations.Holder))
	}
	metrics := migration.NewMetrics("tracker")
	runner := migration.NewRunner(store, reg,
		migration.WithLogger(logger),
		migration.WithRecordCollection(cfg.Migrations.Collection),
		migration.WithLockManager(migration.NewLockManager(store, lockOpts...)),
		migration.WithMetrics(metrics),
		migration.WithTracer(provider.Tracer()),
	)

	logger.Debug("tracker initialised",
		"driver", cfg.Store.Driver,
		"holder", runner.Locks().Holder(),
		"migrations", reg.Len(),
		"tracing", provider.Enabled())

	return &app{
		cfg:     cfg,
		logger:  logger,
		level:   level,
		store:   store,
		runner:  runner,
		metrics: metrics,
		tracing: provider,
	}, nil
}

// migrate runs the registry once. A StoreUnavailableError is returned as is
// so callers can tell it apart from cancellation.
func (a *app) migrate(ctx context.Context) (*migration.Report, error) {
	report, err := a.runner.Run(ctx)
	if err != nil {
		var unavailable *migration.StoreUnavailableError
		if errors.As(err, &unavailable) {
			a.logger.Error("migrations skipped, document store unavailable", "error", unavailable.Err)
		}
		return report, err
	}
	return report, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close document store", "error", err)
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("failed to flush traces", "error", err)
	}
}
