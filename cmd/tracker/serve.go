package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/listingtracker/config"
	"github.com/GoCodeAlone/listingtracker/ops"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := configFlag(fs)
	addr := fs.String("addr", "", "Operations listen address (overrides ops.addr)")
	watch := fs.Bool("watch", true, "Apply log level changes when the config file is edited")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: tracker serve [options]

Run pending migrations (when migrations.runOnStart is set) and serve
/healthz, /livez, /migrations/status and /metrics until SIGINT or SIGTERM.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, *configPath, *addr, *watch)
}

func serve(ctx context.Context, configPath, addr string, watch bool) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	if addr == "" {
		addr = a.cfg.Ops.Addr
	}

	if watch && configPath != "" {
		w := config.NewWatcher(configPath, func(cfg *config.Config) {
			lvl, err := config.ParseLevel(cfg.Log.Level)
			if err != nil {
				return
			}
			if lvl != a.level.Level() {
				a.logger.Info("log level changed", "from", a.level.Level(), "to", lvl)
				a.level.Set(lvl)
			}
		}, config.WithWatchLogger(a.logger))
		if err := w.Start(); err != nil {
			a.logger.Warn("config watch disabled", "error", err)
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	srv := ops.NewServer(addr, ops.NewHandler(a.store, a.runner, a.metrics.Handler(), ops.WithLogger(a.logger)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("ops server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if a.cfg.Migrations.RunOnStart {
		g.Go(func() error {
			// The service keeps serving whatever the run's outcome: an
			// unavailable store shows up on /healthz instead.
			_, _ = a.migrate(gctx)
			return nil
		})
	}
	return g.Wait()
}
