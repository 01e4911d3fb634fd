package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/GoCodeAlone/listingtracker/migration"
)

func runUnlock(args []string) error {
	fs := flag.NewFlagSet("unlock", flag.ContinueOnError)
	configPath := configFlag(fs)
	id := fs.String("id", "", "Migration id whose lock to remove (required)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: tracker unlock -id <migration> [options]

Remove a migration lock regardless of its holder. Only use this when the
holder is known to be gone; a live holder will keep running its apply.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		fs.Usage()
		return fmt.Errorf("-id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	if _, ok := a.runner.Registry().Lookup(*id); !ok {
		a.logger.Warn("unlocking an id that is not registered", "migration", *id)
	}

	locks := a.runner.Locks()
	current, err := locks.Inspect(ctx, *id)
	if errors.Is(err, migration.ErrMalformedLock) {
		// An undecodable lock is still removable.
		a.logger.Warn("lock record malformed, removing it anyway", "migration", *id, "error", err)
		if err := locks.ForceRelease(ctx, *id); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "released lock for %s\n", *id)
		return nil
	}
	if err != nil {
		return err
	}
	if current == nil {
		fmt.Fprintf(stdout, "no lock held for %s\n", *id)
		return nil
	}
	if err := locks.ForceRelease(ctx, *id); err != nil {
		return err
	}
	a.logger.Info("migration lock force-released",
		"migration", *id,
		"previous_holder", current.Holder,
		"acquired_at", current.AcquiredAt)
	fmt.Fprintf(stdout, "released lock for %s (held by %s since %s)\n",
		*id, current.Holder, current.AcquiredAt.Format(time.RFC3339))
	return nil
}
