package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/GoCodeAlone/listingtracker/migration"
)

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := configFlag(fs)
	strict := fs.Bool("strict", false, "Exit non-zero when any migration fails")
	timeout := fs.Duration("timeout", 30*time.Minute, "Give up after this long")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: tracker migrate [options]

Apply pending migrations once. Migrations locked by another process are
skipped and picked up by a later run.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	report, err := a.migrate(ctx)
	if report != nil {
		printReport(stdout, report)
	}
	if err != nil {
		return err
	}
	if failed := report.Failed(); *strict && len(failed) > 0 {
		return fmt.Errorf("%d migration(s) failed", len(failed))
	}
	return nil
}

func printReport(w io.Writer, report *migration.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MIGRATION\tOUTCOME\tDURATION\tDETAIL")
	for _, res := range report.Results {
		detail := ""
		switch {
		case res.Err != nil:
			detail = res.Err.Error()
		case res.Outcome == migration.OutcomeLockBusy:
			detail = "held by " + res.LockHolder
		case res.TookOverLock:
			detail = "took over stale lock"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.ID, res.Outcome, res.Duration.Round(time.Millisecond), detail)
	}
	_ = tw.Flush()
}
