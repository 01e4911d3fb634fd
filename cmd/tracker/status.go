package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/GoCodeAlone/listingtracker/migration"
)

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := configFlag(fs)
	asJSON := fs.Bool("json", false, "Print status as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	statuses, err := a.runner.Status(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}
	printStatus(stdout, statuses)
	return nil
}

func printStatus(w io.Writer, statuses []migration.Status) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MIGRATION\tAPPLIED\tAPPLIED AT\tDURATION")
	pending := 0
	for _, st := range statuses {
		appliedAt, duration := "-", "-"
		if st.AppliedAt != nil {
			appliedAt = st.AppliedAt.Format(time.RFC3339)
		}
		if st.DurationMs != nil {
			duration = (time.Duration(*st.DurationMs) * time.Millisecond).String()
		}
		if !st.Applied {
			pending++
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", st.ID, st.Applied, appliedAt, duration)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d registered, %d pending\n", len(statuses), pending)
}
