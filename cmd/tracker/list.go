package main

import (
	"flag"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/GoCodeAlone/listingtracker/config"
)

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	reg, err := registryFor(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MIGRATION\tDESCRIPTION")
	for _, def := range reg.List() {
		fmt.Fprintf(tw, "%s\t%s\n", def.ID, def.Description)
	}
	return tw.Flush()
}
