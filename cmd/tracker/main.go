package main

import (
	"fmt"
	"io"
	"os"
)

var version = "dev"

// Output streams, replaced in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

var commands = map[string]func([]string) error{
	"serve":   runServe,
	"migrate": runMigrate,
	"status":  runStatus,
	"list":    runList,
	"unlock":  runUnlock,
}

func usage() {
	fmt.Fprintf(stderr, `tracker - listing tracker (version %s)

Usage:
  tracker <command> [options]

Commands:
  serve      Run pending migrations, then serve health, status and metrics
  migrate    Run pending migrations once and print the outcome of each
  status     Show which migrations have been applied
  list       List the registered migrations
  unlock     Remove a migration lock left behind by a crashed process

Configuration is read from -config (default $TRACKER_CONFIG) and
TRACKER_* environment variables.

Run 'tracker <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Fprintln(stdout, version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
