package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/1broseidon/bpfocus/internal/journal"
)

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 50, "Number of entries to show (0 = all)")
	asJSON := fs.Bool("json", false, "Print JSON (default when stdout is not a terminal)")
	path := fs.String("config", "", "Config file path (default: ~/.config/bpfocus/config.yaml)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: bpfocus history [--limit N] [--json]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Show what the daemon observed and did, newest last.")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 0 || *limit < 0 {
		fs.Usage()
		return exitUsage
	}

	res, _, err := loadConfig(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	dbPath := res.Config.JournalPath()
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "no journal at %s\n", dbPath)
		return exitFailure
	}

	store, err := journal.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer store.Close()

	entries, err := store.Recent(*limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	if *asJSON || !stdoutIsTerminal() {
		if entries == nil {
			entries = []journal.Entry{}
		}
		if err := writeJSON(os.Stdout, entries); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		return exitOK
	}
	writeHistory(os.Stdout, entries)
	return exitOK
}
