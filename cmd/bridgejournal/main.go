// Package main provides the bridgejournal CLI for inspecting and
// maintaining the registry's on-disk state.
//
// The registry persists as an append-only JSONL journal plus a compacted
// snapshot. This tool reads and rewrites those files directly, so it must
// not run against a directory a live bridged process is using.
//
// Usage:
//
//	bridgejournal dump -data-dir ./data            # Print journal records
//	bridgejournal dump -data-dir ./data -json      # One JSON object per line
//	bridgejournal verify -data-dir ./data          # Replay and report state
//	bridgejournal compact -data-dir ./data         # Snapshot + truncate journal
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/atelier-systems/modelbridge/bridgecore/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	cmdDump    = "dump"
	cmdVerify  = "verify"
	cmdCompact = "compact"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "registry data directory (required)")
	asJSON := fs.Bool("json", false, "emit machine-readable JSON")
	_ = fs.Parse(os.Args[2:])

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "bridgejournal: -data-dir is required")
		printUsage()
		os.Exit(1)
	}

	var err error
	switch cmd {
	case cmdDump:
		err = runDump(*dataDir, *asJSON)
	case cmdVerify:
		err = runVerify(*dataDir, *asJSON)
	case cmdCompact:
		err = runCompact(*dataDir, *asJSON)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridgejournal:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: bridgejournal <command> -data-dir DIR [-json]

Commands:
  dump     Print journal records in order
  verify   Replay snapshot plus journal and report the rebuilt state
  compact  Write a fresh snapshot and truncate the journal

The registry directory holds registry.journal.jsonl and
registry.snapshot.json. Stop bridged before running compact; the tool
takes no locks.

Examples:
  bridgejournal dump -data-dir ./data
  bridgejournal verify -data-dir ./data -json
  bridgejournal compact -data-dir ./data`)
}

// openStore opens the persistence layer without creating a fresh
// directory by accident.
func openStore(dataDir string) (*registry.Store, error) {
	info, err := os.Stat(dataDir)
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data dir %s is not a directory", dataDir)
	}
	// Threshold is irrelevant here; compaction is only ever explicit.
	return registry.OpenStore(dataDir, 1, nil)
}

// runDump prints the journal records in append order.
func runDump(dataDir string, asJSON bool) error {
	store, err := openStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ReadJournal()
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for i := range records {
			if err := enc.Encode(&records[i]); err != nil {
				return err
			}
		}
		return nil
	}

	if len(records) == 0 {
		fmt.Println("journal is empty")
		return nil
	}
	for _, rec := range records {
		line := fmt.Sprintf("%-8d %-7s %-24s", rec.Seq, rec.Op, rec.EntityID)
		if rec.EntityType != "" {
			line += " type=" + rec.EntityType
		}
		if rec.OwningCommand != "" {
			line += " cmd=" + rec.OwningCommand
		}
		line += " at=" + rec.At.Format(time.RFC3339)
		fmt.Println(line)
	}
	fmt.Printf("%d records\n", len(records))
	return nil
}

// runVerify replays the snapshot plus journal the same way bridged does
// at startup and reports what it rebuilt. A corrupt journal fails here
// before it fails a restart.
func runVerify(dataDir string, asJSON bool) error {
	store, err := openStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	entities, lastSeq, err := store.Load()
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	byType := make(map[string]int)
	for _, e := range entities {
		byType[e.EntityType]++
	}

	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"ok":              true,
			"entities":        len(entities),
			"last_seq":        lastSeq,
			"journal_entries": store.JournalEntries(),
			"by_type":         byType,
		})
	}

	fmt.Printf("ok: %d entities, last seq %d, %d journal entries\n",
		len(entities), lastSeq, store.JournalEntries())
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %-12s %d\n", t, byType[t])
	}
	return nil
}

// runCompact folds the journal into a fresh snapshot and truncates it.
func runCompact(dataDir string, asJSON bool) error {
	store, err := openStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	entities, lastSeq, err := store.Load()
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	before := store.JournalEntries()

	if err := store.Compact(entities, lastSeq); err != nil {
		return err
	}

	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"entities":       len(entities),
			"last_seq":       lastSeq,
			"journal_before": before,
			"snapshot":       store.SnapshotPath(),
		})
	}

	fmt.Printf("compacted %d journal entries into snapshot (%d entities, seq %d)\n",
		before, len(entities), lastSeq)
	return nil
}
