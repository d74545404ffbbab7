// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Command cxdb-inspect dumps CXDB on-disk state read-only: pack
// records, turn records, and the heads table. Unlike the server it
// never repairs anything, which makes it safe to point at a live or
// damaged data directory during recovery forensics.
//
// Usage:
//
//	cxdb-inspect pack  [--data-dir DIR]
//	cxdb-inspect turns [--data-dir DIR]
//	cxdb-inspect heads [--data-dir DIR]
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/cxdb-foundation/cxdb/lib/blobcas"
	"github.com/cxdb-foundation/cxdb/lib/turnlog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("cxdb-inspect", pflag.ContinueOnError)
	dataDir := flags.String("data-dir", defaultDataDir(), "CXDB data directory")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	args := flags.Args()
	if len(args) != 1 {
		return fmt.Errorf("usage: cxdb-inspect {pack|turns|heads} [--data-dir DIR]")
	}

	switch args[0] {
	case "pack":
		return inspectPack(*dataDir)
	case "turns":
		return inspectTurns(*dataDir)
	case "heads":
		return inspectHeads(*dataDir)
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("CXDB_DATA_DIR"); dir != "" {
		return dir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".cache", "cxdb")
}

func inspectPack(dataDir string) error {
	path := filepath.Join(dataDir, "blobs", "blobs.pack")
	var count int
	validSize, damage, err := blobcas.ScanPack(path, func(info blobcas.PackRecordInfo) error {
		count++
		fmt.Printf("%12d  %s  codec=%s raw=%d stored=%d\n",
			info.Offset, blobcas.FormatHash(info.Hash), info.Codec, info.RawLen, info.StoredLen)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d records, valid through offset %d\n", count, validSize)
	if damage != "" {
		fmt.Printf("damage at %d: %s\n", validSize, damage)
	}
	return nil
}

func inspectTurns(dataDir string) error {
	path := filepath.Join(dataDir, "turns", "turns.log")
	var count int
	validSize, damage, err := turnlog.ScanLog(path, func(rec turnlog.Record) {
		count++
		fsRoot := ""
		if rec.Flags&turnlog.RecordFlagHasFsRoot != 0 {
			fsRoot = "  +fs"
		}
		fmt.Printf("turn %-8d parent %-8d depth %-5d hash %s%s\n",
			rec.TurnID, rec.ParentTurnID, rec.Depth,
			blobcas.FormatHash(rec.PayloadHash)[:16], fsRoot)
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d turns, valid through offset %d\n", count, validSize)
	if damage != "" {
		fmt.Printf("damage at %d: %s\n", validSize, damage)
	}
	return nil
}

func inspectHeads(dataDir string) error {
	path := filepath.Join(dataDir, "turns", "heads.tbl")
	live := make(map[uint64]turnlog.Head)
	var records int
	validSize, damage, err := turnlog.ScanHeads(path, func(head turnlog.Head) {
		records++
		live[head.ContextID] = head
	})
	if err != nil {
		return err
	}
	for contextID, head := range live {
		fmt.Printf("context %-8d head %-8d depth %d\n", contextID, head.HeadTurnID, head.HeadDepth)
	}
	fmt.Printf("%d records (%d live contexts), valid through offset %d\n", records, len(live), validSize)
	if damage != "" {
		fmt.Printf("damage at %d: %s\n", validSize, damage)
	}
	return nil
}
