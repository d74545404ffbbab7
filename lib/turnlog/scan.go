// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package turnlog

import (
	"fmt"
	"os"
)

// Offline read-only scanners for the inspector. Unlike Open, these
// never truncate or rewrite anything; they report where the valid
// prefix of a file ends.

// ScanLog reads turns.log at path, calling fn for each CRC-valid
// record. Returns the length of the valid prefix and a description of
// the damage at its end ("" for a clean file).
func ScanLog(path string, fn func(Record)) (int64, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("opening turn log: %w", err)
	}
	defer file.Close()

	var damage string
	size, err := scanFixed(file, recordSize, func(buf []byte) error {
		rec, err := decodeRecord(buf)
		if err != nil {
			damage = err.Error()
			return err
		}
		if fn != nil {
			fn(rec)
		}
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	damage, err = describeDamage(file, size, damage)
	return size, damage, err
}

// ScanHeads reads heads.tbl at path, calling fn for every CRC-valid
// record in order (including superseded ones).
func ScanHeads(path string, fn func(Head)) (int64, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("opening heads table: %w", err)
	}
	defer file.Close()

	var damage string
	size, err := scanFixed(file, headRecordSize, func(buf []byte) error {
		head, err := decodeHead(buf)
		if err != nil {
			damage = err.Error()
			return err
		}
		if fn != nil {
			fn(head)
		}
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	damage, err = describeDamage(file, size, damage)
	return size, damage, err
}

// describeDamage labels a short file tail when no CRC damage was seen.
func describeDamage(file *os.File, validSize int64, damage string) (string, error) {
	if damage != "" {
		return damage, nil
	}
	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	if validSize < info.Size() {
		return "torn trailing record", nil
	}
	return "", nil
}
