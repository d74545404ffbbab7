// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package blobcas

import (
	"fmt"
	"io"
	"os"
)

// PackRecordInfo describes one packfile record for offline inspection.
type PackRecordInfo struct {
	Offset    int64
	Hash      Hash
	Codec     Codec
	RawLen    uint32
	StoredLen uint32
}

// ScanPack reads a packfile without opening a Store (and without
// repairing anything), calling fn for each valid record. It returns
// the offset of the first invalid byte and a description of the damage
// there, or the file size and "" when the file is fully valid. Used by
// the offline inspector.
func ScanPack(path string, fn func(PackRecordInfo) error) (int64, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("opening packfile: %w", err)
	}
	defer file.Close()

	reader := bufferedReaderAt{file: file}
	var offset int64
	for {
		rec, _, err := readPackRecord(&reader)
		if err == io.EOF {
			return offset, "", nil
		}
		if err != nil {
			return offset, err.Error(), nil
		}
		if fn != nil {
			if err := fn(PackRecordInfo{
				Offset:    offset,
				Hash:      rec.hash,
				Codec:     rec.codec,
				RawLen:    rec.rawLen,
				StoredLen: rec.storedLen,
			}); err != nil {
				return offset, "", err
			}
		}
		offset += packRecordSize(rec.storedLen)
	}
}
