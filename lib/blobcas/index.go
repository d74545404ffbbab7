// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package blobcas

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// indexEntrySize is the fixed size of each blobs.idx entry: hash[32] +
// pack_offset u64 + raw_len u32 + stored_len u32 + codec u16 +
// reserved u16.
const indexEntrySize = 52

// IndexEntry locates a blob within the packfile.
type IndexEntry struct {
	// Offset is the byte offset of the record header in the packfile.
	Offset uint64

	// RawLen is the uncompressed payload length.
	RawLen uint32

	// StoredLen is the on-disk payload length after compression.
	StoredLen uint32

	// Codec is the storage compression applied to the payload.
	Codec Codec
}

func encodeIndexEntry(hash Hash, entry IndexEntry) []byte {
	buf := make([]byte, indexEntrySize)
	copy(buf[0:32], hash[:])
	binary.LittleEndian.PutUint64(buf[32:40], entry.Offset)
	binary.LittleEndian.PutUint32(buf[40:44], entry.RawLen)
	binary.LittleEndian.PutUint32(buf[44:48], entry.StoredLen)
	binary.LittleEndian.PutUint16(buf[48:50], uint16(entry.Codec))
	// buf[50:52] reserved.
	return buf
}

func decodeIndexEntry(buf []byte) (Hash, IndexEntry) {
	var hash Hash
	copy(hash[:], buf[0:32])
	return hash, IndexEntry{
		Offset:    binary.LittleEndian.Uint64(buf[32:40]),
		RawLen:    binary.LittleEndian.Uint32(buf[40:44]),
		StoredLen: binary.LittleEndian.Uint32(buf[44:48]),
		Codec:     Codec(binary.LittleEndian.Uint16(buf[48:50])),
	}
}

// loadIndex reads every complete entry from the index file into a map.
// A trailing partial entry (torn write) is ignored; the caller
// reconciles against the packfile and rewrites if needed.
func loadIndex(file *os.File) (map[Hash]IndexEntry, int64, error) {
	entries := make(map[Hash]IndexEntry)

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek index: %w", err)
	}

	var validBytes int64
	buf := make([]byte, indexEntrySize)
	for {
		_, err := io.ReadFull(file, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// Torn tail; stop at the last complete entry.
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read index entry: %w", err)
		}
		hash, entry := decodeIndexEntry(buf)
		entries[hash] = entry
		validBytes += indexEntrySize
	}

	return entries, validBytes, nil
}
