// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package turnlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/zeebo/blake3"

	"github.com/cxdb-foundation/cxdb/lib/blobcas"
)

// Record is one fixed-size entry in turns.log: the immutable identity
// of a turn. Variable-length attributes (the declared type string) live
// in the metadata side file keyed by TurnID.
type Record struct {
	// TurnID is the store-wide monotonic identifier. Never reused.
	TurnID uint64

	// ParentTurnID is the parent in the DAG; 0 marks a root turn.
	ParentTurnID uint64

	// Depth is parent depth + 1. A turn appended to an empty context
	// has depth 1; the empty head itself sits at depth 0.
	Depth uint32

	// Codec is the wire codec the payload was declared with (msgpack
	// encoding number from the append request).
	Codec uint32

	// TypeTag is a 64-bit fingerprint of the declared type_id (first
	// 8 bytes of its BLAKE3 digest, little-endian). It lets scans
	// filter by type without consulting the metadata side file.
	TypeTag uint64

	// PayloadHash addresses the payload blob in the CAS.
	PayloadHash blobcas.Hash

	// Flags carries turn flags; bit 0 = an fs_root_hash was attached
	// at append time.
	Flags uint32

	// CreatedAtUnixMs is the server-assigned creation timestamp.
	CreatedAtUnixMs uint64
}

// RecordFlagHasFsRoot marks a turn that carried an fs_root_hash in its
// append request.
const RecordFlagHasFsRoot = 1

// recordSize is the on-disk size of a Record: turn_id u64 +
// parent_turn_id u64 + depth u32 + codec u32 + type_tag u64 +
// payload_hash[32] + flags u32 + created_at_unix_ms u64 + crc32 u32.
const recordSize = 8 + 8 + 4 + 4 + 8 + 32 + 4 + 8 + 4

// TypeTagFor computes the TypeTag fingerprint for a declared type_id.
func TypeTagFor(typeID string) uint64 {
	digest := blake3.Sum256([]byte(typeID))
	return binary.LittleEndian.Uint64(digest[:8])
}

func encodeRecord(rec Record) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(buf[0:8], rec.TurnID)
	binary.LittleEndian.PutUint64(buf[8:16], rec.ParentTurnID)
	binary.LittleEndian.PutUint32(buf[16:20], rec.Depth)
	binary.LittleEndian.PutUint32(buf[20:24], rec.Codec)
	binary.LittleEndian.PutUint64(buf[24:32], rec.TypeTag)
	copy(buf[32:64], rec.PayloadHash[:])
	binary.LittleEndian.PutUint32(buf[64:68], rec.Flags)
	binary.LittleEndian.PutUint64(buf[68:76], rec.CreatedAtUnixMs)
	crc := crc32.ChecksumIEEE(buf[:recordSize-4])
	binary.LittleEndian.PutUint32(buf[recordSize-4:], crc)
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) != recordSize {
		return Record{}, fmt.Errorf("turn record is %d bytes, want %d", len(buf), recordSize)
	}
	want := binary.LittleEndian.Uint32(buf[recordSize-4:])
	if got := crc32.ChecksumIEEE(buf[:recordSize-4]); got != want {
		return Record{}, fmt.Errorf("turn record crc mismatch: got 0x%08x, want 0x%08x", got, want)
	}
	rec := Record{
		TurnID:          binary.LittleEndian.Uint64(buf[0:8]),
		ParentTurnID:    binary.LittleEndian.Uint64(buf[8:16]),
		Depth:           binary.LittleEndian.Uint32(buf[16:20]),
		Codec:           binary.LittleEndian.Uint32(buf[20:24]),
		TypeTag:         binary.LittleEndian.Uint64(buf[24:32]),
		Flags:           binary.LittleEndian.Uint32(buf[64:68]),
		CreatedAtUnixMs: binary.LittleEndian.Uint64(buf[68:76]),
	}
	copy(rec.PayloadHash[:], buf[32:64])
	return rec, nil
}

// Meta is the variable-length metadata side record for a turn: the
// declared type hint and wire parameters as received.
type Meta struct {
	TurnID              uint64
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Compression         uint32
	UncompressedLen     uint32
}

// metaHeaderSize is turn_id u64 + declared_type_id_len u32; the fixed
// trailer after the type_id bytes is declared_type_version u32 +
// encoding u32 + compression u32 + uncompressed_len u32.
const (
	metaHeaderSize  = 12
	metaTrailerSize = 16
)

func encodeMeta(meta Meta) []byte {
	buf := make([]byte, metaHeaderSize+len(meta.DeclaredTypeID)+metaTrailerSize)
	binary.LittleEndian.PutUint64(buf[0:8], meta.TurnID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(meta.DeclaredTypeID)))
	copy(buf[metaHeaderSize:], meta.DeclaredTypeID)
	trailer := buf[metaHeaderSize+len(meta.DeclaredTypeID):]
	binary.LittleEndian.PutUint32(trailer[0:4], meta.DeclaredTypeVersion)
	binary.LittleEndian.PutUint32(trailer[4:8], meta.Encoding)
	binary.LittleEndian.PutUint32(trailer[8:12], meta.Compression)
	binary.LittleEndian.PutUint32(trailer[12:16], meta.UncompressedLen)
	return buf
}

// Head is one entry in the append-only heads table. The last record
// per context_id wins on load.
type Head struct {
	ContextID       uint64
	HeadTurnID      uint64
	HeadDepth       uint32
	Flags           uint32
	CreatedAtUnixMs uint64
}

// headRecordSize is context_id u64 + head_turn_id u64 + head_depth u32
// + flags u32 + created_at_unix_ms u64 + crc32 u32.
const headRecordSize = 8 + 8 + 4 + 4 + 8 + 4

func encodeHead(head Head) []byte {
	buf := make([]byte, headRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], head.ContextID)
	binary.LittleEndian.PutUint64(buf[8:16], head.HeadTurnID)
	binary.LittleEndian.PutUint32(buf[16:20], head.HeadDepth)
	binary.LittleEndian.PutUint32(buf[20:24], head.Flags)
	binary.LittleEndian.PutUint64(buf[24:32], head.CreatedAtUnixMs)
	crc := crc32.ChecksumIEEE(buf[:headRecordSize-4])
	binary.LittleEndian.PutUint32(buf[headRecordSize-4:], crc)
	return buf
}

func decodeHead(buf []byte) (Head, error) {
	if len(buf) != headRecordSize {
		return Head{}, fmt.Errorf("head record is %d bytes, want %d", len(buf), headRecordSize)
	}
	want := binary.LittleEndian.Uint32(buf[headRecordSize-4:])
	if got := crc32.ChecksumIEEE(buf[:headRecordSize-4]); got != want {
		return Head{}, fmt.Errorf("head record crc mismatch: got 0x%08x, want 0x%08x", got, want)
	}
	return Head{
		ContextID:       binary.LittleEndian.Uint64(buf[0:8]),
		HeadTurnID:      binary.LittleEndian.Uint64(buf[8:16]),
		HeadDepth:       binary.LittleEndian.Uint32(buf[16:20]),
		Flags:           binary.LittleEndian.Uint32(buf[20:24]),
		CreatedAtUnixMs: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// indexEntrySize is the turns.idx entry: turn_id u64 + offset u64.
const indexEntrySize = 16
