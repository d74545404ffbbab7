// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package turnlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cxdb-foundation/cxdb/lib/blobcas"
)

// Side logs beyond the main turn log: idempotency keys, fs snapshot
// roots, and per-context metadata. All are append-only with CRC-32
// trailers; a torn tail is truncated on open like the other logs.

// idemRecord maps an (context_id, idempotency_key) pair to the turn it
// produced. Layout: context_id u64 + turn_id u64 + key_len u32 + key +
// crc32.
type idemRecord struct {
	ContextID uint64
	TurnID    uint64
	Key       string
}

const idemHeaderSize = 8 + 8 + 4

func encodeIdem(rec idemRecord) []byte {
	buf := make([]byte, idemHeaderSize+len(rec.Key)+4)
	binary.LittleEndian.PutUint64(buf[0:8], rec.ContextID)
	binary.LittleEndian.PutUint64(buf[8:16], rec.TurnID)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(rec.Key)))
	copy(buf[idemHeaderSize:], rec.Key)
	crc := crc32.ChecksumIEEE(buf[:idemHeaderSize+len(rec.Key)])
	binary.LittleEndian.PutUint32(buf[idemHeaderSize+len(rec.Key):], crc)
	return buf
}

// fsRootRecord binds an fs snapshot root hash to a turn. Layout:
// turn_id u64 + fs_root_hash[32] + crc32. The last record per turn
// wins, so re-attaching replaces without rewriting.
type fsRootRecord struct {
	TurnID uint64
	Root   blobcas.Hash
}

const fsRootRecordSize = 8 + 32 + 4

func encodeFsRoot(rec fsRootRecord) []byte {
	buf := make([]byte, fsRootRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], rec.TurnID)
	copy(buf[8:40], rec.Root[:])
	crc := crc32.ChecksumIEEE(buf[:fsRootRecordSize-4])
	binary.LittleEndian.PutUint32(buf[fsRootRecordSize-4:], crc)
	return buf
}

func decodeFsRoot(buf []byte) (fsRootRecord, error) {
	if len(buf) != fsRootRecordSize {
		return fsRootRecord{}, fmt.Errorf("fs root record is %d bytes, want %d", len(buf), fsRootRecordSize)
	}
	want := binary.LittleEndian.Uint32(buf[fsRootRecordSize-4:])
	if got := crc32.ChecksumIEEE(buf[:fsRootRecordSize-4]); got != want {
		return fsRootRecord{}, fmt.Errorf("fs root record crc mismatch")
	}
	rec := fsRootRecord{TurnID: binary.LittleEndian.Uint64(buf[0:8])}
	copy(rec.Root[:], buf[8:40])
	return rec, nil
}

// ContextMeta is the durable per-context metadata recorded when a
// context is created: creation time and the creating session's client
// tag. Layout: context_id u64 + created_at_unix_ms u64 + tag_len u32 +
// tag + crc32.
type ContextMeta struct {
	ContextID       uint64
	CreatedAtUnixMs uint64
	ClientTag       string
}

const ctxMetaHeaderSize = 8 + 8 + 4

func encodeContextMeta(meta ContextMeta) []byte {
	buf := make([]byte, ctxMetaHeaderSize+len(meta.ClientTag)+4)
	binary.LittleEndian.PutUint64(buf[0:8], meta.ContextID)
	binary.LittleEndian.PutUint64(buf[8:16], meta.CreatedAtUnixMs)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(meta.ClientTag)))
	copy(buf[ctxMetaHeaderSize:], meta.ClientTag)
	crc := crc32.ChecksumIEEE(buf[:ctxMetaHeaderSize+len(meta.ClientTag)])
	binary.LittleEndian.PutUint32(buf[ctxMetaHeaderSize+len(meta.ClientTag):], crc)
	return buf
}

// maxSideRecordKeyLen bounds variable-length fields in side logs so a
// corrupt length cannot trigger huge allocations during recovery.
const maxSideRecordKeyLen = 64 * 1024
