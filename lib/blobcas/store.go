// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobcas implements the content-addressed blob store: a
// BLAKE3-keyed, zstd-compressed, append-only packfile paired with a
// fixed-size index for O(1) hash lookup.
//
// The write path is insert-if-absent: identical bytes are stored once
// regardless of how many turns reference them. Records are
// CRC-protected; a torn tail left by a crash is truncated on open and
// the index is reconciled against the surviving packfile.
package blobcas

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// File names within the blob store directory.
const (
	packFileName  = "blobs.pack"
	indexFileName = "blobs.idx"
)

// shardCount is the number of insert locks. Inserts are serialized per
// hash prefix so concurrent inserts of distinct blobs proceed in
// parallel while concurrent inserts of the same blob allocate exactly
// one pack record.
const shardCount = 64

// ErrNotFound is returned when a hash is not present in the store.
var ErrNotFound = errors.New("blob not found")

// Store is the content-addressed blob store. It is safe for concurrent
// use: reads take a shared read lock on the index map, writes are
// serialized per hash-prefix shard.
type Store struct {
	dir  string
	pack *os.File
	idx  *os.File

	// packSize and idxSize are the current end offsets of the two
	// files. Guarded by mu.
	packSize int64
	idxSize  int64

	shards [shardCount]sync.Mutex

	// appendMu serializes physical appends to the packfile and index
	// so records are durable in offset order: a crash can only lose a
	// contiguous tail, which recovery truncates.
	appendMu sync.Mutex

	// mu guards entries and the size fields.
	mu      sync.RWMutex
	entries map[Hash]IndexEntry

	logger *slog.Logger
}

// Open opens (or creates) the blob store in dir, runs crash recovery
// over the packfile, and reconciles the index. The logger may be nil.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}

	pack, err := os.OpenFile(filepath.Join(dir, packFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening packfile: %w", err)
	}
	idx, err := os.OpenFile(filepath.Join(dir, indexFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		pack.Close()
		return nil, fmt.Errorf("opening blob index: %w", err)
	}

	store := &Store{
		dir:    dir,
		pack:   pack,
		idx:    idx,
		logger: logger,
	}
	if err := store.recover(); err != nil {
		pack.Close()
		idx.Close()
		return nil, err
	}
	return store, nil
}

// recover scans the packfile from the start, truncates at the first
// CRC-invalid or torn record, and rebuilds the index file if it
// disagrees with the surviving records.
func (s *Store) recover() error {
	if _, err := s.pack.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek packfile: %w", err)
	}

	scanned := make(map[Hash]IndexEntry)
	reader := bufferedReaderAt{file: s.pack}
	var offset int64
	for {
		rec, _, err := readPackRecord(&reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Warn("truncating packfile at damaged record",
				"offset", offset, "error", err)
			if err := s.pack.Truncate(offset); err != nil {
				return fmt.Errorf("truncating packfile: %w", err)
			}
			break
		}
		// First insert wins: a duplicate record (possible if a crash
		// hit between pack flush and index append, then the blob was
		// re-inserted) resolves to its earliest copy.
		if _, ok := scanned[rec.hash]; !ok {
			scanned[rec.hash] = IndexEntry{
				Offset:    uint64(offset),
				RawLen:    rec.rawLen,
				StoredLen: rec.storedLen,
				Codec:     rec.codec,
			}
		}
		offset += packRecordSize(rec.storedLen)
	}
	s.packSize = offset

	loaded, _, err := loadIndex(s.idx)
	if err != nil {
		return fmt.Errorf("loading blob index: %w", err)
	}

	if indexMatches(loaded, scanned) {
		s.entries = loaded
		s.idxSize = int64(len(loaded)) * indexEntrySize
		return nil
	}

	s.logger.Info("rebuilding blob index from packfile",
		"indexed", len(loaded), "scanned", len(scanned))
	if err := s.rewriteIndex(scanned); err != nil {
		return err
	}
	s.entries = scanned
	s.idxSize = int64(len(scanned)) * indexEntrySize
	return nil
}

func indexMatches(loaded, scanned map[Hash]IndexEntry) bool {
	if len(loaded) != len(scanned) {
		return false
	}
	for hash, entry := range scanned {
		if loaded[hash] != entry {
			return false
		}
	}
	return true
}

func (s *Store) rewriteIndex(entries map[Hash]IndexEntry) error {
	if err := s.idx.Truncate(0); err != nil {
		return fmt.Errorf("truncating blob index: %w", err)
	}
	if _, err := s.idx.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek blob index: %w", err)
	}
	for hash, entry := range entries {
		if _, err := s.idx.Write(encodeIndexEntry(hash, entry)); err != nil {
			return fmt.Errorf("writing blob index entry: %w", err)
		}
	}
	return nil
}

// Close syncs and closes the underlying files.
func (s *Store) Close() error {
	var errs []error
	if err := s.pack.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := s.pack.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.idx.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// InsertIfAbsent stores raw under its BLAKE3 hash unless already
// present. Returns the hash and whether a new pack record was written.
// The pack record is durable before the index entry becomes visible,
// so a crash can leave an unindexed record (repaired on next open) but
// never an index entry pointing at missing data.
func (s *Store) InsertIfAbsent(raw []byte) (Hash, bool, error) {
	hash := HashBytes(raw)

	s.mu.RLock()
	_, exists := s.entries[hash]
	s.mu.RUnlock()
	if exists {
		return hash, false, nil
	}

	shard := &s.shards[hash[0]%shardCount]
	shard.Lock()
	defer shard.Unlock()

	// Double-check under the shard lock: a concurrent insert of the
	// same bytes may have won the race.
	s.mu.RLock()
	_, exists = s.entries[hash]
	s.mu.RUnlock()
	if exists {
		return hash, false, nil
	}

	stored, codec := compress(raw)
	record := encodePackRecord(hash, stored, codec, uint32(len(raw)))

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	packOffset := s.packSize
	if _, err := s.pack.WriteAt(record, packOffset); err != nil {
		return hash, false, fmt.Errorf("appending pack record: %w", err)
	}
	if err := s.pack.Sync(); err != nil {
		return hash, false, fmt.Errorf("syncing packfile: %w", err)
	}

	entry := IndexEntry{
		Offset:    uint64(packOffset),
		RawLen:    uint32(len(raw)),
		StoredLen: uint32(len(stored)),
		Codec:     codec,
	}
	if _, err := s.idx.WriteAt(encodeIndexEntry(hash, entry), s.idxSize); err != nil {
		return hash, false, fmt.Errorf("appending blob index entry: %w", err)
	}

	s.mu.Lock()
	s.packSize = packOffset + int64(len(record))
	s.idxSize += indexEntrySize
	s.entries[hash] = entry
	s.mu.Unlock()

	return hash, true, nil
}

// GetRaw returns the uncompressed bytes for hash, verifying the pack
// record CRC and the stored hash on the way out. Returns ErrNotFound
// for an unknown hash; any corruption is a decode error.
func (s *Store) GetRaw(hash Hash) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.entries[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	size := packRecordSize(entry.StoredLen)
	buf := make([]byte, size)
	if _, err := s.pack.ReadAt(buf, int64(entry.Offset)); err != nil {
		return nil, fmt.Errorf("reading pack record: %w", err)
	}

	rec, stored, err := readPackRecord(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("decoding pack record at %d: %w", entry.Offset, err)
	}
	if rec.hash != hash {
		return nil, fmt.Errorf("pack record at %d holds hash %s, want %s",
			entry.Offset, FormatHash(rec.hash), FormatHash(hash))
	}

	raw, err := decompress(stored, rec.codec, int(rec.rawLen))
	if err != nil {
		return nil, fmt.Errorf("decoding blob %s: %w", FormatHash(hash), err)
	}
	return raw, nil
}

// Exists reports whether hash is present in the store.
func (s *Store) Exists(hash Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[hash]
	return ok
}

// Stat returns the index entry for hash without touching the packfile.
func (s *Store) Stat(hash Hash) (IndexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[hash]
	return entry, ok
}

// Len returns the number of distinct blobs stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// PackSize returns the current packfile size in bytes.
func (s *Store) PackSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packSize
}

// bufferedReaderAt adapts sequential reads over an *os.File for the
// recovery scan without disturbing the file's seek position used by
// WriteAt-based appends.
type bufferedReaderAt struct {
	file   *os.File
	offset int64
}

func (r *bufferedReaderAt) Read(p []byte) (int, error) {
	n, err := r.file.ReadAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}
