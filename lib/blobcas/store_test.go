// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package blobcas

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	raw := []byte("hello, content-addressed world")
	hash, wasNew, err := store.InsertIfAbsent(raw)
	if err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	if !wasNew {
		t.Error("first insert reported wasNew=false")
	}
	if hash != HashBytes(raw) {
		t.Error("returned hash does not match BLAKE3 of input")
	}

	got, err := store.GetRaw(hash)
	if err != nil {
		t.Fatalf("GetRaw: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("GetRaw returned %q, want %q", got, raw)
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)

	raw := []byte("abc")
	first, wasNew, err := store.InsertIfAbsent(raw)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !wasNew {
		t.Error("first insert reported wasNew=false")
	}

	sizeAfterFirst := store.PackSize()

	second, wasNew, err := store.InsertIfAbsent(raw)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if wasNew {
		t.Error("second insert reported wasNew=true")
	}
	if first != second {
		t.Error("identical bytes produced different hashes")
	}
	if store.PackSize() != sizeAfterFirst {
		t.Errorf("second insert grew packfile from %d to %d", sizeAfterFirst, store.PackSize())
	}
}

func TestDistinctBytesDistinctHashes(t *testing.T) {
	store, _ := openTestStore(t)

	a, _, err := store.InsertIfAbsent([]byte("payload A"))
	if err != nil {
		t.Fatalf("insert a: %v", err)
	}
	b, _, err := store.InsertIfAbsent([]byte("payload B"))
	if err != nil {
		t.Fatalf("insert b: %v", err)
	}
	if a == b {
		t.Error("distinct bytes produced the same hash")
	}
}

func TestGetRawUnknownHash(t *testing.T) {
	store, _ := openTestStore(t)

	var hash Hash
	hash[0] = 0xFF
	if _, err := store.GetRaw(hash); err != ErrNotFound {
		t.Errorf("GetRaw on unknown hash returned %v, want ErrNotFound", err)
	}
	if store.Exists(hash) {
		t.Error("Exists reported true for unknown hash")
	}
}

func TestCompressibleBlobStoredSmaller(t *testing.T) {
	store, _ := openTestStore(t)

	// Highly repetitive content well above the compression threshold.
	raw := bytes.Repeat([]byte("abcdefgh"), 4096)
	hash, _, err := store.InsertIfAbsent(raw)
	if err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}

	entry, ok := store.Stat(hash)
	if !ok {
		t.Fatal("Stat did not find inserted blob")
	}
	if entry.Codec != CodecZstd {
		t.Errorf("codec = %v, want zstd", entry.Codec)
	}
	if entry.StoredLen >= entry.RawLen {
		t.Errorf("stored %d bytes >= raw %d bytes", entry.StoredLen, entry.RawLen)
	}

	got, err := store.GetRaw(hash)
	if err != nil {
		t.Fatalf("GetRaw: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Error("decompressed bytes differ from input")
	}
}

func TestShortBlobStoredRaw(t *testing.T) {
	store, _ := openTestStore(t)

	// Short payloads never go through zstd.
	hash, _, err := store.InsertIfAbsent([]byte("short"))
	if err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	entry, _ := store.Stat(hash)
	if entry.Codec != CodecNone {
		t.Errorf("codec = %v, want none", entry.Codec)
	}
}

func TestConcurrentInsertSameBytes(t *testing.T) {
	store, _ := openTestStore(t)

	raw := bytes.Repeat([]byte("concurrent insert fodder "), 100)

	const workers = 16
	var wg sync.WaitGroup
	newCount := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, wasNew, err := store.InsertIfAbsent(raw)
			if err != nil {
				t.Errorf("InsertIfAbsent: %v", err)
				return
			}
			newCount <- wasNew
		}()
	}
	wg.Wait()
	close(newCount)

	var wins int
	for wasNew := range newCount {
		if wasNew {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("%d inserts reported wasNew=true, want exactly 1", wins)
	}
	if store.Len() != 1 {
		t.Errorf("store holds %d blobs, want 1", store.Len())
	}
}

func TestReopenRestoresIndex(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	raw := []byte("persistent blob")
	hash, _, err := store.InsertIfAbsent(raw)
	if err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRaw(hash)
	if err != nil {
		t.Fatalf("GetRaw after reopen: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Error("blob bytes differ after reopen")
	}

	_, wasNew, err := reopened.InsertIfAbsent(raw)
	if err != nil {
		t.Fatalf("reinsert after reopen: %v", err)
	}
	if wasNew {
		t.Error("reinsert after reopen reported wasNew=true")
	}
}

func TestRecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first := []byte("survives the crash")
	firstHash, _, err := store.InsertIfAbsent(first)
	if err != nil {
		t.Fatalf("insert first: %v", err)
	}
	second := []byte("torn by the crash")
	secondHash, _, err := store.InsertIfAbsent(second)
	if err != nil {
		t.Fatalf("insert second: %v", err)
	}
	store.Close()

	// Simulate a crash mid-write: chop the last 3 bytes off the
	// second record.
	packPath := filepath.Join(dir, packFileName)
	info, err := os.Stat(packPath)
	if err != nil {
		t.Fatalf("stat packfile: %v", err)
	}
	if err := os.Truncate(packPath, info.Size()-3); err != nil {
		t.Fatalf("truncate packfile: %v", err)
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen after torn tail: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetRaw(firstHash); err != nil {
		t.Errorf("first blob lost in recovery: %v", err)
	}
	if _, err := reopened.GetRaw(secondHash); err != ErrNotFound {
		t.Errorf("torn blob still visible, GetRaw = %v, want ErrNotFound", err)
	}
	if reopened.Len() != 1 {
		t.Errorf("store holds %d blobs after recovery, want 1", reopened.Len())
	}

	// The torn blob can be re-inserted and read back.
	rehash, wasNew, err := reopened.InsertIfAbsent(second)
	if err != nil {
		t.Fatalf("reinsert torn blob: %v", err)
	}
	if !wasNew || rehash != secondHash {
		t.Error("reinsert of torn blob did not produce a fresh record under the same hash")
	}
}

func TestRecoveryRebuildsMissingIndex(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	raw := []byte("indexed blob")
	hash, _, err := store.InsertIfAbsent(raw)
	if err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	store.Close()

	// Delete the index outright; recovery must rebuild it from the
	// packfile alone.
	if err := os.Remove(filepath.Join(dir, indexFileName)); err != nil {
		t.Fatalf("remove index: %v", err)
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen without index: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRaw(hash)
	if err != nil {
		t.Fatalf("GetRaw after index rebuild: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Error("blob bytes differ after index rebuild")
	}
}

func TestHashFormatParseRoundTrip(t *testing.T) {
	hash := HashBytes([]byte("round trip"))
	parsed, err := ParseHash(FormatHash(hash))
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != hash {
		t.Error("parse(format(h)) != h")
	}

	if _, err := ParseHash("zz"); err == nil {
		t.Error("ParseHash accepted invalid hex")
	}
	if _, err := ParseHash("abcd"); err == nil {
		t.Error("ParseHash accepted short input")
	}
}
