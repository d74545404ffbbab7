// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package turnlog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cxdb-foundation/cxdb/lib/blobcas"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	log, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log, dir
}

// appendChain appends n turns forming a single parent chain in context
// ctx, advancing the head after each, and returns the turn ids.
func appendChain(t *testing.T, log *Log, ctx uint64, n int) []uint64 {
	t.Helper()
	var parent uint64
	var depth uint32
	start := log.MaxTurnID()
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		id := start + uint64(i) + 1
		if parent != 0 {
			rec, err := log.Get(parent)
			if err != nil {
				t.Fatalf("get parent %d: %v", parent, err)
			}
			depth = rec.Depth + 1
		} else {
			depth = 1
		}
		rec := Record{
			TurnID:          id,
			ParentTurnID:    parent,
			Depth:           depth,
			Codec:           1,
			TypeTag:         TypeTagFor("com.example.Message"),
			PayloadHash:     blobcas.HashBytes([]byte(fmt.Sprintf("payload %d", id))),
			CreatedAtUnixMs: 1700000000000 + id,
		}
		meta := Meta{
			TurnID:              id,
			DeclaredTypeID:      "com.example.Message",
			DeclaredTypeVersion: 1,
			Encoding:            1,
			UncompressedLen:     16,
		}
		if err := log.AppendTurn(rec, meta); err != nil {
			t.Fatalf("AppendTurn %d: %v", id, err)
		}
		if err := log.AppendHead(Head{
			ContextID:       ctx,
			HeadTurnID:      id,
			HeadDepth:       depth,
			CreatedAtUnixMs: rec.CreatedAtUnixMs,
		}); err != nil {
			t.Fatalf("AppendHead %d: %v", id, err)
		}
		parent = id
		ids = append(ids, id)
	}
	return ids
}

func TestAppendAndGetTurn(t *testing.T) {
	log, _ := openTestLog(t)

	ids := appendChain(t, log, 1, 3)

	rec, err := log.Get(ids[1])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ParentTurnID != ids[0] || rec.Depth != 2 {
		t.Errorf("turn %d: parent=%d depth=%d, want parent=%d depth=2",
			ids[1], rec.ParentTurnID, rec.Depth, ids[0])
	}

	meta, err := log.GetMeta(ids[1])
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta.DeclaredTypeID != "com.example.Message" || meta.DeclaredTypeVersion != 1 {
		t.Errorf("meta = %+v, want com.example.Message@1", meta)
	}

	if _, err := log.Get(999); err != ErrNotFound {
		t.Errorf("Get(999) = %v, want ErrNotFound", err)
	}
}

func TestWalkBackChronological(t *testing.T) {
	log, _ := openTestLog(t)
	ids := appendChain(t, log, 1, 5)

	records, err := log.WalkBack(ids[4], 3)
	if err != nil {
		t.Fatalf("WalkBack: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("WalkBack returned %d records, want 3", len(records))
	}
	// Oldest → newest, ending at the start turn.
	for i, want := range ids[2:] {
		if records[i].TurnID != want {
			t.Errorf("records[%d].TurnID = %d, want %d", i, records[i].TurnID, want)
		}
	}

	// Depth decreases by exactly 1 per parent step back to the root.
	full, err := log.WalkBack(ids[4], 100)
	if err != nil {
		t.Fatalf("WalkBack full: %v", err)
	}
	if len(full) != 5 {
		t.Fatalf("full walk returned %d records, want 5", len(full))
	}
	for i, rec := range full {
		if rec.Depth != uint32(i+1) {
			t.Errorf("depth at position %d = %d, want %d", i, rec.Depth, i+1)
		}
	}

	if records, _ := log.WalkBack(ids[4], 0); len(records) != 0 {
		t.Error("WalkBack with limit 0 returned records")
	}
}

func TestHeadsLastRecordWins(t *testing.T) {
	log, _ := openTestLog(t)
	ids := appendChain(t, log, 7, 3)

	head, ok := log.HeadFor(7)
	if !ok {
		t.Fatal("HeadFor(7) missing")
	}
	if head.HeadTurnID != ids[2] || head.HeadDepth != 3 {
		t.Errorf("head = %+v, want turn %d depth 3", head, ids[2])
	}
}

func TestIdempotencyLookup(t *testing.T) {
	log, _ := openTestLog(t)
	ids := appendChain(t, log, 1, 1)

	if err := log.AppendIdem(1, "k1", ids[0]); err != nil {
		t.Fatalf("AppendIdem: %v", err)
	}
	turnID, ok := log.LookupIdem(1, "k1")
	if !ok || turnID != ids[0] {
		t.Errorf("LookupIdem = (%d, %v), want (%d, true)", turnID, ok, ids[0])
	}
	if _, ok := log.LookupIdem(2, "k1"); ok {
		t.Error("idempotency key leaked across contexts")
	}
}

func TestReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ids := appendChain(t, log, 1, 4)
	if err := log.AppendIdem(1, "key", ids[3]); err != nil {
		t.Fatalf("AppendIdem: %v", err)
	}
	root := blobcas.HashBytes([]byte("tree"))
	if err := log.AppendFsRoot(ids[2], root); err != nil {
		t.Fatalf("AppendFsRoot: %v", err)
	}
	if err := log.AppendContextMeta(ContextMeta{ContextID: 1, CreatedAtUnixMs: 42, ClientTag: "tester"}); err != nil {
		t.Fatalf("AppendContextMeta: %v", err)
	}
	log.Close()

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.MaxTurnID() != ids[3] {
		t.Errorf("MaxTurnID = %d, want %d", reopened.MaxTurnID(), ids[3])
	}
	head, ok := reopened.HeadFor(1)
	if !ok || head.HeadTurnID != ids[3] {
		t.Errorf("head after reopen = %+v, want turn %d", head, ids[3])
	}
	if turnID, ok := reopened.LookupIdem(1, "key"); !ok || turnID != ids[3] {
		t.Error("idempotency key lost on reopen")
	}
	if got, ok := reopened.FsRoot(ids[2]); !ok || got != root {
		t.Error("fs root lost on reopen")
	}
	meta, ok := reopened.ContextMetaFor(1)
	if !ok || meta.ClientTag != "tester" {
		t.Error("context metadata lost on reopen")
	}
}

func TestRecoveryTruncatesTornTurnRecord(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const n = 5
	ids := appendChain(t, log, 1, n)
	log.Close()

	// Kill the last record mid-write.
	logPath := filepath.Join(dir, logFileName)
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat turn log: %v", err)
	}
	if err := os.Truncate(logPath, info.Size()-recordSize/2); err != nil {
		t.Fatalf("truncate turn log: %v", err)
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen after torn record: %v", err)
	}
	defer reopened.Close()

	if reopened.TurnCount() != n-1 {
		t.Errorf("turn count after recovery = %d, want %d", reopened.TurnCount(), n-1)
	}
	if reopened.MaxTurnID() != ids[n-2] {
		t.Errorf("MaxTurnID after recovery = %d, want %d", reopened.MaxTurnID(), ids[n-2])
	}

	// The head referenced the truncated turn; it must demote to the
	// newest surviving turn of that context.
	head, ok := reopened.HeadFor(1)
	if !ok {
		t.Fatal("head lost entirely in recovery")
	}
	if head.HeadTurnID != ids[n-2] {
		t.Errorf("head after recovery = turn %d, want %d", head.HeadTurnID, ids[n-2])
	}
	if head.HeadDepth != uint32(n-1) {
		t.Errorf("head depth after recovery = %d, want %d", head.HeadDepth, n-1)
	}
}

func TestRecoveryDropsTurnWithoutMeta(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ids := appendChain(t, log, 1, 3)
	log.Close()

	// Simulate a crash between the log flush and the metadata flush
	// of the last turn: chop its metadata record off.
	metaPath := filepath.Join(dir, metaFileName)
	info, err := os.Stat(metaPath)
	if err != nil {
		t.Fatalf("stat meta: %v", err)
	}
	// Each test meta record has the same size.
	recLen := info.Size() / 3
	if err := os.Truncate(metaPath, info.Size()-recLen); err != nil {
		t.Fatalf("truncate meta: %v", err)
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.Exists(ids[2]) {
		t.Error("turn without metadata survived recovery")
	}
	if !reopened.Exists(ids[1]) {
		t.Error("turn with metadata lost in recovery")
	}
	if head, _ := reopened.HeadFor(1); head.HeadTurnID != ids[1] {
		t.Errorf("head = turn %d, want %d", head.HeadTurnID, ids[1])
	}
}

func TestRecoveryRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ids := appendChain(t, log, 1, 3)
	log.Close()

	if err := os.Remove(filepath.Join(dir, indexFileName)); err != nil {
		t.Fatalf("remove index: %v", err)
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen without index: %v", err)
	}
	defer reopened.Close()

	for _, id := range ids {
		if _, err := reopened.Get(id); err != nil {
			t.Errorf("Get(%d) after index rebuild: %v", id, err)
		}
	}
}

func TestFsRootLatestWins(t *testing.T) {
	log, _ := openTestLog(t)
	ids := appendChain(t, log, 1, 1)

	first := blobcas.HashBytes([]byte("tree v1"))
	second := blobcas.HashBytes([]byte("tree v2"))
	if err := log.AppendFsRoot(ids[0], first); err != nil {
		t.Fatalf("AppendFsRoot: %v", err)
	}
	if err := log.AppendFsRoot(ids[0], second); err != nil {
		t.Fatalf("AppendFsRoot again: %v", err)
	}
	if got, _ := log.FsRoot(ids[0]); got != second {
		t.Error("re-attach did not replace fs root")
	}
}

func TestHeadsOrderedByRecency(t *testing.T) {
	log, _ := openTestLog(t)
	appendChain(t, log, 1, 1)
	appendChain(t, log, 2, 1)
	appendChain(t, log, 3, 1)

	heads := log.Heads()
	if len(heads) != 3 {
		t.Fatalf("Heads returned %d entries, want 3", len(heads))
	}
	if heads[0].ContextID != 3 || heads[2].ContextID != 1 {
		t.Errorf("heads order = %d,%d,%d, want 3,2,1",
			heads[0].ContextID, heads[1].ContextID, heads[2].ContextID)
	}
}
