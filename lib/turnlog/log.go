// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package turnlog persists the immutable Turn DAG: a fixed-size record
// log with a TurnID index, a variable-length metadata side file, an
// append-only heads table, and three small side logs (idempotency keys,
// fs snapshot roots, context metadata).
//
// Every file is append-only. Records carry CRC-32 trailers (except the
// metadata side file, whose torn tail is detected structurally); on
// open the log truncates each file at its first damaged record and
// aligns the survivors so that a crash between the write steps of an
// append never leaves a reachable half-committed turn.
package turnlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cxdb-foundation/cxdb/lib/blobcas"
)

// File names within the turns directory.
const (
	logFileName     = "turns.log"
	indexFileName   = "turns.idx"
	metaFileName    = "turns.meta"
	headsFileName   = "heads.tbl"
	idemFileName    = "idem.log"
	fsRootsFileName = "fsroots.log"
	ctxMetaFileName = "ctx.meta"
)

// ErrNotFound is returned for unknown turn or context identifiers.
var ErrNotFound = errors.New("turn not found")

type idemKey struct {
	contextID uint64
	key       string
}

// Log is the durable turn store. Appends are serialized internally;
// reads are safe concurrently with appends.
type Log struct {
	dir    string
	logger *slog.Logger

	logF   *os.File
	idxF   *os.File
	metaF  *os.File
	headsF *os.File
	idemF  *os.File
	fsF    *os.File
	ctxF   *os.File

	// appendMu serializes turn appends (log + meta + index writes).
	appendMu sync.Mutex

	// sideMu serializes appends to the heads table and side logs.
	sideMu sync.Mutex

	// mu guards all maps and size fields below.
	mu        sync.RWMutex
	offsets   map[uint64]int64 // turn_id → turns.log offset
	metaOff   map[uint64]int64 // turn_id → turns.meta offset
	heads     map[uint64]Head  // context_id → last surviving head record
	idem      map[idemKey]uint64
	fsRoots   map[uint64]blobcas.Hash
	ctxMeta   map[uint64]ContextMeta
	maxTurnID uint64
	maxCtxID  uint64

	logSize, idxSize, metaSize  int64
	headsSize, idemSize, fsSize int64
	ctxSize                     int64
}

// Open opens (or creates) the turn store in dir and runs recovery over
// every file. The logger may be nil.
func Open(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating turns directory: %w", err)
	}

	l := &Log{
		dir:     dir,
		logger:  logger,
		offsets: make(map[uint64]int64),
		metaOff: make(map[uint64]int64),
		heads:   make(map[uint64]Head),
		idem:    make(map[idemKey]uint64),
		fsRoots: make(map[uint64]blobcas.Hash),
		ctxMeta: make(map[uint64]ContextMeta),
	}

	var err error
	open := func(name string) *os.File {
		if err != nil {
			return nil
		}
		var f *os.File
		f, err = os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE, 0o644)
		return f
	}
	l.logF = open(logFileName)
	l.idxF = open(indexFileName)
	l.metaF = open(metaFileName)
	l.headsF = open(headsFileName)
	l.idemF = open(idemFileName)
	l.fsF = open(fsRootsFileName)
	l.ctxF = open(ctxMetaFileName)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("opening turn store files: %w", err)
	}

	if err := l.recover(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Close closes all underlying files.
func (l *Log) Close() error {
	var errs []error
	for _, f := range []*os.File{l.logF, l.idxF, l.metaF, l.headsF, l.idemF, l.fsF, l.ctxF} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AppendTurn durably writes a turn: log record (flushed), metadata
// record (flushed), then the index entry. The caller is responsible
// for advancing the context head afterwards; until the head record is
// appended the turn is allocated but unreachable.
func (l *Log) AppendTurn(rec Record, meta Meta) error {
	if rec.TurnID != meta.TurnID {
		return fmt.Errorf("record and meta disagree on turn id: %d vs %d", rec.TurnID, meta.TurnID)
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	logOffset := l.logSize
	if _, err := l.logF.WriteAt(encodeRecord(rec), logOffset); err != nil {
		return fmt.Errorf("appending turn record: %w", err)
	}
	if err := l.logF.Sync(); err != nil {
		return fmt.Errorf("syncing turn log: %w", err)
	}

	metaOffset := l.metaSize
	metaBuf := encodeMeta(meta)
	if _, err := l.metaF.WriteAt(metaBuf, metaOffset); err != nil {
		return fmt.Errorf("appending turn metadata: %w", err)
	}
	if err := l.metaF.Sync(); err != nil {
		return fmt.Errorf("syncing turn metadata: %w", err)
	}

	var idxBuf [indexEntrySize]byte
	binary.LittleEndian.PutUint64(idxBuf[0:8], rec.TurnID)
	binary.LittleEndian.PutUint64(idxBuf[8:16], uint64(logOffset))
	if _, err := l.idxF.WriteAt(idxBuf[:], l.idxSize); err != nil {
		return fmt.Errorf("appending turn index entry: %w", err)
	}

	l.mu.Lock()
	l.logSize = logOffset + recordSize
	l.metaSize = metaOffset + int64(len(metaBuf))
	l.idxSize += indexEntrySize
	l.offsets[rec.TurnID] = logOffset
	l.metaOff[rec.TurnID] = metaOffset
	if rec.TurnID > l.maxTurnID {
		l.maxTurnID = rec.TurnID
	}
	l.mu.Unlock()
	return nil
}

// Get returns the turn record for turnID.
func (l *Log) Get(turnID uint64) (Record, error) {
	l.mu.RLock()
	offset, ok := l.offsets[turnID]
	l.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}

	buf := make([]byte, recordSize)
	if _, err := l.logF.ReadAt(buf, offset); err != nil {
		return Record{}, fmt.Errorf("reading turn record: %w", err)
	}
	rec, err := decodeRecord(buf)
	if err != nil {
		return Record{}, fmt.Errorf("turn %d: %w", turnID, err)
	}
	if rec.TurnID != turnID {
		return Record{}, fmt.Errorf("turn record at %d holds id %d, want %d", offset, rec.TurnID, turnID)
	}
	return rec, nil
}

// GetMeta returns the metadata side record for turnID.
func (l *Log) GetMeta(turnID uint64) (Meta, error) {
	l.mu.RLock()
	offset, ok := l.metaOff[turnID]
	l.mu.RUnlock()
	if !ok {
		return Meta{}, ErrNotFound
	}

	header := make([]byte, metaHeaderSize)
	if _, err := l.metaF.ReadAt(header, offset); err != nil {
		return Meta{}, fmt.Errorf("reading turn metadata header: %w", err)
	}
	typeIDLen := binary.LittleEndian.Uint32(header[8:12])
	if typeIDLen > maxSideRecordKeyLen {
		return Meta{}, fmt.Errorf("turn %d metadata type_id length %d exceeds maximum", turnID, typeIDLen)
	}

	rest := make([]byte, int(typeIDLen)+metaTrailerSize)
	if _, err := l.metaF.ReadAt(rest, offset+metaHeaderSize); err != nil {
		return Meta{}, fmt.Errorf("reading turn metadata: %w", err)
	}
	trailer := rest[typeIDLen:]
	return Meta{
		TurnID:              binary.LittleEndian.Uint64(header[0:8]),
		DeclaredTypeID:      string(rest[:typeIDLen]),
		DeclaredTypeVersion: binary.LittleEndian.Uint32(trailer[0:4]),
		Encoding:            binary.LittleEndian.Uint32(trailer[4:8]),
		Compression:         binary.LittleEndian.Uint32(trailer[8:12]),
		UncompressedLen:     binary.LittleEndian.Uint32(trailer[12:16]),
	}, nil
}

// WalkBack collects up to limit turns ending at startTurnID by
// following parent pointers, returned oldest → newest. A limit of 0
// returns an empty slice.
func (l *Log) WalkBack(startTurnID uint64, limit int) ([]Record, error) {
	if limit <= 0 || startTurnID == 0 {
		return nil, nil
	}

	records := make([]Record, 0, limit)
	current := startTurnID
	for len(records) < limit && current != 0 {
		rec, err := l.Get(current)
		if err != nil {
			return nil, fmt.Errorf("walking back from %d: %w", startTurnID, err)
		}
		records = append(records, rec)
		current = rec.ParentTurnID
	}

	// Reverse into chronological order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// AppendHead appends a head record and publishes it. The heads append
// is the final durable step of a turn append: once it is flushed the
// turn is reachable, before it the turn is invisible.
func (l *Log) AppendHead(head Head) error {
	l.sideMu.Lock()
	defer l.sideMu.Unlock()

	if _, err := l.headsF.WriteAt(encodeHead(head), l.headsSize); err != nil {
		return fmt.Errorf("appending head record: %w", err)
	}
	if err := l.headsF.Sync(); err != nil {
		return fmt.Errorf("syncing heads table: %w", err)
	}

	l.mu.Lock()
	l.headsSize += headRecordSize
	l.heads[head.ContextID] = head
	if head.ContextID > l.maxCtxID {
		l.maxCtxID = head.ContextID
	}
	l.mu.Unlock()
	return nil
}

// HeadFor returns the current head for contextID.
func (l *Log) HeadFor(contextID uint64) (Head, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	head, ok := l.heads[contextID]
	return head, ok
}

// Heads returns a snapshot of all context heads sorted by the creation
// time of their latest head record, most recent first.
func (l *Log) Heads() []Head {
	l.mu.RLock()
	heads := make([]Head, 0, len(l.heads))
	for _, head := range l.heads {
		heads = append(heads, head)
	}
	l.mu.RUnlock()

	sort.Slice(heads, func(i, j int) bool {
		if heads[i].CreatedAtUnixMs != heads[j].CreatedAtUnixMs {
			return heads[i].CreatedAtUnixMs > heads[j].CreatedAtUnixMs
		}
		return heads[i].ContextID > heads[j].ContextID
	})
	return heads
}

// AppendIdem records an idempotency key for a produced turn.
func (l *Log) AppendIdem(contextID uint64, key string, turnID uint64) error {
	l.sideMu.Lock()
	defer l.sideMu.Unlock()

	buf := encodeIdem(idemRecord{ContextID: contextID, TurnID: turnID, Key: key})
	if _, err := l.idemF.WriteAt(buf, l.idemSize); err != nil {
		return fmt.Errorf("appending idempotency record: %w", err)
	}
	if err := l.idemF.Sync(); err != nil {
		return fmt.Errorf("syncing idempotency log: %w", err)
	}

	l.mu.Lock()
	l.idemSize += int64(len(buf))
	l.idem[idemKey{contextID, key}] = turnID
	l.mu.Unlock()
	return nil
}

// LookupIdem returns the turn previously produced under an idempotency
// key, if any.
func (l *Log) LookupIdem(contextID uint64, key string) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	turnID, ok := l.idem[idemKey{contextID, key}]
	return turnID, ok
}

// AppendFsRoot binds an fs snapshot root to a turn. The latest record
// per turn wins.
func (l *Log) AppendFsRoot(turnID uint64, root blobcas.Hash) error {
	l.sideMu.Lock()
	defer l.sideMu.Unlock()

	buf := encodeFsRoot(fsRootRecord{TurnID: turnID, Root: root})
	if _, err := l.fsF.WriteAt(buf, l.fsSize); err != nil {
		return fmt.Errorf("appending fs root record: %w", err)
	}
	if err := l.fsF.Sync(); err != nil {
		return fmt.Errorf("syncing fs roots log: %w", err)
	}

	l.mu.Lock()
	l.fsSize += int64(len(buf))
	l.fsRoots[turnID] = root
	l.mu.Unlock()
	return nil
}

// FsRoot returns the fs snapshot root attached to turnID, if any.
func (l *Log) FsRoot(turnID uint64) (blobcas.Hash, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	root, ok := l.fsRoots[turnID]
	return root, ok
}

// AppendContextMeta records creation metadata for a context.
func (l *Log) AppendContextMeta(meta ContextMeta) error {
	l.sideMu.Lock()
	defer l.sideMu.Unlock()

	buf := encodeContextMeta(meta)
	if _, err := l.ctxF.WriteAt(buf, l.ctxSize); err != nil {
		return fmt.Errorf("appending context metadata: %w", err)
	}
	if err := l.ctxF.Sync(); err != nil {
		return fmt.Errorf("syncing context metadata: %w", err)
	}

	l.mu.Lock()
	l.ctxSize += int64(len(buf))
	l.ctxMeta[meta.ContextID] = meta
	if meta.ContextID > l.maxCtxID {
		l.maxCtxID = meta.ContextID
	}
	l.mu.Unlock()
	return nil
}

// ContextMetaFor returns creation metadata for contextID, if recorded.
func (l *Log) ContextMetaFor(contextID uint64) (ContextMeta, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	meta, ok := l.ctxMeta[contextID]
	return meta, ok
}

// Exists reports whether turnID is present.
func (l *Log) Exists(turnID uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.offsets[turnID]
	return ok
}

// MaxTurnID returns the highest turn id in the log (0 when empty).
func (l *Log) MaxTurnID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxTurnID
}

// MaxContextID returns the highest context id seen (0 when none).
func (l *Log) MaxContextID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxCtxID
}

// TurnCount returns the number of turns in the log.
func (l *Log) TurnCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.offsets)
}
