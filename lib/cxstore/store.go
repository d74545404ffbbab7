// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package cxstore composes the blob CAS and the turn log into the CXDB
// store: monotonic TurnID/ContextID allocation, per-context head
// serialization, the append path, and the read walks both protocol
// surfaces are built on.
package cxstore

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cxdb-foundation/cxdb/lib/blobcas"
	"github.com/cxdb-foundation/cxdb/lib/turnlog"
)

// headLockCapacity bounds the per-context lock table. Contexts beyond
// this many concurrently active fall back to re-created lock entries,
// which is correct (identity is only needed while held or awaited).
const headLockCapacity = 4096

// Store is the composed CXDB store. All methods are safe for
// concurrent use.
type Store struct {
	Blobs *blobcas.Store
	Turns *turnlog.Log

	// turnCounter holds the last allocated TurnID; contexts likewise.
	// Initialized from the logs on open so identifiers are never
	// reused across restarts.
	turnCounter atomic.Uint64
	ctxCounter  atomic.Uint64

	headLocks *lockTable
	logger    *slog.Logger

	// now is the clock; replaced in tests.
	now func() time.Time
}

// Open opens the store rooted at dataDir, creating `blobs/` and
// `turns/` subdirectories, and runs recovery. The logger may be nil.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	blobs, err := blobcas.Open(filepath.Join(dataDir, "blobs"), logger)
	if err != nil {
		return nil, err
	}
	turns, err := turnlog.Open(filepath.Join(dataDir, "turns"), logger)
	if err != nil {
		blobs.Close()
		return nil, err
	}

	store := &Store{
		Blobs:     blobs,
		Turns:     turns,
		headLocks: newLockTable(headLockCapacity),
		logger:    logger,
		now:       time.Now,
	}
	store.turnCounter.Store(turns.MaxTurnID())
	store.ctxCounter.Store(turns.MaxContextID())

	logger.Info("store opened",
		"turns", turns.TurnCount(),
		"blobs", blobs.Len(),
		"next_turn_id", store.turnCounter.Load()+1,
	)
	return store, nil
}

// Close closes the underlying stores.
func (s *Store) Close() error {
	return errors.Join(s.Turns.Close(), s.Blobs.Close())
}

// Head is a context head pointer.
type Head struct {
	ContextID  uint64
	HeadTurnID uint64
	HeadDepth  uint32
}

// CreateContext allocates a new context. A zero baseTurnID creates an
// empty context; a non-zero one starts the context at that turn (the
// fork operation — O(1), no copying). clientTag is recorded in the
// context metadata for the HTTP listing.
func (s *Store) CreateContext(baseTurnID uint64, clientTag string) (Head, error) {
	var headDepth uint32
	if baseTurnID != 0 {
		rec, err := s.Turns.Get(baseTurnID)
		if err != nil {
			return Head{}, Errf(CodeNotFound, "base turn %d not found", baseTurnID)
		}
		headDepth = rec.Depth
	}

	contextID := s.ctxCounter.Add(1)
	nowMs := uint64(s.now().UnixMilli())

	if err := s.Turns.AppendContextMeta(turnlog.ContextMeta{
		ContextID:       contextID,
		CreatedAtUnixMs: nowMs,
		ClientTag:       clientTag,
	}); err != nil {
		return Head{}, Errf(CodeDecodeError, "recording context metadata: %v", err)
	}
	if err := s.Turns.AppendHead(turnlog.Head{
		ContextID:       contextID,
		HeadTurnID:      baseTurnID,
		HeadDepth:       headDepth,
		CreatedAtUnixMs: nowMs,
	}); err != nil {
		return Head{}, Errf(CodeDecodeError, "recording context head: %v", err)
	}

	return Head{ContextID: contextID, HeadTurnID: baseTurnID, HeadDepth: headDepth}, nil
}

// GetHead returns the current head of a context.
func (s *Store) GetHead(contextID uint64) (Head, error) {
	head, ok := s.Turns.HeadFor(contextID)
	if !ok {
		return Head{}, Errf(CodeNotFound, "context %d not found", contextID)
	}
	return Head{ContextID: contextID, HeadTurnID: head.HeadTurnID, HeadDepth: head.HeadDepth}, nil
}

// AppendParams are the inputs to AppendTurn after wire-level
// validation: the payload is the uncompressed bytes, already verified
// against the content hash by the protocol layer.
type AppendParams struct {
	ContextID           uint64
	ParentTurnID        uint64 // 0 = append at the current head
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Compression         uint32 // wire compression as received, recorded in metadata
	Payload             []byte
	IdempotencyKey      string
	FsRoot              *blobcas.Hash
}

// AppendResult summarizes a produced (or replayed) turn.
type AppendResult struct {
	ContextID   uint64
	TurnID      uint64
	Depth       uint32
	PayloadHash blobcas.Hash

	// Replayed is true when an idempotency key matched and no new
	// turn was created.
	Replayed bool
}

// AppendTurn appends a turn under the context's head lock. The blob is
// made durable before the lock is taken; the heads-table append is the
// final durable step, so a crash either commits the turn fully (head
// advanced) or leaves it unreachable.
//
// A repeated call with the same non-empty (context, idempotency key)
// pair returns the original result without creating a turn.
func (s *Store) AppendTurn(params AppendParams) (AppendResult, error) {
	if _, ok := s.Turns.HeadFor(params.ContextID); !ok {
		return AppendResult{}, Errf(CodeNotFound, "context %d not found", params.ContextID)
	}

	// Blob insert is idempotent and safe outside the head lock.
	payloadHash, _, err := s.Blobs.InsertIfAbsent(params.Payload)
	if err != nil {
		return AppendResult{}, Errf(CodeDecodeError, "storing payload blob: %v", err)
	}

	release := s.headLocks.acquire(params.ContextID)
	defer release()

	if params.IdempotencyKey != "" {
		if turnID, ok := s.Turns.LookupIdem(params.ContextID, params.IdempotencyKey); ok {
			return s.replayResult(params.ContextID, turnID)
		}
	}

	head, ok := s.Turns.HeadFor(params.ContextID)
	if !ok {
		return AppendResult{}, Errf(CodeNotFound, "context %d not found", params.ContextID)
	}

	// Depth is 1-based over turns: the empty context head sits at
	// depth 0, so the first appended turn lands at depth 1.
	parent := params.ParentTurnID
	var depth uint32
	if parent == 0 {
		parent = head.HeadTurnID
		depth = head.HeadDepth + 1
	}
	if parent != 0 {
		parentRec, err := s.Turns.Get(parent)
		if err != nil {
			return AppendResult{}, Errf(CodeNotFound, "parent turn %d not found", parent)
		}
		depth = parentRec.Depth + 1
	}

	turnID := s.turnCounter.Add(1)
	nowMs := uint64(s.now().UnixMilli())

	var flags uint32
	if params.FsRoot != nil {
		flags |= turnlog.RecordFlagHasFsRoot
	}

	rec := turnlog.Record{
		TurnID:          turnID,
		ParentTurnID:    parent,
		Depth:           depth,
		Codec:           params.Encoding,
		TypeTag:         turnlog.TypeTagFor(params.DeclaredTypeID),
		PayloadHash:     payloadHash,
		Flags:           flags,
		CreatedAtUnixMs: nowMs,
	}
	meta := turnlog.Meta{
		TurnID:              turnID,
		DeclaredTypeID:      params.DeclaredTypeID,
		DeclaredTypeVersion: params.DeclaredTypeVersion,
		Encoding:            params.Encoding,
		Compression:         params.Compression,
		UncompressedLen:     uint32(len(params.Payload)),
	}
	if err := s.Turns.AppendTurn(rec, meta); err != nil {
		return AppendResult{}, Errf(CodeDecodeError, "appending turn: %v", err)
	}

	if params.FsRoot != nil {
		if err := s.Turns.AppendFsRoot(turnID, *params.FsRoot); err != nil {
			return AppendResult{}, Errf(CodeDecodeError, "recording fs root: %v", err)
		}
	}
	if params.IdempotencyKey != "" {
		if err := s.Turns.AppendIdem(params.ContextID, params.IdempotencyKey, turnID); err != nil {
			return AppendResult{}, Errf(CodeDecodeError, "recording idempotency key: %v", err)
		}
	}

	if err := s.Turns.AppendHead(turnlog.Head{
		ContextID:       params.ContextID,
		HeadTurnID:      turnID,
		HeadDepth:       depth,
		CreatedAtUnixMs: nowMs,
	}); err != nil {
		return AppendResult{}, Errf(CodeDecodeError, "advancing context head: %v", err)
	}

	return AppendResult{
		ContextID:   params.ContextID,
		TurnID:      turnID,
		Depth:       depth,
		PayloadHash: payloadHash,
	}, nil
}

// replayResult rebuilds the AppendResult for a turn previously
// produced under an idempotency key.
func (s *Store) replayResult(contextID, turnID uint64) (AppendResult, error) {
	rec, err := s.Turns.Get(turnID)
	if err != nil {
		return AppendResult{}, Errf(CodeDecodeError, "idempotent replay of turn %d: %v", turnID, err)
	}
	return AppendResult{
		ContextID:   contextID,
		TurnID:      rec.TurnID,
		Depth:       rec.Depth,
		PayloadHash: rec.PayloadHash,
		Replayed:    true,
	}, nil
}

// TurnView is a turn with its metadata and (optionally) payload bytes,
// as returned by the read walks. Payload is always uncompressed.
type TurnView struct {
	Record  turnlog.Record
	Meta    turnlog.Meta
	Payload []byte // nil unless requested
}

// GetLast returns up to limit turns ending at the context head, oldest
// first. With includePayload the blob bytes are loaded uncompressed.
func (s *Store) GetLast(contextID uint64, limit int, includePayload bool) ([]TurnView, error) {
	head, ok := s.Turns.HeadFor(contextID)
	if !ok {
		return nil, Errf(CodeNotFound, "context %d not found", contextID)
	}
	return s.walk(head.HeadTurnID, limit, includePayload)
}

// GetBefore returns up to limit turns strictly older than the cursor
// turn, oldest first. Used to page beyond a previous GetLast.
func (s *Store) GetBefore(contextID, beforeTurnID uint64, limit int, includePayload bool) ([]TurnView, error) {
	if _, ok := s.Turns.HeadFor(contextID); !ok {
		return nil, Errf(CodeNotFound, "context %d not found", contextID)
	}
	cursor, err := s.Turns.Get(beforeTurnID)
	if err != nil {
		return nil, Errf(CodeNotFound, "cursor turn %d not found", beforeTurnID)
	}
	return s.walk(cursor.ParentTurnID, limit, includePayload)
}

func (s *Store) walk(startTurnID uint64, limit int, includePayload bool) ([]TurnView, error) {
	records, err := s.Turns.WalkBack(startTurnID, limit)
	if err != nil {
		return nil, Errf(CodeDecodeError, "walking turn chain: %v", err)
	}

	views := make([]TurnView, 0, len(records))
	for _, rec := range records {
		meta, err := s.Turns.GetMeta(rec.TurnID)
		if err != nil {
			return nil, Errf(CodeDecodeError, "loading metadata for turn %d: %v", rec.TurnID, err)
		}
		view := TurnView{Record: rec, Meta: meta}
		if includePayload {
			payload, err := s.Blobs.GetRaw(rec.PayloadHash)
			if err != nil {
				return nil, Errf(CodeDecodeError, "loading payload for turn %d: %v", rec.TurnID, err)
			}
			view.Payload = payload
		}
		views = append(views, view)
	}
	return views, nil
}

// GetTurn returns a single turn view.
func (s *Store) GetTurn(turnID uint64, includePayload bool) (TurnView, error) {
	rec, err := s.Turns.Get(turnID)
	if err != nil {
		return TurnView{}, Errf(CodeNotFound, "turn %d not found", turnID)
	}
	meta, err := s.Turns.GetMeta(turnID)
	if err != nil {
		return TurnView{}, Errf(CodeDecodeError, "loading metadata for turn %d: %v", turnID, err)
	}
	view := TurnView{Record: rec, Meta: meta}
	if includePayload {
		payload, err := s.Blobs.GetRaw(rec.PayloadHash)
		if err != nil {
			return TurnView{}, Errf(CodeDecodeError, "loading payload for turn %d: %v", turnID, err)
		}
		view.Payload = payload
	}
	return view, nil
}

// PutBlob verifies that raw hashes to the supplied hash and inserts it
// if absent. Returns whether a new pack record was written.
func (s *Store) PutBlob(expected blobcas.Hash, raw []byte) (bool, error) {
	if blobcas.HashBytes(raw) != expected {
		return false, Errf(CodeDecodeError, "blob bytes do not hash to %s", blobcas.FormatHash(expected))
	}
	_, wasNew, err := s.Blobs.InsertIfAbsent(raw)
	if err != nil {
		return false, Errf(CodeDecodeError, "storing blob: %v", err)
	}
	return wasNew, nil
}

// GetBlob returns the raw bytes for hash.
func (s *Store) GetBlob(hash blobcas.Hash) ([]byte, error) {
	raw, err := s.Blobs.GetRaw(hash)
	if err != nil {
		if errors.Is(err, blobcas.ErrNotFound) {
			return nil, Errf(CodeNotFound, "blob %s not found", blobcas.FormatHash(hash))
		}
		return nil, Errf(CodeDecodeError, "reading blob %s: %v", blobcas.FormatHash(hash), err)
	}
	return raw, nil
}

// AttachFs binds an fs snapshot root to an existing turn. The tree
// need not be materialized in the CAS; the HTTP fs view resolves blobs
// on demand.
func (s *Store) AttachFs(turnID uint64, root blobcas.Hash) error {
	if !s.Turns.Exists(turnID) {
		return Errf(CodeNotFound, "turn %d not found", turnID)
	}
	if err := s.Turns.AppendFsRoot(turnID, root); err != nil {
		return Errf(CodeDecodeError, "recording fs root: %v", err)
	}
	return nil
}

// ContextInfo summarizes a context for the HTTP listing.
type ContextInfo struct {
	Head            Head
	CreatedAtUnixMs uint64
	ClientTag       string
}

// ListRecentContexts returns up to limit contexts ordered by most
// recent head advance.
func (s *Store) ListRecentContexts(limit int) []ContextInfo {
	heads := s.Turns.Heads()
	if limit > 0 && len(heads) > limit {
		heads = heads[:limit]
	}
	infos := make([]ContextInfo, 0, len(heads))
	for _, head := range heads {
		info := ContextInfo{
			Head: Head{
				ContextID:  head.ContextID,
				HeadTurnID: head.HeadTurnID,
				HeadDepth:  head.HeadDepth,
			},
		}
		if meta, ok := s.Turns.ContextMetaFor(head.ContextID); ok {
			info.CreatedAtUnixMs = meta.CreatedAtUnixMs
			info.ClientTag = meta.ClientTag
		}
		infos = append(infos, info)
	}
	return infos
}

// NextTurnID returns the id the next append will allocate.
func (s *Store) NextTurnID() uint64 {
	return s.turnCounter.Load() + 1
}
