// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package turnlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// recover scans every file on open: the turn log is truncated at its
// first damaged record, the metadata file and turn log are aligned to
// their common prefix, the index is reconciled, and the heads table
// and side logs drop records referencing truncated turns.
func (l *Log) recover() error {
	scanOrder, err := l.recoverTurnLog()
	if err != nil {
		return err
	}
	scanOrder, err = l.recoverMeta(scanOrder)
	if err != nil {
		return err
	}
	if err := l.reconcileIndex(scanOrder); err != nil {
		return err
	}
	if err := l.recoverHeads(); err != nil {
		return err
	}
	if err := l.recoverIdem(); err != nil {
		return err
	}
	if err := l.recoverFsRoots(); err != nil {
		return err
	}
	return l.recoverContextMeta()
}

type scannedTurn struct {
	turnID uint64
	offset int64
}

// recoverTurnLog scans turns.log, truncating at the first CRC-invalid
// or torn record, and returns the surviving turns in append order.
func (l *Log) recoverTurnLog() ([]scannedTurn, error) {
	var order []scannedTurn
	var offset int64
	buf := make([]byte, recordSize)
	for {
		n, err := l.logF.ReadAt(buf, offset)
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("scanning turn log: %w", err)
		}
		if n < recordSize {
			l.logger.Warn("truncating turn log at torn record", "offset", offset)
			if err := l.logF.Truncate(offset); err != nil {
				return nil, fmt.Errorf("truncating turn log: %w", err)
			}
			break
		}
		rec, decErr := decodeRecord(buf)
		if decErr != nil {
			l.logger.Warn("truncating turn log at damaged record",
				"offset", offset, "error", decErr)
			if err := l.logF.Truncate(offset); err != nil {
				return nil, fmt.Errorf("truncating turn log: %w", err)
			}
			break
		}
		order = append(order, scannedTurn{turnID: rec.TurnID, offset: offset})
		l.offsets[rec.TurnID] = offset
		if rec.TurnID > l.maxTurnID {
			l.maxTurnID = rec.TurnID
		}
		offset += recordSize
	}
	l.logSize = offset
	return order, nil
}

// recoverMeta scans turns.meta, then aligns the turn log and metadata
// to their common prefix: a turn whose metadata never reached disk is
// dropped from the log (it was mid-append when the process died and no
// head references it), and metadata for truncated turns is discarded.
func (l *Log) recoverMeta(scanOrder []scannedTurn) ([]scannedTurn, error) {
	surviving := make(map[uint64]bool, len(scanOrder))
	for _, turn := range scanOrder {
		surviving[turn.turnID] = true
	}

	var offset int64
	header := make([]byte, metaHeaderSize)
	for {
		n, err := l.metaF.ReadAt(header, offset)
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && err != io.EOF || n < metaHeaderSize {
			break
		}
		turnID := binary.LittleEndian.Uint64(header[0:8])
		typeIDLen := binary.LittleEndian.Uint32(header[8:12])
		if typeIDLen > maxSideRecordKeyLen {
			break
		}
		recLen := int64(metaHeaderSize) + int64(typeIDLen) + metaTrailerSize
		rest := make([]byte, int(typeIDLen)+metaTrailerSize)
		if n, err := l.metaF.ReadAt(rest, offset+metaHeaderSize); err != nil && n < len(rest) {
			break
		}
		if surviving[turnID] {
			l.metaOff[turnID] = offset
		}
		offset += recLen
	}
	if err := l.metaF.Truncate(offset); err != nil {
		return nil, fmt.Errorf("truncating turn metadata: %w", err)
	}
	l.metaSize = offset

	// Drop trailing log records with no metadata. The two files are
	// written in the same order, so the common prefix is contiguous.
	cut := len(scanOrder)
	for cut > 0 {
		if _, ok := l.metaOff[scanOrder[cut-1].turnID]; ok {
			break
		}
		cut--
	}
	if cut < len(scanOrder) {
		l.logger.Warn("dropping turns without metadata",
			"first_dropped", scanOrder[cut].turnID,
			"count", len(scanOrder)-cut)
		if err := l.logF.Truncate(scanOrder[cut].offset); err != nil {
			return nil, fmt.Errorf("truncating turn log to metadata prefix: %w", err)
		}
		l.logSize = scanOrder[cut].offset
		for _, turn := range scanOrder[cut:] {
			delete(l.offsets, turn.turnID)
		}
		scanOrder = scanOrder[:cut]
		l.maxTurnID = 0
		for id := range l.offsets {
			if id > l.maxTurnID {
				l.maxTurnID = id
			}
		}
	}
	return scanOrder, nil
}

// reconcileIndex verifies turns.idx against the surviving log records
// and rewrites it when they disagree.
func (l *Log) reconcileIndex(scanOrder []scannedTurn) error {
	matches := true
	info, err := l.idxF.Stat()
	if err != nil {
		return fmt.Errorf("stat turn index: %w", err)
	}
	if info.Size() != int64(len(scanOrder))*indexEntrySize {
		matches = false
	} else {
		buf := make([]byte, indexEntrySize)
		for i, turn := range scanOrder {
			if _, err := l.idxF.ReadAt(buf, int64(i)*indexEntrySize); err != nil {
				matches = false
				break
			}
			if binary.LittleEndian.Uint64(buf[0:8]) != turn.turnID ||
				binary.LittleEndian.Uint64(buf[8:16]) != uint64(turn.offset) {
				matches = false
				break
			}
		}
	}
	if matches {
		l.idxSize = int64(len(scanOrder)) * indexEntrySize
		return nil
	}

	l.logger.Info("rebuilding turn index from log", "turns", len(scanOrder))
	if err := l.idxF.Truncate(0); err != nil {
		return fmt.Errorf("truncating turn index: %w", err)
	}
	buf := make([]byte, indexEntrySize)
	for i, turn := range scanOrder {
		binary.LittleEndian.PutUint64(buf[0:8], turn.turnID)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(turn.offset))
		if _, err := l.idxF.WriteAt(buf, int64(i)*indexEntrySize); err != nil {
			return fmt.Errorf("rewriting turn index: %w", err)
		}
	}
	l.idxSize = int64(len(scanOrder)) * indexEntrySize
	return nil
}

// recoverHeads replays the heads table in order. A record referencing
// a truncated turn is skipped, which demotes that context to its most
// recent surviving head record — every head advance appended a record,
// so the predecessor is present in the table.
func (l *Log) recoverHeads() error {
	size, err := scanFixed(l.headsF, headRecordSize, func(buf []byte) error {
		head, err := decodeHead(buf)
		if err != nil {
			return err
		}
		if head.HeadTurnID != 0 {
			if _, ok := l.offsets[head.HeadTurnID]; !ok {
				l.logger.Warn("demoting head referencing truncated turn",
					"context_id", head.ContextID, "head_turn_id", head.HeadTurnID)
				return nil
			}
		}
		l.heads[head.ContextID] = head
		if head.ContextID > l.maxCtxID {
			l.maxCtxID = head.ContextID
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recovering heads table: %w", err)
	}
	if err := l.headsF.Truncate(size); err != nil {
		return fmt.Errorf("truncating heads table: %w", err)
	}
	l.headsSize = size
	return nil
}

func (l *Log) recoverIdem() error {
	size, err := scanVar(l.idemF, func(readAt func([]byte, int64) bool, offset int64) (int64, bool) {
		header := make([]byte, idemHeaderSize)
		if !readAt(header, offset) {
			return 0, false
		}
		keyLen := binary.LittleEndian.Uint32(header[16:20])
		if keyLen > maxSideRecordKeyLen {
			return 0, false
		}
		body := make([]byte, int(keyLen)+4)
		if !readAt(body, offset+idemHeaderSize) {
			return 0, false
		}
		want := binary.LittleEndian.Uint32(body[keyLen:])
		crc := crc32.New(crc32.IEEETable)
		crc.Write(header)
		crc.Write(body[:keyLen])
		if crc.Sum32() != want {
			return 0, false
		}
		turnID := binary.LittleEndian.Uint64(header[8:16])
		if _, ok := l.offsets[turnID]; ok {
			contextID := binary.LittleEndian.Uint64(header[0:8])
			l.idem[idemKey{contextID, string(body[:keyLen])}] = turnID
		}
		return int64(idemHeaderSize) + int64(keyLen) + 4, true
	})
	if err != nil {
		return fmt.Errorf("recovering idempotency log: %w", err)
	}
	if err := l.idemF.Truncate(size); err != nil {
		return fmt.Errorf("truncating idempotency log: %w", err)
	}
	l.idemSize = size
	return nil
}

func (l *Log) recoverFsRoots() error {
	size, err := scanFixed(l.fsF, fsRootRecordSize, func(buf []byte) error {
		rec, err := decodeFsRoot(buf)
		if err != nil {
			return err
		}
		if _, ok := l.offsets[rec.TurnID]; ok {
			l.fsRoots[rec.TurnID] = rec.Root
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recovering fs roots log: %w", err)
	}
	if err := l.fsF.Truncate(size); err != nil {
		return fmt.Errorf("truncating fs roots log: %w", err)
	}
	l.fsSize = size
	return nil
}

func (l *Log) recoverContextMeta() error {
	size, err := scanVar(l.ctxF, func(readAt func([]byte, int64) bool, offset int64) (int64, bool) {
		header := make([]byte, ctxMetaHeaderSize)
		if !readAt(header, offset) {
			return 0, false
		}
		tagLen := binary.LittleEndian.Uint32(header[16:20])
		if tagLen > maxSideRecordKeyLen {
			return 0, false
		}
		body := make([]byte, int(tagLen)+4)
		if !readAt(body, offset+ctxMetaHeaderSize) {
			return 0, false
		}
		want := binary.LittleEndian.Uint32(body[tagLen:])
		crc := crc32.New(crc32.IEEETable)
		crc.Write(header)
		crc.Write(body[:tagLen])
		if crc.Sum32() != want {
			return 0, false
		}
		meta := ContextMeta{
			ContextID:       binary.LittleEndian.Uint64(header[0:8]),
			CreatedAtUnixMs: binary.LittleEndian.Uint64(header[8:16]),
			ClientTag:       string(body[:tagLen]),
		}
		l.ctxMeta[meta.ContextID] = meta
		if meta.ContextID > l.maxCtxID {
			l.maxCtxID = meta.ContextID
		}
		return int64(ctxMetaHeaderSize) + int64(tagLen) + 4, true
	})
	if err != nil {
		return fmt.Errorf("recovering context metadata: %w", err)
	}
	if err := l.ctxF.Truncate(size); err != nil {
		return fmt.Errorf("truncating context metadata: %w", err)
	}
	l.ctxSize = size
	return nil
}

// scanFixed iterates fixed-size records, calling fn for each complete
// one. It returns the byte length of the valid prefix; fn returning an
// error (CRC mismatch) ends the scan at that boundary.
func scanFixed(f *os.File, size int, fn func(buf []byte) error) (int64, error) {
	var offset int64
	buf := make([]byte, size)
	for {
		n, err := f.ReadAt(buf, offset)
		if err == io.EOF && n == 0 {
			return offset, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		if n < size {
			return offset, nil
		}
		if err := fn(buf); err != nil {
			return offset, nil
		}
		offset += int64(size)
	}
}

// scanVar iterates variable-length records. The decode callback
// receives a bounds-checked readAt helper and the record offset; it
// returns the record length and whether the record was valid. The
// first invalid or torn record ends the scan.
func scanVar(f *os.File, decode func(readAt func([]byte, int64) bool, offset int64) (int64, bool)) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	fileSize := info.Size()

	readAt := func(buf []byte, at int64) bool {
		if at+int64(len(buf)) > fileSize {
			return false
		}
		_, err := f.ReadAt(buf, at)
		return err == nil
	}

	var offset int64
	for offset < fileSize {
		recLen, ok := decode(readAt, offset)
		if !ok {
			break
		}
		offset += recLen
	}
	return offset, nil
}
