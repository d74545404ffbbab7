// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the CXDB binary protocol: length-prefixed
// little-endian frames over a persistent connection, and the encoding
// of every request and response payload.
//
// Frame layout: len u32 | msg_type u16 | flags u16 | req_id u64,
// followed by len payload bytes. Responses echo the request's req_id;
// a connection may have many requests in flight.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message types. These values are protocol constants shared with every
// client SDK.
const (
	MsgHello      uint16 = 1
	MsgCtxCreate  uint16 = 2
	MsgCtxFork    uint16 = 3
	MsgGetHead    uint16 = 4
	MsgAppendTurn uint16 = 5
	MsgGetLast    uint16 = 6
	MsgGetBefore  uint16 = 7
	MsgGetBlob    uint16 = 9
	MsgAttachFs   uint16 = 10
	MsgPutBlob    uint16 = 11
	MsgError      uint16 = 255
)

// AppendFlagHasFsRoot is bit 0 of the APPEND_TURN frame flags: an
// fs_root_hash[32] follows the idempotency key in the payload.
const AppendFlagHasFsRoot uint16 = 1

// frameHeaderSize is the fixed frame header length.
const frameHeaderSize = 16

// MaxFrameSize is the maximum frame payload (64 MiB). Frames larger
// than this are rejected before allocation to prevent memory
// exhaustion from corrupted or malicious clients. Application-level
// payload limits are enforced separately and are much smaller.
const MaxFrameSize = 64 * 1024 * 1024

// FrameHeader is the parsed fixed header of a frame.
type FrameHeader struct {
	Len     uint32
	MsgType uint16
	Flags   uint16
	ReqID   uint64
}

// ReadFrame reads one complete frame from r. Returns io.EOF cleanly at
// a frame boundary when the peer closed the connection.
func ReadFrame(r io.Reader) (FrameHeader, []byte, error) {
	var headerBuf [frameHeaderSize]byte
	if _, err := io.ReadFull(r, headerBuf[:]); err != nil {
		if err == io.EOF {
			return FrameHeader{}, nil, io.EOF
		}
		return FrameHeader{}, nil, fmt.Errorf("read frame header: %w", err)
	}

	header := FrameHeader{
		Len:     binary.LittleEndian.Uint32(headerBuf[0:4]),
		MsgType: binary.LittleEndian.Uint16(headerBuf[4:6]),
		Flags:   binary.LittleEndian.Uint16(headerBuf[6:8]),
		ReqID:   binary.LittleEndian.Uint64(headerBuf[8:16]),
	}
	if header.Len > MaxFrameSize {
		return FrameHeader{}, nil, fmt.Errorf("frame size %d exceeds maximum %d", header.Len, MaxFrameSize)
	}

	payload := make([]byte, header.Len)
	if header.Len > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return FrameHeader{}, nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return header, payload, nil
}

// WriteFrame writes one complete frame to w.
func WriteFrame(w io.Writer, msgType, flags uint16, reqID uint64, payload []byte) error {
	var headerBuf [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(headerBuf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint16(headerBuf[4:6], msgType)
	binary.LittleEndian.PutUint16(headerBuf[6:8], flags)
	binary.LittleEndian.PutUint64(headerBuf[8:16], reqID)

	if _, err := w.Write(headerBuf[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}
