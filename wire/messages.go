// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Wire payload encodings. Encoding identifies the serialization of the
// opaque turn payload; Compression identifies how the payload bytes
// were compressed on the wire (storage compression is a separate,
// server-internal concern).
const (
	EncodingMsgpack uint32 = 1

	CompressionNone uint32 = 0
	CompressionZstd uint32 = 1
	CompressionLZ4  uint32 = 2
)

// reader is a little cursor over a frame payload.
type reader struct {
	buf []byte
	off int
}

var errShortPayload = errors.New("payload truncated")

func (r *reader) u16() (uint16, error) {
	if r.off+2 > len(r.buf) {
		return 0, errShortPayload
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, errShortPayload
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, errShortPayload
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, errShortPayload
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *reader) hash() ([32]byte, error) {
	var hash [32]byte
	raw, err := r.bytes(32)
	if err != nil {
		return hash, err
	}
	copy(hash[:], raw)
	return hash, nil
}

// writer builds a payload buffer.
type writer struct {
	buf []byte
}

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

// HelloRequest is the session handshake. An empty payload is a legacy
// client and decodes to the zero value.
type HelloRequest struct {
	ProtocolVersion uint16
	ClientTag       string
	ClientMetaJSON  string
}

// ParseHello decodes a HELLO request payload.
func ParseHello(payload []byte) (HelloRequest, error) {
	if len(payload) == 0 {
		return HelloRequest{}, nil
	}
	r := &reader{buf: payload}
	version, err := r.u16()
	if err != nil {
		return HelloRequest{}, fmt.Errorf("hello: %w", err)
	}
	tagLen, err := r.u16()
	if err != nil {
		return HelloRequest{}, fmt.Errorf("hello: %w", err)
	}
	tag, err := r.bytes(int(tagLen))
	if err != nil {
		return HelloRequest{}, fmt.Errorf("hello: %w", err)
	}
	if !utf8.Valid(tag) {
		return HelloRequest{}, errors.New("hello: client_tag not utf8")
	}
	metaLen, err := r.u32()
	if err != nil {
		return HelloRequest{}, fmt.Errorf("hello: %w", err)
	}
	meta, err := r.bytes(int(metaLen))
	if err != nil {
		return HelloRequest{}, fmt.Errorf("hello: %w", err)
	}
	if !utf8.Valid(meta) {
		return HelloRequest{}, errors.New("hello: client_meta_json not utf8")
	}
	return HelloRequest{
		ProtocolVersion: version,
		ClientTag:       string(tag),
		ClientMetaJSON:  string(meta),
	}, nil
}

// EncodeHelloResponse encodes session_id + protocol_version.
func EncodeHelloResponse(sessionID uint64, protocolVersion uint16) []byte {
	w := &writer{}
	w.u64(sessionID)
	w.u16(protocolVersion)
	return w.buf
}

// ParseContextID decodes the single-u64 payload shared by CTX_CREATE,
// CTX_FORK (base turn id), and GET_HEAD (context id).
func ParseContextID(payload []byte) (uint64, error) {
	r := &reader{buf: payload}
	v, err := r.u64()
	if err != nil {
		return 0, fmt.Errorf("context id payload: %w", err)
	}
	return v, nil
}

// EncodeContextHead encodes the head response shared by CTX_CREATE,
// CTX_FORK, and GET_HEAD.
func EncodeContextHead(contextID, headTurnID uint64, headDepth uint32) []byte {
	w := &writer{}
	w.u64(contextID)
	w.u64(headTurnID)
	w.u32(headDepth)
	return w.buf
}

// AppendTurnRequest is the decoded APPEND_TURN payload. PayloadBytes
// are as received (possibly wire-compressed); the caller verifies the
// content hash after decompression.
type AppendTurnRequest struct {
	ContextID           uint64
	ParentTurnID        uint64
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Compression         uint32
	UncompressedLen     uint32
	ContentHash         [32]byte
	PayloadBytes        []byte
	IdempotencyKey      string
	FsRootHash          *[32]byte // set when frame flags bit 0 is set
}

// ParseAppendTurn decodes an APPEND_TURN request payload. The frame
// flags determine whether a trailing fs_root_hash is present.
func ParseAppendTurn(payload []byte, flags uint16) (AppendTurnRequest, error) {
	r := &reader{buf: payload}
	var req AppendTurnRequest
	var err error

	if req.ContextID, err = r.u64(); err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}
	if req.ParentTurnID, err = r.u64(); err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}

	typeIDLen, err := r.u32()
	if err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}
	typeID, err := r.bytes(int(typeIDLen))
	if err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}
	if !utf8.Valid(typeID) {
		return req, errors.New("append_turn: declared_type_id not utf8")
	}
	req.DeclaredTypeID = string(typeID)

	if req.DeclaredTypeVersion, err = r.u32(); err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}
	if req.Encoding, err = r.u32(); err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}
	if req.Compression, err = r.u32(); err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}
	if req.UncompressedLen, err = r.u32(); err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}
	if req.ContentHash, err = r.hash(); err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}

	payloadLen, err := r.u32()
	if err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}
	if req.PayloadBytes, err = r.bytes(int(payloadLen)); err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}

	idemLen, err := r.u32()
	if err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}
	idem, err := r.bytes(int(idemLen))
	if err != nil {
		return req, fmt.Errorf("append_turn: %w", err)
	}
	req.IdempotencyKey = string(idem)

	if flags&AppendFlagHasFsRoot != 0 {
		root, err := r.hash()
		if err != nil {
			return req, fmt.Errorf("append_turn: fs_root_hash: %w", err)
		}
		req.FsRootHash = &root
	}
	return req, nil
}

// EncodeAppendAck encodes the APPEND_TURN acknowledgement.
func EncodeAppendAck(contextID, newTurnID uint64, newDepth uint32, payloadHash [32]byte) []byte {
	w := &writer{}
	w.u64(contextID)
	w.u64(newTurnID)
	w.u32(newDepth)
	w.raw(payloadHash[:])
	return w.buf
}

// GetLastRequest is the decoded GET_LAST payload.
type GetLastRequest struct {
	ContextID      uint64
	Limit          uint32
	IncludePayload uint32
}

// ParseGetLast decodes a GET_LAST request payload.
func ParseGetLast(payload []byte) (GetLastRequest, error) {
	r := &reader{buf: payload}
	var req GetLastRequest
	var err error
	if req.ContextID, err = r.u64(); err != nil {
		return req, fmt.Errorf("get_last: %w", err)
	}
	if req.Limit, err = r.u32(); err != nil {
		return req, fmt.Errorf("get_last: %w", err)
	}
	if req.IncludePayload, err = r.u32(); err != nil {
		return req, fmt.Errorf("get_last: %w", err)
	}
	return req, nil
}

// GetBeforeRequest is the decoded GET_BEFORE payload: GET_LAST plus a
// cursor turn id after the context id.
type GetBeforeRequest struct {
	ContextID      uint64
	BeforeTurnID   uint64
	Limit          uint32
	IncludePayload uint32
}

// ParseGetBefore decodes a GET_BEFORE request payload.
func ParseGetBefore(payload []byte) (GetBeforeRequest, error) {
	r := &reader{buf: payload}
	var req GetBeforeRequest
	var err error
	if req.ContextID, err = r.u64(); err != nil {
		return req, fmt.Errorf("get_before: %w", err)
	}
	if req.BeforeTurnID, err = r.u64(); err != nil {
		return req, fmt.Errorf("get_before: %w", err)
	}
	if req.Limit, err = r.u32(); err != nil {
		return req, fmt.Errorf("get_before: %w", err)
	}
	if req.IncludePayload, err = r.u32(); err != nil {
		return req, fmt.Errorf("get_before: %w", err)
	}
	return req, nil
}

// TurnRecord is one turn in a GET_LAST / GET_BEFORE response. Payload
// bytes are always uncompressed on the wire (Compression is 0).
type TurnRecord struct {
	TurnID          uint64
	ParentTurnID    uint64
	Depth           uint32
	TypeID          string
	TypeVersion     uint32
	Encoding        uint32
	Compression     uint32
	UncompressedLen uint32
	PayloadHash     [32]byte
	Payload         []byte
}

// EncodeTurnRecords encodes a turn list response: count u32 followed
// by the records.
func EncodeTurnRecords(records []TurnRecord) []byte {
	w := &writer{}
	w.u32(uint32(len(records)))
	for _, rec := range records {
		w.u64(rec.TurnID)
		w.u64(rec.ParentTurnID)
		w.u32(rec.Depth)
		w.u32(uint32(len(rec.TypeID)))
		w.raw([]byte(rec.TypeID))
		w.u32(rec.TypeVersion)
		w.u32(rec.Encoding)
		w.u32(rec.Compression)
		w.u32(rec.UncompressedLen)
		w.raw(rec.PayloadHash[:])
		w.u32(uint32(len(rec.Payload)))
		w.raw(rec.Payload)
	}
	return w.buf
}

// ParseTurnRecords decodes a turn list response. Used by tests.
func ParseTurnRecords(payload []byte) ([]TurnRecord, error) {
	r := &reader{buf: payload}
	count, err := r.u32()
	if err != nil {
		return nil, fmt.Errorf("turn records: %w", err)
	}
	records := make([]TurnRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec TurnRecord
		if rec.TurnID, err = r.u64(); err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		if rec.ParentTurnID, err = r.u64(); err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		if rec.Depth, err = r.u32(); err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		typeLen, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		typeID, err := r.bytes(int(typeLen))
		if err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		rec.TypeID = string(typeID)
		if rec.TypeVersion, err = r.u32(); err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		if rec.Encoding, err = r.u32(); err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		if rec.Compression, err = r.u32(); err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		if rec.UncompressedLen, err = r.u32(); err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		if rec.PayloadHash, err = r.hash(); err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		payloadLen, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		payload, err := r.bytes(int(payloadLen))
		if err != nil {
			return nil, fmt.Errorf("turn record %d: %w", i, err)
		}
		rec.Payload = append([]byte(nil), payload...)
		records = append(records, rec)
	}
	return records, nil
}

// ParseGetBlob decodes a GET_BLOB request: a bare 32-byte hash.
func ParseGetBlob(payload []byte) ([32]byte, error) {
	var hash [32]byte
	if len(payload) != 32 {
		return hash, fmt.Errorf("get_blob: hash is %d bytes, want 32", len(payload))
	}
	copy(hash[:], payload)
	return hash, nil
}

// EncodeBlobResponse encodes a GET_BLOB response: hash + data_len +
// raw (uncompressed) bytes.
func EncodeBlobResponse(hash [32]byte, data []byte) []byte {
	w := &writer{}
	w.raw(hash[:])
	w.u32(uint32(len(data)))
	w.raw(data)
	return w.buf
}

// AttachFsRequest is the decoded ATTACH_FS payload.
type AttachFsRequest struct {
	TurnID     uint64
	FsRootHash [32]byte
}

// ParseAttachFs decodes an ATTACH_FS request: turn_id + fs_root_hash.
func ParseAttachFs(payload []byte) (AttachFsRequest, error) {
	r := &reader{buf: payload}
	var req AttachFsRequest
	var err error
	if req.TurnID, err = r.u64(); err != nil {
		return req, fmt.Errorf("attach_fs: %w", err)
	}
	if req.FsRootHash, err = r.hash(); err != nil {
		return req, fmt.Errorf("attach_fs: %w", err)
	}
	return req, nil
}

// EncodeAttachFsResponse echoes turn_id + fs_root_hash.
func EncodeAttachFsResponse(turnID uint64, fsRootHash [32]byte) []byte {
	w := &writer{}
	w.u64(turnID)
	w.raw(fsRootHash[:])
	return w.buf
}

// PutBlobRequest is the decoded PUT_BLOB payload.
type PutBlobRequest struct {
	Hash [32]byte
	Data []byte
}

// ParsePutBlob decodes a PUT_BLOB request: hash + data_len + data.
func ParsePutBlob(payload []byte) (PutBlobRequest, error) {
	r := &reader{buf: payload}
	var req PutBlobRequest
	var err error
	if req.Hash, err = r.hash(); err != nil {
		return req, fmt.Errorf("put_blob: %w", err)
	}
	dataLen, err := r.u32()
	if err != nil {
		return req, fmt.Errorf("put_blob: %w", err)
	}
	if req.Data, err = r.bytes(int(dataLen)); err != nil {
		return req, fmt.Errorf("put_blob: %w", err)
	}
	return req, nil
}

// EncodePutBlobResponse encodes hash + stored flag (1=new, 0=existed).
func EncodePutBlobResponse(hash [32]byte, wasNew bool) []byte {
	w := &writer{}
	w.raw(hash[:])
	if wasNew {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
	return w.buf
}

// EncodeError encodes an ERROR payload: code u32 + detail_len u32 +
// UTF-8 detail.
func EncodeError(code uint32, detail string) []byte {
	w := &writer{}
	w.u32(code)
	w.u32(uint32(len(detail)))
	w.raw([]byte(detail))
	return w.buf
}

// ParseError decodes an ERROR payload.
func ParseError(payload []byte) (uint32, string, error) {
	r := &reader{buf: payload}
	code, err := r.u32()
	if err != nil {
		return 0, "", fmt.Errorf("error payload: %w", err)
	}
	detailLen, err := r.u32()
	if err != nil {
		return 0, "", fmt.Errorf("error payload: %w", err)
	}
	detail, err := r.bytes(int(detailLen))
	if err != nil {
		return 0, "", fmt.Errorf("error payload: %w", err)
	}
	return code, string(detail), nil
}
