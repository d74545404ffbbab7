// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/cxdb-foundation/cxdb/lib/blobcas"
	"github.com/cxdb-foundation/cxdb/lib/cxstore"
	"github.com/cxdb-foundation/cxdb/lib/eventbus"
	"github.com/cxdb-foundation/cxdb/lib/metrics"
	"github.com/cxdb-foundation/cxdb/lib/registry"
	"github.com/cxdb-foundation/cxdb/wire"
)

func startTestServer(t *testing.T, options Options) (*cxstore.Store, *testClient) {
	t.Helper()

	store, err := cxstore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("cxstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	if options.MaxPayloadBytes == 0 {
		options.MaxPayloadBytes = 1 << 20
	}
	if options.MaxInflightPerConn == 0 {
		options.MaxInflightPerConn = 32
	}

	srv := New(store, reg, cxstore.NewSessionTracker(), metrics.New(), eventbus.New(), options, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return store, &testClient{t: t, conn: conn}
}

type testClient struct {
	t     *testing.T
	conn  net.Conn
	reqID uint64
}

func (c *testClient) send(msgType, flags uint16, payload []byte) (wire.FrameHeader, []byte) {
	c.t.Helper()
	c.reqID++
	if err := wire.WriteFrame(c.conn, msgType, flags, c.reqID, payload); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
	header, response, err := wire.ReadFrame(c.conn)
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	if header.ReqID != c.reqID {
		c.t.Fatalf("response req_id = %d, want %d", header.ReqID, c.reqID)
	}
	return header, response
}

// request sends and fails the test on an ERROR response.
func (c *testClient) request(msgType, flags uint16, payload []byte) []byte {
	c.t.Helper()
	header, response := c.send(msgType, flags, payload)
	if header.MsgType == wire.MsgError {
		code, detail, _ := wire.ParseError(response)
		c.t.Fatalf("server error %d: %s", code, detail)
	}
	return response
}

// requestError sends and returns the ERROR code, failing on success.
func (c *testClient) requestError(msgType, flags uint16, payload []byte) uint32 {
	c.t.Helper()
	header, response := c.send(msgType, flags, payload)
	if header.MsgType != wire.MsgError {
		c.t.Fatalf("expected ERROR, got message type %d", header.MsgType)
	}
	code, _, err := wire.ParseError(response)
	if err != nil {
		c.t.Fatalf("ParseError: %v", err)
	}
	return code
}

func (c *testClient) hello(tag string) uint64 {
	c.t.Helper()
	payload := make([]byte, 0, 8+len(tag))
	payload = append(payload, 1, 0) // protocol_version = 1 LE
	payload = append(payload, byte(len(tag)), byte(len(tag)>>8))
	payload = append(payload, tag...)
	payload = append(payload, 0, 0, 0, 0) // no metadata JSON
	response := c.request(wire.MsgHello, 0, payload)
	if len(response) < 10 {
		c.t.Fatalf("hello response too short: %d bytes", len(response))
	}
	var sessionID uint64
	for i := 7; i >= 0; i-- {
		sessionID = sessionID<<8 | uint64(response[i])
	}
	return sessionID
}

func (c *testClient) createContext(base uint64) (uint64, uint64, uint32) {
	c.t.Helper()
	w := wireWriter{}
	w.u64(base)
	response := c.request(wire.MsgCtxCreate, 0, w.buf)
	return le64(response[0:]), le64(response[8:]), le32(response[16:])
}

func (c *testClient) appendTurn(contextID uint64, payload []byte, idemKey string, fsRoot *[32]byte) (uint64, uint32) {
	c.t.Helper()
	hash := blobcas.HashBytes(payload)
	w := wireWriter{}
	w.u64(contextID)
	w.u64(0)
	w.u32(uint32(len("cxdb.ConversationItem")))
	w.raw([]byte("cxdb.ConversationItem"))
	w.u32(3)
	w.u32(wire.EncodingMsgpack)
	w.u32(wire.CompressionNone)
	w.u32(uint32(len(payload)))
	w.raw(hash[:])
	w.u32(uint32(len(payload)))
	w.raw(payload)
	w.u32(uint32(len(idemKey)))
	w.raw([]byte(idemKey))

	var flags uint16
	if fsRoot != nil {
		flags = wire.AppendFlagHasFsRoot
		w.raw(fsRoot[:])
	}
	response := c.request(wire.MsgAppendTurn, flags, w.buf)
	if len(response) != 52 {
		c.t.Fatalf("append ack is %d bytes, want 52", len(response))
	}
	return le64(response[8:]), le32(response[16:])
}

func (c *testClient) getLast(contextID uint64, limit uint32, includePayload bool) []wire.TurnRecord {
	c.t.Helper()
	w := wireWriter{}
	w.u64(contextID)
	w.u32(limit)
	if includePayload {
		w.u32(1)
	} else {
		w.u32(0)
	}
	records, err := wire.ParseTurnRecords(c.request(wire.MsgGetLast, 0, w.buf))
	if err != nil {
		c.t.Fatalf("ParseTurnRecords: %v", err)
	}
	return records
}

// wireWriter mirrors the little-endian building the SDKs do.
type wireWriter struct{ buf []byte }

func (w *wireWriter) u32(v uint32) {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
func (w *wireWriter) u64(v uint64) {
	w.u32(uint32(v))
	w.u32(uint32(v >> 32))
}
func (w *wireWriter) raw(b []byte) { w.buf = append(w.buf, b...) }

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	return uint64(le32(b)) | uint64(le32(b[4:]))<<32
}

func TestHandshakeRequired(t *testing.T) {
	_, client := startTestServer(t, Options{})

	w := wireWriter{}
	w.u64(0)
	code := client.requestError(wire.MsgCtxCreate, 0, w.buf)
	if code != cxstore.CodeMalformedRequest {
		t.Errorf("pre-hello request error = %d, want 422", code)
	}

	// The server closes the connection after the protocol violation.
	if _, _, err := wire.ReadFrame(client.conn); err == nil {
		t.Error("connection still open after protocol violation")
	}
}

func TestCreateAppendGetLast(t *testing.T) {
	_, client := startTestServer(t, Options{})
	if sessionID := client.hello("test-client"); sessionID == 0 {
		t.Fatal("session id is zero")
	}

	contextID, headTurn, headDepth := client.createContext(0)
	if contextID != 1 || headTurn != 0 || headDepth != 0 {
		t.Errorf("create = ctx %d head %d depth %d, want 1, 0, 0", contextID, headTurn, headDepth)
	}

	payload := []byte{0x82, 0x01, 0xa4, 'u', 's', 'e', 'r', 0x02, 0xa5, 'h', 'e', 'l', 'l', 'o'}
	turnID, depth := client.appendTurn(contextID, payload, "", nil)
	if turnID != 1 || depth != 1 {
		t.Errorf("append = turn %d depth %d, want 1, 1", turnID, depth)
	}

	records := client.getLast(contextID, 10, true)
	if len(records) != 1 {
		t.Fatalf("get_last returned %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.TurnID != 1 || rec.ParentTurnID != 0 || rec.Depth != 1 {
		t.Errorf("record = %+v", rec)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Error("payload differs from request bytes")
	}
	if rec.TypeID != "cxdb.ConversationItem" || rec.TypeVersion != 3 {
		t.Errorf("type hint = %s@%d", rec.TypeID, rec.TypeVersion)
	}
}

func TestForkIndependence(t *testing.T) {
	_, client := startTestServer(t, Options{})
	client.hello("")

	base, _, _ := client.createContext(0)
	firstTurn, _ := client.appendTurn(base, []byte("shared"), "", nil)

	forked, forkHead, forkDepth := client.createContext(firstTurn)
	if forkHead != firstTurn || forkDepth != 1 {
		t.Errorf("fork head = %d depth %d", forkHead, forkDepth)
	}

	aTurn, aDepth := client.appendTurn(base, []byte("payload A"), "", nil)
	bTurn, bDepth := client.appendTurn(forked, []byte("payload B"), "", nil)
	if aDepth != 2 || bDepth != 2 || aTurn == bTurn {
		t.Errorf("branch tips: %d@%d vs %d@%d", aTurn, aDepth, bTurn, bDepth)
	}

	baseRecords := client.getLast(base, 10, true)
	forkRecords := client.getLast(forked, 10, true)
	if len(baseRecords) != 2 || len(forkRecords) != 2 {
		t.Fatalf("branch lengths %d, %d", len(baseRecords), len(forkRecords))
	}
	if bytes.Equal(baseRecords[1].Payload, forkRecords[1].Payload) {
		t.Error("branch tip payloads equal, want divergent")
	}
}

func TestPutBlobDedup(t *testing.T) {
	_, client := startTestServer(t, Options{})
	client.hello("")

	raw := []byte("abc")
	hash := blobcas.HashBytes(raw)
	w := wireWriter{}
	w.raw(hash[:])
	w.u32(uint32(len(raw)))
	w.raw(raw)

	response := client.request(wire.MsgPutBlob, 0, w.buf)
	if response[32] != 1 {
		t.Error("first put_blob was_new != 1")
	}
	response = client.request(wire.MsgPutBlob, 0, w.buf)
	if response[32] != 0 {
		t.Error("second put_blob was_new != 0")
	}
	if !bytes.Equal(response[0:32], hash[:]) {
		t.Error("response hash mismatch")
	}
}

func TestIdempotentAppendOverWire(t *testing.T) {
	store, client := startTestServer(t, Options{})
	client.hello("")

	contextID, _, _ := client.createContext(0)
	payload := []byte("payload P")

	first, _ := client.appendTurn(contextID, payload, "k1", nil)
	count := store.Turns.TurnCount()

	second, _ := client.appendTurn(contextID, payload, "k1", nil)
	if second != first {
		t.Errorf("replayed turn id = %d, want %d", second, first)
	}
	if store.Turns.TurnCount() != count {
		t.Error("idempotent replay created a turn")
	}
}

func TestAppendRejectsHashMismatch(t *testing.T) {
	_, client := startTestServer(t, Options{})
	client.hello("")
	contextID, _, _ := client.createContext(0)

	payload := []byte("real payload")
	var wrongHash [32]byte
	w := wireWriter{}
	w.u64(contextID)
	w.u64(0)
	w.u32(1)
	w.raw([]byte("t"))
	w.u32(1)
	w.u32(wire.EncodingMsgpack)
	w.u32(wire.CompressionNone)
	w.u32(uint32(len(payload)))
	w.raw(wrongHash[:])
	w.u32(uint32(len(payload)))
	w.raw(payload)
	w.u32(0)

	if code := client.requestError(wire.MsgAppendTurn, 0, w.buf); code != cxstore.CodeDecodeError {
		t.Errorf("hash mismatch error = %d, want 500", code)
	}
}

func TestAppendRejectsOversizedPayload(t *testing.T) {
	_, client := startTestServer(t, Options{MaxPayloadBytes: 64})
	client.hello("")
	contextID, _, _ := client.createContext(0)

	payload := bytes.Repeat([]byte("x"), 128)
	hash := blobcas.HashBytes(payload)
	w := wireWriter{}
	w.u64(contextID)
	w.u64(0)
	w.u32(1)
	w.raw([]byte("t"))
	w.u32(1)
	w.u32(wire.EncodingMsgpack)
	w.u32(wire.CompressionNone)
	w.u32(uint32(len(payload)))
	w.raw(hash[:])
	w.u32(uint32(len(payload)))
	w.raw(payload)
	w.u32(0)

	if code := client.requestError(wire.MsgAppendTurn, 0, w.buf); code != cxstore.CodeMalformedRequest {
		t.Errorf("oversize error = %d, want 422", code)
	}
}

func TestStrictTypesRejectsUnknown(t *testing.T) {
	_, client := startTestServer(t, Options{StrictTypes: true})
	client.hello("")
	contextID, _, _ := client.createContext(0)

	payload := []byte("p")
	hash := blobcas.HashBytes(payload)
	w := wireWriter{}
	w.u64(contextID)
	w.u64(0)
	w.u32(uint32(len("cxdb.ConversationItem")))
	w.raw([]byte("cxdb.ConversationItem"))
	w.u32(3)
	w.u32(wire.EncodingMsgpack)
	w.u32(wire.CompressionNone)
	w.u32(uint32(len(payload)))
	w.raw(hash[:])
	w.u32(uint32(len(payload)))
	w.raw(payload)
	w.u32(0)

	if code := client.requestError(wire.MsgAppendTurn, 0, w.buf); code != cxstore.CodePreconditionFailed {
		t.Errorf("strict mode error = %d, want 412", code)
	}
}

func TestZstdWireCompression(t *testing.T) {
	_, client := startTestServer(t, Options{})
	client.hello("")
	contextID, _, _ := client.createContext(0)

	raw := bytes.Repeat([]byte("compressible payload "), 64)
	hash := blobcas.HashBytes(raw)
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	compressed := encoder.EncodeAll(raw, nil)

	w := wireWriter{}
	w.u64(contextID)
	w.u64(0)
	w.u32(1)
	w.raw([]byte("t"))
	w.u32(1)
	w.u32(wire.EncodingMsgpack)
	w.u32(wire.CompressionZstd)
	w.u32(uint32(len(raw)))
	w.raw(hash[:])
	w.u32(uint32(len(compressed)))
	w.raw(compressed)
	w.u32(0)

	response := client.request(wire.MsgAppendTurn, 0, w.buf)
	if le64(response[8:]) != 1 {
		t.Error("compressed append did not produce turn 1")
	}

	// The stored payload reads back uncompressed.
	records := client.getLast(contextID, 1, true)
	if !bytes.Equal(records[0].Payload, raw) {
		t.Error("payload differs after compressed round trip")
	}
	if records[0].Compression != 0 {
		t.Error("get_last payload not marked uncompressed")
	}
}

func TestAppendWithFsRootAndGetBlob(t *testing.T) {
	store, client := startTestServer(t, Options{})
	client.hello("")
	contextID, _, _ := client.createContext(0)

	var root [32]byte
	root[0] = 0xAA
	turnID, _ := client.appendTurn(contextID, []byte("with snapshot"), "", &root)

	if got, ok := store.Turns.FsRoot(turnID); !ok || got != blobcas.Hash(root) {
		t.Error("fs root not recorded from append flags")
	}

	// ATTACH_FS re-binds to a new root.
	var newRoot [32]byte
	newRoot[0] = 0xBB
	w := wireWriter{}
	w.u64(turnID)
	w.raw(newRoot[:])
	response := client.request(wire.MsgAttachFs, 0, w.buf)
	if le64(response[0:]) != turnID || !bytes.Equal(response[8:40], newRoot[:]) {
		t.Error("attach_fs response mismatch")
	}

	// GET_BLOB returns the payload bytes by hash.
	payload := []byte("with snapshot")
	hash := blobcas.HashBytes(payload)
	blob := client.request(wire.MsgGetBlob, 0, hash[:])
	if !bytes.Equal(blob[0:32], hash[:]) {
		t.Error("get_blob hash mismatch")
	}
	if !bytes.Equal(blob[36:], payload) {
		t.Error("get_blob data mismatch")
	}

	// Unknown hashes are 404s.
	missing := blobcas.HashBytes([]byte("missing"))
	if code := client.requestError(wire.MsgGetBlob, 0, missing[:]); code != cxstore.CodeNotFound {
		t.Errorf("missing blob error = %d, want 404", code)
	}
}

func TestGetLastLimitZeroEmpty(t *testing.T) {
	_, client := startTestServer(t, Options{})
	client.hello("")
	contextID, _, _ := client.createContext(0)
	client.appendTurn(contextID, []byte("turn"), "", nil)

	records := client.getLast(contextID, 0, false)
	if len(records) != 0 {
		t.Errorf("limit 0 returned %d records", len(records))
	}
}
