// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/cxdb-foundation/cxdb/lib/blobcas"
	"github.com/cxdb-foundation/cxdb/lib/cxstore"
	"github.com/cxdb-foundation/cxdb/lib/eventbus"
	"github.com/cxdb-foundation/cxdb/wire"
)

// handlerFunc processes one request payload and returns the response
// payload. Errors become ERROR frames carrying the cxstore code.
type handlerFunc func(c *connection, header wire.FrameHeader, payload []byte) ([]byte, error)

// handlers is the message dispatch table. HELLO is absent: the
// handshake is handled by the connection state machine before dispatch.
var handlers = map[uint16]handlerFunc{
	wire.MsgCtxCreate:  handleCtxCreate,
	wire.MsgCtxFork:    handleCtxFork,
	wire.MsgGetHead:    handleGetHead,
	wire.MsgAppendTurn: handleAppendTurn,
	wire.MsgGetLast:    handleGetLast,
	wire.MsgGetBefore:  handleGetBefore,
	wire.MsgGetBlob:    handleGetBlob,
	wire.MsgAttachFs:   handleAttachFs,
	wire.MsgPutBlob:    handlePutBlob,
}

func handleCtxCreate(c *connection, _ wire.FrameHeader, payload []byte) ([]byte, error) {
	baseTurnID, err := wire.ParseContextID(payload)
	if err != nil {
		return nil, cxstore.Errf(cxstore.CodeMalformedRequest, "%v", err)
	}
	head, err := c.server.store.CreateContext(baseTurnID, c.clientTag)
	if err != nil {
		return nil, err
	}
	c.server.sessions.AssociateContext(c.sessionID, head.ContextID)
	if c.server.bus != nil {
		c.server.bus.Publish(eventbus.ContextCreated(head.ContextID, head.HeadTurnID))
	}
	return wire.EncodeContextHead(head.ContextID, head.HeadTurnID, head.HeadDepth), nil
}

// handleCtxFork shares CTX_CREATE's handling: a non-zero base turn
// yields a fresh head pointing at that turn without copying anything,
// and a base turn of 0 yields an empty context.
func handleCtxFork(c *connection, header wire.FrameHeader, payload []byte) ([]byte, error) {
	return handleCtxCreate(c, header, payload)
}

func handleGetHead(c *connection, _ wire.FrameHeader, payload []byte) ([]byte, error) {
	contextID, err := wire.ParseContextID(payload)
	if err != nil {
		return nil, cxstore.Errf(cxstore.CodeMalformedRequest, "%v", err)
	}
	head, err := c.server.store.GetHead(contextID)
	if err != nil {
		return nil, err
	}
	return wire.EncodeContextHead(head.ContextID, head.HeadTurnID, head.HeadDepth), nil
}

func handleAppendTurn(c *connection, header wire.FrameHeader, payload []byte) ([]byte, error) {
	req, err := wire.ParseAppendTurn(payload, header.Flags)
	if err != nil {
		return nil, cxstore.Errf(cxstore.CodeMalformedRequest, "%v", err)
	}

	if int(req.UncompressedLen) > c.server.options.MaxPayloadBytes {
		return nil, cxstore.Errf(cxstore.CodeMalformedRequest,
			"payload of %d bytes exceeds limit %d", req.UncompressedLen, c.server.options.MaxPayloadBytes)
	}

	if c.server.options.StrictTypes {
		if _, ok := c.server.registry.GetType(req.DeclaredTypeID, req.DeclaredTypeVersion); !ok {
			return nil, cxstore.Errf(cxstore.CodePreconditionFailed,
				"unknown type %s version %d", req.DeclaredTypeID, req.DeclaredTypeVersion)
		}
	}

	// Undo wire compression, then verify the declared length and
	// content hash. Any mismatch is fatal for the request.
	raw, err := wire.DecompressPayload(req.PayloadBytes, req.Compression, int(req.UncompressedLen))
	if err != nil {
		return nil, cxstore.Errf(cxstore.CodeDecodeError, "%v", err)
	}
	if blobcas.HashBytes(raw) != blobcas.Hash(req.ContentHash) {
		return nil, cxstore.Errf(cxstore.CodeDecodeError,
			"payload does not hash to declared content_hash")
	}

	params := cxstore.AppendParams{
		ContextID:           req.ContextID,
		ParentTurnID:        req.ParentTurnID,
		DeclaredTypeID:      req.DeclaredTypeID,
		DeclaredTypeVersion: req.DeclaredTypeVersion,
		Encoding:            req.Encoding,
		Compression:         req.Compression,
		Payload:             raw,
		IdempotencyKey:      req.IdempotencyKey,
	}
	if req.FsRootHash != nil {
		root := blobcas.Hash(*req.FsRootHash)
		params.FsRoot = &root
	}

	result, err := c.server.store.AppendTurn(params)
	if err != nil {
		return nil, err
	}

	c.server.metrics.RecordAppend(result.Replayed)
	if !result.Replayed && c.server.bus != nil {
		c.server.bus.Publish(eventbus.TurnAppended(
			result.ContextID, result.TurnID, result.Depth, req.DeclaredTypeID))
	}
	return wire.EncodeAppendAck(result.ContextID, result.TurnID, result.Depth, result.PayloadHash), nil
}

func handleGetLast(c *connection, _ wire.FrameHeader, payload []byte) ([]byte, error) {
	req, err := wire.ParseGetLast(payload)
	if err != nil {
		return nil, cxstore.Errf(cxstore.CodeMalformedRequest, "%v", err)
	}
	views, err := c.server.store.GetLast(req.ContextID, int(req.Limit), req.IncludePayload != 0)
	if err != nil {
		return nil, err
	}
	c.server.metrics.RecordRead()
	return wire.EncodeTurnRecords(viewsToWire(views, req.IncludePayload != 0)), nil
}

func handleGetBefore(c *connection, _ wire.FrameHeader, payload []byte) ([]byte, error) {
	req, err := wire.ParseGetBefore(payload)
	if err != nil {
		return nil, cxstore.Errf(cxstore.CodeMalformedRequest, "%v", err)
	}
	views, err := c.server.store.GetBefore(req.ContextID, req.BeforeTurnID, int(req.Limit), req.IncludePayload != 0)
	if err != nil {
		return nil, err
	}
	c.server.metrics.RecordRead()
	return wire.EncodeTurnRecords(viewsToWire(views, req.IncludePayload != 0)), nil
}

// viewsToWire converts store views to wire records. Payloads travel
// uncompressed regardless of how they are stored, so Compression is
// always 0 on the way out.
func viewsToWire(views []cxstore.TurnView, includePayload bool) []wire.TurnRecord {
	records := make([]wire.TurnRecord, 0, len(views))
	for _, view := range views {
		rec := wire.TurnRecord{
			TurnID:          view.Record.TurnID,
			ParentTurnID:    view.Record.ParentTurnID,
			Depth:           view.Record.Depth,
			TypeID:          view.Meta.DeclaredTypeID,
			TypeVersion:     view.Meta.DeclaredTypeVersion,
			Encoding:        view.Meta.Encoding,
			Compression:     0,
			UncompressedLen: view.Meta.UncompressedLen,
			PayloadHash:     view.Record.PayloadHash,
		}
		if includePayload {
			rec.Payload = view.Payload
		}
		records = append(records, rec)
	}
	return records
}

func handleGetBlob(c *connection, _ wire.FrameHeader, payload []byte) ([]byte, error) {
	hash, err := wire.ParseGetBlob(payload)
	if err != nil {
		return nil, cxstore.Errf(cxstore.CodeMalformedRequest, "%v", err)
	}
	raw, err := c.server.store.GetBlob(blobcas.Hash(hash))
	if err != nil {
		return nil, err
	}
	return wire.EncodeBlobResponse(hash, raw), nil
}

func handleAttachFs(c *connection, _ wire.FrameHeader, payload []byte) ([]byte, error) {
	req, err := wire.ParseAttachFs(payload)
	if err != nil {
		return nil, cxstore.Errf(cxstore.CodeMalformedRequest, "%v", err)
	}
	if err := c.server.store.AttachFs(req.TurnID, blobcas.Hash(req.FsRootHash)); err != nil {
		return nil, err
	}
	return wire.EncodeAttachFsResponse(req.TurnID, req.FsRootHash), nil
}

func handlePutBlob(c *connection, _ wire.FrameHeader, payload []byte) ([]byte, error) {
	req, err := wire.ParsePutBlob(payload)
	if err != nil {
		return nil, cxstore.Errf(cxstore.CodeMalformedRequest, "%v", err)
	}
	wasNew, err := c.server.store.PutBlob(blobcas.Hash(req.Hash), req.Data)
	if err != nil {
		return nil, err
	}
	c.server.metrics.RecordBlobPut(!wasNew)
	return wire.EncodePutBlobResponse(req.Hash, wasNew), nil
}
