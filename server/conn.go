// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/cxdb-foundation/cxdb/lib/cxstore"
	"github.com/cxdb-foundation/cxdb/wire"
)

// connState is the per-connection session state machine. Only HELLO is
// legal before Ready; anything else draws an ERROR and closes the
// connection.
type connState int

const (
	stateUnauthenticated connState = iota
	stateReady
	stateClosed
)

// connection carries the per-connection state shared by the read loop
// and the request goroutines.
type connection struct {
	server *Server
	conn   net.Conn

	// writeMu serializes response frames on the wire.
	writeMu sync.Mutex

	// inflight bounds concurrently processing requests.
	inflight chan struct{}

	state     connState
	sessionID uint64
	clientTag string
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	c := &connection{
		server:   s,
		conn:     conn,
		inflight: make(chan struct{}, s.options.MaxInflightPerConn),
	}
	defer func() {
		if c.state == stateReady {
			s.sessions.Unregister(c.sessionID)
		}
		c.state = stateClosed
	}()

	// Close the connection when the server shuts down so the read
	// loop unblocks.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		header, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.logger.Debug("connection read error", "remote", conn.RemoteAddr(), "error", err)
				// Best effort: tell the client why before closing.
				c.writeError(header.ReqID, cxstore.Errf(cxstore.CodeMalformedRequest, "invalid frame: %v", err))
			}
			return
		}

		if c.state == stateUnauthenticated {
			if header.MsgType != wire.MsgHello {
				c.writeError(header.ReqID, cxstore.Errf(cxstore.CodeMalformedRequest,
					"message type %d before HELLO", header.MsgType))
				return
			}
			if err := c.handleHello(header, payload); err != nil {
				c.writeError(header.ReqID, err)
				return
			}
			continue
		}

		// HELLO is a handshake, not a repeatable request.
		if header.MsgType == wire.MsgHello {
			c.writeError(header.ReqID, cxstore.Errf(cxstore.CodeMalformedRequest, "duplicate HELLO"))
			return
		}

		select {
		case c.inflight <- struct{}{}:
		default:
			c.writeError(header.ReqID, cxstore.Errf(cxstore.CodeMalformedRequest,
				"too many in-flight requests (limit %d)", s.options.MaxInflightPerConn))
			continue
		}

		go func(header wire.FrameHeader, payload []byte) {
			defer func() { <-c.inflight }()
			c.server.sessions.Touch(c.sessionID)
			c.dispatch(header, payload)
		}(header, payload)
	}
}

// dispatch routes one request to its handler and writes the response.
func (c *connection) dispatch(header wire.FrameHeader, payload []byte) {
	handler, ok := handlers[header.MsgType]
	if !ok {
		c.writeError(header.ReqID, cxstore.Errf(cxstore.CodeMalformedRequest,
			"unknown message type %d", header.MsgType))
		return
	}

	response, err := handler(c, header, payload)
	if err != nil {
		c.writeError(header.ReqID, err)
		return
	}
	c.writeFrame(header.MsgType, header.ReqID, response)
}

func (c *connection) handleHello(header wire.FrameHeader, payload []byte) error {
	hello, err := wire.ParseHello(payload)
	if err != nil {
		return cxstore.Errf(cxstore.CodeMalformedRequest, "%v", err)
	}

	remote := ""
	if addr := c.conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	c.sessionID = c.server.sessions.Register(hello.ClientTag, remote)
	c.clientTag = hello.ClientTag
	c.state = stateReady

	c.server.logger.Info("session established",
		"session_id", c.sessionID,
		"client_tag", hello.ClientTag,
		"remote", remote,
	)
	c.writeFrame(wire.MsgHello, header.ReqID, wire.EncodeHelloResponse(c.sessionID, ProtocolVersion))
	return nil
}

func (c *connection) writeFrame(msgType uint16, reqID uint64, payload []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteFrame(c.conn, msgType, 0, reqID, payload); err != nil {
		c.server.logger.Debug("write failed", "remote", c.conn.RemoteAddr(), "error", err)
	}
}

// writeError maps err to an ERROR frame. Unclassified errors surface
// as 500s.
func (c *connection) writeError(reqID uint64, err error) {
	code := cxstore.CodeDecodeError
	detail := err.Error()
	var cxErr *cxstore.Error
	if errors.As(err, &cxErr) {
		code = cxErr.Code
		detail = cxErr.Message
	}
	c.server.metrics.RecordProtocolError()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if writeErr := wire.WriteFrame(c.conn, wire.MsgError, 0, reqID, wire.EncodeError(code, detail)); writeErr != nil {
		c.server.logger.Debug("error write failed", "remote", c.conn.RemoteAddr(), "error", writeErr)
	}
}
