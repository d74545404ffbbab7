// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package server runs the CXDB binary protocol: one persistent framed
// connection per client, a HELLO handshake establishing a session, and
// a handler registry keyed on message type. Requests on a connection
// may process concurrently up to a per-connection cap; responses are
// serialized on the wire by a single writer lock.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/cxdb-foundation/cxdb/lib/cxstore"
	"github.com/cxdb-foundation/cxdb/lib/eventbus"
	"github.com/cxdb-foundation/cxdb/lib/metrics"
	"github.com/cxdb-foundation/cxdb/lib/registry"
)

// ProtocolVersion is the version echoed in the HELLO response.
const ProtocolVersion uint16 = 1

// Options configures protocol-level limits and behavior.
type Options struct {
	// MaxPayloadBytes caps the uncompressed turn payload.
	MaxPayloadBytes int

	// MaxInflightPerConn caps concurrently processing requests per
	// connection; excess requests are refused with an ERROR.
	MaxInflightPerConn int

	// StrictTypes rejects appends whose declared type hint is not in
	// the registry.
	StrictTypes bool
}

// Server is the binary protocol listener.
type Server struct {
	store    *cxstore.Store
	registry *registry.Registry
	sessions *cxstore.SessionTracker
	metrics  *metrics.Metrics
	bus      *eventbus.Bus
	options  Options
	logger   *slog.Logger

	connections sync.WaitGroup
}

// New creates a Server. Every collaborator is required except bus,
// which may be nil to disable event publication.
func New(store *cxstore.Store, reg *registry.Registry, sessions *cxstore.SessionTracker,
	m *metrics.Metrics, bus *eventbus.Bus, options Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		store:    store,
		registry: reg,
		sessions: sessions,
		metrics:  m,
		bus:      bus,
		options:  options,
		logger:   logger,
	}
}

// Serve accepts connections on listener until ctx is cancelled, then
// closes the listener and waits for in-flight connections to drain.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.connections.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.connections.Wait()
				return nil
			}
			return err
		}

		s.connections.Add(1)
		go func() {
			defer s.connections.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}
