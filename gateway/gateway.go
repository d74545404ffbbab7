// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP read surface: a JSON view over the turn
// store and projection engine, the registry publication endpoint, the
// fs snapshot browser, and the SSE event stream.
//
// The gateway is deliberately a read model — every write except
// registry publication goes through the binary protocol.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/cxdb-foundation/cxdb/lib/cxstore"
	"github.com/cxdb-foundation/cxdb/lib/eventbus"
	"github.com/cxdb-foundation/cxdb/lib/fstree"
	"github.com/cxdb-foundation/cxdb/lib/metrics"
	"github.com/cxdb-foundation/cxdb/lib/registry"
)

// Gateway serves the HTTP API.
type Gateway struct {
	store    *cxstore.Store
	registry *registry.Registry
	sessions *cxstore.SessionTracker
	metrics  *metrics.Metrics
	bus      *eventbus.Bus
	walker   *fstree.Walker
	logger   *slog.Logger
}

// New creates a Gateway. bus may be nil to disable /v1/events.
func New(store *cxstore.Store, reg *registry.Registry, sessions *cxstore.SessionTracker,
	m *metrics.Metrics, bus *eventbus.Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		store:    store,
		registry: reg,
		sessions: sessions,
		metrics:  m,
		bus:      bus,
		walker:   fstree.NewWalker(store.Blobs),
		logger:   logger,
	}
}

// Handler returns the route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("PUT /v1/registry/bundles/{bundleID}", g.handlePutBundle)
	mux.HandleFunc("GET /v1/registry/bundles/{bundleID}", g.handleGetBundle)
	mux.HandleFunc("GET /v1/registry/types/{typeID}/versions/{version}", g.handleGetTypeVersion)
	mux.HandleFunc("GET /v1/registry/renderers", g.handleRenderers)
	mux.HandleFunc("GET /v1/contexts", g.handleListContexts)
	mux.HandleFunc("GET /v1/contexts/{contextID}/turns", g.handleTurns)
	mux.HandleFunc("GET /v1/turns/{turnID}/fs", g.handleFsList)
	mux.HandleFunc("GET /v1/turns/{turnID}/fs/{path...}", g.handleFsPath)
	mux.HandleFunc("GET /v1/metrics", g.handleMetrics)
	mux.HandleFunc("GET /v1/events", g.handleEvents)
	return mux
}

// writeJSON emits a JSON response and records the status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	g.metrics.RecordHTTP(status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			g.logger.Debug("response encode failed", "error", err)
		}
	}
}

// writeError maps err onto the stable error taxonomy and emits the
// JSON error envelope.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := int(cxstore.CodeDecodeError)
	message := err.Error()
	var cxErr *cxstore.Error
	if errors.As(err, &cxErr) {
		status = int(cxErr.Code)
		message = cxErr.Message
	}
	g.writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	g.metrics.RecordHTTP(http.StatusOK)
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (g *Gateway) handlePutBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := r.PathValue("bundleID")
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		g.writeError(w, cxstore.Errf(cxstore.CodeMalformedRequest, "reading body: %v", err))
		return
	}

	outcome, err := g.registry.PutBundle(bundleID, raw)
	if err != nil {
		g.writeError(w, err)
		return
	}
	switch outcome {
	case registry.Unchanged:
		g.writeJSON(w, http.StatusNoContent, nil)
	default:
		g.metrics.RecordRegistryIngest()
		g.writeJSON(w, http.StatusCreated, map[string]any{"bundle_id": bundleID})
	}
}

func (g *Gateway) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := r.PathValue("bundleID")
	raw, ok := g.registry.GetBundle(bundleID)
	if !ok {
		g.writeError(w, cxstore.Errf(cxstore.CodeNotFound, "bundle %q not found", bundleID))
		return
	}

	digest := blake3.Sum256(raw)
	etag := fmt.Sprintf("%q", fmt.Sprintf("%x", digest))
	if r.Header.Get("If-None-Match") == etag {
		g.metrics.RecordHTTP(http.StatusNotModified)
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	g.metrics.RecordHTTP(http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	w.Write(raw)
}

func (g *Gateway) handleGetTypeVersion(w http.ResponseWriter, r *http.Request) {
	typeID := r.PathValue("typeID")
	version, err := strconv.ParseUint(r.PathValue("version"), 10, 32)
	if err != nil {
		g.writeError(w, cxstore.Errf(cxstore.CodeMalformedRequest, "invalid version"))
		return
	}

	desc, ok := g.registry.GetType(typeID, uint32(version))
	if !ok {
		g.writeError(w, cxstore.Errf(cxstore.CodeNotFound, "type %s version %d not found", typeID, version))
		return
	}

	fields := make(map[string]any, len(desc.Fields))
	for tag, field := range desc.Fields {
		entry := map[string]any{
			"name": field.Name,
			"type": field.Type,
		}
		if field.EnumRef != "" {
			entry["enum"] = field.EnumRef
		}
		if field.TypeRef != "" {
			entry["ref"] = field.TypeRef
		}
		if field.Items != nil {
			if field.Items.Ref != "" {
				entry["items"] = map[string]any{"type": field.Items.Type, "ref": field.Items.Ref}
			} else {
				entry["items"] = field.Items.Type
			}
		}
		if field.Optional {
			entry["optional"] = true
		}
		fields[strconv.FormatUint(uint64(tag), 10)] = entry
	}

	body := map[string]any{"fields": fields}
	if desc.Renderer != nil {
		body["renderer"] = desc.Renderer
	}
	g.writeJSON(w, http.StatusOK, body)
}

func (g *Gateway) handleRenderers(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"renderers": g.registry.Renderers(),
	})
}

func (g *Gateway) handleListContexts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	tagFilter := r.URL.Query().Get("tag")

	contexts := make([]map[string]any, 0)
	for _, info := range g.store.ListRecentContexts(limit) {
		session, isLive := g.sessions.SessionForContext(info.Head.ContextID)

		clientTag := info.ClientTag
		if clientTag == "" && isLive {
			clientTag = session.ClientTag
		}
		if tagFilter != "" && clientTag != tagFilter {
			continue
		}

		entry := map[string]any{
			"context_id":         strconv.FormatUint(info.Head.ContextID, 10),
			"head_turn_id":       strconv.FormatUint(info.Head.HeadTurnID, 10),
			"head_depth":         info.Head.HeadDepth,
			"created_at_unix_ms": info.CreatedAtUnixMs,
			"is_live":            isLive,
		}
		if clientTag != "" {
			entry["client_tag"] = clientTag
		}
		if isLive {
			entry["session_id"] = strconv.FormatUint(session.SessionID, 10)
			entry["last_activity_at"] = session.LastActivityAt.UnixMilli()
		}
		contexts = append(contexts, entry)
	}

	sessions := make([]map[string]any, 0)
	for _, session := range g.sessions.ActiveSessions() {
		entry := map[string]any{
			"session_id":       strconv.FormatUint(session.SessionID, 10),
			"client_tag":       session.ClientTag,
			"connected_at":     session.ConnectedAt.UnixMilli(),
			"last_activity_at": session.LastActivityAt.UnixMilli(),
			"context_count":    len(session.ContextsCreated),
		}
		if session.PeerAddr != "" {
			entry["peer_addr"] = session.PeerAddr
		}
		sessions = append(sessions, entry)
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"contexts":        contexts,
		"count":           len(contexts),
		"active_sessions": sessions,
		"active_tags":     g.sessions.ActiveTags(),
	})
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	snapshot := g.metrics.Snapshot()
	snapshot.Turns = g.store.Turns.TurnCount()
	snapshot.Blobs = g.store.Blobs.Len()
	snapshot.PackBytes = g.store.Blobs.PackSize()
	snapshot.RegistryType = g.registry.TypeCount()
	g.writeJSON(w, http.StatusOK, snapshot)
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// queryUint64 parses a u64 query parameter; 0 when absent or invalid.
func queryUint64(r *http.Request, name string) uint64 {
	value, _ := strconv.ParseUint(r.URL.Query().Get(name), 10, 64)
	return value
}

