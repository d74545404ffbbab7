// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cxdb-foundation/cxdb/lib/cxstore"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 20 * time.Second

// handleEvents streams store events as Server-Sent Events:
// GET /v1/events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if g.bus == nil {
		g.writeError(w, cxstore.Errf(cxstore.CodeNotFound, "event stream disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, cxstore.Errf(cxstore.CodeDecodeError, "streaming unsupported"))
		return
	}

	g.metrics.RecordHTTP(http.StatusOK)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	events, cancel := g.bus.Subscribe()
	defer cancel()

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		}
	}
}
