// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the process-local counters behind GET
// /v1/metrics. Counters are plain atomics; the snapshot is assembled
// on demand.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is the shared counter set. The zero value is not usable;
// call New.
type Metrics struct {
	startedAt time.Time

	appends         atomic.Uint64
	appendsReplayed atomic.Uint64
	reads           atomic.Uint64
	blobPuts        atomic.Uint64
	blobDedupHits   atomic.Uint64
	registryIngests atomic.Uint64
	protocolErrors  atomic.Uint64

	mu         sync.Mutex
	httpStatus map[int]uint64
}

// New creates a Metrics set with the start time stamped.
func New() *Metrics {
	return &Metrics{
		startedAt:  time.Now(),
		httpStatus: make(map[int]uint64),
	}
}

// RecordAppend counts a successful APPEND_TURN; replayed marks an
// idempotent replay that created no turn.
func (m *Metrics) RecordAppend(replayed bool) {
	m.appends.Add(1)
	if replayed {
		m.appendsReplayed.Add(1)
	}
}

// RecordRead counts a GET_LAST / GET_BEFORE / turns-view read.
func (m *Metrics) RecordRead() { m.reads.Add(1) }

// RecordBlobPut counts a PUT_BLOB; dedup marks was_new=false.
func (m *Metrics) RecordBlobPut(dedup bool) {
	m.blobPuts.Add(1)
	if dedup {
		m.blobDedupHits.Add(1)
	}
}

// RecordRegistryIngest counts an accepted registry bundle.
func (m *Metrics) RecordRegistryIngest() { m.registryIngests.Add(1) }

// RecordProtocolError counts an ERROR frame sent on the binary
// surface.
func (m *Metrics) RecordProtocolError() { m.protocolErrors.Add(1) }

// RecordHTTP counts one HTTP response by status code.
func (m *Metrics) RecordHTTP(status int) {
	m.mu.Lock()
	m.httpStatus[status]++
	m.mu.Unlock()
}

// Snapshot is the JSON shape of GET /v1/metrics. Store-level gauges
// are filled in by the gateway from the live store.
type Snapshot struct {
	UptimeSeconds   int64          `json:"uptime_seconds"`
	Appends         uint64         `json:"appends"`
	AppendsReplayed uint64         `json:"appends_replayed"`
	Reads           uint64         `json:"reads"`
	BlobPuts        uint64         `json:"blob_puts"`
	BlobDedupHits   uint64         `json:"blob_dedup_hits"`
	RegistryIngests uint64         `json:"registry_ingests"`
	ProtocolErrors  uint64         `json:"protocol_errors"`
	HTTPStatus      map[int]uint64 `json:"http_status"`

	Turns        int   `json:"turns"`
	Blobs        int   `json:"blobs"`
	PackBytes    int64 `json:"pack_bytes"`
	RegistryType int   `json:"registry_types"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	httpStatus := make(map[int]uint64, len(m.httpStatus))
	for status, count := range m.httpStatus {
		httpStatus[status] = count
	}
	m.mu.Unlock()

	return Snapshot{
		UptimeSeconds:   int64(time.Since(m.startedAt).Seconds()),
		Appends:         m.appends.Load(),
		AppendsReplayed: m.appendsReplayed.Load(),
		Reads:           m.reads.Load(),
		BlobPuts:        m.blobPuts.Load(),
		BlobDedupHits:   m.blobDedupHits.Load(),
		RegistryIngests: m.registryIngests.Load(),
		ProtocolErrors:  m.protocolErrors.Load(),
		HTTPStatus:      httpStatus,
	}
}
