// Copyright 2026 The CXDB Authors
// SPDX-License-Identifier: Apache-2.0

package cxstore

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Session describes one live binary-protocol connection. The tracker
// feeds the HTTP context listing: a context is "live" while the
// session that created it is still connected.
type Session struct {
	SessionID       uint64
	ClientTag       string
	PeerAddr        string
	ConnectedAt     time.Time
	LastActivityAt  time.Time
	ContextsCreated []uint64
}

// SessionTracker tracks live sessions and their context associations.
// Safe for concurrent use.
type SessionTracker struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	byCtx    map[uint64]uint64 // context_id → session_id
	counter  atomic.Uint64
	now      func() time.Time
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[uint64]*Session),
		byCtx:    make(map[uint64]uint64),
		now:      time.Now,
	}
}

// Register creates a session for a new connection and returns its id.
func (t *SessionTracker) Register(clientTag, peerAddr string) uint64 {
	id := t.counter.Add(1)
	now := t.now()
	t.mu.Lock()
	t.sessions[id] = &Session{
		SessionID:      id,
		ClientTag:      clientTag,
		PeerAddr:       peerAddr,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	t.mu.Unlock()
	return id
}

// Touch updates the session's last-activity time.
func (t *SessionTracker) Touch(sessionID uint64) {
	t.mu.Lock()
	if session, ok := t.sessions[sessionID]; ok {
		session.LastActivityAt = t.now()
	}
	t.mu.Unlock()
}

// AssociateContext records that a session created (or forked) a
// context.
func (t *SessionTracker) AssociateContext(sessionID, contextID uint64) {
	t.mu.Lock()
	if session, ok := t.sessions[sessionID]; ok {
		session.ContextsCreated = append(session.ContextsCreated, contextID)
		t.byCtx[contextID] = sessionID
	}
	t.mu.Unlock()
}

// Unregister removes a session when its connection closes.
func (t *SessionTracker) Unregister(sessionID uint64) {
	t.mu.Lock()
	if session, ok := t.sessions[sessionID]; ok {
		for _, contextID := range session.ContextsCreated {
			if t.byCtx[contextID] == sessionID {
				delete(t.byCtx, contextID)
			}
		}
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
}

// SessionForContext returns a copy of the live session that created
// contextID, if any.
func (t *SessionTracker) SessionForContext(contextID uint64) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sessionID, ok := t.byCtx[contextID]
	if !ok {
		return Session{}, false
	}
	session, ok := t.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// ActiveSessions returns copies of all live sessions ordered by
// session id.
func (t *SessionTracker) ActiveSessions() []Session {
	t.mu.RLock()
	sessions := make([]Session, 0, len(t.sessions))
	for _, session := range t.sessions {
		sessions = append(sessions, *session)
	}
	t.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].SessionID < sessions[j].SessionID
	})
	return sessions
}

// ActiveTags returns the distinct non-empty client tags of live
// sessions, sorted.
func (t *SessionTracker) ActiveTags() []string {
	t.mu.RLock()
	seen := make(map[string]bool)
	for _, session := range t.sessions {
		if session.ClientTag != "" {
			seen[session.ClientTag] = true
		}
	}
	t.mu.RUnlock()

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
