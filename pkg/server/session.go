// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/notehive/pkg/telemetry"
)

// DefaultSessionTTL is how long an idle transport session survives before
// the sweeper reclaims it.
const DefaultSessionTTL = 30 * time.Minute

// ErrSessionLimit is returned by Add when the manager already holds the
// configured maximum of live sessions.
var ErrSessionLimit = errors.New("transport session limit reached")

// Session tracks one streamable transport session. The MCP SDK owns the
// protocol state; this record carries the identity and activity clock the
// sweeper works from.
type Session struct {
	id      string
	created time.Time

	mu         sync.RWMutex
	updated    time.Time
	terminated bool
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{id: id, created: now, updated: now}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was established.
func (s *Session) CreatedAt() time.Time { return s.created }

// UpdatedAt returns the last activity time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// Touch moves the activity clock to now.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = time.Now()
}

// IsTerminated reports whether the client explicitly ended the session.
func (s *Session) IsTerminated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminated
}

func (s *Session) markTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
}

// Manager indexes live transport sessions and enforces the session cap.
// Terminated sessions are kept as tombstones until the sweeper removes
// them, so a client replaying a dead session ID gets a deliberate
// "terminated" answer rather than "never existed".
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	max      int
	metrics  *telemetry.Metrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics attaches session telemetry. A nil Metrics leaves the
// manager unmetered.
func WithManagerMetrics(m *telemetry.Metrics) ManagerOption {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// NewManager creates a session manager with the given idle TTL and live
// session cap. A non-positive maxSessions disables the cap. The manager
// starts no goroutines; the owning server drives expiry through
// CleanupExpired.
func NewManager(ttl time.Duration, maxSessions int, opts ...ManagerOption) *Manager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		max:      maxSessions,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers a new session under the provided ID.
func (m *Manager) Add(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return fmt.Errorf("session ID %q already exists", id)
	}
	if m.max > 0 && m.liveLocked() >= m.max {
		return ErrSessionLimit
	}

	m.sessions[id] = newSession(id)
	m.metrics.RecordSessionStarted()
	m.metrics.SetSessionsActive(m.liveLocked())
	return nil
}

// Get retrieves a session by ID, touching its activity clock unless the
// session has been terminated.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if !s.IsTerminated() {
		s.Touch()
	}
	return s, true
}

// Terminate marks the session as ended by the client. It reports whether
// the session existed. The tombstone stays until the sweeper removes it.
func (m *Manager) Terminate(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	s.markTerminated()
	live := m.liveLocked()
	m.mu.Unlock()

	m.metrics.SetSessionsActive(live)
	return true
}

// Delete removes a session by ID.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	live := m.liveLocked()
	m.mu.Unlock()

	m.metrics.SetSessionsActive(live)
}

// Len returns the number of live (non-terminated) sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveLocked()
}

// AtCapacity reports whether a new session would exceed the cap.
func (m *Manager) AtCapacity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.max > 0 && m.liveLocked() >= m.max
}

// IDs returns every indexed session ID, tombstones included.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CleanupExpired removes sessions with no activity inside the TTL and
// returns their IDs so the caller can release the protocol-side state.
func (m *Manager) CleanupExpired() []string {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.UpdatedAt().Before(cutoff) {
			if !s.IsTerminated() {
				m.metrics.RecordSessionExpired()
			}
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	live := m.liveLocked()
	m.mu.Unlock()

	if len(expired) > 0 {
		m.metrics.SetSessionsActive(live)
	}
	return expired
}

// liveLocked counts non-terminated sessions. Callers hold m.mu.
func (m *Manager) liveLocked() int {
	n := 0
	for _, s := range m.sessions {
		if !s.IsTerminated() {
			n++
		}
	}
	return n
}
