// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"sync"
	"time"
)

const (
	// MaxFederationSessions caps the number of authorization round-trips
	// that can be pending against the upstream identity provider at once.
	MaxFederationSessions = 1000

	// FederationSessionTTL is how long a pending session stays consumable.
	// It bounds the time a user has to finish authenticating upstream.
	FederationSessionTTL = 10 * time.Minute
)

// ErrTooManySessions is returned by Create when the bridge is at capacity.
var ErrTooManySessions = errors.New("too many pending authorization sessions")

// FederationSession carries a client's authorization request, including its
// PKCE challenge and original state, across the redirect to the upstream
// identity provider. The provider only ever sees the opaque session key, so
// none of these values leak upstream.
type FederationSession struct {
	// ClientID is the OAuth client that started the authorization request.
	ClientID string

	// RedirectURI is the client's callback to redirect to afterwards.
	RedirectURI string

	// State is the client's original state parameter, echoed back verbatim.
	State string

	// CodeChallenge is the client's PKCE S256 challenge.
	CodeChallenge string

	// CodeChallengeMethod is the PKCE method, always "S256".
	CodeChallengeMethod string

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	// ExpiresAt is when the session stops being consumable.
	ExpiresAt time.Time
}

// SessionBridge stores pending federation sessions keyed by the opaque
// value used as the upstream provider's state parameter. Sessions are
// strictly one-time use.
type SessionBridge struct {
	mu sync.RWMutex

	// sessions maps session key to the pending session.
	sessions map[string]*FederationSession
}

// NewSessionBridge creates an empty session bridge.
func NewSessionBridge() *SessionBridge {
	return &SessionBridge{
		sessions: make(map[string]*FederationSession),
	}
}

// Create stores the session under a fresh 256-bit key with the standard
// TTL and returns the key. At capacity it returns ErrTooManySessions.
func (b *SessionBridge) Create(session FederationSession) (string, error) {
	key, err := newSecretToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	session.CreatedAt = now
	session.ExpiresAt = now.Add(FederationSessionTTL)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) >= MaxFederationSessions {
		return "", ErrTooManySessions
	}
	b.sessions[key] = &session
	return key, nil
}

// Consume atomically looks up and deletes the session for the key. It
// returns nil when the key is unknown or the session expired; either way
// the key cannot be redeemed a second time.
func (b *SessionBridge) Consume(key string) *FederationSession {
	b.mu.Lock()
	session, ok := b.sessions[key]
	if ok {
		delete(b.sessions, key)
	}
	b.mu.Unlock()

	if !ok || time.Now().After(session.ExpiresAt) {
		return nil
	}
	return session
}

// Len returns the number of pending sessions.
func (b *SessionBridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Cleanup discards expired sessions.
func (b *SessionBridge) Cleanup() {
	now := time.Now()

	// Phase 1: collect expired keys under a read lock.
	b.mu.RLock()
	var expired []string
	for key, session := range b.sessions {
		if now.After(session.ExpiresAt) {
			expired = append(expired, key)
		}
	}
	b.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	// Phase 2: delete under the write lock, re-checking each entry.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range expired {
		if session, ok := b.sessions[key]; ok && now.After(session.ExpiresAt) {
			delete(b.sessions, key)
		}
	}
}
