// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements a fixed-window per-key admission limiter
// with bounded memory. It guards the OAuth registration and token
// endpoints against credential-stuffing and registration floods.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the number of tracked keys before the oldest
// entry is evicted.
const DefaultMaxEntries = 10000

type entry struct {
	count      int
	expiresAt  time.Time
	insertedAt time.Time
}

// Limiter admits at most max requests per key within a fixed window.
// The zero value is not usable; construct with New.
type Limiter struct {
	mu         sync.Mutex
	max        int
	window     time.Duration
	maxEntries int
	entries    map[string]*entry
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMaxEntries overrides the tracked-key bound.
func WithMaxEntries(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxEntries = n
		}
	}
}

// New creates a limiter admitting max requests per key per window.
func New(max int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		max:        max,
		window:     window,
		maxEntries: DefaultMaxEntries,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records a request for key and reports whether it is admitted.
// The first request for a key, or the first after its window elapsed,
// starts a fresh window.
func (l *Limiter) Check(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || now.After(e.expiresAt) {
		if !ok && len(l.entries) >= l.maxEntries {
			l.evictOldestLocked()
		}
		l.entries[key] = &entry{
			count:      1,
			expiresAt:  now.Add(l.window),
			insertedAt: now,
		}
		return true
	}

	if e.count < l.max {
		e.count++
		return true
	}
	return false
}

// Cleanup discards entries whose window has elapsed.
func (l *Limiter) Cleanup() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.entries {
		if now.After(e.expiresAt) {
			delete(l.entries, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evictOldestLocked removes the entry with the earliest insertion time.
// Callers must hold l.mu.
func (l *Limiter) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, e := range l.entries {
		if oldestKey == "" || e.insertedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.insertedAt
		}
	}
	if oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

// ClientIP extracts the client address used as the rate-limit key.
// Forwarding headers are honored only when the server is configured to
// trust its fronting proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Take the first IP in the list
			if ips := strings.Split(xff, ","); len(ips) > 0 {
				return strings.TrimSpace(ips[0])
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
