// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stacklok/notehive/pkg/logger"
)

// sessionIDAdapter exposes the Manager through the mark3labs SDK's
// SessionIdManager interface. Session storage, the idle TTL, and the cap
// all live in the Manager; the SDK only calls these three methods during
// protocol flows:
//
//  1. Generate() when a client sends initialize without Mcp-Session-Id.
//  2. Validate() on every request carrying a session ID.
//  3. Terminate() when a client sends HTTP DELETE to the MCP endpoint.
type sessionIDAdapter struct {
	manager *Manager
}

func newSessionIDAdapter(manager *Manager) *sessionIDAdapter {
	return &sessionIDAdapter{manager: manager}
}

// Generate creates a fresh session ID and registers it. Session IDs are
// UUIDs: 128 bits from crypto/rand, visible-ASCII only, as the MCP
// transport spec requires.
func (a *sessionIDAdapter) Generate() string {
	sessionID := uuid.NewString()
	if err := a.manager.Add(sessionID); err != nil {
		if errors.Is(err, ErrSessionLimit) {
			// The capacity guard in front of the transport normally
			// rejects this earlier; a request racing past it lands here.
			logger.Warnw("session limit reached during generate", "error", err)
			return ""
		}
		// UUID collision. Retry once, then give up; an empty ID makes the
		// SDK omit the session header so the client fails cleanly.
		sessionID = uuid.NewString()
		if err := a.manager.Add(sessionID); err != nil {
			logger.Errorw("failed to register session", "session_id", sessionID, "error", err)
			return ""
		}
	}

	logger.Debugw("transport session started", "session_id", sessionID)
	return sessionID
}

// Validate checks that the session exists and touches its activity clock.
// A terminated session reports isTerminated so the SDK answers 404; an
// unknown one returns an error.
func (a *sessionIDAdapter) Validate(sessionID string) (isTerminated bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("empty session ID")
	}

	sess, ok := a.manager.Get(sessionID)
	if !ok {
		return false, fmt.Errorf("session not found")
	}
	if sess.IsTerminated() {
		return true, nil
	}
	return false, nil
}

// Terminate marks the session as ended. Terminating an unknown session
// succeeds; the client may be closing one that already expired.
func (a *sessionIDAdapter) Terminate(sessionID string) (isNotAllowed bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("empty session ID")
	}

	if a.manager.Terminate(sessionID) {
		logger.Infow("transport session terminated", "session_id", sessionID)
	}
	return false, nil
}
