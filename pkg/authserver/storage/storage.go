// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage holds the in-memory state of the embedded authorization
// server: the client registry, the authorization-code and refresh-token
// grant store, and the federation session bridge that carries PKCE state
// across the round-trip to the upstream identity provider.
//
// All stores are process-local singletons guarded by their own locks. None
// of them runs a background goroutine; the transport session manager's
// sweeper calls Cleanup on each store once a minute.
package storage

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// tokenByteLength is the entropy of generated codes, tokens, and session
// keys: 32 bytes, 256 bits.
const tokenByteLength = 32

// newSecretToken returns a fresh 256-bit random value encoded as lowercase
// hex. Used for authorization codes, refresh tokens, and session keys.
func newSecretToken() (string, error) {
	b := make([]byte, tokenByteLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newClientSecret returns a fresh 256-bit client secret in URL-safe base64.
func newClientSecret() (string, error) {
	b := make([]byte, tokenByteLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
