// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"sync"
	"time"
)

const (
	// MaxAuthorizationCodes caps the number of outstanding authorization
	// codes; the oldest code is evicted when a new one would exceed it.
	MaxAuthorizationCodes = 1000

	// MaxRefreshTokens caps the number of outstanding refresh tokens, with
	// the same eviction discipline as codes.
	MaxRefreshTokens = 2000

	// AuthorizationCodeTTL is how long an authorization code stays valid.
	AuthorizationCodeTTL = 5 * time.Minute
)

// AuthorizationCode binds a one-time code to the client and redirect URI it
// was issued for, along with the PKCE challenge to verify at redemption.
type AuthorizationCode struct {
	// Code is the opaque 256-bit code, hex encoded.
	Code string

	// ClientID is the client the code was issued to.
	ClientID string

	// RedirectURI is the redirect URI the authorization request used.
	RedirectURI string

	// CodeChallenge is the PKCE S256 challenge, base64url encoded.
	CodeChallenge string

	// CreatedAt is when the code was issued.
	CreatedAt time.Time

	// ExpiresAt is when the code stops being redeemable.
	ExpiresAt time.Time
}

// RefreshToken binds a rotating refresh token to its client.
type RefreshToken struct {
	// Token is the opaque 256-bit token, hex encoded.
	Token string

	// ClientID is the client the token was issued to.
	ClientID string

	// CreatedAt is when the token was issued.
	CreatedAt time.Time

	// ExpiresAt is when the token stops being redeemable.
	ExpiresAt time.Time
}

// GrantStore holds outstanding authorization codes and refresh tokens.
// Both are strictly one-time use: consuming deletes the entry whether or
// not the caller's subsequent checks succeed.
type GrantStore struct {
	mu sync.RWMutex

	// codes maps code value to its record.
	codes map[string]*AuthorizationCode

	// refreshTokens maps token value to its record.
	refreshTokens map[string]*RefreshToken
}

// NewGrantStore creates an empty grant store.
func NewGrantStore() *GrantStore {
	return &GrantStore{
		codes:         make(map[string]*AuthorizationCode),
		refreshTokens: make(map[string]*RefreshToken),
	}
}

// IssueAuthorizationCode generates a fresh code bound to the client,
// redirect URI, and PKCE challenge, valid for AuthorizationCodeTTL. At
// capacity the oldest outstanding code is evicted first.
func (s *GrantStore) IssueAuthorizationCode(clientID, redirectURI, codeChallenge string) (string, error) {
	code, err := newSecretToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	record := &AuthorizationCode{
		Code:          code,
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		CodeChallenge: codeChallenge,
		CreatedAt:     now,
		ExpiresAt:     now.Add(AuthorizationCodeTTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) >= MaxAuthorizationCodes {
		s.evictOldestCodeLocked()
	}
	s.codes[code] = record
	return code, nil
}

// ConsumeAuthorizationCode atomically looks up and deletes the code.
// It returns nil when the code is unknown or expired; in both cases the
// entry no longer exists afterwards.
func (s *GrantStore) ConsumeAuthorizationCode(code string) *AuthorizationCode {
	s.mu.Lock()
	record, ok := s.codes[code]
	if ok {
		delete(s.codes, code)
	}
	s.mu.Unlock()

	if !ok || time.Now().After(record.ExpiresAt) {
		return nil
	}
	return record
}

// IssueRefreshToken generates a fresh refresh token for the client with the
// given lifetime. At capacity the oldest outstanding token is evicted first.
func (s *GrantStore) IssueRefreshToken(clientID string, ttl time.Duration) (string, error) {
	token, err := newSecretToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	record := &RefreshToken{
		Token:     token,
		ClientID:  clientID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.refreshTokens) >= MaxRefreshTokens {
		s.evictOldestRefreshTokenLocked()
	}
	s.refreshTokens[token] = record
	return token, nil
}

// ConsumeRefreshToken atomically looks up and deletes the token, returning
// nil when it is unknown or expired. Rotation follows from the delete: once
// consumed, a refresh token can never be redeemed again.
func (s *GrantStore) ConsumeRefreshToken(token string) *RefreshToken {
	s.mu.Lock()
	record, ok := s.refreshTokens[token]
	if ok {
		delete(s.refreshTokens, token)
	}
	s.mu.Unlock()

	if !ok || time.Now().After(record.ExpiresAt) {
		return nil
	}
	return record
}

// AuthorizationCodeCount returns the number of outstanding codes.
func (s *GrantStore) AuthorizationCodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.codes)
}

// RefreshTokenCount returns the number of outstanding refresh tokens.
func (s *GrantStore) RefreshTokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refreshTokens)
}

// Cleanup discards expired codes and refresh tokens.
func (s *GrantStore) Cleanup() {
	now := time.Now()

	// Phase 1: collect expired entries under a read lock.
	s.mu.RLock()
	var expiredCodes []string
	for code, record := range s.codes {
		if now.After(record.ExpiresAt) {
			expiredCodes = append(expiredCodes, code)
		}
	}
	var expiredTokens []string
	for token, record := range s.refreshTokens {
		if now.After(record.ExpiresAt) {
			expiredTokens = append(expiredTokens, token)
		}
	}
	s.mu.RUnlock()

	if len(expiredCodes) == 0 && len(expiredTokens) == 0 {
		return
	}

	// Phase 2: delete under the write lock, re-checking each entry.
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, code := range expiredCodes {
		if record, ok := s.codes[code]; ok && now.After(record.ExpiresAt) {
			delete(s.codes, code)
		}
	}
	for _, token := range expiredTokens {
		if record, ok := s.refreshTokens[token]; ok && now.After(record.ExpiresAt) {
			delete(s.refreshTokens, token)
		}
	}
}

// evictOldestCodeLocked removes the code with the earliest CreatedAt.
// Caller must hold the write lock.
func (s *GrantStore) evictOldestCodeLocked() {
	var oldestCode string
	var oldestAt time.Time
	for code, record := range s.codes {
		if oldestCode == "" || record.CreatedAt.Before(oldestAt) {
			oldestCode = code
			oldestAt = record.CreatedAt
		}
	}
	if oldestCode != "" {
		delete(s.codes, oldestCode)
	}
}

// evictOldestRefreshTokenLocked removes the refresh token with the earliest
// CreatedAt. Caller must hold the write lock.
func (s *GrantStore) evictOldestRefreshTokenLocked() {
	var oldestToken string
	var oldestAt time.Time
	for token, record := range s.refreshTokens {
		if oldestToken == "" || record.CreatedAt.Before(oldestAt) {
			oldestToken = token
			oldestAt = record.CreatedAt
		}
	}
	if oldestToken != "" {
		delete(s.refreshTokens, oldestToken)
	}
}
