// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/stacklok/notehive/pkg/logger"
)

// tokenResponse is the RFC 6749 Section 5.1 access token response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenHandler handles POST /oauth/token requests, branching on
// grant_type. Every grant consumption is terminal: a code or refresh
// token that reaches this handler is deleted before any check that could
// still fail.
func (s *Server) TokenHandler(w http.ResponseWriter, req *http.Request) {
	if !s.tokenLimiter.Check(s.clientIP(req)) {
		writeOAuthError(w, http.StatusTooManyRequests, ErrorTooManyRequests,
			"Too many token requests, slow down")
		return
	}

	contentType := req.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"Content-Type must be application/x-www-form-urlencoded")
		return
	}
	if err := req.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"malformed form body")
		return
	}

	switch grantType := req.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, req)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, req)
	default:
		writeOAuthError(w, http.StatusBadRequest, ErrorUnsupportedGrantType,
			"unsupported grant_type: "+grantType)
	}
}

// handleAuthorizationCodeGrant redeems an authorization code for an
// access/refresh token pair after PKCE verification.
func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, req *http.Request) {
	code := req.PostForm.Get("code")
	redirectURI := req.PostForm.Get("redirect_uri")
	clientID := req.PostForm.Get("client_id")
	codeVerifier := req.PostForm.Get("code_verifier")

	for _, p := range []struct{ name, value string }{
		{"code", code},
		{"redirect_uri", redirectURI},
		{"client_id", clientID},
		{"code_verifier", codeVerifier},
	} {
		if p.value == "" {
			writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, p.name+" is required")
			return
		}
	}

	if !s.clients.Authenticate(clientID, req.PostForm.Get("client_secret")) {
		logger.Warnw("client authentication failed at token endpoint", "client_id", clientID)
		writeOAuthError(w, http.StatusUnauthorized, ErrorInvalidClient,
			"client authentication failed")
		return
	}

	// One-time use: the code is gone after this line no matter which of
	// the following checks fails.
	grant := s.grants.ConsumeAuthorizationCode(code)
	if grant == nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"authorization code is invalid or expired")
		return
	}
	if grant.ClientID != clientID {
		logger.Warnw("authorization code presented by wrong client",
			"issued_to", grant.ClientID,
			"presented_by", clientID,
		)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"authorization code was issued to another client")
		return
	}
	if grant.RedirectURI != redirectURI {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"redirect_uri does not match the authorization request")
		return
	}

	// PKCE (RFC 7636): recompute the S256 challenge from the presented
	// verifier and compare in constant time.
	computed := oauth2.S256ChallengeFromVerifier(codeVerifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(grant.CodeChallenge)) != 1 {
		logger.Warnw("PKCE verification failed", "client_id", clientID)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"PKCE verification failed: code_verifier does not match code_challenge")
		return
	}

	s.issueTokenPair(w, clientID)
}

// handleRefreshTokenGrant rotates a refresh token into a fresh
// access/refresh pair.
func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, req *http.Request) {
	refreshToken := req.PostForm.Get("refresh_token")
	clientID := req.PostForm.Get("client_id")

	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "refresh_token is required")
		return
	}
	if clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "client_id is required")
		return
	}

	if !s.clients.Authenticate(clientID, req.PostForm.Get("client_secret")) {
		logger.Warnw("client authentication failed at token endpoint", "client_id", clientID)
		writeOAuthError(w, http.StatusUnauthorized, ErrorInvalidClient,
			"client authentication failed")
		return
	}

	// Rotation: consuming deletes the incoming token, so it can never be
	// redeemed twice even when a later check fails.
	grant := s.grants.ConsumeRefreshToken(refreshToken)
	if grant == nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"refresh token is invalid or expired")
		return
	}
	if grant.ClientID != clientID {
		logger.Warnw("refresh token presented by wrong client",
			"issued_to", grant.ClientID,
			"presented_by", clientID,
		)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"refresh token was issued to another client")
		return
	}

	s.issueTokenPair(w, clientID)
}

// issueTokenPair mints the access token and a fresh refresh token for the
// client and writes the RFC 6749 token response.
func (s *Server) issueTokenPair(w http.ResponseWriter, clientID string) {
	accessToken, err := s.tokens.Issue(clientID, s.accessTTL)
	if err != nil {
		logger.Errorw("failed to issue access token", "error", err.Error())
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError,
			"failed to issue access token")
		return
	}

	refreshToken, err := s.grants.IssueRefreshToken(clientID, s.refreshTTL)
	if err != nil {
		logger.Errorw("failed to issue refresh token", "error", err.Error())
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError,
			"failed to issue refresh token")
		return
	}

	s.metrics.RecordTokenIssued()
	logger.Infow("issued token pair", "client_id", clientID)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: refreshToken,
	}); err != nil {
		logger.Errorw("failed to encode token response", "error", err.Error())
	}
}
