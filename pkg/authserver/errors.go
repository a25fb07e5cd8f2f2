// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/stacklok/notehive/pkg/logger"
)

// OAuth error codes per RFC 6749 Section 5.2 plus the rate-limit code.
const (
	ErrorInvalidRequest       = "invalid_request"
	ErrorInvalidClient        = "invalid_client"
	ErrorInvalidGrant         = "invalid_grant"
	ErrorUnsupportedGrantType = "unsupported_grant_type"
	ErrorAccessDenied         = "access_denied"
	ErrorServerError          = "server_error"
	ErrorTooManyRequests      = "too_many_requests"
)

// oauthError is the JSON error body used by every endpoint.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeOAuthError writes the standard OAuth JSON error response.
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(oauthError{Error: code, ErrorDescription: description}); err != nil {
		logger.Debugw("failed to encode error response", "error", err.Error())
	}
}

// redirectWithError sends the error back through the client's redirect
// URI so its own OAuth state machine can recover. When no redirect URI is
// available the error degrades to a direct JSON response.
func redirectWithError(w http.ResponseWriter, redirectURI, state, code, description string) {
	if redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, code, description)
		return
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "invalid redirect URI")
		return
	}

	q := u.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	w.Header().Set("Location", u.String())
	w.WriteHeader(http.StatusFound)
}

// buildCallbackURL appends the issued code and the client's original
// state to its redirect URI.
func buildCallbackURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}

	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	return u.String()
}
