// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/notehive/pkg/logger"
)

// ProtectedResourceMetadataPath is where the RFC 9728 document is served.
const ProtectedResourceMetadataPath = "/.well-known/oauth-protected-resource"

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

var _ TokenVerifier = (*TokenService)(nil)

// Middleware enforces bearer-token authentication on the protected MCP
// routes. Claims are not propagated to handlers: a valid token
// authorizes every tool, and handlers never branch on the caller.
type Middleware struct {
	verifier    TokenVerifier
	metadataURL string
}

// NewMiddleware creates a Middleware. metadataURL is the absolute URL of
// the RFC 9728 document, advertised in every challenge so clients can
// discover the authorization server.
func NewMiddleware(verifier TokenVerifier, metadataURL string) *Middleware {
	return &Middleware{
		verifier:    verifier,
		metadataURL: metadataURL,
	}
}

// Handler wraps next with the bearer check.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.unauthorized(w, "", "Authorization header required")
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			m.unauthorized(w, "", "Invalid Authorization header format")
			return
		}

		if _, err := m.verifier.Verify(tokenString); err != nil {
			m.unauthorized(w, err.Error(), "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// unauthorized writes the 401 challenge. tokenError is empty when the
// request carried no usable token at all; per RFC 6750 the challenge
// then omits the error attribute.
func (m *Middleware) unauthorized(w http.ResponseWriter, tokenError, description string) {
	w.Header().Set("WWW-Authenticate", m.buildWWWAuthenticate(tokenError != "", tokenError))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	code := "invalid_request"
	if tokenError != "" {
		code = "invalid_token"
	}
	resp := errorResponse{Error: code, ErrorDescription: description}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorf("Failed to encode unauthorized response: %v", err)
	}
}

// buildWWWAuthenticate builds an RFC 6750 / RFC 9728 compliant value for
// the WWW-Authenticate header. It always includes resource_metadata; if
// includeError is set it appends error="invalid_token" and an optional
// description.
func (m *Middleware) buildWWWAuthenticate(includeError bool, errDescription string) string {
	parts := []string{fmt.Sprintf(`resource_metadata="%s"`, EscapeQuotes(m.metadataURL))}

	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if errDescription != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, EscapeQuotes(errDescription)))
		}
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// EscapeQuotes escapes quotes in a string for use in a quoted-string context.
func EscapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ProtectedResourceMetadata is the RFC 9728 OAuth protected resource
// document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// NewProtectedResourceHandler serves the RFC 9728 document declaring
// this server as both the resource and its own authorization server.
// CORS is permissive; MCP clients fetch this cross-origin during
// discovery, and mcp-inspector in particular wants the extra headers.
func NewProtectedResourceHandler(serverURL string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "mcp-protocol-version, Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		doc := ProtectedResourceMetadata{
			Resource:               serverURL,
			AuthorizationServers:   []string{serverURL},
			BearerMethodsSupported: []string{"header"},
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logger.Errorf("Failed to encode protected resource metadata: %v", err)
		}
	})
}
