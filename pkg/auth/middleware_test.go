// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMetadataURL = "https://notes.example.com/.well-known/oauth-protected-resource"

func newTestMiddleware(t *testing.T) (*Middleware, *TokenService) {
	t.Helper()
	svc := newTestTokenService(t)
	return NewMiddleware(svc, testMetadataURL), svc
}

func protectedEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	t.Parallel()

	mw, _ := newTestMiddleware(t)
	handler := mw.Handler(protectedEcho())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer resource_metadata="`+testMetadataURL+`"`, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "invalid_request", body.Error)
	assert.Equal(t, "Authorization header required", body.ErrorDescription)
}

func TestMiddlewareRejectsMalformedHeader(t *testing.T) {
	t.Parallel()

	mw, _ := newTestMiddleware(t)
	handler := mw.Handler(protectedEcho())

	for _, header := range []string{"Basic dXNlcjpwYXNz", "bearer lowercase", "Bearer", "Bearer "} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", header)
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "resource_metadata=", "header %q", header)
	}
}

func TestMiddlewareRejectsInvalidToken(t *testing.T) {
	t.Parallel()

	mw, _ := newTestMiddleware(t)
	handler := mw.Handler(protectedEcho())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, `resource_metadata="`+testMetadataURL+`"`)
	assert.Contains(t, challenge, `error="invalid_token"`)

	var body errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "invalid_token", body.Error)
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	mw, svc := newTestMiddleware(t)
	handler := mw.Handler(protectedEcho())

	token, err := svc.Issue("client-123", -time.Minute)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAllowsValidToken(t *testing.T) {
	t.Parallel()

	mw, svc := newTestMiddleware(t)
	handler := mw.Handler(protectedEcho())

	token, err := svc.Issue("client-123", time.Hour)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestEscapeQuotes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `plain`, EscapeQuotes(`plain`))
	assert.Equal(t, `say \"hi\"`, EscapeQuotes(`say "hi"`))
	assert.Equal(t, `back\\slash`, EscapeQuotes(`back\slash`))
}

func TestProtectedResourceHandler(t *testing.T) {
	t.Parallel()

	handler := NewProtectedResourceHandler("https://notes.example.com")

	t.Run("serves the document", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ProtectedResourceMetadataPath, nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

		var doc ProtectedResourceMetadata
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
		assert.Equal(t, "https://notes.example.com", doc.Resource)
		assert.Equal(t, []string{"https://notes.example.com"}, doc.AuthorizationServers)
		assert.Equal(t, []string{"header"}, doc.BearerMethodsSupported)
	})

	t.Run("echoes the origin", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, ProtectedResourceMetadataPath, nil)
		req.Header.Set("Origin", "https://inspector.example.com")
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "https://inspector.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, ProtectedResourceMetadataPath, nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "mcp-protocol-version")
	})
}
