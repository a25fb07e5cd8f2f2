// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/stacklok/notehive/pkg/authserver/storage"
	"github.com/stacklok/notehive/pkg/logger"
)

// CodeChallengeMethodS256 is the only PKCE challenge method the server
// accepts (RFC 7636 Section 4.2).
const CodeChallengeMethodS256 = "S256"

// AuthorizeHandler handles GET /oauth/authorize requests. It validates
// the client's authorization request, parks its PKCE state in the
// federation session bridge, and redirects the user to the upstream
// identity provider with the opaque session key as that provider's state.
func (s *Server) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	state := query.Get("state")
	codeChallenge := query.Get("code_challenge")
	codeChallengeMethod := query.Get("code_challenge_method")
	responseType := query.Get("response_type")

	// The redirect URI is untrusted until it matches a registered one, so
	// every validation failure here is a direct JSON error rather than a
	// redirect.
	if responseType != "code" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"only response_type=code is supported")
		return
	}
	if clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "client_id is required")
		return
	}
	client, ok := s.clients.Get(clientID)
	if !ok {
		logger.Warnw("authorization request for unknown client", "client_id", clientID)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "client not found")
		return
	}
	if redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "redirect_uri is required")
		return
	}
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		logger.Warnw("authorization request with unregistered redirect_uri",
			"client_id", clientID,
			"redirect_uri", redirectURI,
		)
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"redirect_uri does not match registered URIs")
		return
	}
	if state == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "state is required")
		return
	}
	if codeChallenge == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "code_challenge is required")
		return
	}
	if codeChallengeMethod != CodeChallengeMethodS256 {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"code_challenge_method must be S256")
		return
	}

	sessionKey, err := s.sessions.Create(storage.FederationSession{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
	})
	if err != nil {
		if errors.Is(err, storage.ErrTooManySessions) {
			writeOAuthError(w, http.StatusServiceUnavailable, ErrorServerError,
				"Too many pending authorization sessions")
			return
		}
		logger.Errorw("failed to create federation session", "error", err.Error())
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError,
			"failed to start authorization")
		return
	}

	logger.Infow("redirecting to upstream identity provider",
		"client_id", clientID,
		"provider", s.provider.Name(),
	)

	http.Redirect(w, req, s.provider.AuthorizationURL(sessionKey), http.StatusFound)
}

// CallbackHandler handles GET /oauth/<provider>/callback requests: the
// return leg from the upstream identity provider. The provider's state
// parameter is the one-shot federation session key; consuming it restores
// the client's original request. The session burns on first touch whether
// or not the rest of the exchange succeeds.
func (s *Server) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	code := query.Get("code")
	sessionKey := query.Get("state")
	errorParam := query.Get("error")
	errorDescription := query.Get("error_description")

	if sessionKey == "" {
		logger.Warn("callback missing state parameter")
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "missing state parameter")
		return
	}

	pending := s.sessions.Consume(sessionKey)
	if pending == nil {
		logger.Warn("callback state does not resolve to a pending authorization")
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"authorization session not found or expired")
		return
	}

	// The upstream reported an error (for example the user cancelled).
	// Hand it back through the client redirect so its own state machine
	// can recover.
	if errorParam != "" {
		logger.Warnw("upstream identity provider returned error",
			"error", errorParam,
			"error_description", errorDescription,
		)
		redirectWithError(w, pending.RedirectURI, pending.State, errorParam, errorDescription)
		return
	}

	if code == "" {
		logger.Warn("callback missing code parameter")
		redirectWithError(w, pending.RedirectURI, pending.State, ErrorInvalidRequest,
			"missing code parameter")
		return
	}

	identity, err := s.provider.ExchangeCodeForIdentity(req.Context(), code)
	if err != nil {
		logger.Errorw("failed to exchange code with upstream identity provider",
			"provider", s.provider.Name(),
			"error", err.Error(),
		)
		redirectWithError(w, pending.RedirectURI, pending.State, ErrorServerError,
			"failed to exchange authorization code")
		return
	}

	if !s.isAllowedUser(identity.Username) {
		logger.Warnw("federated user not in allowlist",
			"provider", s.provider.Name(),
			"username", identity.Username,
		)
		s.metrics.RecordAuthorizationDenied()
		redirectWithError(w, pending.RedirectURI, pending.State, ErrorAccessDenied,
			"User not authorized")
		return
	}

	authCode, err := s.grants.IssueAuthorizationCode(
		pending.ClientID, pending.RedirectURI, pending.CodeChallenge)
	if err != nil {
		logger.Errorw("failed to issue authorization code", "error", err.Error())
		redirectWithError(w, pending.RedirectURI, pending.State, ErrorServerError,
			"failed to issue authorization code")
		return
	}

	logger.Infow("authorization successful, redirecting to client",
		"client_id", pending.ClientID,
		"username", identity.Username,
	)

	http.Redirect(w, req, buildCallbackURL(pending.RedirectURI, authCode, pending.State), http.StatusFound)
}

// isAllowedUser applies the federated-identity allowlist
// case-insensitively.
func (s *Server) isAllowedUser(username string) bool {
	if username == "" {
		return false
	}
	_, ok := s.allowedUsers[strings.ToLower(username)]
	return ok
}
