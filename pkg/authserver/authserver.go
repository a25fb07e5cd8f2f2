// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver implements the embedded OAuth 2.1 authorization
// server: RFC 8414 discovery, RFC 7591 dynamic client registration, the
// PKCE authorization-code flow bridged through a federated identity
// provider, and token issuance with refresh rotation.
//
// The server is deliberately self-contained: the only user authenticator
// is the upstream identity provider, all grant state lives in
// pkg/authserver/storage, and access tokens are the HMAC JWTs minted by
// pkg/auth. Nothing survives a restart.
package authserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/notehive/pkg/auth"
	"github.com/stacklok/notehive/pkg/authserver/storage"
	"github.com/stacklok/notehive/pkg/authserver/upstream"
	"github.com/stacklok/notehive/pkg/ratelimit"
	"github.com/stacklok/notehive/pkg/telemetry"
)

// Rate limits applied per client IP on the endpoints an anonymous caller
// can hit repeatedly.
const (
	// RegisterRateLimit is the registration endpoint budget per IP.
	RegisterRateLimit = 10

	// TokenRateLimit is the token endpoint budget per IP.
	TokenRateLimit = 20

	// rateLimitWindow is the fixed window both budgets count against.
	rateLimitWindow = time.Minute
)

// Config carries the construction parameters for a Server.
type Config struct {
	// Issuer is the server's canonical external URL without a trailing
	// slash. It appears in discovery documents and signs into every
	// access token.
	Issuer string

	// AllowedUsers is the lowercased set of federated identities that
	// may complete authorization.
	AllowedUsers []string

	// AccessTokenTTL and RefreshTokenTTL bound issued token lifetimes.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// TrustProxy enables X-Forwarded-For when attributing requests to
	// client IPs for rate limiting.
	TrustProxy bool
}

// Server wires the OAuth endpoint handlers to the stores, the token
// service, and the federated identity provider.
type Server struct {
	issuer       string
	clients      *storage.ClientRegistry
	grants       *storage.GrantStore
	sessions     *storage.SessionBridge
	tokens       *auth.TokenService
	provider     upstream.Provider
	allowedUsers map[string]struct{}
	accessTTL    time.Duration
	refreshTTL   time.Duration
	trustProxy   bool
	metrics      *telemetry.Metrics

	registerLimiter *ratelimit.Limiter
	tokenLimiter    *ratelimit.Limiter
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics attaches telemetry counters. Without it the server runs
// unmetered; every record call on a nil Metrics is a no-op.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates the authorization server around the given stores and
// identity provider. The caller owns the stores' lifecycle; the server
// never starts goroutines of its own.
func NewServer(
	cfg Config,
	clients *storage.ClientRegistry,
	grants *storage.GrantStore,
	sessions *storage.SessionBridge,
	tokens *auth.TokenService,
	provider upstream.Provider,
	opts ...Option,
) *Server {
	allowed := make(map[string]struct{}, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		allowed[strings.ToLower(u)] = struct{}{}
	}

	s := &Server{
		issuer:          strings.TrimRight(cfg.Issuer, "/"),
		clients:         clients,
		grants:          grants,
		sessions:        sessions,
		tokens:          tokens,
		provider:        provider,
		allowedUsers:    allowed,
		accessTTL:       cfg.AccessTokenTTL,
		refreshTTL:      cfg.RefreshTokenTTL,
		trustProxy:      cfg.TrustProxy,
		registerLimiter: ratelimit.New(RegisterRateLimit, rateLimitWindow),
		tokenLimiter:    ratelimit.New(TokenRateLimit, rateLimitWindow),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns a router with all authorization-server endpoints
// registered.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	s.OAuthRoutes(r)
	s.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the OAuth endpoints (register, authorize,
// federated callback, token) on the provided router.
func (s *Server) OAuthRoutes(r chi.Router) {
	r.Post("/oauth/register", s.RegisterHandler)
	r.Get("/oauth/authorize", s.AuthorizeHandler)
	r.Get(CallbackPath(s.provider.Name()), s.CallbackHandler)
	r.Post("/oauth/token", s.TokenHandler)
}

// WellKnownRoutes registers the RFC 8414 discovery endpoint on the
// provided router. The RFC 9728 protected-resource document is served by
// pkg/auth next to the resource it protects.
func (s *Server) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", s.DiscoveryHandler)
}

// CallbackPath returns the path the named upstream provider redirects
// back to. It is a package function because the provider needs its full
// redirect URL before the server that mounts the route exists.
func CallbackPath(providerName string) string {
	return "/oauth/" + providerName + "/callback"
}

// Cleanup expires stale entries in the stores and rate limiters owned or
// used by the server. The transport sweeper calls it once a minute.
func (s *Server) Cleanup() {
	s.clients.Cleanup()
	s.grants.Cleanup()
	s.sessions.Cleanup()
	s.registerLimiter.Cleanup()
	s.tokenLimiter.Cleanup()
}

// clientIP attributes the request to a client IP for rate limiting.
func (s *Server) clientIP(r *http.Request) string {
	return ratelimit.ClientIP(r, s.trustProxy)
}
