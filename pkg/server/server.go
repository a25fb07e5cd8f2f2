// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the NoteHive MCP server: the streamable HTTP
// transport, per-session tool registration, the OAuth authorization server
// routes, and the bearer-token gate in front of the MCP endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/notehive/pkg/auth"
	"github.com/stacklok/notehive/pkg/authserver"
	"github.com/stacklok/notehive/pkg/logger"
	"github.com/stacklok/notehive/pkg/telemetry"
	"github.com/stacklok/notehive/pkg/vault"
)

const (
	defaultEndpointPath = "/mcp"

	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
	maxHeaderBytes    = 1 << 20
	shutdownTimeout   = 10 * time.Second

	// sweepInterval paces the single housekeeping loop that expires idle
	// transport sessions and prunes the authorization server's stores.
	sweepInterval = time.Minute

	sessionHeader = "Mcp-Session-Id"
)

// Committer extends Scheduler with the flush the server performs on
// shutdown so no scheduled vault mutation is lost.
type Committer interface {
	Scheduler
	Flush(ctx context.Context) error
}

// Config holds the MCP server settings.
type Config struct {
	// Name and Version identify the server in the MCP initialize response.
	Name    string
	Version string

	// Addr is the host:port the HTTP server binds to.
	Addr string

	// ServerURL is the externally reachable base URL, used to build the
	// OAuth protected-resource metadata and WWW-Authenticate challenges.
	ServerURL string

	// SessionTTL bounds how long an idle transport session survives.
	// Zero selects DefaultSessionTTL.
	SessionTTL time.Duration

	// MaxSessions caps concurrent live sessions. Zero means uncapped.
	MaxSessions int
}

// Server is the NoteHive MCP server.
type Server struct {
	cfg Config

	mcpServer  *server.MCPServer
	streamable *server.StreamableHTTPServer
	httpServer *http.Server
	listener   net.Listener

	sessions   *Manager
	vault      *vault.Vault
	committer  Committer
	authServer *authserver.Server
	verifier   auth.TokenVerifier
	metrics    *telemetry.Metrics

	sweepCancel context.CancelFunc
}

// New wires the MCP protocol server, the streamable HTTP transport and the
// session manager together. The committer receives one Schedule call per
// vault mutation and a final Flush during shutdown.
func New(
	cfg Config,
	v *vault.Vault,
	committer Committer,
	authSrv *authserver.Server,
	verifier auth.TokenVerifier,
	metrics *telemetry.Metrics,
) *Server {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}

	s := &Server{
		cfg:        cfg,
		vault:      v,
		committer:  committer,
		authServer: authSrv,
		verifier:   verifier,
		metrics:    metrics,
		sessions:   NewManager(cfg.SessionTTL, cfg.MaxSessions, WithManagerMetrics(metrics)),
	}

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(s.registerSessionTools)

	s.mcpServer = server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithHooks(hooks),
	)

	s.streamable = server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath(defaultEndpointPath),
		server.WithSessionIdManager(newSessionIDAdapter(s.sessions)),
	)

	return s
}

// registerSessionTools attaches the note tool set to a freshly initialized
// session. Each session gets its own handler instance.
func (s *Server) registerSessionTools(_ context.Context, session server.ClientSession) {
	handler := newToolHandler(s.vault, s.committer)
	if err := s.mcpServer.AddSessionTools(session.SessionID(), noteTools(handler)...); err != nil {
		logger.Errorw("Failed to register session tools",
			"session_id", session.SessionID(),
			"error", err)
		return
	}
	logger.Debugw("Registered note tools for session", "session_id", session.SessionID())
}

// Handler builds the full HTTP surface: health, metrics, the OAuth
// authorization server, well-known discovery documents, and the
// bearer-protected MCP endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	if s.authServer != nil {
		s.authServer.OAuthRoutes(r)
		s.authServer.WellKnownRoutes(r)
	}
	r.Handle(auth.ProtectedResourceMetadataPath, auth.NewProtectedResourceHandler(s.cfg.ServerURL))

	bearer := auth.NewMiddleware(s.verifier, s.cfg.ServerURL+auth.ProtectedResourceMetadataPath)
	r.Handle(defaultEndpointPath, bearer.Handler(s.sessionGuard(s.streamable)))

	return r
}

// sessionGuard enforces transport-level session rules before the request
// reaches the MCP SDK: new sessions are refused at capacity, and SSE
// streams require an established session.
func (s *Server) sessionGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if r.Header.Get(sessionHeader) == "" && s.sessions.AtCapacity() {
				http.Error(w, "transport session limit reached", http.StatusServiceUnavailable)
				return
			}
		case http.MethodGet:
			if r.Header.Get(sessionHeader) == "" {
				http.Error(w, "Mcp-Session-Id header is required", http.StatusBadRequest)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id")
		w.Header().Set("Access-Control-Expose-Headers", sessionHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		logger.Errorf("Failed to write health check response: %v", err)
	}
}

// Start binds the listener and serves until ctx is cancelled or the server
// fails. On cancellation it performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.sweepCancel = cancel
	go s.sweep(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("NoteHive MCP server listening on http://%s%s", listener.Addr(), defaultEndpointPath)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Infof("Shutting down NoteHive MCP server")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.sweepCancel()
		return fmt.Errorf("server error: %w", err)
	}
}

// sweep is the single housekeeping loop. Expired transport sessions are
// released on both sides of the SDK boundary, then the authorization
// server prunes its own stores.
func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.sessions.CleanupExpired() {
				s.mcpServer.UnregisterSession(ctx, id)
				logger.Infow("Expired transport session", "session_id", id)
			}
			if s.authServer != nil {
				s.authServer.Cleanup()
			}
		}
	}
}

// Shutdown drains the server: the sweeper stops first, pending commits are
// flushed, every live session is released, and finally the HTTP server
// closes its listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sweepCancel != nil {
		s.sweepCancel()
	}

	var errs []error

	if s.committer != nil {
		if err := s.committer.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush pending commits: %w", err))
		}
	}

	group := &errgroup.Group{}
	for _, id := range s.sessions.IDs() {
		group.Go(func() error {
			s.mcpServer.UnregisterSession(ctx, id)
			s.sessions.Delete(id)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		errs = append(errs, err)
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down HTTP server: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Address reports the bound listener address once Start has run.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}
