// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the notehive command-line
// application.
package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/notehive/pkg/auth"
	"github.com/stacklok/notehive/pkg/authserver"
	"github.com/stacklok/notehive/pkg/authserver/storage"
	"github.com/stacklok/notehive/pkg/authserver/upstream"
	"github.com/stacklok/notehive/pkg/config"
	"github.com/stacklok/notehive/pkg/git"
	"github.com/stacklok/notehive/pkg/logger"
	"github.com/stacklok/notehive/pkg/server"
	"github.com/stacklok/notehive/pkg/telemetry"
	"github.com/stacklok/notehive/pkg/vault"
	"github.com/stacklok/notehive/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "notehive",
	DisableAutoGenTag: true,
	Short:             "NoteHive - Remote MCP gateway for a git-backed Markdown note vault",
	Long: `NoteHive exposes a git-backed Markdown note vault as a set of MCP tools
over streamable HTTP. It provides:

- Note tools: read, write, delete, list, search, tags, backlinks
- An embedded OAuth 2.1 authorization server with dynamic client
  registration, PKCE, and federated login via GitHub or any OIDC provider
- Per-session transport isolation with idle expiry
- Debounced batching of note mutations into git commits pushed upstream

All configuration comes from environment variables; run 'notehive serve'
to start the server.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the notehive CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the NoteHive MCP server",
		Long: `Start the NoteHive MCP server.

The server reads its configuration from environment variables (VAULT_PATH,
REMOTE_URL, BRANCH, JWT_SECRET, SERVER_URL, FEDERATED_CLIENT_ID, and the
rest; see the project README), verifies the vault's git repository, and
serves MCP clients until interrupted.`,
		RunE: runServe,
	}
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// Verify the vault repository before accepting traffic.
	repo, err := git.OpenVaultRepo(cfg.VaultPath, git.DefaultRemote, cfg.Branch)
	if err != nil {
		return fmt.Errorf("vault repository check failed: %w", err)
	}
	logger.Infow("Vault repository verified",
		"path", cfg.VaultPath,
		"branch", repo.Branch,
		"remote", repo.RemoteURL,
		"head", repo.Head)

	v, err := vault.New(cfg.VaultPath)
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}

	metrics := telemetry.NewMetrics()

	runner := git.NewRunner(cfg.VaultPath, cfg.SecretEnvVars(),
		git.WithIdentity(cfg.UserName, cfg.UserEmail))
	coordinator := git.NewCoordinator(runner, git.CoordinatorConfig{
		Branch:   cfg.Branch,
		Debounce: cfg.Debounce,
		Metrics:  metrics,
	})

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.ServerURL, cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}

	provider, err := newUpstreamProvider(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Infof("Federated login via %s, callback %s",
		provider.Name(), cfg.ServerURL+authserver.CallbackPath(provider.Name()))

	authSrv := authserver.NewServer(authserver.Config{
		Issuer:          cfg.ServerURL,
		AllowedUsers:    cfg.AllowedUsers,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		TrustProxy:      cfg.TrustProxy,
	},
		storage.NewClientRegistry(storage.WithTrustedRedirectHosts(cfg.AllowedRedirectHosts...)),
		storage.NewGrantStore(),
		storage.NewSessionBridge(),
		tokens,
		provider,
		authserver.WithMetrics(metrics),
	)

	srv := server.New(server.Config{
		Name:        "notehive",
		Version:     versions.GetVersionInfo().Version,
		Addr:        cfg.Addr(),
		ServerURL:   cfg.ServerURL,
		MaxSessions: cfg.MaxSessions,
	}, v, coordinator, authSrv, tokens, metrics)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Start(gctx)
	})
	if cfg.SyncInterval > 0 {
		group.Go(func() error {
			coordinator.RunSyncLoop(gctx, cfg.SyncInterval)
			return nil
		})
	}
	return group.Wait()
}

// newUpstreamProvider builds the federated identity provider selected by
// the configuration. The redirect URL is derived here because the
// provider needs it before the authorization server exists.
func newUpstreamProvider(ctx context.Context, cfg *config.Config) (upstream.Provider, error) {
	redirectURL := cfg.ServerURL + authserver.CallbackPath(cfg.FederatedProvider)

	switch cfg.FederatedProvider {
	case config.ProviderOIDC:
		provider, err := upstream.NewOIDCProvider(ctx,
			cfg.FederatedIssuerURL, cfg.FederatedClientID, cfg.FederatedClientSecret, redirectURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure OIDC provider: %w", err)
		}
		return provider, nil
	default:
		return upstream.NewGitHubProvider(cfg.FederatedClientID, cfg.FederatedClientSecret, redirectURL), nil
	}
}
