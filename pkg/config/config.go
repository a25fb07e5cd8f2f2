// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the notehive runtime
// configuration and the logic required to load and validate it from the
// environment. All values are resolved once at startup; the resulting
// Config is immutable.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/stacklok/toolhive-core/env"
)

// Canonical environment variable names.
const (
	EnvVaultPath             = "VAULT_PATH"
	EnvRemoteURL             = "REMOTE_URL"
	EnvBranch                = "BRANCH"
	EnvUserName              = "USER_NAME"
	EnvUserEmail             = "USER_EMAIL"
	EnvSyncInterval          = "SYNC_INTERVAL_SECONDS"
	EnvDebounce              = "DEBOUNCE_SECONDS"
	EnvPort                  = "PORT"
	EnvJWTSecret             = "JWT_SECRET"
	EnvServerURL             = "SERVER_URL"
	EnvAccessTokenTTL        = "ACCESS_TOKEN_TTL"
	EnvRefreshTokenTTL       = "REFRESH_TOKEN_TTL"
	EnvFederatedProvider     = "FEDERATED_PROVIDER"
	EnvFederatedClientID     = "FEDERATED_CLIENT_ID"
	EnvFederatedClientSecret = "FEDERATED_CLIENT_SECRET"
	EnvFederatedIssuerURL    = "FEDERATED_ISSUER_URL"
	EnvAllowedUsers          = "ALLOWED_USERS"
	EnvAllowedRedirectHosts  = "ALLOWED_REDIRECT_HOSTS"
	EnvTrustProxy            = "TRUST_PROXY"
	EnvMaxSessions           = "MAX_SESSIONS"
)

// Supported federated identity provider kinds.
const (
	ProviderGitHub = "github"
	ProviderOIDC   = "oidc"
)

// Defaults applied when the corresponding optional variable is unset.
const (
	DefaultDebounce        = 10 * time.Second
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	DefaultMaxSessions     = 100
)

// MinJWTSecretLength is the minimum length of the token signing secret.
// 32 bytes (256 bits) matches the HMAC-SHA256 key size recommendation.
const MinJWTSecretLength = 32

// Config is the fully resolved runtime configuration.
type Config struct {
	// VaultPath is the absolute path to the note vault working tree.
	VaultPath string

	// RemoteURL, Branch, UserName and UserEmail configure the git remote
	// and the committer identity used for vault commits.
	RemoteURL string
	Branch    string
	UserName  string
	UserEmail string

	// SyncInterval is the period of the background remote sync loop.
	// Zero disables the loop.
	SyncInterval time.Duration

	// Debounce is the normal commit debounce delay. The hard ceiling for
	// any pending batch is three times this value. Zero commits on the
	// next scheduler pass without waiting.
	Debounce time.Duration

	// Port is the HTTP listen port.
	Port int

	// JWTSecret signs access tokens. At least MinJWTSecretLength bytes.
	JWTSecret string

	// ServerURL is this server's canonical external URL, without a
	// trailing slash. Used as the token issuer and audience and in
	// discovery documents.
	ServerURL string

	// AccessTokenTTL and RefreshTokenTTL bound issued token lifetimes.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// FederatedProvider selects the upstream identity provider kind,
	// either ProviderGitHub or ProviderOIDC.
	FederatedProvider string

	// FederatedClientID and FederatedClientSecret are this server's
	// credentials at the upstream identity provider.
	FederatedClientID     string
	FederatedClientSecret string

	// FederatedIssuerURL is the OIDC issuer URL. Required when
	// FederatedProvider is ProviderOIDC, unused otherwise.
	FederatedIssuerURL string

	// AllowedUsers is the lowercased set of federated identities allowed
	// to assume the vault principal. Never empty.
	AllowedUsers []string

	// AllowedRedirectHosts lists non-loopback hosts trusted for https
	// client redirect URIs during dynamic registration.
	AllowedRedirectHosts []string

	// TrustProxy enables X-Forwarded-For handling for rate limiting.
	TrustProxy bool

	// MaxSessions caps concurrent transport sessions.
	MaxSessions int
}

// FromEnv loads and validates the configuration from the OS environment.
func FromEnv() (*Config, error) {
	return FromEnvReader(&env.OSReader{})
}

// FromEnvReader loads and validates the configuration using the given
// environment reader. This allows for dependency injection of environment
// variable access for testing.
func FromEnvReader(r env.Reader) (*Config, error) {
	c := &Config{}
	var err error

	if c.VaultPath, err = requireValue(r, EnvVaultPath); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(c.VaultPath) {
		return nil, fmt.Errorf("%s must be an absolute path, got %q", EnvVaultPath, c.VaultPath)
	}

	for _, v := range []struct {
		key  string
		dest *string
	}{
		{EnvRemoteURL, &c.RemoteURL},
		{EnvBranch, &c.Branch},
		{EnvUserName, &c.UserName},
		{EnvUserEmail, &c.UserEmail},
	} {
		if *v.dest, err = requireGitValue(r, v.key); err != nil {
			return nil, err
		}
	}

	if c.SyncInterval, err = secondsValue(r, EnvSyncInterval, 0); err != nil {
		return nil, err
	}
	if c.Debounce, err = secondsValue(r, EnvDebounce, DefaultDebounce); err != nil {
		return nil, err
	}

	if c.Port, err = portValue(r, EnvPort); err != nil {
		return nil, err
	}

	if c.JWTSecret, err = requireValue(r, EnvJWTSecret); err != nil {
		return nil, err
	}
	if len(c.JWTSecret) < MinJWTSecretLength {
		return nil, fmt.Errorf("%s must be at least %d characters", EnvJWTSecret, MinJWTSecretLength)
	}

	if c.ServerURL, err = urlValue(r, EnvServerURL); err != nil {
		return nil, err
	}

	if c.AccessTokenTTL, err = positiveSecondsValue(r, EnvAccessTokenTTL, DefaultAccessTokenTTL); err != nil {
		return nil, err
	}
	if c.RefreshTokenTTL, err = positiveSecondsValue(r, EnvRefreshTokenTTL, DefaultRefreshTokenTTL); err != nil {
		return nil, err
	}

	c.FederatedProvider = strings.ToLower(strings.TrimSpace(r.Getenv(EnvFederatedProvider)))
	if c.FederatedProvider == "" {
		c.FederatedProvider = ProviderGitHub
	}
	switch c.FederatedProvider {
	case ProviderGitHub:
	case ProviderOIDC:
		if c.FederatedIssuerURL, err = urlValue(r, EnvFederatedIssuerURL); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s must be %q or %q, got %q",
			EnvFederatedProvider, ProviderGitHub, ProviderOIDC, c.FederatedProvider)
	}

	if c.FederatedClientID, err = requireValue(r, EnvFederatedClientID); err != nil {
		return nil, err
	}
	if c.FederatedClientSecret, err = requireValue(r, EnvFederatedClientSecret); err != nil {
		return nil, err
	}

	c.AllowedUsers = splitList(strings.ToLower(r.Getenv(EnvAllowedUsers)))
	if len(c.AllowedUsers) == 0 {
		return nil, fmt.Errorf("%s must contain at least one entry", EnvAllowedUsers)
	}

	c.AllowedRedirectHosts = splitList(strings.ToLower(r.Getenv(EnvAllowedRedirectHosts)))

	if c.TrustProxy, err = boolValue(r, EnvTrustProxy); err != nil {
		return nil, err
	}

	if c.MaxSessions, err = positiveIntValue(r, EnvMaxSessions, DefaultMaxSessions); err != nil {
		return nil, err
	}

	return c, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SecretEnvVars returns the names of environment variables whose values
// must never be visible to child processes.
func (c *Config) SecretEnvVars() []string {
	return []string{EnvJWTSecret, EnvFederatedClientSecret}
}

func requireValue(r env.Reader, key string) (string, error) {
	v := r.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// requireGitValue validates values that end up on a git command line or in
// its environment. A leading dash would be parsed as a flag by git; control
// characters can corrupt commit metadata.
func requireGitValue(r env.Reader, key string) (string, error) {
	v, err := requireValue(r, key)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(v, "-") {
		return "", fmt.Errorf("%s must not begin with '-'", key)
	}
	if strings.ContainsFunc(v, unicode.IsControl) {
		return "", fmt.Errorf("%s must not contain control characters", key)
	}
	return v, nil
}

func secondsValue(r env.Reader, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(r.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}

func positiveSecondsValue(r env.Reader, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(r.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}

func positiveIntValue(r env.Reader, key string, def int) (int, error) {
	v := strings.TrimSpace(r.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func portValue(r env.Reader, key string) (int, error) {
	v, err := requireValue(r, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("%s must be between 1 and 65535, got %q", key, v)
	}
	return n, nil
}

func urlValue(r env.Reader, key string) (string, error) {
	v, err := requireValue(r, key)
	if err != nil {
		return "", err
	}
	v = strings.TrimSpace(v)
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, v)
	}
	return strings.TrimRight(v, "/"), nil
}

func boolValue(r env.Reader, key string) (bool, error) {
	v := strings.TrimSpace(r.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
