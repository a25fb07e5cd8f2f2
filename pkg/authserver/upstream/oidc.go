// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Compile-time interface compliance check.
var _ Provider = (*OIDCProvider)(nil)

// OIDCProvider implements the federated flow against any OpenID Connect
// issuer that supports discovery. Identity comes from the verified ID
// token rather than a userinfo call.
type OIDCProvider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	httpClient  *http.Client
}

// OIDCOption configures an OIDCProvider.
type OIDCOption func(*OIDCProvider)

// WithOIDCHTTPClient sets the HTTP client used for discovery, token
// exchange, and signing-key fetches.
func WithOIDCHTTPClient(client *http.Client) OIDCOption {
	return func(p *OIDCProvider) {
		p.httpClient = client
	}
}

// NewOIDCProvider discovers the issuer's endpoints and builds a provider
// that validates ID tokens against the issuer's published keys.
func NewOIDCProvider(ctx context.Context, issuer, clientID, clientSecret, redirectURL string, opts ...OIDCOption) (*OIDCProvider, error) {
	p := &OIDCProvider{httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(p)
	}

	ctx = oidc.ClientContext(ctx, p.httpClient)
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	// Send client credentials in the request body rather than a Basic
	// header for consistent behavior across issuer implementations.
	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	p.oauthConfig = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		Endpoint:     endpoint,
	}
	p.verifier = provider.Verifier(&oidc.Config{ClientID: clientID})
	return p, nil
}

// Name returns the provider name.
func (*OIDCProvider) Name() string {
	return "oidc"
}

// AuthorizationURL builds the issuer's authorization URL for the given
// state.
func (p *OIDCProvider) AuthorizationURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// ExchangeCodeForIdentity redeems the code and resolves identity from the
// verified ID token. The allowlist identifier is preferred_username,
// falling back to email and then the subject claim.
func (p *OIDCProvider) ExchangeCodeForIdentity(ctx context.Context, code string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	ctx = oidc.ClientContext(ctx, p.httpClient)
	token, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("token response missing id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims struct {
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
		Name              string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = idToken.Subject
	}

	return &Identity{Username: username, Email: claims.Email, Name: claims.Name}, nil
}
