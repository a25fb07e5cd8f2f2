// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
	"golang.org/x/time/rate"
)

// githubUserURL is the endpoint the authenticated user's profile is read
// from after the code exchange.
const githubUserURL = "https://api.github.com/user"

// Compile-time interface compliance check.
var _ Provider = (*GitHubProvider)(nil)

// GitHubProvider implements the GitHub.com OAuth web application flow.
// GitHub is not an OIDC issuer, so identity comes from the REST API's
// /user endpoint and the allowlist matches on the account login.
type GitHubProvider struct {
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	userURL     string
	limiter     *rate.Limiter
}

// GitHubOption configures a GitHubProvider.
type GitHubOption func(*GitHubProvider)

// WithGitHubHTTPClient sets the HTTP client used for token exchange and
// API calls.
func WithGitHubHTTPClient(client *http.Client) GitHubOption {
	return func(p *GitHubProvider) {
		p.httpClient = client
	}
}

// WithGitHubEndpoints overrides the OAuth endpoints and user API URL so
// tests can point the provider at a local server.
func WithGitHubEndpoints(authURL, tokenURL, userURL string) GitHubOption {
	return func(p *GitHubProvider) {
		p.oauthConfig.Endpoint = oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}
		p.userURL = userURL
	}
}

// NewGitHubProvider creates a provider for the GitHub OAuth web flow.
func NewGitHubProvider(clientID, clientSecret, redirectURL string, opts ...GitHubOption) *GitHubProvider {
	p := &GitHubProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"read:user"},
			Endpoint:     githuboauth.Endpoint,
		},
		httpClient: http.DefaultClient,
		userURL:    githubUserURL,
		// GitHub allows 5,000 requests per hour; local limiting keeps a
		// misbehaving client from burning the quota.
		limiter: rate.NewLimiter(10, 20),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (*GitHubProvider) Name() string {
	return "github"
}

// AuthorizationURL builds the GitHub authorization URL for the given state.
func (p *GitHubProvider) AuthorizationURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// ExchangeCodeForIdentity redeems the code for an access token and reads
// the authenticated user from the GitHub API.
func (p *GitHubProvider) ExchangeCodeForIdentity(ctx context.Context, code string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	return p.fetchUser(ctx, token.AccessToken)
}

// fetchUser reads the authenticated user's profile from the API.
func (p *GitHubProvider) fetchUser(ctx context.Context, accessToken string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read user response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github user request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var user struct {
		Login string `json:"login"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user response: %w", err)
	}
	if user.Login == "" {
		return nil, errors.New("github user response missing login")
	}

	return &Identity{Username: user.Login, Email: user.Email, Name: user.Name}, nil
}
