// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registration error codes per RFC 7591 Section 3.2.2.
const (
	// ErrorCodeInvalidRedirectURI indicates that the value of one or more
	// redirect_uris is invalid.
	ErrorCodeInvalidRedirectURI = "invalid_redirect_uri"

	// ErrorCodeInvalidClientMetadata indicates that one of the client
	// metadata fields is invalid.
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
)

// Token endpoint authentication methods supported by the registry.
const (
	// AuthMethodClientSecretPost authenticates the client by form-encoded
	// client_id and client_secret at the token endpoint.
	AuthMethodClientSecretPost = "client_secret_post"

	// AuthMethodNone marks a public client with no secret.
	AuthMethodNone = "none"
)

// Validation limits for registration requests.
const (
	// MaxClients caps the registry; registration beyond it fails with
	// ErrRegistryFull.
	MaxClients = 500

	// MaxRedirectURIs is the maximum number of redirect URIs per client.
	MaxRedirectURIs = 10

	// MaxClientNameLength is the maximum length of a client name.
	MaxClientNameLength = 256

	// clientStalenessHorizon is the age beyond which a client becomes a
	// candidate for eviction when the registry is near capacity.
	clientStalenessHorizon = 24 * time.Hour
)

// ErrRegistryFull is returned by Register when the registry holds
// MaxClients entries. Callers should surface it as a retriable condition.
var ErrRegistryFull = errors.New("client registry is full")

// defaultGrantTypes are applied when a registration request omits grant_types.
var defaultGrantTypes = []string{"authorization_code", "refresh_token"}

// supportedGrantTypes are the grant types clients may register.
var supportedGrantTypes = []string{"authorization_code", "refresh_token"}

// defaultResponseTypes are applied when a registration request omits
// response_types.
var defaultResponseTypes = []string{"code"}

// supportedResponseTypes are the response types clients may register.
var supportedResponseTypes = []string{"code"}

// supportedAuthMethods are the token endpoint auth methods clients may
// register.
var supportedAuthMethods = []string{AuthMethodClientSecretPost, AuthMethodNone}

// RegistrationError reports why a registration request was rejected, using
// the RFC 7591 error codes so handlers can serialize it directly.
type RegistrationError struct {
	// Code is one of the ErrorCode* constants.
	Code string

	// Description is a human-readable explanation of the rejection.
	Description string
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	return e.Code + ": " + e.Description
}

// RegisteredClient is an immutable registered OAuth client. Instances are
// created by Register and deleted only by capacity eviction.
type RegisteredClient struct {
	// ClientID is the opaque identifier issued at registration.
	ClientID string

	// ClientSecret is the client's secret. Empty for public clients.
	ClientSecret string

	// ClientName is the human-readable name supplied at registration.
	ClientName string

	// RedirectURIs are the registered redirection endpoints, in request order.
	RedirectURIs []string

	// GrantTypes are the grant types the client may use.
	GrantTypes []string

	// ResponseTypes are the response types the client may use.
	ResponseTypes []string

	// AuthMethod is the token endpoint authentication method.
	AuthMethod string

	// CreatedAt is when the client was registered.
	CreatedAt time.Time
}

// IsPublic reports whether the client authenticates with no secret.
func (c *RegisteredClient) IsPublic() bool {
	return c.AuthMethod == AuthMethodNone
}

// ClientRegistration carries the validated caller-supplied fields of a
// registration request.
type ClientRegistration struct {
	// ClientName is the requested human-readable name. Required.
	ClientName string

	// RedirectURIs are the requested redirection endpoints. Required, 1-10
	// entries.
	RedirectURIs []string

	// GrantTypes are the requested grant types. Defaults to
	// ["authorization_code", "refresh_token"] when empty.
	GrantTypes []string

	// ResponseTypes are the requested response types. Defaults to ["code"]
	// when empty.
	ResponseTypes []string

	// AuthMethod is the requested token endpoint auth method. Defaults to
	// "none" when empty.
	AuthMethod string
}

// ClientRegistry stores registered OAuth clients in memory.
type ClientRegistry struct {
	mu sync.RWMutex

	// clients maps client ID to the registered record.
	clients map[string]*RegisteredClient

	// trustedHosts are the lowercased hostnames allowed in non-loopback
	// https redirect URIs.
	trustedHosts []string
}

// ClientRegistryOption configures a ClientRegistry.
type ClientRegistryOption func(*ClientRegistry)

// WithTrustedRedirectHosts sets the hosts permitted in non-loopback https
// redirect URIs. Matching is case-insensitive.
func WithTrustedRedirectHosts(hosts ...string) ClientRegistryOption {
	return func(r *ClientRegistry) {
		for _, h := range hosts {
			r.trustedHosts = append(r.trustedHosts, strings.ToLower(h))
		}
	}
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry(opts ...ClientRegistryOption) *ClientRegistry {
	r := &ClientRegistry{
		clients: make(map[string]*RegisteredClient),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates the request, assigns a client ID and, for confidential
// clients, a fresh secret, and stores the resulting record. It returns
// ErrRegistryFull at capacity and *RegistrationError when the request is
// invalid.
func (r *ClientRegistry) Register(reg ClientRegistration) (*RegisteredClient, error) {
	validated, regErr := r.validateRegistration(&reg)
	if regErr != nil {
		return nil, regErr
	}

	client := &RegisteredClient{
		ClientID:      uuid.NewString(),
		ClientName:    validated.ClientName,
		RedirectURIs:  slices.Clone(validated.RedirectURIs),
		GrantTypes:    validated.GrantTypes,
		ResponseTypes: validated.ResponseTypes,
		AuthMethod:    validated.AuthMethod,
		CreatedAt:     time.Now(),
	}
	if client.AuthMethod == AuthMethodClientSecretPost {
		secret, err := newClientSecret()
		if err != nil {
			return nil, err
		}
		client.ClientSecret = secret
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= MaxClients {
		return nil, ErrRegistryFull
	}
	r.clients[client.ClientID] = client
	return client, nil
}

// Get returns the registered client with the given ID.
func (r *ClientRegistry) Get(clientID string) (*RegisteredClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	return client, ok
}

// Authenticate verifies the presented secret for the given client. Public
// clients must present no secret; confidential clients must present the
// stored secret, compared in constant time. Every mismatch, including
// unknown client IDs, returns false.
func (r *ClientRegistry) Authenticate(clientID, presentedSecret string) bool {
	r.mu.RLock()
	client, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if client.IsPublic() {
		return presentedSecret == ""
	}
	if presentedSecret == "" || client.ClientSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(presentedSecret)) == 1
}

// Len returns the number of registered clients.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Cleanup evicts clients older than the staleness horizon, but only once
// the registry is at ninety percent of capacity or more. Registered clients
// are generally stable, so below that threshold nothing is evicted.
func (r *ClientRegistry) Cleanup() {
	threshold := MaxClients * 9 / 10
	cutoff := time.Now().Add(-clientStalenessHorizon)

	// Phase 1: collect stale client IDs under a read lock.
	r.mu.RLock()
	if len(r.clients) < threshold {
		r.mu.RUnlock()
		return
	}
	var stale []string
	for id, client := range r.clients {
		if client.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	// Phase 2: delete under the write lock, re-checking each entry.
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range stale {
		if client, ok := r.clients[id]; ok && client.CreatedAt.Before(cutoff) {
			delete(r.clients, id)
		}
	}
}

// validateRegistration checks a registration request against RFC 7591 and
// the server's redirect URI policy, returning a copy with defaults applied.
func (r *ClientRegistry) validateRegistration(reg *ClientRegistration) (*ClientRegistration, *RegistrationError) {
	if reg.ClientName == "" {
		return nil, &RegistrationError{
			Code:        ErrorCodeInvalidClientMetadata,
			Description: "client_name is required",
		}
	}
	if len(reg.ClientName) > MaxClientNameLength {
		return nil, &RegistrationError{
			Code:        ErrorCodeInvalidClientMetadata,
			Description: "client_name too long (maximum 256 characters)",
		}
	}

	if len(reg.RedirectURIs) == 0 {
		return nil, &RegistrationError{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: "redirect_uris is required",
		}
	}
	if len(reg.RedirectURIs) > MaxRedirectURIs {
		return nil, &RegistrationError{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: "too many redirect_uris (maximum 10)",
		}
	}
	for _, uri := range reg.RedirectURIs {
		if regErr := r.validateRedirectURI(uri); regErr != nil {
			return nil, regErr
		}
	}

	grantTypes, regErr := validateGrantTypes(reg.GrantTypes)
	if regErr != nil {
		return nil, regErr
	}
	responseTypes, regErr := validateResponseTypes(reg.ResponseTypes)
	if regErr != nil {
		return nil, regErr
	}

	authMethod := reg.AuthMethod
	if authMethod == "" {
		authMethod = AuthMethodNone
	}
	if !slices.Contains(supportedAuthMethods, authMethod) {
		return nil, &RegistrationError{
			Code:        ErrorCodeInvalidClientMetadata,
			Description: "unsupported token_endpoint_auth_method: " + authMethod,
		}
	}

	return &ClientRegistration{
		ClientName:    reg.ClientName,
		RedirectURIs:  reg.RedirectURIs,
		GrantTypes:    grantTypes,
		ResponseTypes: responseTypes,
		AuthMethod:    authMethod,
	}, nil
}

// validateRedirectURI enforces the server's redirect policy: loopback hosts
// may use http or https on any port, every other host must use https and
// appear in the trusted allowlist.
func (r *ClientRegistry) validateRedirectURI(raw string) *RegistrationError {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &RegistrationError{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: fmt.Sprintf("invalid redirect_uri: %s", raw),
		}
	}
	if u.Fragment != "" {
		return &RegistrationError{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: "redirect_uri must not contain a fragment",
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &RegistrationError{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: "redirect_uri scheme must be http or https",
		}
	}
	if isLoopbackHost(u.Hostname()) {
		return nil
	}
	if u.Scheme != "https" {
		return &RegistrationError{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: "http redirect_uris are only allowed for loopback hosts",
		}
	}
	if !slices.Contains(r.trustedHosts, strings.ToLower(u.Hostname())) {
		return &RegistrationError{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: "redirect_uri host is not a trusted front-end: " + u.Hostname(),
		}
	}
	return nil
}

func validateGrantTypes(grantTypes []string) ([]string, *RegistrationError) {
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	// authorization_code is required even when refresh_token alone would
	// pass the allowlist.
	if !slices.Contains(grantTypes, "authorization_code") {
		return nil, &RegistrationError{
			Code:        ErrorCodeInvalidClientMetadata,
			Description: "grant_types must include 'authorization_code'",
		}
	}
	for _, gt := range grantTypes {
		if !slices.Contains(supportedGrantTypes, gt) {
			return nil, &RegistrationError{
				Code:        ErrorCodeInvalidClientMetadata,
				Description: "unsupported grant_type: " + gt,
			}
		}
	}
	return grantTypes, nil
}

func validateResponseTypes(responseTypes []string) ([]string, *RegistrationError) {
	if len(responseTypes) == 0 {
		responseTypes = defaultResponseTypes
	}
	if !slices.Contains(responseTypes, "code") {
		return nil, &RegistrationError{
			Code:        ErrorCodeInvalidClientMetadata,
			Description: "response_types must include 'code'",
		}
	}
	for _, rt := range responseTypes {
		if !slices.Contains(supportedResponseTypes, rt) {
			return nil, &RegistrationError{
				Code:        ErrorCodeInvalidClientMetadata,
				Description: "unsupported response_type: " + rt,
			}
		}
	}
	return responseTypes, nil
}

// isLoopbackHost reports whether the hostname is a loopback address per
// RFC 8252 Section 7.3: localhost, 127.0.0.1, or ::1.
func isLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}
