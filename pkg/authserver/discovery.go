// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stacklok/notehive/pkg/authserver/storage"
	"github.com/stacklok/notehive/pkg/logger"
)

// discoveryCacheMaxAge is the Cache-Control max-age for the discovery
// endpoint (1 hour). Aligned with Google's OIDC discovery cache policy.
const discoveryCacheMaxAge = 3600

// AuthorizationServerMetadata is the RFC 8414 OAuth 2.0 Authorization
// Server Metadata document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// buildMetadata constructs the RFC 8414 document from the issuer URL.
func (s *Server) buildMetadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                 s.issuer,
		AuthorizationEndpoint:  s.issuer + "/oauth/authorize",
		TokenEndpoint:          s.issuer + "/oauth/token",
		RegistrationEndpoint:   s.issuer + "/oauth/register",
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported: []string{
			CodeChallengeMethodS256,
		},
		TokenEndpointAuthMethodsSupported: []string{
			storage.AuthMethodClientSecretPost,
			storage.AuthMethodNone,
		},
	}
}

// DiscoveryHandler handles GET /.well-known/oauth-authorization-server
// requests per RFC 8414.
func (s *Server) DiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(s.buildMetadata())
	if err != nil {
		logger.Errorw("failed to encode authorization server metadata",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
