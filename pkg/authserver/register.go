// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stacklok/notehive/pkg/authserver/storage"
	"github.com/stacklok/notehive/pkg/logger"
)

// maxRegisterBodySize caps registration request bodies (64KB). Generous
// for ten redirect URIs, small enough to shrug off junk payloads.
const maxRegisterBodySize = 64 * 1024

// registrationRequest is the RFC 7591 client metadata accepted at the
// registration endpoint. Unknown members are ignored per the RFC.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// registrationResponse is the RFC 7591 registration response. The secret
// is present only for confidential clients.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// RegisterHandler handles POST /oauth/register requests per RFC 7591.
func (s *Server) RegisterHandler(w http.ResponseWriter, req *http.Request) {
	if !s.registerLimiter.Check(s.clientIP(req)) {
		writeOAuthError(w, http.StatusTooManyRequests, ErrorTooManyRequests,
			"Too many registration requests, slow down")
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxRegisterBodySize)

	contentType := req.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		writeOAuthError(w, http.StatusBadRequest, storage.ErrorCodeInvalidClientMetadata,
			"Content-Type must be application/json")
		return
	}

	var regReq registrationRequest
	if err := json.NewDecoder(req.Body).Decode(&regReq); err != nil {
		writeOAuthError(w, http.StatusBadRequest, storage.ErrorCodeInvalidClientMetadata,
			"invalid JSON request body")
		return
	}

	client, err := s.clients.Register(storage.ClientRegistration{
		ClientName:    regReq.ClientName,
		RedirectURIs:  regReq.RedirectURIs,
		GrantTypes:    regReq.GrantTypes,
		ResponseTypes: regReq.ResponseTypes,
		AuthMethod:    regReq.TokenEndpointAuthMethod,
	})
	if err != nil {
		var regErr *storage.RegistrationError
		switch {
		case errors.As(err, &regErr):
			writeOAuthError(w, http.StatusBadRequest, regErr.Code, regErr.Description)
		case errors.Is(err, storage.ErrRegistryFull):
			writeOAuthError(w, http.StatusServiceUnavailable, ErrorServerError,
				"client registry is full, retry later")
		default:
			logger.Errorw("failed to register client", "error", err.Error())
			writeOAuthError(w, http.StatusInternalServerError, ErrorServerError,
				"failed to register client")
		}
		return
	}

	logger.Infow("registered new client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"auth_method", client.AuthMethod,
	)

	response := registrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            client.ClientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.AuthMethod,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorw("failed to encode registration response", "error", err.Error())
	}
}
