// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/notehive/pkg/auth"
	"github.com/stacklok/notehive/pkg/authserver/storage"
	"github.com/stacklok/notehive/pkg/authserver/upstream/mocks"
)

const (
	testIssuer      = "https://notes.example.com"
	testRedirectURI = "https://trusted.example/cb"
	testUsername    = "octocat"
)

// testServer bundles a Server with its collaborators so scenario tests
// can drive the full chi route table and still reach into the stores.
type testServer struct {
	*Server
	router   http.Handler
	provider *mocks.MockProvider
	verifier *auth.TokenService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("github").AnyTimes()

	tokens, err := auth.NewTokenService(strings.Repeat("s", 32), testIssuer, testIssuer)
	require.NoError(t, err)

	srv := NewServer(
		Config{
			Issuer:          testIssuer,
			AllowedUsers:    []string{testUsername},
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 24 * time.Hour,
		},
		storage.NewClientRegistry(storage.WithTrustedRedirectHosts("trusted.example")),
		storage.NewGrantStore(),
		storage.NewSessionBridge(),
		tokens,
		provider,
	)

	return &testServer{
		Server:   srv,
		router:   srv.Routes(),
		provider: provider,
		verifier: tokens,
	}
}

// do routes one request through the full route table.
func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// registerClient registers a confidential client through the endpoint and
// returns its credentials.
func (ts *testServer) registerClient(t *testing.T) (clientID, clientSecret string) {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"client_name":                "X",
		"redirect_uris":              []string{testRedirectURI},
		"token_endpoint_auth_method": storage.AuthMethodClientSecretPost,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/oauth/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := ts.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp registrationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ClientID)
	require.NotEmpty(t, resp.ClientSecret)
	return resp.ClientID, resp.ClientSecret
}

// startAuthorization runs the authorize leg and returns the federation
// session key handed to the identity provider as its state parameter.
func (ts *testServer) startAuthorization(t *testing.T, clientID, state, challenge string) string {
	t.Helper()

	var capturedKey string
	ts.provider.EXPECT().
		AuthorizationURL(gomock.Any()).
		DoAndReturn(func(key string) string {
			capturedKey = key
			return "https://idp.example/authorize?state=" + url.QueryEscape(key)
		})

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {CodeChallengeMethodS256},
	}.Encode(), nil)
	w := ts.do(req)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	require.Contains(t, w.Header().Get("Location"), "https://idp.example/authorize")
	require.NotEmpty(t, capturedKey)
	return capturedKey
}

// postToken submits a form to the token endpoint.
func (ts *testServer) postToken(form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return ts.do(req)
}

// decodeOAuthError unmarshals the standard error body.
func decodeOAuthError(t *testing.T, w *httptest.ResponseRecorder) oauthError {
	t.Helper()
	var resp oauthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// locationQuery parses the query parameters of the Location header.
func locationQuery(t *testing.T, w *httptest.ResponseRecorder) url.Values {
	t.Helper()
	u, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return u.Query()
}
