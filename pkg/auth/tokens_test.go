// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testIssuer   = "https://notes.example.com"
	testAudience = "https://notes.example.com"
)

func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	svc, err := NewTokenService(testSecret, testIssuer, testAudience)
	require.NoError(t, err)
	return svc
}

func TestNewTokenServiceRejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := NewTokenService("too-short", testIssuer, testAudience)
	require.ErrorIs(t, err, ErrWeakSecret)

	_, err = NewTokenService(testSecret, testIssuer, testAudience)
	require.NoError(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()

	svc := newTestTokenService(t)

	token, err := svc.Issue("client-123", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "client-123", claims.ClientID)
	assert.Equal(t, TokenSubject, claims.Subject)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{testAudience}, claims.Audience)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	svc := newTestTokenService(t)

	token, err := svc.Issue("client-123", -time.Minute)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	svc := newTestTokenService(t)
	other, err := NewTokenService("ffffffffffffffffffffffffffffffff", testIssuer, testAudience)
	require.NoError(t, err)

	token, err := svc.Issue("client-123", time.Hour)
	require.NoError(t, err)

	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongIssuerAndAudience(t *testing.T) {
	t.Parallel()

	svc := newTestTokenService(t)

	otherIssuer, err := NewTokenService(testSecret, "https://evil.example.com", testAudience)
	require.NoError(t, err)
	token, err := otherIssuer.Issue("client-123", time.Hour)
	require.NoError(t, err)
	_, err = svc.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	otherAudience, err := NewTokenService(testSecret, testIssuer, "https://other.example.com")
	require.NoError(t, err)
	token, err = otherAudience.Issue("client-123", time.Hour)
	require.NoError(t, err)
	_, err = svc.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	t.Parallel()

	svc := newTestTokenService(t)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   TokenSubject,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ClientID: "client-123",
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForeignSubject(t *testing.T) {
	t.Parallel()

	svc := newTestTokenService(t)

	// Signed with the right secret but a subject this server never
	// issues.
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "someone-else",
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ClientID: "client-123",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = svc.Verify(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	t.Parallel()

	svc := newTestTokenService(t)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := svc.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}
