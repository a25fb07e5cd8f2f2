// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth issues and validates the bearer tokens that protect the
// MCP surface, and provides the middleware and discovery document the
// protected routes hang off.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSubject is the constant subject claim. The server fronts a single
// logical vault principal; the allowlist decides which federated
// identities may assume it, and tokens do not distinguish callers beyond
// that.
const TokenSubject = "vault"

// MinSecretLength is the minimum HMAC secret size in bytes.
const MinSecretLength = 32

// Common errors
var (
	ErrWeakSecret   = errors.New("JWT secret must be at least 32 bytes")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the statements carried by an access token.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
}

// TokenService signs and validates access tokens with a symmetric
// secret. The issuer and audience are fixed at construction; every token
// this server mints carries them, and every token it accepts must.
type TokenService struct {
	secret   []byte
	issuer   string
	audience string
}

// NewTokenService creates a TokenService. The secret length is enforced
// here so a weak deployment fails at startup rather than at first use.
func NewTokenService(secret, issuer, audience string) (*TokenService, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &TokenService{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}, nil
}

// Issue signs an access token for clientID valid for ttl.
func (s *TokenService) Issue(clientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   TokenSubject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates the signature, signing method, issuer, audience, and
// time bounds of a token. Every failure mode returns ErrInvalidToken;
// the cause is deliberately not distinguished to callers.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		// Reject anything but HMAC before touching the secret, so an
		// asymmetric token cannot trick the parser into key confusion.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject != TokenSubject {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
