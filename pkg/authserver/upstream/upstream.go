// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to the federated identity provider that
// authenticates vault users. The authorization server never handles user
// credentials itself: it sends the browser to the provider, redeems the
// returned code, and resolves the identity the user allowlist is applied
// to. Two providers are supported, the GitHub OAuth web flow and any
// OpenID Connect issuer with discovery.
package upstream

//go:generate mockgen -destination=mocks/mock_upstream.go -package=mocks -source=upstream.go Provider

import (
	"context"
	"time"
)

const (
	// exchangeTimeout bounds the code exchange and identity fetch against
	// the provider.
	exchangeTimeout = 10 * time.Second

	// maxResponseSize caps provider API responses read into memory.
	maxResponseSize = 64 * 1024

	// userAgent identifies outbound provider requests.
	userAgent = "notehive"
)

// Identity is the authenticated user as reported by the provider.
type Identity struct {
	// Username is the provider-scoped identifier the user allowlist
	// matches on.
	Username string

	// Email is the user's email address, when the provider shares one.
	Email string

	// Name is the user's display name, when the provider shares one.
	Name string
}

// Provider handles the federated round-trip to an upstream identity
// provider.
type Provider interface {
	// Name returns the provider name used in the callback route.
	Name() string

	// AuthorizationURL builds the URL to redirect the user to. The state
	// value carries the opaque federation session key.
	AuthorizationURL(state string) string

	// ExchangeCodeForIdentity redeems the callback code for the provider's
	// access token and resolves the authenticated identity.
	ExchangeCodeForIdentity(ctx context.Context, code string) (*Identity, error)
}
