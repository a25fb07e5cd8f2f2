// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndConsumeAuthorizationCode(t *testing.T) {
	t.Parallel()

	store := NewGrantStore()

	code, err := store.IssueAuthorizationCode("client-1", "http://localhost:8080/cb", "challenge-abc")
	require.NoError(t, err)

	raw, err := hex.DecodeString(code)
	require.NoError(t, err, "code should be hex encoded")
	assert.Len(t, raw, 32, "code should carry 256 bits")

	record := store.ConsumeAuthorizationCode(code)
	require.NotNil(t, record)
	assert.Equal(t, code, record.Code)
	assert.Equal(t, "client-1", record.ClientID)
	assert.Equal(t, "http://localhost:8080/cb", record.RedirectURI)
	assert.Equal(t, "challenge-abc", record.CodeChallenge)
	assert.WithinDuration(t, time.Now().Add(AuthorizationCodeTTL), record.ExpiresAt, 5*time.Second)

	assert.Nil(t, store.ConsumeAuthorizationCode(code), "codes are one-time use")
	assert.Zero(t, store.AuthorizationCodeCount())
}

func TestConsumeAuthorizationCodeUnknown(t *testing.T) {
	t.Parallel()

	store := NewGrantStore()
	assert.Nil(t, store.ConsumeAuthorizationCode("nonexistent"))
}

func TestConsumeAuthorizationCodeExpired(t *testing.T) {
	t.Parallel()

	store := NewGrantStore()
	code, err := store.IssueAuthorizationCode("client-1", "http://localhost/cb", "challenge")
	require.NoError(t, err)
	store.codes[code].ExpiresAt = time.Now().Add(-time.Second)

	assert.Nil(t, store.ConsumeAuthorizationCode(code))
	assert.Zero(t, store.AuthorizationCodeCount(), "expired code is removed by the consume")
}

func TestAuthorizationCodeCapacityEvictsOldest(t *testing.T) {
	t.Parallel()

	store := NewGrantStore()
	base := time.Now()
	for i := 0; i < MaxAuthorizationCodes; i++ {
		key := fmt.Sprintf("code-%04d", i)
		store.codes[key] = &AuthorizationCode{
			Code:      key,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			ExpiresAt: base.Add(time.Hour),
		}
	}

	code, err := store.IssueAuthorizationCode("client-1", "http://localhost/cb", "challenge")
	require.NoError(t, err)

	assert.Equal(t, MaxAuthorizationCodes, store.AuthorizationCodeCount())
	assert.Nil(t, store.ConsumeAuthorizationCode("code-0000"), "oldest code is evicted")
	assert.NotNil(t, store.ConsumeAuthorizationCode(code))
}

func TestIssueAndConsumeRefreshToken(t *testing.T) {
	t.Parallel()

	store := NewGrantStore()

	token, err := store.IssueRefreshToken("client-1", time.Hour)
	require.NoError(t, err)

	raw, err := hex.DecodeString(token)
	require.NoError(t, err, "token should be hex encoded")
	assert.Len(t, raw, 32)

	record := store.ConsumeRefreshToken(token)
	require.NotNil(t, record)
	assert.Equal(t, token, record.Token)
	assert.Equal(t, "client-1", record.ClientID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), record.ExpiresAt, 5*time.Second)

	assert.Nil(t, store.ConsumeRefreshToken(token), "consumed tokens are never valid again")
}

func TestConsumeRefreshTokenExpired(t *testing.T) {
	t.Parallel()

	store := NewGrantStore()
	token, err := store.IssueRefreshToken("client-1", time.Hour)
	require.NoError(t, err)
	store.refreshTokens[token].ExpiresAt = time.Now().Add(-time.Second)

	assert.Nil(t, store.ConsumeRefreshToken(token))
	assert.Zero(t, store.RefreshTokenCount())
}

func TestRefreshTokenCapacityEvictsOldest(t *testing.T) {
	t.Parallel()

	store := NewGrantStore()
	base := time.Now()
	for i := 0; i < MaxRefreshTokens; i++ {
		key := fmt.Sprintf("token-%04d", i)
		store.refreshTokens[key] = &RefreshToken{
			Token:     key,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			ExpiresAt: base.Add(time.Hour),
		}
	}

	token, err := store.IssueRefreshToken("client-1", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, MaxRefreshTokens, store.RefreshTokenCount())
	assert.Nil(t, store.ConsumeRefreshToken("token-0000"), "oldest token is evicted")
	assert.NotNil(t, store.ConsumeRefreshToken(token))
}

func TestGrantStoreCleanup(t *testing.T) {
	t.Parallel()

	store := NewGrantStore()
	now := time.Now()

	store.codes["live"] = &AuthorizationCode{Code: "live", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	store.codes["dead"] = &AuthorizationCode{Code: "dead", CreatedAt: now, ExpiresAt: now.Add(-time.Minute)}
	store.refreshTokens["live"] = &RefreshToken{Token: "live", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	store.refreshTokens["dead"] = &RefreshToken{Token: "dead", CreatedAt: now, ExpiresAt: now.Add(-time.Minute)}

	store.Cleanup()

	assert.Equal(t, 1, store.AuthorizationCodeCount())
	assert.Equal(t, 1, store.RefreshTokenCount())
	assert.NotNil(t, store.ConsumeAuthorizationCode("live"))
	assert.NotNil(t, store.ConsumeRefreshToken("live"))
}
