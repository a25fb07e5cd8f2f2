// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecretToken(t *testing.T) {
	t.Parallel()

	token, err := newSecretToken()
	require.NoError(t, err)

	raw, err := hex.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, tokenByteLength)

	other, err := newSecretToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestNewClientSecret(t *testing.T) {
	t.Parallel()

	secret, err := newClientSecret()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(secret)
	require.NoError(t, err)
	assert.Len(t, raw, tokenByteLength)

	other, err := newClientSecret()
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}
