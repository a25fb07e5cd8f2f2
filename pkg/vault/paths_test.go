// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWithinVault(t *testing.T) {
	t.Parallel()

	root := "/vault"
	tests := []struct {
		name     string
		userPath string
		want     string
		wantErr  error
	}{
		{
			name:     "simple note",
			userPath: "todo.md",
			want:     "/vault/todo.md",
		},
		{
			name:     "nested note",
			userPath: "projects/notehive/plan.md",
			want:     "/vault/projects/notehive/plan.md",
		},
		{
			name:     "dot segments collapse inside the vault",
			userPath: "projects/./sub/../plan.md",
			want:     "/vault/projects/plan.md",
		},
		{
			name:     "root itself",
			userPath: ".",
			want:     "/vault",
		},
		{
			name:     "leading slash is treated as vault-relative",
			userPath: "/inbox/idea.md",
			want:     "/vault/inbox/idea.md",
		},
		{
			name:     "empty path",
			userPath: "",
			wantErr:  ErrPathEscape,
		},
		{
			name:     "whitespace only",
			userPath: "   ",
			wantErr:  ErrPathEscape,
		},
		{
			name:     "parent traversal",
			userPath: "../escape.md",
			wantErr:  ErrPathEscape,
		},
		{
			name:     "deep traversal",
			userPath: "../../etc/passwd",
			wantErr:  ErrPathEscape,
		},
		{
			name:     "traversal hidden behind a valid prefix",
			userPath: "projects/../../outside.md",
			wantErr:  ErrPathEscape,
		},
		{
			name:     "git directory",
			userPath: ".git/config",
			wantErr:  ErrForbiddenDirectory,
		},
		{
			name:     "nested git directory",
			userPath: "projects/.git/config",
			wantErr:  ErrForbiddenDirectory,
		},
		{
			name:     "first component with forbidden prefix",
			userPath: ".gitignore",
			wantErr:  ErrForbiddenDirectory,
		},
		{
			name:     "forbidden prefix allowed past the first component",
			userPath: "projects/.gitignore",
			want:     "/vault/projects/.gitignore",
		},
		{
			name:     "obsidian directory",
			userPath: ".obsidian/app.json",
			wantErr:  ErrForbiddenDirectory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ResolveWithinVault(root, tt.userPath, nil)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveWithinVaultCustomForbidden(t *testing.T) {
	t.Parallel()

	_, err := ResolveWithinVault("/vault", "private/diary.md", []string{"private"})
	require.ErrorIs(t, err, ErrForbiddenDirectory)

	got, err := ResolveWithinVault("/vault", ".obsidian/app.json", []string{"private"})
	require.NoError(t, err)
	assert.Equal(t, "/vault/.obsidian/app.json", got)
}

func TestResolveExistingWithinVault(t *testing.T) {
	t.Parallel()

	root := canonicalTempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "projects"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "projects", "plan.md"), []byte("# plan\n"), 0644))

	t.Run("existing note", func(t *testing.T) {
		t.Parallel()

		got, err := ResolveExistingWithinVault(root, "projects/plan.md", nil)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "projects", "plan.md"), got)
	})

	t.Run("missing note under existing directory", func(t *testing.T) {
		t.Parallel()

		got, err := ResolveExistingWithinVault(root, "projects/new.md", nil)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "projects", "new.md"), got)
	})

	t.Run("missing note under missing directories", func(t *testing.T) {
		t.Parallel()

		got, err := ResolveExistingWithinVault(root, "a/b/c/new.md", nil)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "a", "b", "c", "new.md"), got)
	})

	t.Run("lexical traversal still rejected", func(t *testing.T) {
		t.Parallel()

		_, err := ResolveExistingWithinVault(root, "../../etc/passwd", nil)
		require.ErrorIs(t, err, ErrPathEscape)
	})
}

func TestResolveExistingWithinVaultSymlinkEscape(t *testing.T) {
	t.Parallel()

	root := canonicalTempDir(t)
	outside := canonicalTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.md"), []byte("secret\n"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	// The link target exists outside the vault.
	_, err := ResolveExistingWithinVault(root, "link/secret.md", nil)
	require.ErrorIs(t, err, ErrPathEscape)

	// A missing file behind the link is still an escape: the nearest
	// existing ancestor resolves outside the vault.
	_, err = ResolveExistingWithinVault(root, "link/new.md", nil)
	require.ErrorIs(t, err, ErrPathEscape)
}

func TestResolveExistingWithinVaultSymlinkToForbidden(t *testing.T) {
	t.Parallel()

	root := canonicalTempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0755))
	require.NoError(t, os.Symlink(filepath.Join(root, ".git"), filepath.Join(root, "gitlink")))

	// The lexical path is clean but canonicalization lands in .git.
	_, err := ResolveExistingWithinVault(root, "gitlink/config", nil)
	require.ErrorIs(t, err, ErrForbiddenDirectory)
}

func TestResolveExistingWithinVaultSymlinkInside(t *testing.T) {
	t.Parallel()

	root := canonicalTempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "archive"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "archive", "old.md"), []byte("old\n"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(root, "archive"), filepath.Join(root, "alias")))

	// Symlinks that stay inside the vault are fine; the canonical target
	// is returned.
	got, err := ResolveExistingWithinVault(root, "alias/old.md", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "archive", "old.md"), got)
}

// canonicalTempDir returns a temp directory with symlinks resolved, so
// path comparisons hold on systems where the temp root is itself a
// symlink.
func canonicalTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}
