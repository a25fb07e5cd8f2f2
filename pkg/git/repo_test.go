// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSignature = &object.Signature{
	Name:  "Test Author",
	Email: "test@example.com",
	When:  time.Now(),
}

// newMemoryVaultRepo builds an in-memory repository with one commit on
// the default branch and an origin remote carrying credentials.
func newMemoryVaultRepo(t *testing.T) *gogit.Repository {
	t.Helper()

	fs := memfs.New()
	repo, err := gogit.Init(memory.NewStorage(), fs)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	f, err := fs.Create("welcome.md")
	require.NoError(t, err)
	_, err = f.Write([]byte("# Welcome\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = wt.Add("welcome.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial import", &gogit.CommitOptions{Author: testSignature})
	require.NoError(t, err)

	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{"https://token@github.com/acme/notes.git"},
	})
	require.NoError(t, err)

	return repo
}

func TestDescribeRepo(t *testing.T) {
	t.Parallel()

	repo := newMemoryVaultRepo(t)

	info, err := describeRepo(repo, "origin", "master")
	require.NoError(t, err)
	assert.Equal(t, "master", info.Branch)
	assert.Equal(t, "https://***@github.com/acme/notes.git", info.RemoteURL,
		"remote credentials must not survive into startup logs")
	assert.NotEmpty(t, info.Head)
}

func TestDescribeRepoBranchMismatch(t *testing.T) {
	t.Parallel()

	repo := newMemoryVaultRepo(t)

	_, err := describeRepo(repo, "origin", "main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `expected "main"`)
}

func TestDescribeRepoMissingRemote(t *testing.T) {
	t.Parallel()

	repo := newMemoryVaultRepo(t)

	_, err := describeRepo(repo, "upstream", "master")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestDescribeRepoDetachedHead(t *testing.T) {
	t.Parallel()

	repo := newMemoryVaultRepo(t)

	head, err := repo.Head()
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{Hash: head.Hash()}))

	_, err = describeRepo(repo, "origin", "master")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detached")
}

func TestOpenVaultRepo(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "welcome.md"), []byte("# Welcome\n"), 0644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("welcome.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial import", &gogit.CommitOptions{Author: testSignature})
	require.NoError(t, err)

	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{"git@github.com:acme/notes.git"},
	})
	require.NoError(t, err)

	info, err := OpenVaultRepo(dir, "origin", "master")
	require.NoError(t, err)
	assert.Equal(t, "master", info.Branch)
	assert.Equal(t, "git@github.com:acme/notes.git", info.RemoteURL)
}

func TestOpenVaultRepoNotARepository(t *testing.T) {
	t.Parallel()

	_, err := OpenVaultRepo(t.TempDir(), "origin", "main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening vault repository")
}
