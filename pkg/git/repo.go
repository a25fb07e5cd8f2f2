// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"fmt"

	gogit "github.com/go-git/go-git/v5"
)

// RepoInfo describes the vault repository found at startup.
type RepoInfo struct {
	Branch    string
	RemoteURL string
	Head      string
}

// OpenVaultRepo verifies that path holds a git work tree checked out on
// the expected branch with the expected remote configured. It runs once
// at startup, before the server accepts traffic, and never invokes the
// git binary.
func OpenVaultRepo(path, remote, branch string) (*RepoInfo, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening vault repository at %s: %w", path, err)
	}
	return describeRepo(repo, remote, branch)
}

func describeRepo(repo *gogit.Repository, remoteName, branch string) (*RepoInfo, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return nil, fmt.Errorf("vault HEAD is detached at %s; check out branch %q first", head.Hash(), branch)
	}
	if current := head.Name().Short(); current != branch {
		return nil, fmt.Errorf("vault is on branch %q, expected %q", current, branch)
	}

	remote, err := repo.Remote(remoteName)
	if err != nil {
		return nil, fmt.Errorf("remote %q is not configured: %w", remoteName, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return nil, fmt.Errorf("remote %q has no URL", remoteName)
	}

	return &RepoInfo{
		Branch:    branch,
		RemoteURL: RedactCredentials(urls[0]),
		Head:      head.Hash().String(),
	}, nil
}
