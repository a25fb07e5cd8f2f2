// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Path confinement failures. Tool handlers surface these through the tool
// error channel; they never become HTTP errors.
var (
	// ErrPathEscape indicates a path that resolves outside the vault root.
	ErrPathEscape = errors.New("path escapes the vault")

	// ErrForbiddenDirectory indicates a path touching a reserved directory.
	ErrForbiddenDirectory = errors.New("path touches a forbidden directory")
)

// DefaultForbiddenDirectories are the reserved directory names no note
// path may contain.
var DefaultForbiddenDirectories = []string{".git", ".obsidian"}

// ResolveWithinVault lexically resolves userPath against root and enforces
// vault confinement: the result must be root itself or a descendant, no
// component may equal a forbidden directory name, and the first component
// must not have a forbidden name as prefix. It does not touch the
// filesystem; see ResolveExistingWithinVault for the symlink-safe variant.
func ResolveWithinVault(root, userPath string, forbidden []string) (string, error) {
	if strings.TrimSpace(userPath) == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscape)
	}

	root = filepath.Clean(root)
	joined := filepath.Join(root, userPath)

	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q traverses outside the vault root", ErrPathEscape, userPath)
	}

	if rel != "." {
		if err := checkForbiddenComponents(rel, forbidden); err != nil {
			return "", err
		}
	}

	return joined, nil
}

// ResolveExistingWithinVault is the symlink-safe variant of
// ResolveWithinVault. It canonicalizes the lexically resolved path, or the
// nearest existing ancestor when the path does not exist yet, and repeats
// the confinement check against the canonical root. The returned path is
// fully resolved and safe for filesystem access.
func ResolveExistingWithinVault(root, userPath string, forbidden []string) (string, error) {
	lexical, err := ResolveWithinVault(root, userPath, forbidden)
	if err != nil {
		return "", err
	}

	canonicalRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolving vault root: %w", err)
	}

	resolved, err := canonicalizeToAncestor(lexical)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(canonicalRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves outside the vault root", ErrPathEscape, userPath)
	}
	if rel != "." {
		if err := checkForbiddenComponents(rel, forbidden); err != nil {
			return "", err
		}
	}

	return resolved, nil
}

// canonicalizeToAncestor resolves symlinks in path. When path does not
// exist, it walks up to the nearest existing ancestor, resolves that, and
// re-joins the missing suffix. A missing ancestor is not an escape; the
// walk stops at the filesystem root.
func canonicalizeToAncestor(path string) (string, error) {
	var suffix []string
	current := path

	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolving %q: %w", path, err)
		}

		parent := filepath.Dir(current)
		if parent == current {
			// Filesystem root without an existing ancestor. Nothing
			// further to resolve.
			return path, nil
		}
		suffix = append(suffix, filepath.Base(current))
		current = parent
	}
}

func checkForbiddenComponents(rel string, forbidden []string) error {
	if len(forbidden) == 0 {
		forbidden = DefaultForbiddenDirectories
	}
	components := strings.Split(rel, string(filepath.Separator))
	for _, name := range forbidden {
		if strings.HasPrefix(components[0], name) {
			return fmt.Errorf("%w: %q is reserved", ErrForbiddenDirectory, name)
		}
		for _, c := range components {
			if c == name {
				return fmt.Errorf("%w: %q is reserved", ErrForbiddenDirectory, name)
			}
		}
	}
	return nil
}
