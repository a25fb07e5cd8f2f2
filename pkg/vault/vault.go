// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package vault provides confined access to the Markdown note vault.
// Every operation resolves its path through the confinement checks in
// this package before touching the filesystem; reserved directories such
// as .git are never readable or writable through it.
package vault

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrNoteNotFound indicates a read or delete of a note that does not exist.
var ErrNoteNotFound = errors.New("note not found")

// DefaultSearchLimit caps search results when the caller does not supply
// a limit.
const DefaultSearchLimit = 50

// MaxSearchLimit is the hard ceiling on search results per query.
const MaxSearchLimit = 200

// maxLineLength bounds the line scanner buffer for search and tag walks.
const maxLineLength = 1024 * 1024

// Vault is a handle on the note vault working tree. The root is
// canonicalized once at construction; all operations are confined to it.
type Vault struct {
	root      string
	forbidden []string
}

// Option configures a Vault.
type Option func(*Vault)

// WithForbiddenDirectories overrides the reserved directory names.
func WithForbiddenDirectories(names ...string) Option {
	return func(v *Vault) {
		v.forbidden = names
	}
}

// New opens the vault rooted at the given absolute path.
func New(root string, opts ...Option) (*Vault, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("vault root must be absolute, got %q", root)
	}

	canonical, err := filepath.EvalSymlinks(filepath.Clean(root))
	if err != nil {
		return nil, fmt.Errorf("resolving vault root %q: %w", root, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("checking vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %q is not a directory", root)
	}

	v := &Vault{
		root:      canonical,
		forbidden: DefaultForbiddenDirectories,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Root returns the canonical vault root.
func (v *Vault) Root() string {
	return v.root
}

// Resolve validates userPath and returns the absolute filesystem path it
// denotes inside the vault.
func (v *Vault) Resolve(userPath string) (string, error) {
	return ResolveExistingWithinVault(v.root, userPath, v.forbidden)
}

// Rel converts an absolute path inside the vault back to the
// slash-separated form used in listings and commit descriptions.
func (v *Vault) Rel(abs string) string {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// ReadNote returns the contents of the note at path.
func (v *Vault) ReadNote(path string) (string, error) {
	abs, err := v.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs) // #nosec G304 -- abs is confined to the vault root above
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNoteNotFound, path)
		}
		return "", fmt.Errorf("reading note: %w", err)
	}
	return string(data), nil
}

// WriteNote creates or overwrites the note at path, creating parent
// directories as needed. It reports whether the note was newly created.
func (v *Vault) WriteNote(path, content string) (bool, error) {
	abs, err := v.Resolve(path)
	if err != nil {
		return false, err
	}

	created := false
	if _, err := os.Stat(abs); err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("checking note: %w", err)
		}
		created = true
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return false, fmt.Errorf("creating note directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil { // #nosec G306 -- notes are shared vault content, not secrets
		return false, fmt.Errorf("writing note: %w", err)
	}
	return created, nil
}

// DeleteNote removes the note at path.
func (v *Vault) DeleteNote(path string) error {
	abs, err := v.Resolve(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoteNotFound, path)
		}
		return fmt.Errorf("checking note: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%q is a directory, not a note", path)
	}

	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("deleting note: %w", err)
	}
	return nil
}

// ListNotes returns the vault-relative paths of all Markdown notes under
// dir, sorted. An empty dir lists the entire vault.
func (v *Vault) ListNotes(dir string) ([]string, error) {
	start := v.root
	if strings.TrimSpace(dir) != "" {
		abs, err := v.Resolve(dir)
		if err != nil {
			return nil, err
		}
		start = abs
	}

	var notes []string
	err := v.walkNotes(start, func(abs string) error {
		notes = append(notes, v.Rel(abs))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(notes)
	return notes, nil
}

// SearchResult is a single matching line from a note.
type SearchResult struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SearchNotes scans every Markdown note for lines containing query,
// case-insensitively, returning at most limit matches.
func (v *Vault) SearchNotes(query string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query must not be empty")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	needle := strings.ToLower(query)
	var results []SearchResult

	err := v.walkNotes(v.root, func(abs string) error {
		if len(results) >= limit {
			return fs.SkipAll
		}
		return v.scanLines(abs, func(n int, line string) bool {
			if strings.Contains(strings.ToLower(line), needle) {
				results = append(results, SearchResult{
					Path: v.Rel(abs),
					Line: n,
					Text: strings.TrimSpace(line),
				})
			}
			return len(results) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// inlineTagPattern matches Obsidian-style inline tags such as #project
// or #area/work.
var inlineTagPattern = regexp.MustCompile(`(?:^|\s)#([A-Za-z][\w/-]*)`)

// Tags returns every tag used in the vault with its occurrence count.
// Both inline #tags and front-matter tag lists are counted.
func (v *Vault) Tags() (map[string]int, error) {
	tags := make(map[string]int)

	err := v.walkNotes(v.root, func(abs string) error {
		inFrontMatter := false
		inTagList := false
		first := true
		return v.scanLines(abs, func(_ int, line string) bool {
			trimmed := strings.TrimSpace(line)
			if first {
				first = false
				if trimmed == "---" {
					inFrontMatter = true
					return true
				}
			}
			if inFrontMatter {
				if trimmed == "---" {
					inFrontMatter = false
					return true
				}
				collectFrontMatterTags(trimmed, &inTagList, tags)
				return true
			}
			for _, m := range inlineTagPattern.FindAllStringSubmatch(line, -1) {
				tags[m[1]]++
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// wikiLinkPattern matches [[target]] and [[target|alias]] links.
var wikiLinkPattern = regexp.MustCompile(`\[\[([^\]|#]+)(?:[|#][^\]]*)?\]\]`)

// Backlinks returns the vault-relative paths of notes linking to the note
// at path via wiki links, sorted. Links may use the full vault-relative
// path or just the note name, with or without the .md extension.
func (v *Vault) Backlinks(path string) ([]string, error) {
	abs, err := v.Resolve(path)
	if err != nil {
		return nil, err
	}
	targetRel := strings.TrimSuffix(v.Rel(abs), ".md")
	targetName := strings.TrimSuffix(filepath.Base(abs), ".md")

	var links []string
	err = v.walkNotes(v.root, func(noteAbs string) error {
		if noteAbs == abs {
			return nil
		}
		data, err := os.ReadFile(noteAbs) // #nosec G304 -- walk is confined to the vault root
		if err != nil {
			return fmt.Errorf("reading note: %w", err)
		}
		for _, m := range wikiLinkPattern.FindAllStringSubmatch(string(data), -1) {
			target := strings.TrimSuffix(strings.TrimSpace(m[1]), ".md")
			if strings.EqualFold(target, targetRel) || strings.EqualFold(target, targetName) {
				links = append(links, v.Rel(noteAbs))
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(links)
	return links, nil
}

// walkNotes visits every Markdown note under start, skipping forbidden
// directories.
func (v *Vault) walkNotes(start string, fn func(abs string) error) error {
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			for _, name := range v.forbidden {
				if d.Name() == name {
					return fs.SkipDir
				}
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), ".md") {
			return nil
		}
		return fn(path)
	})
	if errors.Is(err, fs.SkipAll) {
		return nil
	}
	return err
}

// scanLines calls fn for each line of the file until fn returns false.
func (*Vault) scanLines(abs string, fn func(n int, line string) bool) error {
	f, err := os.Open(abs) // #nosec G304 -- walk is confined to the vault root
	if err != nil {
		return fmt.Errorf("opening note: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for n := 1; scanner.Scan(); n++ {
		if !fn(n, scanner.Text()) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning note: %w", err)
	}
	return nil
}

func collectFrontMatterTags(trimmed string, inTagList *bool, tags map[string]int) {
	switch {
	case strings.HasPrefix(trimmed, "tags:"):
		*inTagList = true
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "tags:"))
		if rest == "" {
			return
		}
		*inTagList = false
		rest = strings.Trim(rest, "[]")
		for _, tag := range strings.Split(rest, ",") {
			if t := strings.Trim(strings.TrimSpace(tag), `"'#`); t != "" {
				tags[t]++
			}
		}
	case *inTagList && strings.HasPrefix(trimmed, "- "):
		if t := strings.Trim(strings.TrimSpace(strings.TrimPrefix(trimmed, "- ")), `"'#`); t != "" {
			tags[t]++
		}
	case *inTagList && trimmed != "":
		*inTagList = false
	}
}
