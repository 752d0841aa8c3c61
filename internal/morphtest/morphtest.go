// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

// Package morphtest provides an in-memory [morph.GitRepoCache]
// for tests that resolve and build from fabricated repositories.
package morphtest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"morph.baserock.dev/pkg/morph"
)

// Repo is one fake repository's content.
type Repo struct {
	// Refs maps ref names to commit SHAs.
	// SHA keys of Files resolve to themselves implicitly.
	Refs map[string]string
	// Files maps commit SHA to path to file contents.
	Files map[string]map[string][]byte
	// Submodules maps commit SHA to submodule pins.
	Submodules map[string][]morph.Submodule
}

// RepoCache is an in-memory [morph.GitRepoCache].
type RepoCache struct {
	Repos map[string]*Repo

	mu sync.Mutex
	// ResolveCalls counts ResolveRef invocations per "repo ref".
	ResolveCalls map[string]int
}

var _ morph.GitRepoCache = (*RepoCache)(nil)

// NewRepoCache returns a cache serving the given repositories.
func NewRepoCache(repos map[string]*Repo) *RepoCache {
	return &RepoCache{
		Repos:        repos,
		ResolveCalls: make(map[string]int),
	}
}

func (c *RepoCache) repo(repo string) (*Repo, error) {
	r := c.Repos[repo]
	if r == nil {
		return nil, fmt.Errorf("unknown repository %q", repo)
	}
	return r, nil
}

func (c *RepoCache) EnsureFetched(ctx context.Context, repo, ref string) error {
	_, err := c.repo(repo)
	return err
}

func (c *RepoCache) ResolveRef(ctx context.Context, repo, ref string) (string, error) {
	c.mu.Lock()
	c.ResolveCalls[repo+" "+ref]++
	c.mu.Unlock()
	r, err := c.repo(repo)
	if err != nil {
		return "", err
	}
	if sha, ok := r.Refs[ref]; ok {
		return sha, nil
	}
	if _, ok := r.Files[ref]; ok {
		return ref, nil
	}
	return "", fmt.Errorf("ref %q not found in %q", ref, repo)
}

func (c *RepoCache) CatFile(ctx context.Context, repo, sha, path string) ([]byte, error) {
	r, err := c.repo(repo)
	if err != nil {
		return nil, err
	}
	tree, ok := r.Files[sha]
	if !ok {
		return nil, fmt.Errorf("commit %q not found in %q", sha, repo)
	}
	data, ok := tree[path]
	if !ok {
		return nil, fmt.Errorf("%s at %s: %w", path, sha, fs.ErrNotExist)
	}
	return data, nil
}

func (c *RepoCache) ListTree(ctx context.Context, repo, sha string) ([]string, error) {
	r, err := c.repo(repo)
	if err != nil {
		return nil, err
	}
	tree, ok := r.Files[sha]
	if !ok {
		return nil, fmt.Errorf("commit %q not found in %q", sha, repo)
	}
	seen := make(map[string]bool)
	var names []string
	for path := range tree {
		root, _, _ := strings.Cut(path, "/")
		if !seen[root] {
			seen[root] = true
			names = append(names, root)
		}
	}
	return names, nil
}

func (c *RepoCache) SubmodulesAt(ctx context.Context, repo, sha string) ([]morph.Submodule, error) {
	r, err := c.repo(repo)
	if err != nil {
		return nil, err
	}
	return r.Submodules[sha], nil
}

func (c *RepoCache) Checkout(ctx context.Context, repo, sha, dest string) error {
	r, err := c.repo(repo)
	if err != nil {
		return err
	}
	tree, ok := r.Files[sha]
	if !ok {
		return fmt.Errorf("commit %q not found in %q", sha, repo)
	}
	for path, data := range tree {
		p := filepath.Join(dest, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
