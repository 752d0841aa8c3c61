// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

// Package gitcache implements [morph.GitRepoCache]
// with bare git mirrors managed by the git command-line tool.
package gitcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"morph.baserock.dev/pkg/morph"
	"zombiezen.com/go/log"
)

// Cache keeps bare mirrors of upstream repositories under a directory,
// one mirror per URL-encoded repository name.
type Cache struct {
	dir string

	mu      sync.Mutex
	fetched map[string]bool
}

var _ morph.GitRepoCache = (*Cache)(nil)

// Open returns a [Cache] rooted at dir, creating it if needed.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open git cache: %v", err)
	}
	return &Cache{
		dir:     dir,
		fetched: make(map[string]bool),
	}, nil
}

// mirrorPath returns the bare mirror directory for a repository URL.
func (c *Cache) mirrorPath(repo string) string {
	return filepath.Join(c.dir, url.QueryEscape(repo))
}

func (c *Cache) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// EnsureFetched mirrors the repository (or refreshes the mirror)
// so the given ref is available locally.
// A repository already refreshed in this process run is not refreshed again
// unless the ref does not resolve in its mirror.
func (c *Cache) EnsureFetched(ctx context.Context, repo, ref string) error {
	mirror := c.mirrorPath(repo)
	c.mu.Lock()
	done := c.fetched[mirror]
	c.mu.Unlock()
	if done {
		// Already refreshed this run; a pinned SHA cannot move.
		if _, err := c.ResolveRef(ctx, repo, ref); err == nil {
			return nil
		}
	}

	if _, err := os.Lstat(mirror); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		log.Infof(ctx, "Cloning %s", repo)
		if _, err := c.git(ctx, "", "clone", "--mirror", repo, mirror); err != nil {
			return err
		}
	} else {
		log.Infof(ctx, "Updating %s", repo)
		if _, err := c.git(ctx, mirror, "remote", "update", "--prune"); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.fetched[mirror] = true
	c.mu.Unlock()
	return nil
}

// ResolveRef resolves a ref to a commit SHA-1 in the mirror.
func (c *Cache) ResolveRef(ctx context.Context, repo, ref string) (string, error) {
	out, err := c.git(ctx, c.mirrorPath(repo), "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CatFile returns the contents of a file at a commit.
func (c *Cache) CatFile(ctx context.Context, repo, sha, path string) ([]byte, error) {
	out, err := c.git(ctx, c.mirrorPath(repo), "cat-file", "blob", sha+":"+path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") ||
			strings.Contains(err.Error(), "Not a valid object name") {
			return nil, fmt.Errorf("%s at %s: %w", path, sha[:8], fs.ErrNotExist)
		}
		return nil, err
	}
	return out, nil
}

// ListTree returns the file names at the root of a commit's tree.
func (c *Cache) ListTree(ctx context.Context, repo, sha string) ([]string, error) {
	out, err := c.git(ctx, c.mirrorPath(repo), "ls-tree", "--name-only", sha)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// SubmodulesAt parses .gitmodules at a commit
// and pairs each entry with its pinned commit from the tree.
func (c *Cache) SubmodulesAt(ctx context.Context, repo, sha string) ([]morph.Submodule, error) {
	modulesText, err := c.CatFile(ctx, repo, sha, ".gitmodules")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	// git config parses the .gitmodules syntax for us.
	tmp, err := os.CreateTemp("", "morph-gitmodules-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(modulesText); err != nil {
		tmp.Close()
		return nil, err
	}
	tmp.Close()
	out, err := c.git(ctx, "", "config", "--file", tmp.Name(), "--get-regexp", `submodule\..*\.path`)
	if err != nil {
		return nil, err
	}

	var subs []morph.Submodule
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		keyAndPath := strings.SplitN(line, " ", 2)
		if len(keyAndPath) != 2 {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(keyAndPath[0], "submodule."), ".path")
		path := keyAndPath[1]
		urlOut, err := c.git(ctx, "", "config", "--file", tmp.Name(), "submodule."+name+".url")
		if err != nil {
			return nil, err
		}
		pin, err := c.git(ctx, c.mirrorPath(repo), "rev-parse", sha+":"+path)
		if err != nil {
			return nil, fmt.Errorf("submodule %s has no pinned commit: %v", path, err)
		}
		subs = append(subs, morph.Submodule{
			Path: path,
			URL:  strings.TrimSpace(string(urlOut)),
			SHA:  strings.TrimSpace(string(pin)),
		})
	}
	return subs, nil
}

// Checkout materialises a commit's tree into dest
// without touching the mirror's state.
func (c *Cache) Checkout(ctx context.Context, repo, sha, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	// Pipe a tree archive out of the bare mirror rather than
	// cloning a working tree: dest must not be a git repository.
	archive := exec.CommandContext(ctx, "git", "archive", sha)
	archive.Dir = c.mirrorPath(repo)
	var stderr bytes.Buffer
	archive.Stderr = &stderr
	pipe, err := archive.StdoutPipe()
	if err != nil {
		return err
	}
	untar := exec.CommandContext(ctx, "tar", "-x", "-C", dest)
	untar.Stdin = pipe
	untar.Stderr = &stderr
	if err := archive.Start(); err != nil {
		return err
	}
	if err := untar.Run(); err != nil {
		archive.Wait()
		return fmt.Errorf("checkout %s at %s: %v: %s", repo, sha[:8], err, strings.TrimSpace(stderr.String()))
	}
	if err := archive.Wait(); err != nil {
		return fmt.Errorf("checkout %s at %s: %v: %s", repo, sha[:8], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
