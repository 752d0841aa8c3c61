// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package morph

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sync"
)

// Submodule pins one git submodule of a source tree.
type Submodule struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	SHA  string `json:"sha"`
}

// GitRepoCache is the interface to the git mirror store.
// Implementations keep bare mirrors of upstream repositories
// and answer content queries without a working tree.
type GitRepoCache interface {
	// EnsureFetched makes the given ref of the repository available locally.
	EnsureFetched(ctx context.Context, repo, ref string) error
	// ResolveRef resolves a ref (branch, tag, or SHA-1) to a commit SHA-1.
	ResolveRef(ctx context.Context, repo, ref string) (string, error)
	// CatFile returns the contents of a file at a commit.
	// It returns an error satisfying errors.Is(err, fs.ErrNotExist)
	// if the path does not exist at that commit.
	CatFile(ctx context.Context, repo, sha, path string) ([]byte, error)
	// ListTree returns the file names at the root of the tree at a commit.
	ListTree(ctx context.Context, repo, sha string) ([]string, error)
	// SubmodulesAt returns the submodules pinned by the commit.
	SubmodulesAt(ctx context.Context, repo, sha string) ([]Submodule, error)
	// Checkout materialises the tree at a commit into dest.
	Checkout(ctx context.Context, repo, sha, dest string) error
}

// Source is a resolved morphology reference:
// the pinned commit, the morphology text at that commit,
// and the transitive submodule pins.
type Source struct {
	Repo      string
	Ref       string
	MorphPath string

	// SHA is the commit the ref resolved to at resolution time.
	SHA string
	// Morphology is the parsed chunk morphology at the commit.
	Morphology *Chunk
	// Submodules are the commit's transitive submodule pins.
	Submodules []Submodule
}

// shaRE matches a full SHA-1 object name.
var shaRE = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Resolver resolves morphology references against a [GitRepoCache].
// Results are memoised for the life of the resolver,
// so a floating ref observed once stays pinned
// for every later reference in the same run.
type Resolver struct {
	repos GitRepoCache
	opts  *LoadOptions

	mu      sync.Mutex
	refs    map[[2]string]string  // (repo, ref) -> sha
	sources map[[3]string]*Source // (repo, sha, morph path) -> source
}

// NewResolver returns a new [Resolver] backed by the given repository cache.
// opts apply to every morphology the resolver loads; nil uses defaults.
func NewResolver(repos GitRepoCache, opts *LoadOptions) *Resolver {
	return &Resolver{
		repos:   repos,
		opts:    opts,
		refs:    make(map[[2]string]string),
		sources: make(map[[3]string]*Source),
	}
}

// ResolveRef pins a ref to a commit SHA-1, fetching if necessary.
func (r *Resolver) ResolveRef(ctx context.Context, repo, ref string) (string, error) {
	if shaRE.MatchString(ref) {
		return ref, nil
	}
	r.mu.Lock()
	sha, ok := r.refs[[2]string{repo, ref}]
	r.mu.Unlock()
	if ok {
		return sha, nil
	}

	if err := r.repos.EnsureFetched(ctx, repo, ref); err != nil {
		return "", &SourceUnavailableError{Repo: repo, Ref: ref, Err: err}
	}
	sha, err := r.repos.ResolveRef(ctx, repo, ref)
	if err != nil {
		return "", &SourceUnavailableError{Repo: repo, Ref: ref, Err: err}
	}
	r.mu.Lock()
	r.refs[[2]string{repo, ref}] = sha
	r.mu.Unlock()
	return sha, nil
}

// Resolve pins a chunk morphology reference to a [Source].
// If the repository carries no morphology at morphPath,
// the chunk morphology is autodetected from the tree's build system.
func (r *Resolver) Resolve(ctx context.Context, repo, ref, morphPath string) (*Source, error) {
	sha, err := r.ResolveRef(ctx, repo, ref)
	if err != nil {
		return nil, err
	}

	key := [3]string{repo, sha, morphPath}
	r.mu.Lock()
	src, ok := r.sources[key]
	r.mu.Unlock()
	if ok {
		return src, nil
	}

	chunk, err := r.loadChunk(ctx, repo, sha, morphPath)
	if err != nil {
		return nil, err
	}
	submodules, err := r.submoduleClosure(ctx, repo, sha)
	if err != nil {
		return nil, err
	}

	src = &Source{
		Repo:       repo,
		Ref:        ref,
		MorphPath:  morphPath,
		SHA:        sha,
		Morphology: chunk,
		Submodules: submodules,
	}
	r.mu.Lock()
	r.sources[key] = src
	r.mu.Unlock()
	return src, nil
}

// Text fetches raw morphology text at a pinned ref,
// for stratum and system documents that live in a definitions repository.
func (r *Resolver) Text(ctx context.Context, repo, ref, path string) (sha string, text []byte, err error) {
	sha, err = r.ResolveRef(ctx, repo, ref)
	if err != nil {
		return "", nil, err
	}
	text, err = r.repos.CatFile(ctx, repo, sha, path)
	if err != nil {
		return "", nil, &SourceUnavailableError{Repo: repo, Ref: ref, Err: err}
	}
	return sha, text, nil
}

func (r *Resolver) loadChunk(ctx context.Context, repo, sha, morphPath string) (*Chunk, error) {
	text, err := r.repos.CatFile(ctx, repo, sha, morphPath)
	switch {
	case err == nil:
		m, err := Load(morphPath, text, KindChunk, r.opts)
		if err != nil {
			return nil, err
		}
		return m.(*Chunk), nil
	case errors.Is(err, fs.ErrNotExist):
		rootFiles, err := r.repos.ListTree(ctx, repo, sha)
		if err != nil {
			return nil, &SourceUnavailableError{Repo: repo, Ref: sha, Err: err}
		}
		bs := DetectBuildSystem(rootFiles)
		if bs == nil {
			return nil, &InvalidMorphologyError{
				Path:   morphPath,
				Reason: fmt.Sprintf("%s has no morphology at %s and no recognised build system", repo, morphPath),
			}
		}
		return bs.AutodetectedChunk(nameFromPath(morphPath)), nil
	default:
		return nil, &SourceUnavailableError{Repo: repo, Ref: sha, Err: err}
	}
}

// submoduleClosure collects submodule pins recursively.
// Nested submodule paths are reported relative to the top-level tree.
func (r *Resolver) submoduleClosure(ctx context.Context, repo, sha string) ([]Submodule, error) {
	direct, err := r.repos.SubmodulesAt(ctx, repo, sha)
	if err != nil {
		return nil, &SourceUnavailableError{Repo: repo, Ref: sha, Err: err}
	}
	var all []Submodule
	for _, sub := range direct {
		all = append(all, sub)
		if err := r.repos.EnsureFetched(ctx, sub.URL, sub.SHA); err != nil {
			return nil, &SourceUnavailableError{Repo: sub.URL, Ref: sub.SHA, Err: err}
		}
		nested, err := r.submoduleClosure(ctx, sub.URL, sub.SHA)
		if err != nil {
			return nil, err
		}
		for _, n := range nested {
			n.Path = sub.Path + "/" + n.Path
			all = append(all, n)
		}
	}
	return all, nil
}
