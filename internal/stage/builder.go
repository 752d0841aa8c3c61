// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

// Package stage assembles staging areas and executes chunk builds:
// it unpacks a build unit's dependencies into a fresh root,
// checks out the pinned source, runs the build phases
// with a scrubbed environment, and captures the install tree
// into content-addressed artifacts.
package stage

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"morph.baserock.dev/pkg/internal/buildgraph"
	"morph.baserock.dev/pkg/internal/cache"
	"morph.baserock.dev/pkg/morph"
	"morph.baserock.dev/pkg/sets"
	"zombiezen.com/go/log"
)

// Options is the set of optional parameters to [NewBuilder].
type Options struct {
	// StagingDir is where staging roots are created.
	// If empty, defaults to [os.TempDir].
	StagingDir string
	// ToolingPrefix is where bootstrap-mode dependencies are unpacked.
	// If empty, defaults to [morph.DefaultToolingPrefix].
	ToolingPrefix string
	// ToolchainTarget and TargetCFLAGS are handed to builds verbatim.
	ToolchainTarget string
	TargetCFLAGS    string
	// KeepPath propagates the host PATH into builds.
	KeepPath bool
	// UseCcache prepends the ccache wrapper directory to PATH.
	UseCcache bool
	// CcacheDir overrides the ccache wrapper directory.
	CcacheDir string
	// MaxJobs is the default per-build parallelism.
	// If non-positive, the number of CPUs is used.
	MaxJobs int
	// LogStream, if non-nil, receives a copy of every build log.
	LogStream io.Writer
	// KeepFailed leaves the staging root in place after a failed build.
	KeepFailed bool
}

// Builder produces artifacts from build bundles.
type Builder struct {
	store *cache.Store
	repos morph.GitRepoCache

	stagingDir      string
	toolingPrefix   string
	toolchainTarget string
	targetCFLAGS    string
	keepPath        bool
	useCcache       bool
	ccacheDir       string
	maxJobs         int
	logStream       io.Writer
	keepFailed      bool
}

// NewBuilder returns a new [Builder] writing to store
// and reading sources from repos.
func NewBuilder(store *cache.Store, repos morph.GitRepoCache, opts *Options) *Builder {
	if opts == nil {
		opts = new(Options)
	}
	b := &Builder{
		store:           store,
		repos:           repos,
		stagingDir:      opts.StagingDir,
		toolingPrefix:   opts.ToolingPrefix,
		toolchainTarget: opts.ToolchainTarget,
		targetCFLAGS:    opts.TargetCFLAGS,
		keepPath:        opts.KeepPath,
		useCcache:       opts.UseCcache,
		ccacheDir:       opts.CcacheDir,
		maxJobs:         opts.MaxJobs,
		logStream:       opts.LogStream,
		keepFailed:      opts.KeepFailed,
	}
	if b.stagingDir == "" {
		b.stagingDir = os.TempDir()
	}
	if b.toolingPrefix == "" {
		b.toolingPrefix = morph.DefaultToolingPrefix
	}
	if b.ccacheDir == "" {
		b.ccacheDir = "/usr/lib/ccache"
	}
	if b.maxJobs <= 0 {
		b.maxJobs = max(1, runtime.NumCPU())
	}
	return b
}

// Build produces the bundle's artifacts,
// claiming each cache key and committing or aborting every claim.
// A bundle whose artifacts are all committed already is a no-op.
func (b *Builder) Build(ctx context.Context, bundle *buildgraph.Bundle) error {
	claims := make(map[string]*cache.Claim, len(bundle.Artifacts))
	needed := false
	for _, a := range bundle.Artifacts {
		c, err := b.store.Claim(ctx, a.CacheKey)
		if errors.Is(err, cache.ErrDone) {
			continue
		}
		if err != nil {
			for _, held := range claims {
				held.Abort()
			}
			return err
		}
		claims[a.Name] = c
		needed = true
	}
	if !needed {
		log.Debugf(ctx, "All artifacts of %s already cached", bundle.OwnerName)
		return nil
	}
	defer func() {
		// Claims still held here were not committed; discard them.
		for _, c := range claims {
			c.Abort()
		}
	}()

	switch bundle.Kind {
	case morph.KindChunk:
		return b.buildChunk(ctx, bundle, claims)
	case morph.KindStratum, morph.KindSystem:
		return b.assemble(ctx, bundle, claims)
	default:
		return fmt.Errorf("build %s: unhandled kind %s", bundle.OwnerName, bundle.Kind)
	}
}

func (b *Builder) buildChunk(ctx context.Context, bundle *buildgraph.Bundle, claims map[string]*cache.Claim) (err error) {
	started := time.Now()
	chunk := bundle.Chunk

	logw, err := groupLog(claims, b.logStream)
	if err != nil {
		return err
	}

	stagingRoot, err := os.MkdirTemp(b.stagingDir, "morph-staging-"+chunk.Name+"-*")
	if err != nil {
		return &cache.IOError{Op: "staging", Path: b.stagingDir, Err: err}
	}
	defer func() {
		if err != nil && b.keepFailed {
			log.Infof(ctx, "Keeping failed staging area %s", stagingRoot)
			return
		}
		if rmErr := os.RemoveAll(stagingRoot); rmErr != nil {
			log.Warnf(ctx, "Failed to clean up %s: %v", stagingRoot, rmErr)
		}
	}()

	if err := b.assembleStagingRoot(ctx, stagingRoot, bundle.Deps); err != nil {
		return err
	}

	buildDir := filepath.Join(stagingRoot, chunk.Name+".build")
	log.Debugf(ctx, "Checking out %s at %s", bundle.Repo, bundle.SourceSHA[:8])
	if err := b.repos.Checkout(ctx, bundle.Repo, bundle.SourceSHA, buildDir); err != nil {
		return &morph.SourceUnavailableError{Repo: bundle.Repo, Ref: bundle.SourceSHA, Err: err}
	}
	for _, sub := range bundle.Submodules {
		dest := filepath.Join(buildDir, filepath.FromSlash(sub.Path))
		if err := b.repos.Checkout(ctx, sub.URL, sub.SHA, dest); err != nil {
			return &morph.SourceUnavailableError{Repo: sub.URL, Ref: sub.SHA, Err: err}
		}
	}

	destDir := filepath.Join(stagingRoot, chunk.Name+".inst")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return &cache.IOError{Op: "staging", Path: destDir, Err: err}
	}

	var depPrefixes []string
	for _, dep := range bundle.Deps {
		if dep.BuildMode == morph.ModeTest && dep.Prefix != "" && !slices.Contains(depPrefixes, dep.Prefix) {
			depPrefixes = append(depPrefixes, dep.Prefix)
		}
	}
	spec := &envSpec{
		hostEnv:         os.Environ(),
		keepPath:        b.keepPath,
		useCcache:       b.useCcache,
		ccacheDir:       b.ccacheDir,
		stagingRoot:     stagingRoot,
		depPrefixes:     depPrefixes,
		toolingPrefix:   b.toolingPrefix,
		toolchainTarget: b.toolchainTarget,
		targetCFLAGS:    b.targetCFLAGS,
		prefix:          bundle.Prefix,
		bootstrap:       bundle.BuildMode == morph.ModeBootstrap,
		destDir:         destDir,
		maxJobs:         jobCount(chunk, b.maxJobs),
	}
	env := spec.build()

	if err := b.runPhases(ctx, chunk, bundle, buildDir, env, logw); err != nil {
		return err
	}

	if err := b.captureOutputs(ctx, bundle, destDir, claims); err != nil {
		return err
	}

	meta := &cache.Metadata{
		SourceSHA:      bundle.SourceSHA,
		StartedAt:      started.UTC(),
		EndedAt:        time.Now().UTC(),
		DependencyKeys: depKeys(bundle),
	}
	for name, c := range claims {
		if err := c.Commit(meta); err != nil {
			delete(claims, name)
			return err
		}
		delete(claims, name)
	}
	log.Infof(ctx, "Built chunk %s (%d artifacts)", chunk.Name, len(bundle.Artifacts))
	return nil
}

// assembleStagingRoot unpacks dependency artifacts into root.
// Bundles list dependencies topologically with deterministic tie-breaks,
// so the resulting tree is reproducible where the filesystem permits.
// Bootstrap-mode artifacts land under the tooling prefix;
// test-mode artifacts under the root itself;
// normal-mode artifacts are not staged at all,
// since they exist only in the final output.
func (b *Builder) assembleStagingRoot(ctx context.Context, root string, deps []buildgraph.BundleDep) error {
	for _, dep := range deps {
		var dst string
		switch dep.BuildMode {
		case morph.ModeBootstrap:
			dst = filepath.Join(root, filepath.FromSlash(b.toolingPrefix))
		case morph.ModeTest:
			dst = root
		default:
			continue
		}
		log.Debugf(ctx, "Unpacking %s into staging", dep.Filename())
		rc, err := b.store.OpenRead(ctx, dep.CacheKey, string(dep.Kind), dep.Name)
		if err != nil {
			return err
		}
		err = extractTar(dst, rc)
		rc.Close()
		if err != nil {
			return &cache.IOError{Op: "unpack", Path: dep.Filename(), Err: err}
		}
	}
	return nil
}

// runPhases executes each build phase's commands in canonical order.
// Commands run under /bin/sh with stdout and stderr merged into the log.
// The first failing command aborts the build.
func (b *Builder) runPhases(ctx context.Context, chunk *morph.Chunk, bundle *buildgraph.Bundle, buildDir string, env []string, logw io.Writer) error {
	for _, phase := range morph.Phases() {
		cmds, err := chunk.PhaseCommands(phase)
		if err != nil {
			return err
		}
		for _, command := range cmds {
			fmt.Fprintf(logw, "# %s: %s\n", phase, command)
			c := exec.CommandContext(ctx, "/bin/sh", "-c", command)
			c.Dir = buildDir
			c.Env = env
			c.Stdout = logw
			c.Stderr = logw
			if err := c.Run(); err != nil {
				exitCode := -1
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					exitCode = exitErr.ExitCode()
				}
				fmt.Fprintf(logw, "# %s command failed with status %d\n", phase, exitCode)
				return &morph.BuildCommandFailedError{
					Unit:     bundle.Artifacts[0].CacheKey,
					Name:     chunk.Name,
					Phase:    phase,
					ExitCode: exitCode,
				}
			}
		}
	}
	return nil
}

// captureOutputs walks the install tree, partitions files by split rules,
// and writes one tar per claimed artifact.
func (b *Builder) captureOutputs(ctx context.Context, bundle *buildgraph.Bundle, destDir string, claims map[string]*cache.Claim) error {
	rules, err := morph.ChunkSplitRules(bundle.Chunk)
	if err != nil {
		return err
	}
	var files []string
	err = filepath.WalkDir(destDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == destDir {
			return nil
		}
		rel, err := filepath.Rel(destDir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return &cache.IOError{Op: "capture", Path: destDir, Err: err}
	}
	slices.Sort(files)

	// Directories follow their contents:
	// a directory belongs to whichever artifact claims files under it,
	// so match only non-directories and add parents per artifact.
	var regular []string
	isDir := make(map[string]bool, len(files))
	for _, f := range files {
		info, err := os.Lstat(filepath.Join(destDir, filepath.FromSlash(f)))
		if err != nil {
			return &cache.IOError{Op: "capture", Path: f, Err: err}
		}
		if info.IsDir() {
			isDir[f] = true
		} else {
			regular = append(regular, f)
		}
	}
	matches, unmatched := rules.Partition(regular)
	if len(unmatched) > 0 {
		// The catch-all rule means this only happens with
		// a products rule set that shadows the catch-all.
		log.Warnf(ctx, "Chunk %s: %d files matched no product rule", bundle.Chunk.Name, len(unmatched))
	}

	for _, a := range bundle.Artifacts {
		c := claims[a.Name]
		if c == nil {
			continue
		}
		members := withParents(matches[a.Name], isDir)
		log.Debugf(ctx, "Artifact %s: %d files", a.Name, len(members))
		w, err := c.CreateArtifact(string(morph.KindChunk), a.Name)
		if err != nil {
			return err
		}
		err = writeTar(w, destDir, members)
		if closeErr := w.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return &cache.IOError{Op: "capture", Path: a.Name, Err: err}
		}
	}
	return nil
}

// withParents returns files plus every ancestor directory, sorted.
func withParents(files []string, isDir map[string]bool) []string {
	seen := make(map[string]bool, len(files))
	var out []string
	for _, f := range files {
		for dir := filepath.ToSlash(filepath.Dir(f)); dir != "." && dir != "/"; dir = filepath.ToSlash(filepath.Dir(dir)) {
			if isDir[dir] && !seen[dir] {
				seen[dir] = true
				out = append(out, dir)
			}
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}

// assemble unions dependency artifacts into a stratum or system tarball.
// Bootstrap chunk artifacts are excluded:
// they exist to build things, not to ship.
func (b *Builder) assemble(ctx context.Context, bundle *buildgraph.Bundle, claims map[string]*cache.Claim) error {
	started := time.Now()
	a := bundle.Artifacts[0]
	c := claims[a.Name]
	if c == nil {
		return nil
	}
	logw, err := groupLog(claims, b.logStream)
	if err != nil {
		return err
	}

	w, err := c.CreateArtifact(string(bundle.Kind), a.Name)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(w)
	seen := make(sets.Set[string])
	for _, dep := range bundle.Deps {
		if dep.BuildMode == morph.ModeBootstrap {
			fmt.Fprintf(logw, "# skipping bootstrap artifact %s\n", dep.Name)
			continue
		}
		fmt.Fprintf(logw, "# merging %s\n", dep.Filename())
		rc, err := b.store.OpenRead(ctx, dep.CacheKey, string(dep.Kind), dep.Name)
		if err != nil {
			w.Close()
			return err
		}
		err = copyEntries(tw, rc, seen)
		rc.Close()
		if err != nil {
			w.Close()
			return &cache.IOError{Op: "assemble", Path: dep.Filename(), Err: err}
		}
	}
	err = tw.Close()
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &cache.IOError{Op: "assemble", Path: a.Name, Err: err}
	}

	meta := &cache.Metadata{
		StartedAt:      started.UTC(),
		EndedAt:        time.Now().UTC(),
		DependencyKeys: depKeys(bundle),
	}
	if err := c.Commit(meta); err != nil {
		delete(claims, a.Name)
		return err
	}
	delete(claims, a.Name)
	log.Infof(ctx, "Assembled %s %s", bundle.Kind, a.Name)
	return nil
}

// groupLog opens every claim's log writer and returns a writer
// that duplicates the build log across the group
// (plus the builder's log stream, if any).
func groupLog(claims map[string]*cache.Claim, extra io.Writer) (io.Writer, error) {
	var ws []io.Writer
	for _, c := range claims {
		lw, err := c.LogWriter()
		if err != nil {
			return nil, err
		}
		ws = append(ws, lw)
	}
	if extra != nil {
		ws = append(ws, extra)
	}
	if len(ws) == 1 {
		return ws[0], nil
	}
	return io.MultiWriter(ws...), nil
}

func depKeys(bundle *buildgraph.Bundle) []string {
	keys := make([]string, 0, len(bundle.Deps))
	for _, d := range bundle.Deps {
		if !slices.Contains(keys, d.CacheKey) {
			keys = append(keys, d.CacheKey)
		}
	}
	slices.Sort(keys)
	return keys
}
