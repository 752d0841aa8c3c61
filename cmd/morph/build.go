// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"
	"morph.baserock.dev/pkg/internal/buildgraph"
	"morph.baserock.dev/pkg/internal/cache"
	"morph.baserock.dev/pkg/internal/plan"
	"morph.baserock.dev/pkg/internal/stage"
	"morph.baserock.dev/pkg/sets"
	"zombiezen.com/go/log"
)

type buildOptions struct {
	repo      string
	ref       string
	morphPath string
	jobs      int
}

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options] SYSTEM",
		Short:                 "build a system image locally",
		DisableFlagsInUseLine: true,
		Args:                  exactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	c.Flags().StringVar(&opts.repo, "repo", ".", "definitions `repo`sitory")
	c.Flags().StringVar(&opts.ref, "ref", "HEAD", "definitions `ref`")
	c.Flags().IntVarP(&opts.jobs, "workers", "w", 1, "`n`umber of build units to run in parallel")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.morphPath = args[0]
		return runBuild(cmd.Context(), g, opts)
	}
	return c
}

func runBuild(ctx context.Context, g *globalConfig, opts *buildOptions) error {
	store, err := g.artifactStore()
	if err != nil {
		return err
	}
	repos, err := g.gitCache()
	if err != nil {
		return err
	}

	graph, err := g.graphBuilder(repos).BuildGraph(ctx, opts.repo, opts.ref, opts.morphPath)
	if err != nil {
		return err
	}
	log.Infof(ctx, "Build graph has %d units", len(graph.Units))

	builder := stage.NewBuilder(store, repos, g.stageOptions())
	ex := &plan.Executor{
		Graph:   graph,
		Workers: opts.jobs,
		Build: func(ctx context.Context, u *buildgraph.Unit) error {
			return builder.Build(ctx, buildgraph.ToBundle(u))
		},
		Cached: func(u *buildgraph.Unit) bool {
			return store.Has(u.CacheKey, string(u.Kind), u.Name)
		},
		OnChange: func(u *buildgraph.Unit, s plan.Status) {
			switch s {
			case plan.Building:
				log.Infof(ctx, "Building %v", u)
			case plan.Done:
				log.Infof(ctx, "Finished %v", u)
			case plan.SkippedCached:
				log.Infof(ctx, "Using cached %v", u)
			case plan.Failed:
				log.Errorf(ctx, "Failed %v", u)
			}
		},
	}
	if err := ex.Run(ctx); err != nil {
		return err
	}

	fmt.Println(graph.Target.Filename())
	return nil
}

type buildArtifactOptions struct {
	cacheKey  string
	fetchFrom string
	uploadTo  string
}

func newBuildArtifactCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build-artifact [options] CACHE-KEY",
		Short:                 "build one unit from a serialised bundle on stdin",
		DisableFlagsInUseLine: true,
		Args:                  exactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildArtifactOptions)
	c.Flags().StringVar(&opts.fetchFrom, "fetch-from", "", "cache `url` to pull missing dependency artifacts from")
	c.Flags().StringVar(&opts.uploadTo, "upload-to", "", "cache `url` to push the produced artifacts to")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.cacheKey = args[0]
		return runBuildArtifact(cmd.Context(), g, opts, cmd.InOrStdin())
	}
	return c
}

func runBuildArtifact(ctx context.Context, g *globalConfig, opts *buildArtifactOptions, stdin io.Reader) error {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read bundle from stdin: %v", err)
	}
	bundle, err := buildgraph.DecodeBundle(data)
	if err != nil {
		return err
	}
	found := false
	for _, a := range bundle.Artifacts {
		if a.CacheKey == opts.cacheKey {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("bundle does not produce cache key %s", opts.cacheKey)
	}

	store, err := g.artifactStore()
	if err != nil {
		return err
	}
	repos, err := g.gitCache()
	if err != nil {
		return err
	}

	if opts.fetchFrom != "" {
		remote, err := remoteStoreFor(opts.fetchFrom)
		if err != nil {
			return err
		}
		if err := fetchDeps(ctx, store, remote, bundle); err != nil {
			return err
		}
	}

	// Chunk sources may not be mirrored locally yet on a worker.
	if bundle.Repo != "" {
		if err := repos.EnsureFetched(ctx, bundle.Repo, bundle.SourceSHA); err != nil {
			return err
		}
		for _, sub := range bundle.Submodules {
			if err := repos.EnsureFetched(ctx, sub.URL, sub.SHA); err != nil {
				return err
			}
		}
	}

	builder := stage.NewBuilder(store, repos, g.stageOptions())
	buildErr := builder.Build(ctx, bundle)

	if opts.uploadTo != "" {
		remote, err := remoteStoreFor(opts.uploadTo)
		if err != nil {
			return err
		}
		// The build log is uploaded even for failed builds,
		// so the shared cache always explains what happened.
		if err := uploadResults(ctx, store, remote, bundle, buildErr == nil); err != nil {
			if buildErr == nil {
				return err
			}
			log.Warnf(ctx, "Upload after failed build: %v", err)
		}
	}
	return buildErr
}

// fetchDeps pulls the bundle's missing dependency files
// (artifact, metadata, and build log per key) from the remote cache.
func fetchDeps(ctx context.Context, store *cache.Store, remote *cache.RemoteStore, bundle *buildgraph.Bundle) error {
	seenKeys := make(sets.Set[string])
	for _, dep := range bundle.Deps {
		files := []string{dep.Filename()}
		if !seenKeys.Has(dep.CacheKey) {
			seenKeys.Add(dep.CacheKey)
			files = append(files, dep.CacheKey+".build-log", dep.CacheKey+".meta")
		}
		for _, filename := range files {
			if store.HasFile(filename) {
				continue
			}
			rc, err := remote.Open(ctx, filename)
			if err != nil {
				return fmt.Errorf("fetch dependency %s: %w", filename, err)
			}
			err = store.ImportFile(filename, rc)
			rc.Close()
			if err != nil {
				return err
			}
			log.Debugf(ctx, "Fetched %s", filename)
		}
	}
	return nil
}

// uploadResults pushes the bundle's produced files to the remote cache.
// Artifacts and metadata are only pushed after a successful build;
// the build log is pushed regardless.
func uploadResults(ctx context.Context, store *cache.Store, remote *cache.RemoteStore, bundle *buildgraph.Bundle, succeeded bool) error {
	seenKeys := make(sets.Set[string])
	for _, a := range bundle.Artifacts {
		var files []string
		if succeeded {
			files = append(files, cache.Filename(a.CacheKey, string(bundle.Kind), a.Name))
		}
		if !seenKeys.Has(a.CacheKey) {
			seenKeys.Add(a.CacheKey)
			files = append(files, a.CacheKey+".build-log")
			if succeeded {
				files = append(files, a.CacheKey+".meta")
			}
		}
		for _, filename := range files {
			rc, err := store.OpenFile(filename)
			if err != nil {
				return err
			}
			err = remote.Upload(ctx, filename, rc)
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func newCalculateBuildGraphCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "calculate-build-graph [options] SYSTEM",
		Short:                 "print a system's build graph as JSON",
		DisableFlagsInUseLine: true,
		Args:                  exactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	c.Flags().StringVar(&opts.repo, "repo", ".", "definitions `repo`sitory")
	c.Flags().StringVar(&opts.ref, "ref", "HEAD", "definitions `ref`")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.morphPath = args[0]
		return runCalculateBuildGraph(cmd.Context(), g, opts, cmd.OutOrStdout())
	}
	return c
}

// graphUnitJSON is the stable JSON shape of one build unit.
type graphUnitJSON struct {
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	Owner     string   `json:"owner"`
	CacheKey  string   `json:"cache-key"`
	DependsOn []string `json:"depends-on"`
}

func runCalculateBuildGraph(ctx context.Context, g *globalConfig, opts *buildOptions, w io.Writer) error {
	repos, err := g.gitCache()
	if err != nil {
		return err
	}
	graph, err := g.graphBuilder(repos).BuildGraph(ctx, opts.repo, opts.ref, opts.morphPath)
	if err != nil {
		return err
	}

	out := struct {
		Target string          `json:"target"`
		Units  []graphUnitJSON `json:"units"`
	}{
		Target: graph.Target.CacheKey,
	}
	// Topological order reads naturally: dependencies first.
	for _, u := range graph.TopoOrder() {
		ju := graphUnitJSON{
			Kind:     string(u.Kind),
			Name:     u.Name,
			Owner:    u.OwnerName,
			CacheKey: u.CacheKey,
		}
		for _, dep := range u.Dependencies {
			ju.DependsOn = append(ju.DependsOn, dep.CacheKey)
		}
		out.Units = append(out.Units, ju)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newGCCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "gc [options]",
		Short:                 "free cache space by deleting least-recently-used artifacts",
		DisableFlagsInUseLine: true,
		Args:                  exactArgs(0),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	targetFree := c.Flags().Int64("target-free", 4<<30, "`bytes` of free space to aim for")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		store, err := g.artifactStore()
		if err != nil {
			return err
		}
		return store.GC(cmd.Context(), *targetFree)
	}
	return c
}

func remoteStoreFor(rawURL string) (*cache.RemoteStore, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, usageError{fmt.Errorf("cache url %q: %v", rawURL, err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, usageError{fmt.Errorf("cache url %q: scheme must be http or https", rawURL)}
	}
	return &cache.RemoteStore{URL: u}, nil
}
