// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"runtime"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
	"morph.baserock.dev/pkg/internal/buildgraph"
	"morph.baserock.dev/pkg/internal/cache"
	"morph.baserock.dev/pkg/internal/distbuild"
	"morph.baserock.dev/pkg/internal/gitcache"
	"morph.baserock.dev/pkg/internal/stage"
	"morph.baserock.dev/pkg/morph"
	"zombiezen.com/go/log"
)

// globalConfig is the explicit configuration value threaded
// through every subcommand. There are no process-wide singletons;
// whatever a component needs, it receives from here.
type globalConfig struct {
	Debug           bool                     `json:"debug"`
	CacheDir        string                   `json:"cacheDir"`
	StagingDir      string                   `json:"stagingDir"`
	Arch            string                   `json:"arch"`
	ToolchainTarget string                   `json:"toolchainTarget"`
	TargetCFLAGS    string                   `json:"targetCflags"`
	KeepPath        bool                     `json:"keepPath"`
	NoCcache        bool                     `json:"noCcache"`
	MaxJobs         int                      `json:"maxJobs"`
	LaxMorphologies bool                     `json:"laxMorphologies"`
	Controller      string                   `json:"controller"`
	SharedCache     string                   `json:"sharedCache"`
	Workers         []distbuild.WorkerConfig `json:"workers"`
}

func defaultGlobalConfig() *globalConfig {
	g := &globalConfig{
		CacheDir: filepath.Join(defaultCacheDir(), "morph"),
		Arch:     hostArch(),
	}
	g.ToolchainTarget = g.Arch + "-baserock-linux-gnu"
	return g
}

// hostArch maps the Go architecture name to the morphology arch name.
func hostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "386":
		return "x86_32"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}

func (g *globalConfig) mergeEnvironment() {
	if dir := os.Getenv("MORPH_CACHE_DIR"); dir != "" {
		g.CacheDir = dir
	}
	if addr := os.Getenv("MORPH_CONTROLLER"); addr != "" {
		g.Controller = addr
	}
}

// mergeFiles layers JSONC configuration files over the defaults.
// Missing files are skipped; unknown members are rejected.
func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(true)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

func (g *globalConfig) validate() error {
	if g.CacheDir == "" {
		return fmt.Errorf("cache directory not set")
	}
	if g.Arch == "" {
		return fmt.Errorf("architecture not set")
	}
	return nil
}

func (g *globalConfig) artifactStore() (*cache.Store, error) {
	return cache.Open(filepath.Join(g.CacheDir, "artifacts"))
}

func (g *globalConfig) gitCache() (*gitcache.Cache, error) {
	return gitcache.Open(filepath.Join(g.CacheDir, "gits"))
}

func (g *globalConfig) loadOptions() *morph.LoadOptions {
	return &morph.LoadOptions{
		LaxUnknownKeys: g.LaxMorphologies,
		Warn: func(format string, args ...any) {
			log.Warnf(context.Background(), format, args...)
		},
	}
}

func (g *globalConfig) graphBuilder(repos morph.GitRepoCache) *buildgraph.Builder {
	return &buildgraph.Builder{
		Resolver: morph.NewResolver(repos, g.loadOptions()),
		Policy: buildgraph.Policy{
			Arch:            g.Arch,
			ToolchainTarget: g.ToolchainTarget,
			TargetCFLAGS:    g.TargetCFLAGS,
		},
		LoadOptions: g.loadOptions(),
	}
}

func (g *globalConfig) stageOptions() *stage.Options {
	return &stage.Options{
		StagingDir:      g.StagingDir,
		ToolchainTarget: g.ToolchainTarget,
		TargetCFLAGS:    g.TargetCFLAGS,
		KeepPath:        g.KeepPath,
		UseCcache:       !g.NoCcache,
		MaxJobs:         g.MaxJobs,
	}
}
