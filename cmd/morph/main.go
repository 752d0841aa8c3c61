// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

// morph builds Linux system images from declarative morphology definitions.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"morph.baserock.dev/pkg/morph"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

// Exit codes.
const (
	exitSuccess      = 0
	exitBuildFailure = 1
	exitUsage        = 2
	exitInternal     = 127
)

// usageError marks errors that should exit with [exitUsage].
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// buildFailure marks a failed build reported by a controller,
// as opposed to an internal fault of this process.
type buildFailure struct {
	err error
}

func (e buildFailure) Error() string { return e.err.Error() }
func (e buildFailure) Unwrap() error { return e.err }

func main() {
	rootCommand := &cobra.Command{
		Use:           "morph",
		Short:         "build system images from morphology definitions",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCommand.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	g := defaultGlobalConfig()
	if err := g.mergeFiles(configFilePaths()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(exitInternal)
	}
	g.mergeEnvironment()

	rootCommand.PersistentFlags().StringVar(&g.CacheDir, "cache-dir", g.CacheDir, "`path` to the artifact and git cache")
	rootCommand.PersistentFlags().StringVar(&g.Arch, "arch", g.Arch, "target `arch`itecture")
	rootCommand.PersistentFlags().BoolVar(&g.KeepPath, "keep-path", g.KeepPath, "propagate the host PATH into builds")
	rootCommand.PersistentFlags().BoolVar(&g.NoCcache, "no-ccache", g.NoCcache, "do not use ccache")
	rootCommand.PersistentFlags().IntVar(&g.MaxJobs, "max-jobs", g.MaxJobs, "default `n`umber of parallel jobs per build")
	rootCommand.PersistentFlags().BoolVar(&g.LaxMorphologies, "lax-morphologies", g.LaxMorphologies, "warn instead of failing on unknown morphology keys")
	showDebug := rootCommand.PersistentFlags().Bool("debug", g.Debug, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return g.validate()
	}

	rootCommand.AddCommand(
		newBuildCommand(g),
		newBuildArtifactCommand(g),
		newCalculateBuildGraphCommand(g),
		newDistbuildCommand(g),
		newControllerDaemonCommand(g),
		newWorkerDaemonCommand(g),
		newCacheServerCommand(g),
		newGCCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err == nil {
		os.Exit(exitSuccess)
	}
	initLogging(*showDebug)
	log.Errorf(context.Background(), "%v", err)
	os.Exit(classifyError(err))
}

func classifyError(err error) int {
	var cmdErr *morph.BuildCommandFailedError
	var bf buildFailure
	var ue usageError
	switch {
	case errors.As(err, &cmdErr) || errors.As(err, &bf):
		return exitBuildFailure
	case errors.As(err, &ue):
		return exitUsage
	default:
		return exitInternal
	}
}

// exactArgs is like [cobra.ExactArgs] with usage-error classification.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "morph: ", log.StdFlags, nil),
		})
	})
}
