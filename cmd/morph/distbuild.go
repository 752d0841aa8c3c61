// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"morph.baserock.dev/pkg/internal/distbuild"
	"zombiezen.com/go/log"
)

type distbuildOptions struct {
	buildOptions
	controller string
}

func newDistbuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "distbuild [options] SYSTEM",
		Short:                 "build a system image on a distbuild network",
		DisableFlagsInUseLine: true,
		Args:                  exactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(distbuildOptions)
	c.Flags().StringVar(&opts.repo, "repo", ".", "definitions `repo`sitory")
	c.Flags().StringVar(&opts.ref, "ref", "HEAD", "definitions `ref`")
	c.Flags().StringVar(&opts.controller, "controller", g.Controller, "controller `addr`ess")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.morphPath = args[0]
		return runDistbuild(cmd.Context(), g, opts)
	}
	return c
}

func runDistbuild(ctx context.Context, g *globalConfig, opts *distbuildOptions) error {
	if opts.controller == "" {
		return usageError{fmt.Errorf("no controller address configured (set --controller or MORPH_CONTROLLER)")}
	}
	initiator, err := distbuild.Dial(ctx, opts.controller)
	if err != nil {
		return err
	}
	defer initiator.Close()

	// On a terminal, progress goes to stderr so piped stdout
	// carries only build output.
	showProgress := term.IsTerminal(int(os.Stderr.Fd()))
	err = initiator.Build(ctx, opts.repo, opts.ref, opts.morphPath, func(m *distbuild.Message) {
		switch m.Type {
		case distbuild.TypeBuildOutput:
			os.Stdout.WriteString(m.Text)
		case distbuild.TypeBuildProgress:
			if showProgress {
				if m.Total > 0 {
					fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", m.N, m.Total, m.Message)
				} else {
					fmt.Fprintf(os.Stderr, "%s\n", m.Message)
				}
			} else {
				log.Infof(ctx, "%s", m.Message)
			}
		}
	})
	if err != nil {
		if ctx.Err() == nil {
			return buildFailure{err}
		}
		return err
	}
	return nil
}
