// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"morph.baserock.dev/pkg/internal/cache"
	"morph.baserock.dev/pkg/internal/distbuild"
	"zombiezen.com/go/log"
)

func newControllerDaemonCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "controller-daemon [options]",
		Short:                 "run the distbuild controller",
		DisableFlagsInUseLine: true,
		Args:                  exactArgs(0),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	listen := c.Flags().String("listen", ":7878", "`addr`ess to accept initiator connections on")
	morphExe := c.Flags().String("morph-executable", "morph", "`path` to the morph binary on workers")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runControllerDaemon(cmd.Context(), g, *listen, *morphExe)
	}
	return c
}

func runControllerDaemon(ctx context.Context, g *globalConfig, listen, morphExe string) error {
	if g.SharedCache == "" {
		return usageError{fmt.Errorf("no shared cache configured (set sharedCache in the config file)")}
	}
	if len(g.Workers) == 0 {
		return usageError{fmt.Errorf("no workers configured (set workers in the config file)")}
	}
	shared, err := remoteStoreFor(g.SharedCache)
	if err != nil {
		return err
	}
	repos, err := g.gitCache()
	if err != nil {
		return err
	}

	ctl := distbuild.NewController(g.graphBuilder(repos), shared, g.Workers, &distbuild.ControllerOptions{
		MorphExecutable: morphExe,
	})
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	log.Infof(ctx, "Controller listening on %s with %d workers", listen, len(g.Workers))
	go ctl.Run(ctx)
	return ctl.Serve(ctx, ln)
}

func newWorkerDaemonCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "worker-daemon [options]",
		Short:                 "run a distbuild worker",
		DisableFlagsInUseLine: true,
		Args:                  exactArgs(0),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	listen := c.Flags().String("listen", ":7979", "`addr`ess to accept controller connections on")
	parallel := c.Flags().Int64("parallel", 1, "`n`umber of builds to run concurrently")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		ln, err := net.Listen("tcp", *listen)
		if err != nil {
			return err
		}
		log.Infof(cmd.Context(), "Worker listening on %s", *listen)
		w := distbuild.NewWorker(&distbuild.WorkerOptions{MaxParallel: *parallel})
		return w.Serve(cmd.Context(), ln)
	}
	return c
}

func newCacheServerCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "cache-server [options]",
		Short:                 "serve the local artifact cache over HTTP",
		DisableFlagsInUseLine: true,
		Args:                  exactArgs(0),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	listen := c.Flags().String("listen", ":8080", "`addr`ess to serve on")
	enableWrites := c.Flags().Bool("enable-writes", false, "accept artifact uploads")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runCacheServer(cmd.Context(), g, *listen, *enableWrites)
	}
	return c
}

func runCacheServer(ctx context.Context, g *globalConfig, listen string, enableWrites bool) error {
	store, err := g.artifactStore()
	if err != nil {
		return err
	}
	srv := cache.NewServer(store, &cache.ServerOptions{EnableWrites: enableWrites})
	httpServer := &http.Server{
		Addr:        listen,
		Handler:     cache.LoggingHandler(ctx, srv),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()
	log.Infof(ctx, "Cache server listening on %s (writes=%t)", listen, enableWrites)
	err = httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
