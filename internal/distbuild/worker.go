// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package distbuild

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
	"morph.baserock.dev/pkg/internal/exechelper"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

// WorkerOptions is the set of optional parameters to [NewWorker].
type WorkerOptions struct {
	// MaxParallel is the number of exec requests the worker
	// runs concurrently. If non-positive, builds are serialised.
	MaxParallel int64
}

// A Worker is the long-lived daemon that accepts exec requests
// from a controller and supervises their subprocesses.
type Worker struct {
	helper *exechelper.Helper
	sem    *semaphore.Weighted
}

// NewWorker returns a new [Worker].
func NewWorker(opts *WorkerOptions) *Worker {
	if opts == nil {
		opts = new(WorkerOptions)
	}
	parallel := opts.MaxParallel
	if parallel < 1 {
		parallel = 1
	}
	return &Worker{
		helper: new(exechelper.Helper),
		sem:    semaphore.NewWeighted(parallel),
	}
}

// Serve accepts controller connections until the context is done.
func (w *Worker) Serve(ctx context.Context, ln net.Listener) error {
	defer xcontext.CloseWhenDone(ctx, ln).Close()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Infof(ctx, "Controller connected from %v", c.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.handleConn(ctx, c)
		}()
	}
}

func (w *Worker) handleConn(ctx context.Context, netConn net.Conn) {
	conn := NewConn(netConn)
	defer conn.Close()
	defer xcontext.CloseWhenDone(ctx, conn).Close()

	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		m, err := conn.Receive()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			log.Infof(ctx, "Controller %v disconnected", netConn.RemoteAddr())
			return
		default:
			var pe *ProtocolError
			if errors.As(err, &pe) {
				// A malformed frame poisons the stream; drop the connection.
				log.Warnf(ctx, "Closing connection from %v: %v", netConn.RemoteAddr(), pe)
			} else if ctx.Err() == nil {
				log.Errorf(ctx, "Read from %v: %v", netConn.RemoteAddr(), err)
			}
			return
		}

		switch m.Type {
		case TypeExecRequest:
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				w.runExec(ctx, conn, m)
			}()
		case TypeExecCancel:
			w.helper.Cancel(ctx, m.ID)
		default:
			log.Warnf(ctx, "Closing connection from %v: unexpected %s message", netConn.RemoteAddr(), m.Type)
			return
		}
	}
}

// runExec runs one exec request and reports its output and exit status.
func (w *Worker) runExec(ctx context.Context, conn *Conn, req *Message) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer w.sem.Release(1)

	log.Infof(ctx, "Exec %s: %v", req.ID, req.Argv)
	exit, err := w.helper.Run(ctx, req.ID, req.Argv, []byte(req.StdinContents), func(stream, text string) {
		sendErr := conn.Send(&Message{
			Type:   TypeExecOutput,
			ID:     req.ID,
			Stream: stream,
			Text:   text,
		})
		if sendErr != nil {
			log.Debugf(ctx, "Send output for %s: %v", req.ID, sendErr)
		}
	})
	if err != nil {
		// The subprocess could not be run at all.
		log.Errorf(ctx, "Exec %s: %v", req.ID, err)
		conn.Send(&Message{
			Type:   TypeExecOutput,
			ID:     req.ID,
			Stream: "stderr",
			Text:   err.Error() + "\n",
		})
		exit = 127
	}
	log.Infof(ctx, "Exec %s exited with status %d", req.ID, exit)
	if err := conn.Send(&Message{
		Type: TypeExecResponse,
		ID:   req.ID,
		Exit: ExitStatus(exit),
	}); err != nil {
		log.Debugf(ctx, "Send response for %s: %v", req.ID, err)
	}
}
