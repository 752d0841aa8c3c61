// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

// Package exechelper supervises build subprocesses for a worker:
// one subprocess per request, each in its own process group,
// with output pumped into framed messages
// and the whole group killed on cancellation.
package exechelper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// An OutputFunc receives one framed chunk of subprocess output.
// stream is "stdout" or "stderr".
type OutputFunc func(stream, text string)

// Helper runs subprocesses on behalf of exec requests.
// The zero value is ready to use.
type Helper struct {
	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	cmd    *exec.Cmd
	pgid   int
	killed bool
}

// Run starts argv as a subprocess in a new process group,
// writes stdin to it, streams its output through out,
// and returns the exit status once the process and its pumps finish.
// Death by signal is reported as the negated signal number.
//
// The request id must be unique among concurrently running requests.
func (h *Helper) Run(ctx context.Context, id string, argv []string, stdin []byte, out OutputFunc) (exit int, err error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("exec %s: empty argv", id)
	}
	c := exec.Command(argv[0], argv[1:]...)
	c.Stdin = strings.NewReader(string(stdin))
	// A fresh process group lets Cancel kill grandchildren too.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("exec %s: %v", id, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("exec %s: %v", id, err)
	}
	if err := c.Start(); err != nil {
		return 0, fmt.Errorf("exec %s: %v", id, err)
	}

	p := &process{cmd: c, pgid: c.Process.Pid}
	h.mu.Lock()
	if h.procs == nil {
		h.procs = make(map[string]*process)
	}
	if _, exists := h.procs[id]; exists {
		h.mu.Unlock()
		unix.Kill(-p.pgid, unix.SIGKILL)
		c.Wait()
		return 0, fmt.Errorf("exec %s: request id already in use", id)
	}
	h.procs[id] = p
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.procs, id)
		h.mu.Unlock()
	}()

	// Each stream gets its own pump goroutine
	// so a full pipe on one can never deadlock the other.
	var pumps sync.WaitGroup
	pumps.Add(2)
	go pump(&pumps, stdout, "stdout", out)
	go pump(&pumps, stderr, "stderr", out)

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.Cancel(context.WithoutCancel(ctx), id)
		case <-watchDone:
		}
	}()

	pumps.Wait()
	waitErr := c.Wait()
	close(watchDone)

	switch {
	case waitErr == nil:
		return 0, nil
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			status, ok := exitErr.Sys().(syscall.WaitStatus)
			if ok && status.Signaled() {
				return -int(status.Signal()), nil
			}
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("exec %s: %v", id, waitErr)
	}
}

// Cancel kills the request's entire process group with SIGKILL,
// so that grandchildren die along with the immediate child.
// Cancelling an unknown or finished request is a no-op.
func (h *Helper) Cancel(ctx context.Context, id string) {
	h.mu.Lock()
	p := h.procs[id]
	if p != nil && !p.killed {
		p.killed = true
	} else {
		p = nil
	}
	h.mu.Unlock()
	if p == nil {
		return
	}
	log.Infof(ctx, "Killing process group %d for request %s", p.pgid, id)
	if err := unix.Kill(-p.pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		log.Warnf(ctx, "Kill process group %d: %v", p.pgid, err)
	}
}

// pump reads a stream in chunks and forwards them as framed output.
func pump(wg *sync.WaitGroup, r io.Reader, stream string, out OutputFunc) {
	defer wg.Done()
	br := bufio.NewReader(r)
	buf := make([]byte, 32*1024)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			out(stream, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}
