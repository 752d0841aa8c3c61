// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

//go:build unix

package exechelper

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) out(stream, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, text)
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "")
}

func TestRunCapturesOutputAndExit(t *testing.T) {
	h := new(Helper)
	c := new(collector)
	exit, err := h.Run(context.Background(), "req1",
		[]string{"/bin/sh", "-c", "echo out; echo err >&2"}, nil, c.out)
	if err != nil {
		t.Fatal(err)
	}
	if exit != 0 {
		t.Errorf("exit = %d; want 0", exit)
	}
	got := c.text()
	if !strings.Contains(got, "out") || !strings.Contains(got, "err") {
		t.Errorf("output = %q; want both streams", got)
	}
}

func TestRunReportsExitCode(t *testing.T) {
	h := new(Helper)
	exit, err := h.Run(context.Background(), "req1",
		[]string{"/bin/sh", "-c", "exit 3"}, nil, func(string, string) {})
	if err != nil {
		t.Fatal(err)
	}
	if exit != 3 {
		t.Errorf("exit = %d; want 3", exit)
	}
}

func TestRunFeedsStdin(t *testing.T) {
	h := new(Helper)
	c := new(collector)
	exit, err := h.Run(context.Background(), "req1",
		[]string{"/bin/sh", "-c", "cat"}, []byte("from stdin"), c.out)
	if err != nil {
		t.Fatal(err)
	}
	if exit != 0 {
		t.Errorf("exit = %d; want 0", exit)
	}
	if got := c.text(); !strings.Contains(got, "from stdin") {
		t.Errorf("output = %q; want stdin echoed", got)
	}
}

func TestCancelKillsProcessTree(t *testing.T) {
	h := new(Helper)
	c := new(collector)
	firstLine := make(chan string, 1)
	out := func(stream, text string) {
		c.out(stream, text)
		select {
		case firstLine <- text:
		default:
		}
	}

	// The shell prints its child's PID, then the child sleeps.
	// Killing the process group must take the grandchild with it.
	script := `sleep 10 & echo $!; wait; echo not killed`
	done := make(chan struct{})
	var exit int
	var runErr error
	go func() {
		defer close(done)
		exit, runErr = h.Run(context.Background(), "req1",
			[]string{"/bin/sh", "-c", script}, nil, out)
	}()

	var childPID int
	select {
	case line := <-firstLine:
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			t.Fatalf("first output line %q is not a pid", line)
		}
		childPID = pid
	case <-time.After(5 * time.Second):
		t.Fatal("no output from subprocess")
	}

	h.Cancel(context.Background(), "req1")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if runErr != nil {
		t.Fatal(runErr)
	}
	if exit != -int(unix.SIGKILL) {
		t.Errorf("exit = %d; want %d (SIGKILL)", exit, -int(unix.SIGKILL))
	}
	if strings.Contains(c.text(), "not killed") {
		t.Error("shell survived the cancel")
	}

	// The grandchild must be gone within a bounded interval.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := unix.Kill(childPID, 0)
		if err == unix.ESRCH {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("grandchild pid %d still alive after cancel", childPID)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestCancelUnknownIDIsNoOp(t *testing.T) {
	h := new(Helper)
	h.Cancel(context.Background(), "nonesuch")
}

func TestContextCancellationKills(t *testing.T) {
	h := new(Helper)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	out := func(stream, text string) {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	done := make(chan int, 1)
	go func() {
		exit, _ := h.Run(ctx, "req1", []string{"/bin/sh", "-c", "echo go; sleep 10"}, nil, out)
		done <- exit
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess did not start")
	}
	cancel()
	select {
	case exit := <-done:
		if exit != -int(unix.SIGKILL) {
			t.Errorf("exit = %d; want %d", exit, -int(unix.SIGKILL))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
