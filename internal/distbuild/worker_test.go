// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

//go:build unix

package distbuild

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// startWorker runs a worker daemon on a loopback listener
// and returns a controller-side connection to it.
func startWorker(t *testing.T) *Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w := NewWorker(nil)
	go w.Serve(ctx, ln)

	netConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn := NewConn(netConn)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// collectExec drains messages for one exec id until its response arrives.
func collectExec(t *testing.T, conn *Conn, id string, timeout time.Duration) (output string, exit int) {
	t.Helper()
	deadline := time.After(timeout)
	result := make(chan *Message)
	errc := make(chan error, 1)
	go func() {
		for {
			m, err := conn.Receive()
			if err != nil {
				errc <- err
				return
			}
			result <- m
		}
	}()
	var buf strings.Builder
	for {
		select {
		case m := <-result:
			if m.ID != id {
				continue
			}
			switch m.Type {
			case TypeExecOutput:
				buf.WriteString(m.Text)
			case TypeExecResponse:
				return buf.String(), *m.Exit
			}
		case err := <-errc:
			t.Fatalf("receive: %v", err)
		case <-deadline:
			t.Fatalf("no exec-response for %s within %v; output so far: %q", id, timeout, buf.String())
		}
	}
}

func TestWorkerRunsExecRequest(t *testing.T) {
	conn := startWorker(t)
	err := conn.Send(&Message{
		Type: TypeExecRequest,
		ID:   "exec1",
		Argv: []string{"/bin/sh", "-c", "echo hello from worker"},
	})
	if err != nil {
		t.Fatal(err)
	}
	output, exit := collectExec(t, conn, "exec1", 10*time.Second)
	if exit != 0 {
		t.Errorf("exit = %d; want 0", exit)
	}
	if !strings.Contains(output, "hello from worker") {
		t.Errorf("output = %q", output)
	}
}

func TestWorkerPassesStdin(t *testing.T) {
	conn := startWorker(t)
	err := conn.Send(&Message{
		Type:          TypeExecRequest,
		ID:            "exec1",
		Argv:          []string{"/bin/sh", "-c", "cat"},
		StdinContents: `{"bundle": "payload"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	output, exit := collectExec(t, conn, "exec1", 10*time.Second)
	if exit != 0 {
		t.Errorf("exit = %d; want 0", exit)
	}
	if !strings.Contains(output, `"bundle"`) {
		t.Errorf("output = %q; want stdin contents echoed", output)
	}
}

func TestWorkerReportsFailure(t *testing.T) {
	conn := startWorker(t)
	err := conn.Send(&Message{
		Type: TypeExecRequest,
		ID:   "exec1",
		Argv: []string{"/bin/sh", "-c", "echo before failure; exit 4"},
	})
	if err != nil {
		t.Fatal(err)
	}
	output, exit := collectExec(t, conn, "exec1", 10*time.Second)
	if exit != 4 {
		t.Errorf("exit = %d; want 4", exit)
	}
	if !strings.Contains(output, "before failure") {
		t.Errorf("output = %q", output)
	}
}

func TestWorkerCancelKillsSubprocess(t *testing.T) {
	conn := startWorker(t)
	err := conn.Send(&Message{
		Type: TypeExecRequest,
		ID:   "exec1",
		Argv: []string{"/bin/sh", "-c", "echo started; sleep 10; echo not killed"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the first output line, then cancel.
	// Cancellation is idempotent, so send it twice.
	received := make(chan *Message)
	errc := make(chan error, 1)
	go func() {
		for {
			m, err := conn.Receive()
			if err != nil {
				errc <- err
				return
			}
			received <- m
		}
	}()
	var output strings.Builder
	cancelled := false
	deadline := time.After(15 * time.Second)
	for {
		select {
		case m := <-received:
			switch m.Type {
			case TypeExecOutput:
				output.WriteString(m.Text)
				if !cancelled && strings.Contains(output.String(), "started") {
					cancelled = true
					conn.Send(&Message{Type: TypeExecCancel, ID: "exec1"})
					conn.Send(&Message{Type: TypeExecCancel, ID: "exec1"})
				}
			case TypeExecResponse:
				if *m.Exit != -9 {
					t.Errorf("exit = %d; want -9", *m.Exit)
				}
				if strings.Contains(output.String(), "not killed") {
					t.Error("subprocess survived cancellation")
				}
				return
			}
		case err := <-errc:
			t.Fatalf("receive: %v", err)
		case <-deadline:
			t.Fatal("no exec-response after cancel")
		}
	}
}
