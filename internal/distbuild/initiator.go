// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package distbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/log"
)

// An Initiator is the client side of a controller connection.
type Initiator struct {
	conn *Conn
}

// Dial connects to a controller daemon.
func Dial(ctx context.Context, addr string) (*Initiator, error) {
	netConn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to controller %s: %v", addr, err)
	}
	return &Initiator{conn: NewConn(netConn)}, nil
}

// Close closes the controller connection.
func (i *Initiator) Close() error {
	return i.conn.Close()
}

// Build submits one build request and streams its events
// through handle until the request reaches a terminal state.
// If the context is cancelled, a build-cancel is sent
// and events are drained for a bounded interval.
// A non-nil error is returned for failed builds,
// with the controller's reason.
func (i *Initiator) Build(ctx context.Context, repo, ref, morphology string, handle func(*Message)) error {
	id := uuid.New().String()
	err := i.conn.Send(&Message{
		Type:       TypeBuildRequest,
		ID:         id,
		Repo:       repo,
		Ref:        ref,
		Morphology: morphology,
	})
	if err != nil {
		return fmt.Errorf("send build request: %v", err)
	}

	cancelSent := false
	done := ctx.Done()
	var drainDeadline <-chan time.Time
	results := make(chan received)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			m, err := i.conn.Receive()
			select {
			case results <- received{m, err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case res := <-results:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return fmt.Errorf("controller closed the connection")
				}
				return res.err
			}
			m := res.m
			if m.ID != id {
				log.Debugf(ctx, "Ignoring %s message for foreign request %s", m.Type, m.ID)
				continue
			}
			switch m.Type {
			case TypeBuildFinished:
				if cancelSent {
					return ctx.Err()
				}
				return nil
			case TypeBuildFailed:
				if cancelSent {
					return ctx.Err()
				}
				return fmt.Errorf("build failed: %s", m.Reason)
			default:
				if handle != nil {
					handle(m)
				}
			}
		case <-done:
			done = nil
			cancelSent = true
			i.conn.Send(&Message{Type: TypeBuildCancel, ID: id})
			t := time.NewTimer(30 * time.Second)
			defer t.Stop()
			drainDeadline = t.C
		case <-drainDeadline:
			return ctx.Err()
		}
	}
}

type received struct {
	m   *Message
	err error
}
