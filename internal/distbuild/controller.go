// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package distbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"morph.baserock.dev/pkg/internal/buildgraph"
	"morph.baserock.dev/pkg/internal/cache"
	"morph.baserock.dev/pkg/internal/plan"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

// WorkerConfig names one worker daemon the controller drives.
type WorkerConfig struct {
	// Name identifies the worker in logs and the claim table.
	Name string `json:"name"`
	// Addr is the worker daemon's TCP address.
	Addr string `json:"address"`
}

// ControllerOptions is the set of optional parameters to [NewController].
type ControllerOptions struct {
	// MorphExecutable is the binary workers run for build units.
	// If empty, "morph" is used and resolved via the worker's PATH.
	MorphExecutable string
	// ReconnectDelay is how long to wait before redialing a lost worker.
	// If non-positive, 5 seconds.
	ReconnectDelay time.Duration
	// DrainTimeout bounds how long a cancelled unit waits
	// for the worker's final response. If non-positive, 10 seconds.
	DrainTimeout time.Duration
}

// A Controller owns build requests:
// it computes build graphs, schedules units onto workers,
// streams output back to initiators,
// and survives worker loss by re-dispatching.
type Controller struct {
	graphBuilder   *buildgraph.Builder
	shared         *cache.RemoteStore
	workerConfigs  []WorkerConfig
	morphExe       string
	reconnectDelay time.Duration
	drainTimeout   time.Duration

	claims claimTable

	mu      sync.Mutex
	workers map[string]*workerConn
}

// NewController returns a new [Controller].
// graphBuilder computes build graphs from morphology references;
// shared is the write-enabled shared artifact cache.
func NewController(graphBuilder *buildgraph.Builder, shared *cache.RemoteStore, workers []WorkerConfig, opts *ControllerOptions) *Controller {
	if opts == nil {
		opts = new(ControllerOptions)
	}
	ctl := &Controller{
		graphBuilder:   graphBuilder,
		shared:         shared,
		workerConfigs:  workers,
		morphExe:       opts.MorphExecutable,
		reconnectDelay: opts.ReconnectDelay,
		drainTimeout:   opts.DrainTimeout,
		workers:        make(map[string]*workerConn),
	}
	if ctl.morphExe == "" {
		ctl.morphExe = "morph"
	}
	if ctl.reconnectDelay <= 0 {
		ctl.reconnectDelay = 5 * time.Second
	}
	if ctl.drainTimeout <= 0 {
		ctl.drainTimeout = 10 * time.Second
	}
	return ctl
}

// errWorkerLost reports that a worker connection died mid-unit.
// The unit's claim is released and the unit is re-dispatched.
var errWorkerLost = errors.New("worker connection lost")

// workerConn is the controller's view of one connected worker.
type workerConn struct {
	name string
	conn *Conn

	mu     sync.Mutex
	routes map[string]chan *Message
	load   int
	gone   bool
}

func (wc *workerConn) register(execID string) chan *Message {
	ch := make(chan *Message, 64)
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.gone {
		close(ch)
		return ch
	}
	wc.routes[execID] = ch
	wc.load++
	return ch
}

func (wc *workerConn) unregister(execID string) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if _, ok := wc.routes[execID]; ok {
		delete(wc.routes, execID)
		wc.load--
	}
}

// route delivers a worker message to the exec that owns its id.
// Messages for unknown ids (completed or cancelled execs) are dropped.
func (wc *workerConn) route(ctx context.Context, m *Message) {
	wc.mu.Lock()
	ch := wc.routes[m.ID]
	wc.mu.Unlock()
	if ch == nil {
		log.Debugf(ctx, "Dropping %s message for unknown exec %s", m.Type, m.ID)
		return
	}
	ch <- m
}

// markGone closes every route, signalling worker loss to their execs.
func (wc *workerConn) markGone() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.gone = true
	for id, ch := range wc.routes {
		delete(wc.routes, id)
		close(ch)
	}
	wc.load = 0
}

// Run maintains the worker connections until the context is done.
func (ctl *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, cfg := range ctl.workerConfigs {
		wg.Add(1)
		go func(cfg WorkerConfig) {
			defer wg.Done()
			ctl.maintainWorker(ctx, cfg)
		}(cfg)
	}
	wg.Wait()
}

func (ctl *Controller) maintainWorker(ctx context.Context, cfg WorkerConfig) {
	for ctx.Err() == nil {
		netConn, err := (&net.Dialer{}).DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			log.Warnf(ctx, "Dial worker %s (%s): %v", cfg.Name, cfg.Addr, err)
			if !sleepCtx(ctx, ctl.reconnectDelay) {
				return
			}
			continue
		}
		log.Infof(ctx, "Connected to worker %s (%s)", cfg.Name, cfg.Addr)
		wc := &workerConn{
			name:   cfg.Name,
			conn:   NewConn(netConn),
			routes: make(map[string]chan *Message),
		}
		ctl.mu.Lock()
		ctl.workers[cfg.Name] = wc
		ctl.mu.Unlock()

		ctl.readWorker(ctx, wc)

		ctl.mu.Lock()
		delete(ctl.workers, cfg.Name)
		ctl.mu.Unlock()
		wc.markGone()
		ctl.claims.releaseWorker(cfg.Name)
		wc.conn.Close()
		log.Warnf(ctx, "Lost worker %s", cfg.Name)
		if !sleepCtx(ctx, ctl.reconnectDelay) {
			return
		}
	}
}

// readWorker pumps one worker connection until it fails.
func (ctl *Controller) readWorker(ctx context.Context, wc *workerConn) {
	defer xcontext.CloseWhenDone(ctx, wc.conn).Close()
	for {
		m, err := wc.conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warnf(ctx, "Worker %s: %v", wc.name, err)
			}
			return
		}
		switch m.Type {
		case TypeExecOutput, TypeExecResponse:
			wc.route(ctx, m)
		default:
			log.Warnf(ctx, "Worker %s sent unexpected %s message, closing", wc.name, m.Type)
			return
		}
	}
}

// pickWorker returns the least-loaded connected worker, ties by name.
func (ctl *Controller) pickWorker() *workerConn {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	var best *workerConn
	for _, wc := range ctl.workers {
		wc.mu.Lock()
		load, gone := wc.load, wc.gone
		wc.mu.Unlock()
		if gone {
			continue
		}
		if best == nil {
			best = wc
			continue
		}
		best.mu.Lock()
		bestLoad := best.load
		best.mu.Unlock()
		if load < bestLoad || (load == bestLoad && wc.name < best.name) {
			best = wc
		}
	}
	return best
}

// Serve accepts initiator connections until the context is done.
func (ctl *Controller) Serve(ctx context.Context, ln net.Listener) error {
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
		log.Infof(ctx, "Initiator connected from %v", c.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctl.handleInitiator(ctx, c)
		}()
	}
}

func (ctl *Controller) handleInitiator(ctx context.Context, netConn net.Conn) {
	conn := NewConn(netConn)
	defer conn.Close()
	defer xcontext.CloseWhenDone(ctx, conn).Close()

	var mu sync.Mutex
	cancels := make(map[string]context.CancelFunc)
	var builds sync.WaitGroup
	defer builds.Wait()
	defer func() {
		mu.Lock()
		for _, cancel := range cancels {
			cancel()
		}
		mu.Unlock()
	}()

	for {
		m, err := conn.Receive()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			log.Infof(ctx, "Initiator %v disconnected", netConn.RemoteAddr())
			return
		default:
			log.Warnf(ctx, "Closing initiator %v: %v", netConn.RemoteAddr(), err)
			return
		}

		switch m.Type {
		case TypeBuildRequest:
			buildCtx, cancel := context.WithCancel(ctx)
			mu.Lock()
			cancels[m.ID] = cancel
			mu.Unlock()
			builds.Add(1)
			go func(m *Message) {
				defer builds.Done()
				defer func() {
					mu.Lock()
					delete(cancels, m.ID)
					mu.Unlock()
					cancel()
				}()
				ctl.runBuild(buildCtx, conn, m)
			}(m)
		case TypeBuildCancel:
			mu.Lock()
			cancel := cancels[m.ID]
			mu.Unlock()
			if cancel != nil {
				log.Infof(ctx, "Cancelling build %s", m.ID)
				cancel()
			}
		default:
			log.Warnf(ctx, "Closing initiator %v: unexpected %s message", netConn.RemoteAddr(), m.Type)
			return
		}
	}
}

// runBuild owns one build request from graph to terminal message.
// It is the sole mutator of the request's plan state.
func (ctl *Controller) runBuild(ctx context.Context, conn *Conn, req *Message) {
	sendProgress := func(step string, n, total int, msg string) {
		conn.Send(&Message{
			Type:    TypeBuildProgress,
			ID:      req.ID,
			Step:    step,
			N:       n,
			Total:   total,
			Message: msg,
		})
	}
	fail := func(reason string) {
		conn.Send(&Message{Type: TypeBuildFailed, ID: req.ID, Reason: reason})
	}

	log.Infof(ctx, "Build %s: %s %s %s", req.ID, req.Repo, req.Ref, req.Morphology)
	sendProgress("resolve", 0, 0, fmt.Sprintf("computing build graph for %s", req.Morphology))
	g, err := ctl.graphBuilder.BuildGraph(ctx, req.Repo, req.Ref, req.Morphology)
	if err != nil {
		log.Errorf(ctx, "Build %s: %v", req.ID, err)
		fail(err.Error())
		return
	}
	total := len(g.Units)
	sendProgress("schedule", 0, total, fmt.Sprintf("%d build units", total))

	var mu sync.Mutex
	finished := 0
	ex := &plan.Executor{
		Graph:   g,
		Workers: max(1, len(ctl.workerConfigs)),
		Cached: func(u *buildgraph.Unit) bool {
			ok, err := ctl.shared.Has(ctx, u.Filename())
			return err == nil && ok
		},
		Build: func(ctx context.Context, u *buildgraph.Unit) error {
			return ctl.buildOnWorker(ctx, conn, req.ID, u)
		},
		OnChange: func(u *buildgraph.Unit, s plan.Status) {
			if s == plan.Done || s == plan.SkippedCached {
				mu.Lock()
				finished++
				n := finished
				mu.Unlock()
				sendProgress("build", n, total, fmt.Sprintf("built %v", u))
			}
		},
	}
	err = ex.Run(ctx)
	switch {
	case err == nil:
		log.Infof(ctx, "Build %s finished", req.ID)
		conn.Send(&Message{Type: TypeBuildFinished, ID: req.ID})
	case ctx.Err() != nil:
		log.Infof(ctx, "Build %s cancelled", req.ID)
		fail("cancelled")
	default:
		log.Errorf(ctx, "Build %s failed: %v", req.ID, err)
		fail(err.Error())
	}
}

// buildOnWorker produces one unit group on some worker.
//
// The claim table guarantees at most one in-flight build per cache key
// across the whole network: a second request for a claimed key waits
// for the holder and then observes the shared cache.
// On worker loss the unit is re-dispatched unconditionally;
// half-finished remote uploads are invisible
// because cache commits are atomic renames.
func (ctl *Controller) buildOnWorker(ctx context.Context, initConn *Conn, requestID string, u *buildgraph.Unit) error {
	for {
		w := ctl.pickWorker()
		if w == nil {
			return fmt.Errorf("build %v: no workers connected", u)
		}
		release, wait, got := ctl.claims.acquire(u.CacheKey, w.name)
		if !got {
			holder, _ := ctl.claims.holder(u.CacheKey)
			log.Debugf(ctx, "Key %s already building on %s, waiting", u.CacheKey, holder)
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
			if ok, err := ctl.shared.Has(ctx, u.Filename()); err == nil && ok {
				return nil
			}
			continue
		}

		exit, err := ctl.execOnWorker(ctx, w, initConn, requestID, u)
		release()
		switch {
		case errors.Is(err, errWorkerLost):
			log.Warnf(ctx, "Worker lost while building %v, re-dispatching", u)
			continue
		case err != nil:
			return err
		case exit != 0:
			return fmt.Errorf("build %v: worker %s exited with status %d", u, w.name, exit)
		}

		for _, sib := range u.Group {
			ok, err := ctl.shared.Has(ctx, sib.Filename())
			if err != nil {
				return fmt.Errorf("build %v: verify upload: %v", u, err)
			}
			if !ok {
				return fmt.Errorf("build %v: worker %s reported success but %s is not in the shared cache", u, w.name, sib.Filename())
			}
		}
		return nil
	}
}

// execOnWorker dispatches one exec request and pumps its messages.
func (ctl *Controller) execOnWorker(ctx context.Context, w *workerConn, initConn *Conn, requestID string, u *buildgraph.Unit) (exit int, err error) {
	bundle, err := buildgraph.ToBundle(u).Encode()
	if err != nil {
		return 0, fmt.Errorf("build %v: %v", u, err)
	}
	sharedURL := ""
	if ctl.shared.URL != nil {
		sharedURL = ctl.shared.URL.String()
	}

	execID := uuid.New().String()
	ch := w.register(execID)
	defer w.unregister(execID)

	err = w.conn.Send(&Message{
		Type: TypeExecRequest,
		ID:   execID,
		Argv: []string{
			ctl.morphExe, "build-artifact",
			"--fetch-from", sharedURL,
			"--upload-to", sharedURL,
			u.CacheKey,
		},
		StdinContents: string(bundle),
	})
	if err != nil {
		return 0, errWorkerLost
	}
	log.Debugf(ctx, "Dispatched %v to worker %s as exec %s", u, w.name, execID)

	cancelSent := false
	done := ctx.Done()
	var drainDeadline <-chan time.Time
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return 0, errWorkerLost
			}
			switch m.Type {
			case TypeExecOutput:
				initConn.Send(&Message{
					Type:   TypeBuildOutput,
					ID:     requestID,
					Stream: m.Stream,
					Text:   m.Text,
				})
			case TypeExecResponse:
				if cancelSent {
					return *m.Exit, ctx.Err()
				}
				return *m.Exit, nil
			}
		case <-done:
			done = nil
			cancelSent = true
			// Idempotent on the worker side.
			w.conn.Send(&Message{Type: TypeExecCancel, ID: execID})
			t := time.NewTimer(ctl.drainTimeout)
			defer t.Stop()
			drainDeadline = t.C
		case <-drainDeadline:
			return 0, ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
