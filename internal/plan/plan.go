// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

// Package plan schedules a build graph onto a bounded worker pool,
// honouring dependency order,
// cascading cancellation to dependents on failure,
// and retrying transient cache I/O once per unit.
package plan

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"morph.baserock.dev/pkg/internal/buildgraph"
	"morph.baserock.dev/pkg/internal/cache"
	"zombiezen.com/go/log"
)

// Status is a unit's scheduling state.
type Status int

// Unit states, in lifecycle order.
const (
	Pending Status = iota
	Ready
	Claimed
	Building
	SkippedCached
	Done
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Claimed:
		return "claimed"
	case Building:
		return "building"
	case SkippedCached:
		return "skipped-cached"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	switch s {
	case SkippedCached, Done, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// Executor runs one build graph to completion.
type Executor struct {
	// Graph is the plan to execute.
	Graph *buildgraph.Graph
	// Workers is the number of unit groups built concurrently.
	// If non-positive, one unit group builds at a time.
	Workers int
	// Build produces the unit group's artifacts.
	// It is called once per group, never concurrently for the same group.
	Build func(ctx context.Context, u *buildgraph.Unit) error
	// Cached reports whether the unit's artifact is already present,
	// letting the executor skip the build entirely.
	// A nil Cached never skips.
	Cached func(u *buildgraph.Unit) bool
	// OnChange, if non-nil, observes every status transition.
	// It is called from the scheduling goroutine; keep it fast.
	OnChange func(u *buildgraph.Unit, s Status)
}

type result struct {
	unit *buildgraph.Unit
	err  error
}

type execState struct {
	e          *Executor
	status     map[*buildgraph.Unit]Status
	pendingDep map[*buildgraph.Unit]int
	dependents map[*buildgraph.Unit][]*buildgraph.Unit
	ready      []*buildgraph.Unit
	retried    map[*buildgraph.Unit]bool
}

// Run executes the plan until every unit is terminal.
// It returns the first build failure,
// or the context error if the run was cancelled.
func (e *Executor) Run(ctx context.Context) error {
	workers := e.Workers
	if workers < 1 {
		workers = 1
	}
	st := &execState{
		e:          e,
		status:     make(map[*buildgraph.Unit]Status, len(e.Graph.Units)),
		pendingDep: make(map[*buildgraph.Unit]int, len(e.Graph.Units)),
		dependents: make(map[*buildgraph.Unit][]*buildgraph.Unit),
		retried:    make(map[*buildgraph.Unit]bool),
	}
	for _, u := range e.Graph.Units {
		st.status[u] = Pending
		st.pendingDep[u] = len(u.Dependencies)
		for _, dep := range u.Dependencies {
			st.dependents[dep] = append(st.dependents[dep], u)
		}
	}
	for _, u := range e.Graph.Units {
		if st.pendingDep[u] == 0 {
			st.setStatus(u, Ready)
		}
	}

	results := make(chan result)
	inflight := 0
	var firstErr error
	cancelled := false
	done := ctx.Done()

	for {
		for !cancelled && inflight < workers {
			u := st.popReady()
			if u == nil {
				break
			}
			// One build produces every artifact of the group;
			// claim the siblings along with it.
			for _, sib := range u.Group {
				st.removeReady(sib)
				st.setStatus(sib, Claimed)
			}
			if e.Cached != nil && groupCached(e, u) {
				log.Debugf(ctx, "Skipping %v: cached", u)
				for _, sib := range u.Group {
					st.setStatus(sib, SkippedCached)
					st.unblockDependents(sib)
				}
				continue
			}
			for _, sib := range u.Group {
				st.setStatus(sib, Building)
			}
			inflight++
			go func(u *buildgraph.Unit) {
				err := e.Build(ctx, u)
				results <- result{unit: u, err: err}
			}(u)
		}

		if inflight == 0 {
			if st.allTerminal() {
				break
			}
			if cancelled || len(st.ready) == 0 {
				// Cancelled leftovers, or dependents of failures.
				st.drainNonTerminal()
				break
			}
		}

		select {
		case res := <-results:
			inflight--
			st.finish(ctx, res, &firstErr)
		case <-done:
			// A nil channel blocks forever, so this arm runs once.
			done = nil
			cancelled = true
			log.Infof(ctx, "Build cancelled, waiting for running units")
			st.cancelScheduled()
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
	}
	return firstErr
}

func groupCached(e *Executor, u *buildgraph.Unit) bool {
	for _, sib := range u.Group {
		if !e.Cached(sib) {
			return false
		}
	}
	return true
}

func (st *execState) finish(ctx context.Context, res result, firstErr *error) {
	u := res.unit
	switch {
	case res.err == nil:
		for _, sib := range u.Group {
			st.setStatus(sib, Done)
			st.unblockDependents(sib)
		}
	case isTransient(res.err) && !st.retried[u]:
		st.retried[u] = true
		log.Warnf(ctx, "Transient failure building %v, retrying: %v", u, res.err)
		for _, sib := range u.Group {
			st.setStatus(sib, Ready)
		}
	default:
		log.Errorf(ctx, "Failed to build %v: %v", u, res.err)
		if *firstErr == nil {
			*firstErr = res.err
		}
		for _, sib := range u.Group {
			st.setStatus(sib, Failed)
			st.cancelDependents(sib)
		}
	}
}

// isTransient reports whether the error warrants a single retry.
func isTransient(err error) bool {
	var ioErr *cache.IOError
	return errors.As(err, &ioErr)
}

func (st *execState) setStatus(u *buildgraph.Unit, s Status) {
	if st.status[u] == s {
		return
	}
	st.status[u] = s
	if s == Ready {
		st.insertReady(u)
	}
	if st.e.OnChange != nil {
		st.e.OnChange(u, s)
	}
}

func (st *execState) insertReady(u *buildgraph.Unit) {
	if i, found := slices.BinarySearchFunc(st.ready, u, buildgraph.CompareUnits); !found {
		st.ready = slices.Insert(st.ready, i, u)
	}
}

func (st *execState) removeReady(u *buildgraph.Unit) {
	if i, found := slices.BinarySearchFunc(st.ready, u, buildgraph.CompareUnits); found {
		st.ready = slices.Delete(st.ready, i, i+1)
	}
}

func (st *execState) popReady() *buildgraph.Unit {
	if len(st.ready) == 0 {
		return nil
	}
	u := st.ready[0]
	st.ready = st.ready[1:]
	return u
}

// unblockDependents decrements successors' pending counts;
// any reaching zero become ready.
func (st *execState) unblockDependents(u *buildgraph.Unit) {
	for _, succ := range st.dependents[u] {
		st.pendingDep[succ]--
		if st.pendingDep[succ] == 0 && st.status[succ] == Pending {
			st.setStatus(succ, Ready)
		}
	}
}

// cancelDependents marks everything transitively dependent on u cancelled.
func (st *execState) cancelDependents(u *buildgraph.Unit) {
	stack := slices.Clone(st.dependents[u])
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if st.status[d].Terminal() {
			continue
		}
		st.removeReady(d)
		st.setStatus(d, Cancelled)
		stack = append(stack, st.dependents[d]...)
	}
}

// cancelScheduled drops everything not yet handed to a worker.
func (st *execState) cancelScheduled() {
	for u, s := range st.status {
		if s == Pending || s == Ready {
			st.removeReady(u)
			st.setStatus(u, Cancelled)
		}
	}
}

// drainNonTerminal force-cancels whatever is left unscheduled.
func (st *execState) drainNonTerminal() {
	for u, s := range st.status {
		if !s.Terminal() {
			st.removeReady(u)
			st.setStatus(u, Cancelled)
		}
	}
}

func (st *execState) allTerminal() bool {
	for _, s := range st.status {
		if !s.Terminal() {
			return false
		}
	}
	return true
}
