// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

// Package buildgraph expands a system morphology
// into a directed acyclic graph of build units,
// one per artifact, each with a stable cache key.
package buildgraph

import (
	"fmt"
	"slices"
	"strings"

	"morph.baserock.dev/pkg/morph"
)

// A Unit is a single artifact to produce:
// the atomic scheduling entity of a build plan.
type Unit struct {
	// Kind is the morphology kind the artifact belongs to.
	Kind morph.Kind
	// Name is the artifact name.
	Name string
	// OwnerName is the name of the chunk, stratum, or system
	// that produces the artifact.
	OwnerName string
	// CacheKey is the 64-hex-char fingerprint of the unit's inputs.
	CacheKey string

	// Dependencies are the units whose artifacts
	// must be in the cache before this unit builds.
	Dependencies []*Unit

	// Chunk build inputs. Nil/zero for strata and systems.
	Source    *morph.Source
	Chunk     *morph.Chunk
	BuildMode morph.BuildMode
	Prefix    string

	// Group lists every artifact unit produced by the same chunk build,
	// including the unit itself.
	// One build of the group's source produces all of them.
	// For strata and systems the group is the unit alone.
	Group []*Unit

	// Arch and ConfigurationExtensions are set on system units only.
	Arch                    string
	ConfigurationExtensions []string
}

// Filename returns the artifact's file name in the cache layout.
func (u *Unit) Filename() string {
	return fmt.Sprintf("%s.%s.%s", u.CacheKey, u.Kind, u.Name)
}

func (u *Unit) String() string {
	return fmt.Sprintf("%s %s (%s)", u.Kind, u.Name, shortKey(u.CacheKey))
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

// kindPriority orders chunks before strata before systems
// when breaking scheduling ties.
func kindPriority(k morph.Kind) int {
	switch k {
	case morph.KindChunk:
		return 0
	case morph.KindStratum:
		return 1
	case morph.KindSystem:
		return 2
	default:
		return 3
	}
}

// CompareUnits is the deterministic scheduling order:
// kind priority, then cache key.
func CompareUnits(a, b *Unit) int {
	if c := kindPriority(a.Kind) - kindPriority(b.Kind); c != 0 {
		return c
	}
	return strings.Compare(a.CacheKey, b.CacheKey)
}

// A Graph is the expanded build plan for one system.
type Graph struct {
	// Target is the system artifact unit.
	Target *Unit
	// Units lists every unit in deterministic order
	// (kind priority, then cache key).
	Units []*Unit

	byKey map[string]*Unit
}

// UnitByKey returns the unit with the given cache key, or nil.
func (g *Graph) UnitByKey(key string) *Unit {
	return g.byKey[key]
}

// finish indexes and orders the graph once keys are assigned.
func (g *Graph) finish() {
	slices.SortFunc(g.Units, CompareUnits)
	g.byKey = make(map[string]*Unit, len(g.Units))
	for _, u := range g.Units {
		g.byKey[u.CacheKey] = u
	}
}

// TopoOrder returns the units such that
// every unit appears after all of its dependencies.
// Ties are broken by [CompareUnits], so the order is deterministic.
func (g *Graph) TopoOrder() []*Unit {
	indegree := make(map[*Unit]int, len(g.Units))
	dependents := make(map[*Unit][]*Unit, len(g.Units))
	for _, u := range g.Units {
		indegree[u] += 0
		for _, dep := range u.Dependencies {
			indegree[u]++
			dependents[dep] = append(dependents[dep], u)
		}
	}
	ready := make([]*Unit, 0, len(g.Units))
	for _, u := range g.Units {
		if indegree[u] == 0 {
			ready = append(ready, u)
		}
	}
	slices.SortFunc(ready, CompareUnits)

	order := make([]*Unit, 0, len(g.Units))
	for len(ready) > 0 {
		u := ready[0]
		ready = ready[1:]
		order = append(order, u)
		for _, succ := range dependents[u] {
			indegree[succ]--
			if indegree[succ] == 0 {
				i, _ := slices.BinarySearchFunc(ready, succ, CompareUnits)
				ready = slices.Insert(ready, i, succ)
			}
		}
	}
	return order
}
