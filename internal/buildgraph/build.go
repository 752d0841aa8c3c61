// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package buildgraph

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"morph.baserock.dev/pkg/morph"
	"zombiezen.com/go/log"
)

// Policy carries the build policy values that are part of every cache key.
type Policy struct {
	// Arch is the target architecture.
	Arch string
	// ToolchainTarget is the GNU toolchain target triplet.
	ToolchainTarget string
	// TargetCFLAGS are the compiler flags handed to chunk builds.
	TargetCFLAGS string
}

// Builder expands morphology references into build graphs.
type Builder struct {
	Resolver    *morph.Resolver
	Policy      Policy
	LoadOptions *morph.LoadOptions
}

// stratumNode tracks one stratum during expansion.
type stratumNode struct {
	name    string
	repo    string
	ref     string
	path    string
	stratum *morph.Stratum
	deps    []*stratumNode

	// chunkUnits maps chunk name to the chunk's artifact units.
	chunkUnits map[string][]*Unit
	// allChunkUnits lists every chunk artifact unit in declaration order.
	allChunkUnits []*Unit
	// artifactUnits maps stratum artifact name to its unit.
	artifactUnits map[string]*Unit
}

type graphLoader struct {
	b     *Builder
	graph *Graph
	// strata memoises loaded strata by morphology path within (repo, ref).
	strata map[[3]string]*stratumNode
	byName map[string]*stratumNode
	// loading guards against stratum-level dependency cycles.
	loading []string
}

// BuildGraph expands the system morphology at (repo, ref, morphPath)
// into a [Graph] with cache keys assigned to every unit.
func (b *Builder) BuildGraph(ctx context.Context, repo, ref, morphPath string) (*Graph, error) {
	sha, text, err := b.Resolver.Text(ctx, repo, ref, morphPath)
	if err != nil {
		return nil, err
	}
	m, err := morph.Load(morphPath, text, morph.KindSystem, b.LoadOptions)
	if err != nil {
		return nil, err
	}
	sys := m.(*morph.System)
	log.Debugf(ctx, "Expanding system %s (%s at %s)", sys.Name, morphPath, sha[:8])

	ld := &graphLoader{
		b:      b,
		graph:  new(Graph),
		strata: make(map[[3]string]*stratumNode),
		byName: make(map[string]*stratumNode),
	}
	var stratumUnits []*Unit
	for _, spec := range sys.Strata {
		node, err := ld.loadStratum(ctx, repo, ref, spec)
		if err != nil {
			return nil, err
		}
		units, err := ld.selectStratumArtifacts(node, spec.Artifacts)
		if err != nil {
			return nil, err
		}
		stratumUnits = append(stratumUnits, units...)
	}

	target := &Unit{
		Kind:                    morph.KindSystem,
		Name:                    sys.Name + "-rootfs",
		OwnerName:               sys.Name,
		Arch:                    sys.Arch,
		ConfigurationExtensions: sys.ConfigurationExtensions,

		Dependencies: stratumUnits,
	}
	target.Group = []*Unit{target}
	ld.graph.Units = append(ld.graph.Units, target)
	ld.graph.Target = target

	keys := newKeyComputer(b.Policy)
	for _, u := range ld.graph.Units {
		if _, err := keys.compute(u); err != nil {
			return nil, err
		}
	}
	ld.graph.finish()
	log.Debugf(ctx, "Build graph for %s has %d units", sys.Name, len(ld.graph.Units))
	return ld.graph, nil
}

// selectStratumArtifacts returns the stratum's artifact units,
// restricted to the named subset if one is given.
func (ld *graphLoader) selectStratumArtifacts(node *stratumNode, subset []string) ([]*Unit, error) {
	if subset == nil {
		names := make([]string, 0, len(node.artifactUnits))
		for name := range node.artifactUnits {
			names = append(names, name)
		}
		slices.Sort(names)
		units := make([]*Unit, len(names))
		for i, name := range names {
			units[i] = node.artifactUnits[name]
		}
		return units, nil
	}
	units := make([]*Unit, len(subset))
	for i, name := range subset {
		u := node.artifactUnits[name]
		if u == nil {
			return nil, &morph.UnsatisfiedDependencyError{Name: name, Dependent: node.name}
		}
		units[i] = u
	}
	return units, nil
}

// loadStratum loads a stratum and, recursively, the strata it build-depends on,
// then expands its chunks into units.
func (ld *graphLoader) loadStratum(ctx context.Context, defaultRepo, defaultRef string, spec morph.StratumSpec) (*stratumNode, error) {
	repo, ref := spec.Repo, spec.Ref
	if repo == "" {
		repo, ref = defaultRepo, defaultRef
	}
	path := morphFilePath(spec.Morph)
	memoKey := [3]string{repo, ref, path}
	if node, ok := ld.strata[memoKey]; ok {
		if node == nil {
			cycle := append(slices.Clone(ld.loading), path)
			return nil, &morph.DependencyCycleError{Path: cycle}
		}
		return node, nil
	}
	ld.strata[memoKey] = nil // mark as loading
	ld.loading = append(ld.loading, path)
	defer func() {
		ld.loading = ld.loading[:len(ld.loading)-1]
	}()

	_, text, err := ld.b.Resolver.Text(ctx, repo, ref, path)
	if err != nil {
		return nil, err
	}
	m, err := morph.Load(path, text, morph.KindStratum, ld.b.LoadOptions)
	if err != nil {
		return nil, err
	}
	stratum := m.(*morph.Stratum)
	if prev := ld.byName[stratum.Name]; prev != nil && prev.path != path {
		return nil, fmt.Errorf("stratum name %s defined by both %s and %s", stratum.Name, prev.path, path)
	}

	node := &stratumNode{
		name:          stratum.Name,
		repo:          repo,
		ref:           ref,
		path:          path,
		stratum:       stratum,
		chunkUnits:    make(map[string][]*Unit),
		artifactUnits: make(map[string]*Unit),
	}
	for _, depSpec := range stratum.BuildDepends {
		depNode, err := ld.loadStratum(ctx, repo, ref, depSpec)
		if err != nil {
			return nil, err
		}
		node.deps = append(node.deps, depNode)
	}
	if err := ld.expandChunks(ctx, node); err != nil {
		return nil, err
	}
	ld.strata[memoKey] = node
	ld.byName[stratum.Name] = node
	return node, nil
}

// expandChunks creates the chunk artifact units of a stratum,
// wires their dependency edges, rejects cycles,
// and aggregates them into stratum artifact units.
func (ld *graphLoader) expandChunks(ctx context.Context, node *stratumNode) error {
	stratum := node.stratum

	// Every chunk of a depended-on stratum
	// is available to every chunk of this one.
	var inherited []*Unit
	for _, dep := range node.deps {
		inherited = append(inherited, dep.allChunkUnits...)
	}

	for _, spec := range stratum.Chunks {
		src, err := ld.b.Resolver.Resolve(ctx, spec.Repo, spec.Ref, morphFilePath(spec.Morph))
		if err != nil {
			return err
		}
		rules, err := morph.ChunkSplitRules(src.Morphology)
		if err != nil {
			return &morph.InvalidMorphologyError{Path: node.path, Reason: err.Error()}
		}
		var group []*Unit
		for _, artifact := range rules.Artifacts() {
			u := &Unit{
				Kind:      morph.KindChunk,
				Name:      artifact,
				OwnerName: spec.Name,
				Source:    src,
				Chunk:     src.Morphology,
				BuildMode: spec.BuildMode,
				Prefix:    spec.Prefix,

				Dependencies: slices.Clone(inherited),
			}
			group = append(group, u)
		}
		for _, u := range group {
			u.Group = group
		}
		node.chunkUnits[spec.Name] = group
		node.allChunkUnits = append(node.allChunkUnits, group...)
		ld.graph.Units = append(ld.graph.Units, group...)
	}

	// Within-stratum build-depends edges.
	for _, spec := range stratum.Chunks {
		if len(spec.BuildDepends) == 0 {
			continue
		}
		var depUnits []*Unit
		for _, depName := range spec.BuildDepends {
			deps, ok := node.chunkUnits[depName]
			if !ok {
				return &morph.UnsatisfiedDependencyError{Name: depName, Dependent: spec.Name}
			}
			depUnits = append(depUnits, deps...)
		}
		for _, u := range node.chunkUnits[spec.Name] {
			u.Dependencies = append(u.Dependencies, depUnits...)
		}
	}

	if cycle := findChunkCycle(stratum); cycle != nil {
		return &morph.DependencyCycleError{Path: cycle}
	}

	// Aggregate chunk artifacts into stratum artifacts.
	rules, err := morph.StratumSplitRules(stratum)
	if err != nil {
		return &morph.InvalidMorphologyError{Path: node.path, Reason: err.Error()}
	}
	byArtifact := make(map[string][]*Unit)
	var order []string
	for _, cu := range node.allChunkUnits {
		name, ok := rules.Match(cu.Name)
		if !ok {
			// The catch-all rule makes this unreachable for valid rules.
			return fmt.Errorf("stratum %s: no artifact accepts chunk artifact %s", stratum.Name, cu.Name)
		}
		if _, seen := byArtifact[name]; !seen {
			order = append(order, name)
		}
		byArtifact[name] = append(byArtifact[name], cu)
	}
	for _, name := range order {
		u := &Unit{
			Kind:      morph.KindStratum,
			Name:      name,
			OwnerName: stratum.Name,

			Dependencies: byArtifact[name],
		}
		u.Group = []*Unit{u}
		node.artifactUnits[name] = u
		ld.graph.Units = append(ld.graph.Units, u)
	}
	log.Debugf(ctx, "Stratum %s: %d chunk units, %d artifacts",
		stratum.Name, len(node.allChunkUnits), len(node.artifactUnits))
	return nil
}

// morphFilePath normalises a morph reference to a file path.
func morphFilePath(ref string) string {
	if strings.HasSuffix(ref, ".morph") || strings.HasSuffix(ref, ".yaml") {
		return ref
	}
	return ref + ".morph"
}

// findChunkCycle looks for a cycle in a stratum's within-stratum
// build-depends edges using Tarjan's algorithm with an explicit stack,
// so pathological definitions cannot exhaust the call stack.
// It returns the names forming a cycle, or nil.
func findChunkCycle(stratum *morph.Stratum) []string {
	edges := make(map[string][]string, len(stratum.Chunks))
	names := make([]string, 0, len(stratum.Chunks))
	for _, spec := range stratum.Chunks {
		names = append(names, spec.Name)
		edges[spec.Name] = spec.BuildDepends
	}

	const unvisited = -1
	index := make(map[string]int, len(names))
	lowlink := make(map[string]int, len(names))
	onStack := make(map[string]bool, len(names))
	for _, n := range names {
		index[n] = unvisited
	}
	var stack []string
	next := 0

	type frame struct {
		node string
		succ int
	}
	for _, root := range names {
		if index[root] != unvisited {
			continue
		}
		work := []frame{{node: root}}
		for len(work) > 0 {
			f := &work[len(work)-1]
			n := f.node
			if f.succ == 0 {
				index[n] = next
				lowlink[n] = next
				next++
				stack = append(stack, n)
				onStack[n] = true
			}
			advanced := false
			for f.succ < len(edges[n]) {
				succ := edges[n][f.succ]
				f.succ++
				if _, known := index[succ]; !known {
					continue // unsatisfied dependency, reported elsewhere
				}
				if index[succ] == unvisited {
					work = append(work, frame{node: succ})
					advanced = true
					break
				}
				if onStack[succ] {
					lowlink[n] = min(lowlink[n], index[succ])
				}
			}
			if advanced {
				continue
			}
			if lowlink[n] == index[n] {
				// Pop the strongly connected component rooted at n.
				var scc []string
				for {
					m := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[m] = false
					scc = append(scc, m)
					if m == n {
						break
					}
				}
				if len(scc) > 1 || slices.Contains(edges[n], n) {
					slices.Reverse(scc)
					return append(scc, scc[0])
				}
			}
			work = work[:len(work)-1]
			if len(work) > 0 {
				parent := work[len(work)-1].node
				lowlink[parent] = min(lowlink[parent], lowlink[n])
			}
		}
	}
	return nil
}
