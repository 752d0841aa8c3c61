// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package buildgraph

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"morph.baserock.dev/pkg/internal/morphtest"
	"morph.baserock.dev/pkg/morph"
)

const (
	defsSHA   = "11111111111111111111111111111111111111aa"
	helloSHA  = "11111111111111111111111111111111111111bb"
	stage1SHA = "11111111111111111111111111111111111111cc"
)

// testDefinitions builds a fake definitions repository
// with the given strata files.
func testDefinitions(strata map[string]string) map[string]*morphtest.Repo {
	files := map[string][]byte{
		"systems/base.morph": []byte("" +
			"name: base\n" +
			"kind: system\n" +
			"arch: x86_64\n" +
			"strata:\n" +
			"  - name: core\n" +
			"    morph: strata/core\n"),
	}
	for path, text := range strata {
		files[path] = []byte(text)
	}
	return map[string]*morphtest.Repo{
		"baserock:defs": {
			Refs:  map[string]string{"master": defsSHA},
			Files: map[string]map[string][]byte{defsSHA: files},
		},
		"upstream:hello": {
			Refs: map[string]string{"main": helloSHA},
			Files: map[string]map[string][]byte{
				helloSHA: {
					"hello.morph": []byte("name: hello\nkind: chunk\nbuild-commands: [make]\n"),
				},
			},
		},
		"upstream:stage1": {
			Refs: map[string]string{"main": stage1SHA},
			Files: map[string]map[string][]byte{
				stage1SHA: {
					"stage1.morph": []byte("name: stage1\nkind: chunk\nbuild-commands: [make stage1]\n"),
				},
			},
		},
	}
}

const coreStratum = "" +
	"name: core\n" +
	"kind: stratum\n" +
	"chunks:\n" +
	"  - name: stage1\n" +
	"    repo: upstream:stage1\n" +
	"    ref: main\n" +
	"    build-mode: bootstrap\n" +
	"  - name: hello\n" +
	"    repo: upstream:hello\n" +
	"    ref: main\n" +
	"    build-depends: [stage1]\n"

func newTestBuilder(repos map[string]*morphtest.Repo) *Builder {
	return &Builder{
		Resolver: morph.NewResolver(morphtest.NewRepoCache(repos), nil),
		Policy: Policy{
			Arch:            "x86_64",
			ToolchainTarget: "x86_64-baserock-linux-gnu",
		},
	}
}

func buildTestGraph(t *testing.T, strata map[string]string) *Graph {
	t.Helper()
	b := newTestBuilder(testDefinitions(strata))
	g, err := b.BuildGraph(context.Background(), "baserock:defs", "master", "systems/base.morph")
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func findUnit(g *Graph, kind morph.Kind, name string) *Unit {
	for _, u := range g.Units {
		if u.Kind == kind && u.Name == name {
			return u
		}
	}
	return nil
}

func TestBuildGraphStructure(t *testing.T) {
	g := buildTestGraph(t, map[string]string{"strata/core.morph": coreStratum})

	if len(g.Units) != 4 {
		t.Fatalf("len(Units) = %d; want 4 (2 chunks, 1 stratum, 1 system)", len(g.Units))
	}
	hello := findUnit(g, morph.KindChunk, "hello")
	stage1 := findUnit(g, morph.KindChunk, "stage1")
	core := findUnit(g, morph.KindStratum, "core")
	rootfs := findUnit(g, morph.KindSystem, "base-rootfs")
	for _, u := range []*Unit{hello, stage1, core, rootfs} {
		if u == nil {
			t.Fatalf("missing unit in graph: %v", g.Units)
		}
	}

	if len(hello.Dependencies) != 1 || hello.Dependencies[0] != stage1 {
		t.Errorf("hello.Dependencies = %v; want [stage1]", hello.Dependencies)
	}
	if stage1.BuildMode != morph.ModeBootstrap {
		t.Errorf("stage1.BuildMode = %q; want bootstrap", stage1.BuildMode)
	}
	if len(core.Dependencies) != 2 {
		t.Errorf("core.Dependencies = %v; want both chunk units", core.Dependencies)
	}
	if len(rootfs.Dependencies) != 1 || rootfs.Dependencies[0] != core {
		t.Errorf("rootfs.Dependencies = %v; want [core]", rootfs.Dependencies)
	}
	if g.Target != rootfs {
		t.Errorf("Target = %v; want system unit", g.Target)
	}

	keyRE := regexp.MustCompile(`^[0-9a-f]{64}$`)
	for _, u := range g.Units {
		if !keyRE.MatchString(u.CacheKey) {
			t.Errorf("unit %s has malformed cache key %q", u.Name, u.CacheKey)
		}
	}
}

func TestBuildGraphDeterministicKeys(t *testing.T) {
	first := buildTestGraph(t, map[string]string{"strata/core.morph": coreStratum})
	second := buildTestGraph(t, map[string]string{"strata/core.morph": coreStratum})
	if len(first.Units) != len(second.Units) {
		t.Fatalf("unit counts differ: %d vs %d", len(first.Units), len(second.Units))
	}
	for i := range first.Units {
		a, b := first.Units[i], second.Units[i]
		if a.CacheKey != b.CacheKey || a.Name != b.Name {
			t.Errorf("unit %d differs across runs: %v vs %v", i, a, b)
		}
	}
}

func TestBuildGraphKeyMonotonicity(t *testing.T) {
	base := buildTestGraph(t, map[string]string{"strata/core.morph": coreStratum})

	// Change one byte of one transitive input: hello's build command.
	changed := testDefinitions(map[string]string{"strata/core.morph": coreStratum})
	changed["upstream:hello"].Files[helloSHA]["hello.morph"] =
		[]byte("name: hello\nkind: chunk\nbuild-commands: [makE]\n")
	b := newTestBuilder(changed)
	mutated, err := b.BuildGraph(context.Background(), "baserock:defs", "master", "systems/base.morph")
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []struct {
		kind morph.Kind
		name string
		want bool // key should change
	}{
		{morph.KindChunk, "hello", true},
		{morph.KindChunk, "stage1", false},
		{morph.KindStratum, "core", true},
		{morph.KindSystem, "base-rootfs", true},
	} {
		before := findUnit(base, name.kind, name.name)
		after := findUnit(mutated, name.kind, name.name)
		if before == nil || after == nil {
			t.Fatalf("unit %s missing", name.name)
		}
		if changed := before.CacheKey != after.CacheKey; changed != name.want {
			t.Errorf("%s %s: key changed = %t; want %t", name.kind, name.name, changed, name.want)
		}
	}
}

func TestBuildGraphPolicyChangesKeys(t *testing.T) {
	repos := testDefinitions(map[string]string{"strata/core.morph": coreStratum})
	base := buildTestGraph(t, map[string]string{"strata/core.morph": coreStratum})

	b := newTestBuilder(repos)
	b.Policy.TargetCFLAGS = "-O2"
	g, err := b.BuildGraph(context.Background(), "baserock:defs", "master", "systems/base.morph")
	if err != nil {
		t.Fatal(err)
	}
	if base.Target.CacheKey == g.Target.CacheKey {
		t.Error("system key unchanged after CFLAGS change")
	}
}

func TestBuildGraphChunkCycle(t *testing.T) {
	const cyclic = "" +
		"name: core\n" +
		"kind: stratum\n" +
		"chunks:\n" +
		"  - name: stage1\n" +
		"    repo: upstream:stage1\n" +
		"    ref: main\n" +
		"    build-depends: [hello]\n" +
		"  - name: hello\n" +
		"    repo: upstream:hello\n" +
		"    ref: main\n" +
		"    build-depends: [stage1]\n"
	b := newTestBuilder(testDefinitions(map[string]string{"strata/core.morph": cyclic}))
	_, err := b.BuildGraph(context.Background(), "baserock:defs", "master", "systems/base.morph")
	var cycleErr *morph.DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("BuildGraph error = %v; want DependencyCycleError", err)
	}
	if len(cycleErr.Path) < 3 {
		t.Errorf("cycle path = %v; want at least a -> b -> a", cycleErr.Path)
	}
}

func TestBuildGraphUnsatisfiedDependency(t *testing.T) {
	const broken = "" +
		"name: core\n" +
		"kind: stratum\n" +
		"chunks:\n" +
		"  - name: hello\n" +
		"    repo: upstream:hello\n" +
		"    ref: main\n" +
		"    build-depends: [nonesuch]\n"
	b := newTestBuilder(testDefinitions(map[string]string{"strata/core.morph": broken}))
	_, err := b.BuildGraph(context.Background(), "baserock:defs", "master", "systems/base.morph")
	var unsat *morph.UnsatisfiedDependencyError
	if !errors.As(err, &unsat) {
		t.Fatalf("BuildGraph error = %v; want UnsatisfiedDependencyError", err)
	}
	if unsat.Name != "nonesuch" {
		t.Errorf("unsatisfied name = %q; want nonesuch", unsat.Name)
	}
}

func TestBuildGraphStratumBuildDepends(t *testing.T) {
	strata := map[string]string{
		"strata/core.morph": coreStratum,
		"strata/tools.morph": "" +
			"name: tools\n" +
			"kind: stratum\n" +
			"build-depends:\n" +
			"  - morph: strata/core\n" +
			"chunks:\n" +
			"  - name: hello\n" +
			"    repo: upstream:hello\n" +
			"    ref: main\n",
	}
	repos := testDefinitions(strata)
	// The system lists only tools; core is pulled in via build-depends.
	repos["baserock:defs"].Files[defsSHA]["systems/base.morph"] = []byte("" +
		"name: base\n" +
		"kind: system\n" +
		"arch: x86_64\n" +
		"strata:\n" +
		"  - name: tools\n" +
		"    morph: strata/tools\n")
	b := newTestBuilder(repos)
	g, err := b.BuildGraph(context.Background(), "baserock:defs", "master", "systems/base.morph")
	if err != nil {
		t.Fatal(err)
	}

	// tools' hello chunk must depend on every chunk of core.
	var toolsHello *Unit
	for _, u := range g.Units {
		if u.Kind == morph.KindChunk && u.Name == "hello" && u.OwnerName == "hello" && len(u.Dependencies) == 2 {
			toolsHello = u
		}
	}
	if toolsHello == nil {
		t.Fatalf("no hello unit with inherited core dependencies found in %v", g.Units)
	}
}

func TestBuildGraphStratumCycle(t *testing.T) {
	strata := map[string]string{
		"strata/core.morph": "" +
			"name: core\n" +
			"kind: stratum\n" +
			"build-depends:\n" +
			"  - morph: strata/tools\n" +
			"chunks:\n" +
			"  - {name: hello, repo: upstream:hello, ref: main}\n",
		"strata/tools.morph": "" +
			"name: tools\n" +
			"kind: stratum\n" +
			"build-depends:\n" +
			"  - morph: strata/core\n" +
			"chunks:\n" +
			"  - {name: hello, repo: upstream:hello, ref: main}\n",
	}
	b := newTestBuilder(testDefinitions(strata))
	_, err := b.BuildGraph(context.Background(), "baserock:defs", "master", "systems/base.morph")
	var cycleErr *morph.DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("BuildGraph error = %v; want DependencyCycleError", err)
	}
}

func TestBuildGraphArtifactSubset(t *testing.T) {
	repos := testDefinitions(map[string]string{"strata/core.morph": coreStratum})
	repos["baserock:defs"].Files[defsSHA]["systems/base.morph"] = []byte("" +
		"name: base\n" +
		"kind: system\n" +
		"arch: x86_64\n" +
		"strata:\n" +
		"  - name: core\n" +
		"    morph: strata/core\n" +
		"    artifacts: [nonesuch]\n")
	b := newTestBuilder(repos)
	_, err := b.BuildGraph(context.Background(), "baserock:defs", "master", "systems/base.morph")
	var unsat *morph.UnsatisfiedDependencyError
	if !errors.As(err, &unsat) {
		t.Fatalf("BuildGraph error = %v; want UnsatisfiedDependencyError", err)
	}
}

func TestToBundleTopoOrder(t *testing.T) {
	g := buildTestGraph(t, map[string]string{"strata/core.morph": coreStratum})
	core := findUnit(g, morph.KindStratum, "core")
	bundle := ToBundle(core)
	if len(bundle.Deps) != 2 {
		t.Fatalf("len(Deps) = %d; want 2", len(bundle.Deps))
	}
	// stage1 must precede hello: hello depends on it.
	if bundle.Deps[0].Name != "stage1" || bundle.Deps[1].Name != "hello" {
		t.Errorf("dep order = %s, %s; want stage1, hello", bundle.Deps[0].Name, bundle.Deps[1].Name)
	}
}
