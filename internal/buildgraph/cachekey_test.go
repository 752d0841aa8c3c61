// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package buildgraph

import (
	"testing"

	"morph.baserock.dev/pkg/morph"
)

func chunkUnit(src *morph.Source) *Unit {
	u := &Unit{
		Kind:      morph.KindChunk,
		Name:      src.Morphology.Name,
		OwnerName: src.Morphology.Name,
		Source:    src,
		Chunk:     src.Morphology,
		BuildMode: morph.ModeNormal,
		Prefix:    morph.DefaultPrefix,
	}
	u.Group = []*Unit{u}
	return u
}

func computeTestKey(t *testing.T, u *Unit) string {
	t.Helper()
	key, err := newKeyComputer(Policy{Arch: "x86_64"}).compute(u)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestCacheKeySubmodulesChangeKey(t *testing.T) {
	chunk := &morph.Chunk{
		Name:        "hello",
		BuildSystem: "manual",
		Commands:    map[morph.Phase][]string{morph.PhaseBuild: {"make"}},
	}
	plain := &morph.Source{
		Repo:       "upstream:hello",
		SHA:        helloSHA,
		Morphology: chunk,
	}
	withSub := &morph.Source{
		Repo:       "upstream:hello",
		SHA:        helloSHA,
		Morphology: chunk,
		Submodules: []morph.Submodule{
			{Path: "vendor/lib", URL: "upstream:lib", SHA: stage1SHA},
		},
	}
	if computeTestKey(t, chunkUnit(plain)) == computeTestKey(t, chunkUnit(withSub)) {
		t.Error("submodule pin does not change the cache key")
	}
}

func TestCacheKeyBuildModeAndPrefixChangeKey(t *testing.T) {
	chunk := &morph.Chunk{
		Name:        "hello",
		BuildSystem: "manual",
		Commands:    map[morph.Phase][]string{morph.PhaseBuild: {"make"}},
	}
	src := &morph.Source{Repo: "upstream:hello", SHA: helloSHA, Morphology: chunk}

	base := chunkUnit(src)
	baseKey := computeTestKey(t, base)

	bootstrap := chunkUnit(src)
	bootstrap.BuildMode = morph.ModeBootstrap
	if computeTestKey(t, bootstrap) == baseKey {
		t.Error("build mode does not change the cache key")
	}

	prefixed := chunkUnit(src)
	prefixed.Prefix = "/plover"
	if computeTestKey(t, prefixed) == baseKey {
		t.Error("prefix does not change the cache key")
	}
}

func TestCacheKeyDependencyOrderIrrelevant(t *testing.T) {
	chunk := &morph.Chunk{
		Name:        "hello",
		BuildSystem: "manual",
		Commands:    map[morph.Phase][]string{},
	}
	src := &morph.Source{Repo: "upstream:hello", SHA: helloSHA, Morphology: chunk}
	depChunkA := &morph.Chunk{Name: "liba", BuildSystem: "manual", Commands: map[morph.Phase][]string{}}
	depChunkB := &morph.Chunk{Name: "libb", BuildSystem: "manual", Commands: map[morph.Phase][]string{}}
	depA := chunkUnit(&morph.Source{Repo: "upstream:liba", SHA: stage1SHA, Morphology: depChunkA})
	depB := chunkUnit(&morph.Source{Repo: "upstream:libb", SHA: defsSHA, Morphology: depChunkB})

	forward := chunkUnit(src)
	forward.Dependencies = []*Unit{depA, depB}
	reversed := chunkUnit(src)
	reversed.Dependencies = []*Unit{depB, depA}
	if computeTestKey(t, forward) != computeTestKey(t, reversed) {
		t.Error("dependency declaration order changes the cache key")
	}
}
