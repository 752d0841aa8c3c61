// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package buildgraph

import (
	"encoding/json"
	"fmt"
	"slices"

	"morph.baserock.dev/pkg/morph"
	"morph.baserock.dev/pkg/sets"
)

// A Bundle is the self-contained build instruction for one unit group,
// serialisable so that a worker process can execute it
// without re-resolving the definitions.
type Bundle struct {
	Kind      morph.Kind `json:"kind"`
	OwnerName string     `json:"owner-name"`
	// Artifacts lists the artifacts the build must produce,
	// in split-rule declaration order.
	Artifacts []BundleArtifact `json:"artifacts"`
	// Deps lists the direct dependencies whose artifacts
	// must be staged before building, in deterministic order.
	Deps []BundleDep `json:"deps"`

	// Chunk build inputs; absent for strata and systems.
	Chunk      *morph.Chunk      `json:"chunk,omitempty"`
	SourceSHA  string            `json:"source-sha,omitempty"`
	Repo       string            `json:"repo,omitempty"`
	Submodules []morph.Submodule `json:"submodules,omitempty"`
	BuildMode  morph.BuildMode   `json:"build-mode,omitempty"`
	Prefix     string            `json:"prefix,omitempty"`

	// Arch is set for system bundles.
	Arch string `json:"arch,omitempty"`
}

// BundleArtifact names one artifact the bundle's build produces.
type BundleArtifact struct {
	Name     string `json:"name"`
	CacheKey string `json:"cache-key"`
}

// BundleDep references a dependency artifact by cache identity.
type BundleDep struct {
	Name      string          `json:"name"`
	Kind      morph.Kind      `json:"kind"`
	CacheKey  string          `json:"cache-key"`
	BuildMode morph.BuildMode `json:"build-mode,omitempty"`
	Prefix    string          `json:"prefix,omitempty"`
}

// Filename returns the dependency artifact's file name in the cache layout.
func (d BundleDep) Filename() string {
	return fmt.Sprintf("%s.%s.%s", d.CacheKey, d.Kind, d.Name)
}

// ToBundle serialises the unit's group into a [Bundle].
func ToBundle(u *Unit) *Bundle {
	b := &Bundle{
		Kind:      u.Kind,
		OwnerName: u.OwnerName,
	}
	for _, sibling := range u.Group {
		b.Artifacts = append(b.Artifacts, BundleArtifact{
			Name:     sibling.Name,
			CacheKey: sibling.CacheKey,
		})
	}
	for _, dep := range topoSortDeps(u.Dependencies) {
		b.Deps = append(b.Deps, BundleDep{
			Name:      dep.Name,
			Kind:      dep.Kind,
			CacheKey:  dep.CacheKey,
			BuildMode: dep.BuildMode,
			Prefix:    dep.Prefix,
		})
	}
	switch u.Kind {
	case morph.KindChunk:
		b.Chunk = u.Chunk
		b.SourceSHA = u.Source.SHA
		b.Repo = u.Source.Repo
		b.Submodules = u.Source.Submodules
		b.BuildMode = u.BuildMode
		b.Prefix = u.Prefix
	case morph.KindSystem:
		b.Arch = u.Arch
	}
	return b
}

// topoSortDeps orders a dependency list so that
// any dependency appearing in another's transitive closure comes first.
// Ties are broken by [CompareUnits], keeping staging assembly
// bit-deterministic where the filesystem permits.
func topoSortDeps(deps []*Unit) []*Unit {
	in := make(map[*Unit]int, len(deps))
	for _, d := range deps {
		in[d] += 0
	}
	for _, d := range deps {
		for _, e := range transitiveDeps(d) {
			if _, ok := in[e]; ok && e != d {
				in[d]++
			}
		}
	}
	ready := make([]*Unit, 0, len(deps))
	for _, d := range deps {
		if in[d] == 0 {
			ready = append(ready, d)
		}
	}
	slices.SortFunc(ready, CompareUnits)

	order := make([]*Unit, 0, len(deps))
	for len(ready) > 0 {
		d := ready[0]
		ready = ready[1:]
		order = append(order, d)
		for _, other := range deps {
			if in[other] <= 0 {
				continue
			}
			if slices.Contains(transitiveDeps(other), d) {
				in[other]--
				if in[other] == 0 {
					i, _ := slices.BinarySearchFunc(ready, other, CompareUnits)
					ready = slices.Insert(ready, i, other)
				}
			}
		}
	}
	return order
}

// transitiveDeps returns the dependency closure of u, memo-free.
// Dependency lists are small enough that recomputation is cheap.
func transitiveDeps(u *Unit) []*Unit {
	var closure []*Unit
	seen := make(sets.Set[*Unit])
	stack := slices.Clone(u.Dependencies)
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen.Has(d) {
			continue
		}
		seen.Add(d)
		closure = append(closure, d)
		stack = append(stack, d.Dependencies...)
	}
	return closure
}

// DecodeBundle parses a serialised bundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	b := new(Bundle)
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("decode build bundle: %v", err)
	}
	if len(b.Artifacts) == 0 {
		return nil, fmt.Errorf("decode build bundle: no artifacts")
	}
	return b, nil
}

// Encode serialises the bundle.
func (b *Bundle) Encode() ([]byte, error) {
	return json.Marshal(b)
}
