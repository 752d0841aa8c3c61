// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package buildgraph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"morph.baserock.dev/pkg/morph"
)

// metadataVersion is bumped whenever the key derivation changes
// in a way that must invalidate existing caches.
const metadataVersion = 1

// systemCompatibility is folded into system keys so that
// incompatible image layouts never share artifacts.
const systemCompatibility = "1 (root rw)"

// keyComputer derives cache keys bottom-up over a graph, memoised per unit.
type keyComputer struct {
	policy Policy
	keys   map[*Unit]string
}

func newKeyComputer(policy Policy) *keyComputer {
	return &keyComputer{
		policy: policy,
		keys:   make(map[*Unit]string),
	}
}

// compute returns the unit's cache key, deriving it
// (and its dependencies' keys) if not already done.
//
// The key is a pure function of the unit's inputs:
// artifact name and kind, the canonical morphology,
// the pinned source, the dependencies' keys in sorted order,
// and the build policy.
// Nothing time- or host-dependent may enter here.
func (kc *keyComputer) compute(u *Unit) (string, error) {
	if key, ok := kc.keys[u]; ok {
		return key, nil
	}

	kids := make([]map[string]string, 0, len(u.Dependencies))
	for _, dep := range u.Dependencies {
		depKey, err := kc.compute(dep)
		if err != nil {
			return "", err
		}
		kids = append(kids, map[string]string{
			"artifact":  dep.Name,
			"cache-key": depKey,
		})
	}
	slices.SortFunc(kids, func(a, b map[string]string) int {
		if c := strings.Compare(a["artifact"], b["artifact"]); c != 0 {
			return c
		}
		return strings.Compare(a["cache-key"], b["cache-key"])
	})

	fields := map[string]any{
		"metadata-version": metadataVersion,
		"artifact":         u.Name,
		"kind":             string(u.Kind),
		"kids":             kids,
		"env": map[string]string{
			"MORPH_ARCH": kc.policy.Arch,
			"TARGET":     kc.policy.ToolchainTarget,
			"CFLAGS":     kc.policy.TargetCFLAGS,
		},
	}
	switch u.Kind {
	case morph.KindChunk:
		canonical, err := morph.Canonical(u.Chunk)
		if err != nil {
			return "", fmt.Errorf("cache key for %s: %v", u.Name, err)
		}
		fields["morphology"] = json.RawMessage(canonical)
		fields["source-sha"] = u.Source.SHA
		fields["build-mode"] = string(u.BuildMode)
		fields["prefix"] = u.Prefix
		if len(u.Source.Submodules) > 0 {
			fields["submodules"] = u.Source.Submodules
		}
	case morph.KindStratum:
		fields["stratum-format-version"] = 1
	case morph.KindSystem:
		fields["arch"] = u.Arch
		fields["system-compatibility-version"] = systemCompatibility
		if len(u.ConfigurationExtensions) > 0 {
			fields["configuration-extensions"] = u.ConfigurationExtensions
		}
	default:
		return "", fmt.Errorf("cache key for %s: unhandled kind %s", u.Name, u.Kind)
	}

	blob, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("cache key for %s: %v", u.Name, err)
	}
	sum := sha256.Sum256(blob)
	key := hex.EncodeToString(sum[:])
	kc.keys[u] = key
	u.CacheKey = key
	return key, nil
}
