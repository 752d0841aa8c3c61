// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package morph

import (
	"encoding/json"
	"fmt"
)

// Canonical returns the canonical serialised form of a morphology:
// a JSON document with sorted keys and all defaults inlined,
// so that equivalent inputs produce byte-identical output.
// Cosmetic fields (description) are excluded.
//
// The canonical form is part of every build fingerprint;
// changing what it contains invalidates existing caches.
func Canonical(m Morphology) ([]byte, error) {
	doc, err := canonicalDoc(m)
	if err != nil {
		return nil, err
	}
	// encoding/json sorts map keys, which gives the deterministic ordering.
	return json.Marshal(doc)
}

func canonicalDoc(m Morphology) (map[string]any, error) {
	switch m := m.(type) {
	case *Chunk:
		return canonicalChunk(m)
	case *Stratum:
		return canonicalStratum(m)
	case *System:
		return canonicalSystem(m), nil
	case *Cluster:
		return canonicalCluster(m), nil
	default:
		return nil, fmt.Errorf("canonicalise: unhandled morphology type %T", m)
	}
}

func canonicalChunk(c *Chunk) (map[string]any, error) {
	doc := map[string]any{
		"kind":         string(KindChunk),
		"name":         c.Name,
		"build-system": c.BuildSystem,
	}
	if c.MaxJobs > 0 {
		doc["max-jobs"] = c.MaxJobs
	}
	rules, err := ChunkSplitRules(c)
	if err != nil {
		return nil, err
	}
	doc["products"] = canonicalRules(rules)
	if len(c.SystemIntegration) > 0 {
		doc["system-integration"] = c.SystemIntegration
	}
	for phase, cmds := range c.Commands {
		doc[phase.CommandsField()] = cmds
	}
	return doc, nil
}

func canonicalStratum(s *Stratum) (map[string]any, error) {
	deps := make([]map[string]any, len(s.BuildDepends))
	for i, d := range s.BuildDepends {
		deps[i] = map[string]any{"morph": d.Morph}
		if d.Repo != "" {
			deps[i]["repo"] = d.Repo
			deps[i]["ref"] = d.Ref
		}
	}
	chunks := make([]map[string]any, len(s.Chunks))
	for i, spec := range s.Chunks {
		entry := map[string]any{
			"name":          spec.Name,
			"repo":          spec.Repo,
			"ref":           spec.Ref,
			"morph":         spec.Morph,
			"build-depends": append([]string{}, spec.BuildDepends...),
			"build-mode":    string(spec.BuildMode),
			"prefix":        spec.Prefix,
		}
		if len(spec.Artifacts) > 0 {
			entry["artifacts"] = spec.Artifacts
		}
		chunks[i] = entry
	}
	rules, err := StratumSplitRules(s)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"kind":          string(KindStratum),
		"name":          s.Name,
		"build-depends": deps,
		"chunks":        chunks,
		"products":      canonicalRules(rules),
	}, nil
}

func canonicalSystem(s *System) map[string]any {
	strata := make([]map[string]any, len(s.Strata))
	for i, spec := range s.Strata {
		entry := map[string]any{
			"name":  spec.Name,
			"morph": spec.Morph,
		}
		if spec.Repo != "" {
			entry["repo"] = spec.Repo
			entry["ref"] = spec.Ref
		}
		if spec.Artifacts != nil {
			entry["artifacts"] = spec.Artifacts
		}
		strata[i] = entry
	}
	return map[string]any{
		"kind":   string(KindSystem),
		"name":   s.Name,
		"arch":   s.Arch,
		"strata": strata,
	}
}

func canonicalCluster(c *Cluster) map[string]any {
	systems := make([]map[string]any, len(c.Systems))
	for i, sys := range c.Systems {
		systems[i] = map[string]any{"morph": sys.Morph}
	}
	return map[string]any{
		"kind":    string(KindCluster),
		"name":    c.Name,
		"systems": systems,
	}
}

func canonicalRules(rules *SplitRules) []map[string]any {
	pats := rules.Patterns()
	out := make([]map[string]any, len(pats))
	for i, p := range pats {
		out[i] = map[string]any{
			"artifact": p[0],
			"include":  []string{p[1]},
		}
	}
	return out
}
