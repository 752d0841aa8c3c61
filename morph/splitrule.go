// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package morph

import (
	"fmt"
	"regexp"
	"slices"

	"morph.baserock.dev/pkg/internal/xmaps"
)

// SplitRules maps file or artifact names to artifact names.
// Rules are tried in declaration order; the first match wins.
type SplitRules struct {
	rules []splitRule
}

type splitRule struct {
	artifact string
	// exact, when non-empty, matches one name exactly.
	exact    string
	patterns []*regexp.Regexp
}

// Add appends a pattern rule assigning names matching any of the patterns
// to the given artifact.
// Patterns must match the entire name.
func (r *SplitRules) Add(artifact string, patterns ...string) error {
	rule := splitRule{artifact: artifact}
	for _, pat := range patterns {
		re, err := regexp.Compile("^(?:" + pat + ")$")
		if err != nil {
			return fmt.Errorf("split rule for %s: bad pattern %q: %v", artifact, pat, err)
		}
		rule.patterns = append(rule.patterns, re)
	}
	r.rules = append(r.rules, rule)
	return nil
}

// AddAssignment appends a rule assigning exactly one name to an artifact.
// Assignments take part in the same first-match-wins ordering as patterns.
func (r *SplitRules) AddAssignment(artifact, name string) {
	r.rules = append(r.rules, splitRule{artifact: artifact, exact: name})
}

// Match returns the artifact the given name belongs to.
func (r *SplitRules) Match(name string) (artifact string, ok bool) {
	for _, rule := range r.rules {
		if rule.exact != "" {
			if rule.exact == name {
				return rule.artifact, true
			}
			continue
		}
		for _, re := range rule.patterns {
			if re.MatchString(name) {
				return rule.artifact, true
			}
		}
	}
	return "", false
}

// Artifacts returns the distinct artifact names in declaration order.
func (r *SplitRules) Artifacts() []string {
	var names []string
	for _, rule := range r.rules {
		if !slices.Contains(names, rule.artifact) {
			names = append(names, rule.artifact)
		}
	}
	return names
}

// Partition groups names by the artifact each belongs to.
// Names matching no rule are returned in unmatched.
func (r *SplitRules) Partition(names []string) (matches map[string][]string, unmatched []string) {
	matches = make(map[string][]string)
	for _, name := range names {
		artifact, ok := r.Match(name)
		if !ok {
			unmatched = append(unmatched, name)
			continue
		}
		matches[artifact] = append(matches[artifact], name)
	}
	return matches, unmatched
}

// Patterns returns each rule's artifact and source patterns
// in declaration order.
// Exact assignments are reported as anchored literal patterns.
// The result is stable and suitable for fingerprinting.
func (r *SplitRules) Patterns() [][2]string {
	var out [][2]string
	for _, rule := range r.rules {
		if rule.exact != "" {
			out = append(out, [2]string{rule.artifact, "^" + regexp.QuoteMeta(rule.exact) + "$"})
			continue
		}
		for _, re := range rule.patterns {
			out = append(out, [2]string{rule.artifact, re.String()})
		}
	}
	return out
}

// ChunkSplitRules returns the file split rules for a chunk:
// the chunk's declared products in order,
// then a catch-all artifact named after the chunk
// that collects files no declared rule matched.
func ChunkSplitRules(c *Chunk) (*SplitRules, error) {
	rules := new(SplitRules)
	declared := false
	for _, p := range c.Products {
		if p.Artifact == c.Name {
			declared = true
		}
		if err := rules.Add(p.Artifact, p.Include...); err != nil {
			return nil, err
		}
	}
	if !declared {
		if err := rules.Add(c.Name, `.*`); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// StratumSplitRules returns the artifact split rules for a stratum:
// per-chunk artifact assignments from the chunk specs first,
// then the stratum's declared products,
// then a catch-all stratum artifact named after the stratum.
// Rules match chunk artifact names.
func StratumSplitRules(s *Stratum) (*SplitRules, error) {
	rules := new(SplitRules)
	for _, spec := range s.Chunks {
		for _, chunkArtifact := range xmaps.SortedKeys(spec.Artifacts) {
			rules.AddAssignment(spec.Artifacts[chunkArtifact], chunkArtifact)
		}
	}
	declared := false
	for _, p := range s.Products {
		if p.Artifact == s.Name {
			declared = true
		}
		if err := rules.Add(p.Artifact, p.Include...); err != nil {
			return nil, err
		}
	}
	if !declared {
		if err := rules.Add(s.Name, `.*`); err != nil {
			return nil, err
		}
	}
	return rules, nil
}
