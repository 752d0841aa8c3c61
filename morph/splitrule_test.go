// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package morph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSplitRulesFirstMatchWins(t *testing.T) {
	rules := new(SplitRules)
	if err := rules.Add("x-bins", `bin/.*`); err != nil {
		t.Fatal(err)
	}
	if err := rules.Add("x-all", `.*`); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		artifact string
	}{
		{"bin/x", "x-bins"},
		{"lib/libx.so", "x-all"},
		{"bin/sub/x", "x-bins"},
	}
	for _, test := range tests {
		got, ok := rules.Match(test.name)
		if !ok || got != test.artifact {
			t.Errorf("Match(%q) = %q, %t; want %q, true", test.name, got, ok, test.artifact)
		}
	}
}

func TestSplitRulesPatternsAnchored(t *testing.T) {
	rules := new(SplitRules)
	if err := rules.Add("x-bins", `bin`); err != nil {
		t.Fatal(err)
	}
	if _, ok := rules.Match("bin/x"); ok {
		t.Error("pattern `bin` matched \"bin/x\"; patterns must match the entire name")
	}
	if _, ok := rules.Match("bin"); !ok {
		t.Error("pattern `bin` did not match \"bin\"")
	}
}

func TestSplitRulesPartition(t *testing.T) {
	rules := new(SplitRules)
	if err := rules.Add("x-bins", `bin/.*`); err != nil {
		t.Fatal(err)
	}
	matches, unmatched := rules.Partition([]string{"bin/x", "share/doc/x", "bin/y"})
	wantMatches := map[string][]string{
		"x-bins": {"bin/x", "bin/y"},
	}
	if diff := cmp.Diff(wantMatches, matches); diff != "" {
		t.Errorf("matches (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"share/doc/x"}, unmatched); diff != "" {
		t.Errorf("unmatched (-want +got):\n%s", diff)
	}
}

func TestChunkSplitRules(t *testing.T) {
	tests := []struct {
		name          string
		chunk         *Chunk
		wantArtifacts []string
		assignments   map[string]string
	}{
		{
			name:          "NoProducts",
			chunk:         &Chunk{Name: "hello"},
			wantArtifacts: []string{"hello"},
			assignments: map[string]string{
				"bin/hello":  "hello",
				"anything/x": "hello",
			},
		},
		{
			name: "DeclaredProducts",
			chunk: &Chunk{
				Name: "hello",
				Products: []ProductRule{
					{Artifact: "hello-bins", Include: []string{`bin/.*`}},
					{Artifact: "hello-libs", Include: []string{`lib/.*`}},
				},
			},
			wantArtifacts: []string{"hello-bins", "hello-libs", "hello"},
			assignments: map[string]string{
				"bin/hello":     "hello-bins",
				"lib/hello.so":  "hello-libs",
				"share/doc/x.1": "hello",
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rules, err := ChunkSplitRules(test.chunk)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.wantArtifacts, rules.Artifacts(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("artifacts (-want +got):\n%s", diff)
			}
			for file, want := range test.assignments {
				got, ok := rules.Match(file)
				if !ok || got != want {
					t.Errorf("Match(%q) = %q, %t; want %q, true", file, got, ok, want)
				}
			}
		})
	}
}

func TestStratumSplitRules(t *testing.T) {
	s := &Stratum{
		Name: "core",
		Chunks: []ChunkSpec{
			{
				Name:      "hello",
				Artifacts: map[string]string{"hello-bins": "core-runtime"},
			},
		},
		Products: []ProductRule{
			{Artifact: "core-devel", Include: []string{`.*-devel`}},
		},
	}
	rules, err := StratumSplitRules(s)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		chunkArtifact string
		want          string
	}{
		// Explicit assignment wins over everything.
		{"hello-bins", "core-runtime"},
		// Product rule.
		{"hello-devel", "core-devel"},
		// Catch-all named after the stratum.
		{"hello-misc", "core"},
	}
	for _, test := range tests {
		got, ok := rules.Match(test.chunkArtifact)
		if !ok || got != test.want {
			t.Errorf("Match(%q) = %q, %t; want %q, true", test.chunkArtifact, got, ok, test.want)
		}
	}
}
