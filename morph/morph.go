// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

// Package morph defines the morphology data model:
// declarative definitions of chunks, strata, systems, and clusters,
// together with parsing, validation, canonicalisation,
// artifact split rules, and build-system command defaults.
package morph

import (
	"fmt"
)

// Kind identifies which variant of morphology a document declares.
type Kind string

// Morphology kinds.
const (
	KindChunk   Kind = "chunk"
	KindStratum Kind = "stratum"
	KindSystem  Kind = "system"
	KindCluster Kind = "cluster"
)

// IsValid reports whether k is one of the known morphology kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindChunk, KindStratum, KindSystem, KindCluster:
		return true
	default:
		return false
	}
}

// BuildMode controls where a chunk's artifacts are installed
// and whether they are carried into the final output.
type BuildMode string

// Build modes.
const (
	// ModeNormal chunks install only to the output.
	ModeNormal BuildMode = "normal"
	// ModeTest chunks are installed both to the staging area of later builds
	// and into the final output.
	ModeTest BuildMode = "test"
	// ModeBootstrap chunks install into the tooling prefix
	// and are available only while bootstrapping.
	ModeBootstrap BuildMode = "bootstrap"
)

// IsValid reports whether m is one of the known build modes.
func (m BuildMode) IsValid() bool {
	switch m {
	case ModeNormal, ModeTest, ModeBootstrap:
		return true
	default:
		return false
	}
}

// Phase names one step of a chunk build.
type Phase string

// Build phases, in canonical execution order.
const (
	PhasePreConfigure  Phase = "pre-configure"
	PhaseConfigure     Phase = "configure"
	PhasePostConfigure Phase = "post-configure"
	PhasePreBuild      Phase = "pre-build"
	PhaseBuild         Phase = "build"
	PhasePostBuild     Phase = "post-build"
	PhasePreInstall    Phase = "pre-install"
	PhaseInstall       Phase = "install"
	PhasePostInstall   Phase = "post-install"
)

// Phases lists all build phases in canonical execution order.
func Phases() []Phase {
	return []Phase{
		PhasePreConfigure,
		PhaseConfigure,
		PhasePostConfigure,
		PhasePreBuild,
		PhaseBuild,
		PhasePostBuild,
		PhasePreInstall,
		PhaseInstall,
		PhasePostInstall,
	}
}

// CommandsField returns the morphology field name
// that holds the phase's command list (e.g. "configure-commands").
func (p Phase) CommandsField() string {
	return string(p) + "-commands"
}

// DefaultPrefix is the installation prefix used for chunks
// that do not declare one.
const DefaultPrefix = "/usr"

// DefaultToolingPrefix is the prefix bootstrap-mode chunks install into.
const DefaultToolingPrefix = "/tools"

// A Morphology is a typed record parsed from a morphology document.
// The concrete types are [*Chunk], [*Stratum], [*System], and [*Cluster].
type Morphology interface {
	// MorphologyKind returns the document's kind.
	MorphologyKind() Kind
	// MorphologyName returns the document's name.
	MorphologyName() string
}

// ProductRule declares one artifact split:
// files (for chunks) or chunk artifacts (for strata)
// whose names match any of the Include patterns
// belong to the named artifact.
type ProductRule struct {
	Artifact string   `yaml:"artifact" json:"artifact"`
	Include  []string `yaml:"include" json:"include"`
}

// Chunk is a single source project,
// built by running its declared (or defaulted) phase commands.
type Chunk struct {
	Name              string
	Description       string
	BuildSystem       string
	MaxJobs           int
	Products          []ProductRule
	SystemIntegration map[string]map[string][]string
	// Commands holds the explicitly declared command lists per phase.
	// Phases absent from the map fall back to the build system's defaults.
	Commands map[Phase][]string
}

// MorphologyKind implements [Morphology].
func (c *Chunk) MorphologyKind() Kind { return KindChunk }

// MorphologyName implements [Morphology].
func (c *Chunk) MorphologyName() string { return c.Name }

// PhaseCommands returns the commands to run for the given phase:
// the chunk's declared commands if present,
// otherwise the defaults of the chunk's build system.
func (c *Chunk) PhaseCommands(p Phase) ([]string, error) {
	if cmds, ok := c.Commands[p]; ok {
		return cmds, nil
	}
	bs, err := BuildSystemByName(c.BuildSystem)
	if err != nil {
		return nil, fmt.Errorf("commands for %s phase %s: %w", c.Name, p, err)
	}
	return bs.Commands[p], nil
}

// ChunkSpec names a chunk inside a stratum
// and pins the source it is built from.
type ChunkSpec struct {
	Name  string `yaml:"name" json:"name"`
	Repo  string `yaml:"repo" json:"repo"`
	Ref   string `yaml:"ref" json:"ref"`
	Morph string `yaml:"morph" json:"morph"`
	// BuildDepends lists names of other chunks within the same stratum
	// that must be built first.
	BuildDepends []string  `yaml:"build-depends" json:"build-depends"`
	BuildMode    BuildMode `yaml:"build-mode" json:"build-mode"`
	Prefix       string    `yaml:"prefix" json:"prefix"`
	// Artifacts assigns individual chunk artifacts to stratum artifacts,
	// overriding the stratum's product rules.
	Artifacts map[string]string `yaml:"artifacts" json:"artifacts"`
}

// StratumSpec references a stratum morphology,
// optionally restricted to a subset of its artifacts.
type StratumSpec struct {
	Name      string   `yaml:"name" json:"name"`
	Repo      string   `yaml:"repo" json:"repo"`
	Ref       string   `yaml:"ref" json:"ref"`
	Morph     string   `yaml:"morph" json:"morph"`
	Artifacts []string `yaml:"artifacts" json:"artifacts"`
}

// Stratum is a named collection of chunks with build ordering among them.
type Stratum struct {
	Name         string
	Description  string
	BuildDepends []StratumSpec
	Chunks       []ChunkSpec
	Products     []ProductRule
}

// MorphologyKind implements [Morphology].
func (s *Stratum) MorphologyKind() Kind { return KindStratum }

// MorphologyName implements [Morphology].
func (s *Stratum) MorphologyName() string { return s.Name }

// System is an assembly of strata into a bootable root filesystem.
type System struct {
	Name                    string
	Description             string
	Arch                    string
	Strata                  []StratumSpec
	ConfigurationExtensions []string
}

// MorphologyKind implements [Morphology].
func (s *System) MorphologyKind() Kind { return KindSystem }

// MorphologyName implements [Morphology].
func (s *System) MorphologyName() string { return s.Name }

// ClusterSystem names a system to deploy and its per-target configuration.
type ClusterSystem struct {
	Morph  string                       `yaml:"morph" json:"morph"`
	Deploy map[string]map[string]string `yaml:"deploy" json:"deploy"`
}

// Cluster names deployment targets.
// Clusters are not part of the build core;
// the type exists so cluster documents parse and validate.
type Cluster struct {
	Name        string
	Description string
	Systems     []ClusterSystem
}

// MorphologyKind implements [Morphology].
func (c *Cluster) MorphologyKind() Kind { return KindCluster }

// MorphologyName implements [Morphology].
func (c *Cluster) MorphologyName() string { return c.Name }
