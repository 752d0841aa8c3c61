// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package morph

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// LoadOptions alters the behavior of [Load].
type LoadOptions struct {
	// LaxUnknownKeys downgrades unknown top-level keys
	// from errors to warnings.
	LaxUnknownKeys bool
	// Warn receives warning messages when LaxUnknownKeys is set.
	// A nil Warn discards them.
	Warn func(format string, args ...any)
}

func (opts *LoadOptions) warn(format string, args ...any) {
	if opts != nil && opts.Warn != nil {
		opts.Warn(format, args...)
	}
}

// nameRE constrains morphology and artifact names
// to what the artifact cache's file naming permits.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

// Load parses a morphology document and returns its typed record.
//
// path is used for error reporting and to default the name field
// from the file name's stem.
// hint, if non-empty, is the kind the caller expects;
// a document declaring a different kind is an error.
func Load(p string, data []byte, hint Kind, opts *LoadOptions) (Morphology, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &InvalidMorphologyError{Path: p, Err: err}
	}
	if doc == nil {
		return nil, &InvalidMorphologyError{Path: p, Reason: "empty document"}
	}

	kind, err := documentKind(p, doc, hint)
	if err != nil {
		return nil, err
	}
	if _, ok := doc["name"]; !ok {
		doc["name"] = nameFromPath(p)
	}

	if err := checkTopLevelKeys(p, kind, doc, opts); err != nil {
		return nil, err
	}
	if err := schemaFor(kind).Validate(doc); err != nil {
		return nil, &InvalidMorphologyError{Path: p, Reason: validationReason(err), Err: err}
	}

	var m Morphology
	switch kind {
	case KindChunk:
		m, err = decodeChunk(p, doc)
	case KindStratum:
		m, err = decodeStratum(p, doc)
	case KindSystem:
		m, err = decodeSystem(p, doc)
	case KindCluster:
		m, err = decodeCluster(p, doc)
	}
	if err != nil {
		return nil, err
	}
	if !nameRE.MatchString(m.MorphologyName()) {
		return nil, &InvalidMorphologyError{
			Path:   p,
			Reason: fmt.Sprintf("name %q contains characters outside [A-Za-z0-9._+-]", m.MorphologyName()),
		}
	}
	return m, nil
}

func documentKind(p string, doc map[string]any, hint Kind) (Kind, error) {
	raw, hasKind := doc["kind"]
	if !hasKind {
		if hint == "" {
			return "", &InvalidMorphologyError{Path: p, Reason: "missing kind"}
		}
		doc["kind"] = string(hint)
		return hint, nil
	}
	s, ok := raw.(string)
	if !ok || !Kind(s).IsValid() {
		return "", &InvalidMorphologyError{Path: p, Reason: fmt.Sprintf("unknown kind %v", raw)}
	}
	kind := Kind(s)
	if hint != "" && kind != hint {
		return "", &InvalidMorphologyError{
			Path:   p,
			Reason: fmt.Sprintf("expected kind %s, document declares %s", hint, kind),
		}
	}
	return kind, nil
}

// nameFromPath returns the file name stem used to default a missing name.
func nameFromPath(p string) string {
	base := path.Base(p)
	for _, ext := range []string{".morph", ".yaml", ".yml"} {
		if s, ok := strings.CutSuffix(base, ext); ok {
			return s
		}
	}
	return base
}

var topLevelKeys = map[Kind][]string{
	KindChunk: {
		"name", "kind", "description", "build-system", "max-jobs",
		"products", "system-integration",
		"pre-configure-commands", "configure-commands", "post-configure-commands",
		"pre-build-commands", "build-commands", "post-build-commands",
		"pre-install-commands", "install-commands", "post-install-commands",
	},
	KindStratum: {
		"name", "kind", "description", "build-depends", "chunks", "products",
	},
	KindSystem: {
		"name", "kind", "description", "arch", "strata",
		"configuration-extensions",
	},
	KindCluster: {
		"name", "kind", "description", "systems",
	},
}

func checkTopLevelKeys(p string, kind Kind, doc map[string]any, opts *LoadOptions) error {
	allowed := topLevelKeys[kind]
	for key := range doc {
		if !slices.Contains(allowed, key) {
			if opts != nil && opts.LaxUnknownKeys {
				opts.warn("%s: ignoring unknown key %q in %s morphology", p, key, kind)
				delete(doc, key)
				continue
			}
			return &InvalidMorphologyError{
				Path:   p,
				Reason: fmt.Sprintf("unknown key %q in %s morphology", key, kind),
			}
		}
	}
	return nil
}

func validationReason(err error) string {
	var ve *jsonschema.ValidationError
	if e, ok := err.(*jsonschema.ValidationError); ok {
		ve = e
		for len(ve.Causes) > 0 {
			ve = ve.Causes[0]
		}
		loc := strings.TrimPrefix(ve.InstanceLocation, "/")
		if loc == "" {
			return ve.Message
		}
		return loc + ": " + ve.Message
	}
	return err.Error()
}

// chunkWire mirrors the chunk document layout for YAML decoding.
type chunkWire struct {
	Name              string                         `yaml:"name"`
	Description       string                         `yaml:"description"`
	BuildSystem       string                         `yaml:"build-system"`
	MaxJobs           int                            `yaml:"max-jobs"`
	Products          []ProductRule                  `yaml:"products"`
	SystemIntegration map[string]map[string][]string `yaml:"system-integration"`

	PreConfigure  []string `yaml:"pre-configure-commands"`
	Configure     []string `yaml:"configure-commands"`
	PostConfigure []string `yaml:"post-configure-commands"`
	PreBuild      []string `yaml:"pre-build-commands"`
	Build         []string `yaml:"build-commands"`
	PostBuild     []string `yaml:"post-build-commands"`
	PreInstall    []string `yaml:"pre-install-commands"`
	Install       []string `yaml:"install-commands"`
	PostInstall   []string `yaml:"post-install-commands"`
}

func decodeChunk(p string, doc map[string]any) (*Chunk, error) {
	var w chunkWire
	if err := redecode(doc, &w); err != nil {
		return nil, &InvalidMorphologyError{Path: p, Err: err}
	}
	if w.BuildSystem == "" {
		w.BuildSystem = "manual"
	}
	if _, err := BuildSystemByName(w.BuildSystem); err != nil {
		return nil, &InvalidMorphologyError{Path: p, Reason: err.Error()}
	}
	c := &Chunk{
		Name:              w.Name,
		Description:       w.Description,
		BuildSystem:       w.BuildSystem,
		MaxJobs:           w.MaxJobs,
		Products:          w.Products,
		SystemIntegration: w.SystemIntegration,
		Commands:          map[Phase][]string{},
	}
	for phase, cmds := range map[Phase][]string{
		PhasePreConfigure:  w.PreConfigure,
		PhaseConfigure:     w.Configure,
		PhasePostConfigure: w.PostConfigure,
		PhasePreBuild:      w.PreBuild,
		PhaseBuild:         w.Build,
		PhasePostBuild:     w.PostBuild,
		PhasePreInstall:    w.PreInstall,
		PhaseInstall:       w.Install,
		PhasePostInstall:   w.PostInstall,
	} {
		if cmds != nil {
			c.Commands[phase] = cmds
		}
	}
	for _, rule := range c.Products {
		if !nameRE.MatchString(rule.Artifact) {
			return nil, &InvalidMorphologyError{
				Path:   p,
				Reason: fmt.Sprintf("product artifact %q contains characters outside [A-Za-z0-9._+-]", rule.Artifact),
			}
		}
		if err := checkPatterns(rule.Include); err != nil {
			return nil, &InvalidMorphologyError{Path: p, Reason: err.Error()}
		}
	}
	return c, nil
}

type stratumWire struct {
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description"`
	BuildDepends []StratumSpec `yaml:"build-depends"`
	Chunks       []ChunkSpec   `yaml:"chunks"`
	Products     []ProductRule `yaml:"products"`
}

func decodeStratum(p string, doc map[string]any) (*Stratum, error) {
	var w stratumWire
	if err := redecode(doc, &w); err != nil {
		return nil, &InvalidMorphologyError{Path: p, Err: err}
	}
	s := &Stratum{
		Name:         w.Name,
		Description:  w.Description,
		BuildDepends: w.BuildDepends,
		Chunks:       w.Chunks,
		Products:     w.Products,
	}
	seen := make(map[string]bool, len(s.Chunks))
	for i := range s.Chunks {
		spec := &s.Chunks[i]
		if spec.Morph == "" {
			spec.Morph = spec.Name
		}
		if spec.BuildMode == "" {
			spec.BuildMode = ModeNormal
		}
		if !spec.BuildMode.IsValid() {
			return nil, &InvalidMorphologyError{
				Path:   p,
				Reason: fmt.Sprintf("chunk %s: unknown build-mode %q", spec.Name, spec.BuildMode),
			}
		}
		if spec.Prefix == "" {
			spec.Prefix = DefaultPrefix
		}
		if seen[spec.Name] {
			return nil, &InvalidMorphologyError{
				Path:   p,
				Reason: fmt.Sprintf("chunk %s listed twice", spec.Name),
			}
		}
		seen[spec.Name] = true
	}
	for _, rule := range s.Products {
		if err := checkPatterns(rule.Include); err != nil {
			return nil, &InvalidMorphologyError{Path: p, Reason: err.Error()}
		}
	}
	return s, nil
}

type systemWire struct {
	Name                    string        `yaml:"name"`
	Description             string        `yaml:"description"`
	Arch                    string        `yaml:"arch"`
	Strata                  []StratumSpec `yaml:"strata"`
	ConfigurationExtensions []string      `yaml:"configuration-extensions"`
}

func decodeSystem(p string, doc map[string]any) (*System, error) {
	var w systemWire
	if err := redecode(doc, &w); err != nil {
		return nil, &InvalidMorphologyError{Path: p, Err: err}
	}
	s := &System{
		Name:                    w.Name,
		Description:             w.Description,
		Arch:                    w.Arch,
		Strata:                  w.Strata,
		ConfigurationExtensions: w.ConfigurationExtensions,
	}
	for i := range s.Strata {
		if s.Strata[i].Name == "" && s.Strata[i].Morph == "" {
			return nil, &InvalidMorphologyError{
				Path:   p,
				Reason: fmt.Sprintf("strata[%d]: neither name nor morph given", i),
			}
		}
		if s.Strata[i].Morph == "" {
			s.Strata[i].Morph = s.Strata[i].Name
		}
		if s.Strata[i].Name == "" {
			s.Strata[i].Name = nameFromPath(s.Strata[i].Morph)
		}
	}
	return s, nil
}

type clusterWire struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Systems     []ClusterSystem `yaml:"systems"`
}

func decodeCluster(p string, doc map[string]any) (*Cluster, error) {
	var w clusterWire
	if err := redecode(doc, &w); err != nil {
		return nil, &InvalidMorphologyError{Path: p, Err: err}
	}
	return &Cluster{Name: w.Name, Description: w.Description, Systems: w.Systems}, nil
}

// redecode round-trips a document map through YAML into a wire struct.
// Going through the map first lets defaulting and key checks
// happen on the document before the struct sees it.
func redecode(doc map[string]any, dst any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, dst)
}

func checkPatterns(patterns []string) error {
	for _, pat := range patterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("bad include pattern %q: %v", pat, err)
		}
	}
	return nil
}

var schemas = sync.OnceValue(compileSchemas)

func schemaFor(kind Kind) *jsonschema.Schema {
	return schemas()[kind]
}

// compileSchemas compiles the per-kind document schemas.
// The schemas constrain structure and types;
// defaulting and cross-field checks happen in the decode functions.
func compileSchemas() map[Kind]*jsonschema.Schema {
	compiled := make(map[Kind]*jsonschema.Schema, len(schemaSources))
	for kind, src := range schemaSources {
		s, err := jsonschema.CompileString(string(kind)+".schema.json", src)
		if err != nil {
			panic(fmt.Sprintf("compile %s schema: %v", kind, err))
		}
		compiled[kind] = s
	}
	return compiled
}

const commandListSchema = `{"type": "array", "items": {"type": "string"}}`

var schemaSources = map[Kind]string{
	KindChunk: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"kind": {"const": "chunk"},
			"description": {"type": "string"},
			"build-system": {"type": "string"},
			"max-jobs": {"type": "integer", "minimum": 1},
			"products": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["artifact", "include"],
					"properties": {
						"artifact": {"type": "string"},
						"include": {"type": "array", "items": {"type": "string"}}
					},
					"additionalProperties": false
				}
			},
			"system-integration": {
				"type": "object",
				"additionalProperties": {
					"type": "object",
					"additionalProperties": ` + commandListSchema + `
				}
			},
			"pre-configure-commands": ` + commandListSchema + `,
			"configure-commands": ` + commandListSchema + `,
			"post-configure-commands": ` + commandListSchema + `,
			"pre-build-commands": ` + commandListSchema + `,
			"build-commands": ` + commandListSchema + `,
			"post-build-commands": ` + commandListSchema + `,
			"pre-install-commands": ` + commandListSchema + `,
			"install-commands": ` + commandListSchema + `,
			"post-install-commands": ` + commandListSchema + `
		}
	}`,
	KindStratum: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["name", "chunks"],
		"properties": {
			"name": {"type": "string"},
			"kind": {"const": "stratum"},
			"description": {"type": "string"},
			"build-depends": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"name": {"type": "string"},
						"repo": {"type": "string"},
						"ref": {"type": "string"},
						"morph": {"type": "string"}
					},
					"additionalProperties": false
				}
			},
			"chunks": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "repo", "ref"],
					"properties": {
						"name": {"type": "string"},
						"repo": {"type": "string"},
						"ref": {"type": "string"},
						"morph": {"type": "string"},
						"build-depends": {"type": "array", "items": {"type": "string"}},
						"build-mode": {"enum": ["normal", "test", "bootstrap"]},
						"prefix": {"type": "string"},
						"artifacts": {
							"type": "object",
							"additionalProperties": {"type": "string"}
						}
					},
					"additionalProperties": false
				}
			},
			"products": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["artifact", "include"],
					"properties": {
						"artifact": {"type": "string"},
						"include": {"type": "array", "items": {"type": "string"}}
					},
					"additionalProperties": false
				}
			}
		}
	}`,
	KindSystem: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["name", "arch", "strata"],
		"properties": {
			"name": {"type": "string"},
			"kind": {"const": "system"},
			"description": {"type": "string"},
			"arch": {"type": "string"},
			"strata": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"name": {"type": "string"},
						"repo": {"type": "string"},
						"ref": {"type": "string"},
						"morph": {"type": "string"},
						"artifacts": {"type": "array", "items": {"type": "string"}}
					},
					"additionalProperties": false
				}
			},
			"configuration-extensions": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	KindCluster: `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["name", "systems"],
		"properties": {
			"name": {"type": "string"},
			"kind": {"const": "cluster"},
			"description": {"type": "string"},
			"systems": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["morph"],
					"properties": {
						"morph": {"type": "string"},
						"deploy": {"type": "object"}
					},
					"additionalProperties": false
				}
			}
		}
	}`,
}
