// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package morph

import (
	"fmt"
	"strings"
)

// InvalidMorphologyError reports a morphology document
// that failed to parse or validate.
type InvalidMorphologyError struct {
	// Path is the location the document was loaded from,
	// as given by the caller.
	Path string
	// Reason describes what was wrong with the document.
	Reason string
	// Err is the underlying parse or validation error, if any.
	Err error
}

func (e *InvalidMorphologyError) Error() string {
	if e.Reason == "" && e.Err != nil {
		return fmt.Sprintf("invalid morphology %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("invalid morphology %s: %s", e.Path, e.Reason)
}

func (e *InvalidMorphologyError) Unwrap() error { return e.Err }

// DependencyCycleError reports a cycle in the definitions' dependency edges.
type DependencyCycleError struct {
	// Path lists the names forming the cycle,
	// ending where it began.
	Path []string
}

func (e *DependencyCycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// UnsatisfiedDependencyError reports a build-depends entry
// that names no known chunk or stratum.
type UnsatisfiedDependencyError struct {
	// Name is the dependency that could not be found.
	Name string
	// Dependent is the definition that declared it.
	Dependent string
}

func (e *UnsatisfiedDependencyError) Error() string {
	return fmt.Sprintf("%s depends on %s, which does not exist", e.Dependent, e.Name)
}

// SourceUnavailableError reports a git repository or ref
// that could not be fetched or resolved.
type SourceUnavailableError struct {
	Repo string
	Ref  string
	Err  error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s (ref %s) unavailable: %v", e.Repo, e.Ref, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// BuildCommandFailedError reports a chunk build command
// that exited with a non-zero status.
type BuildCommandFailedError struct {
	// Unit is the cache key of the failing build unit.
	Unit string
	// Name is the chunk name.
	Name string
	// Phase is the build phase the command belonged to.
	Phase Phase
	// ExitCode is the command's exit status.
	// Negative values indicate death by signal.
	ExitCode int
}

func (e *BuildCommandFailedError) Error() string {
	return fmt.Sprintf("chunk %s: %s command exited with status %d", e.Name, e.Phase, e.ExitCode)
}
