// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package morph

import (
	"fmt"
	"slices"
)

// A BuildSystem is a predefined set of per-phase command sequences.
// A chunk that declares build-system autotools, for example,
// gets configure/make/make-install commands without spelling them out.
type BuildSystem struct {
	Name     string
	Commands map[Phase][]string
	// IndicatorFiles are paths whose presence at the root of a source tree
	// suggests the tree uses this build system.
	IndicatorFiles []string
}

var buildSystems = []*BuildSystem{
	{
		// The morphology must specify all commands itself.
		Name:     "manual",
		Commands: map[Phase][]string{},
	},
	{
		Name: "autotools",
		Commands: map[Phase][]string{
			PhaseConfigure: {
				`export NOCONFIGURE=1; if [ -e autogen ]; then ./autogen; ` +
					`elif [ -e autogen.sh ]; then ./autogen.sh; ` +
					`elif [ ! -e ./configure ]; then autoreconf -ivf; fi`,
				`./configure --prefix="$PREFIX"`,
			},
			PhaseBuild: {
				`make`,
			},
			PhaseInstall: {
				`make DESTDIR="$DESTDIR" install`,
			},
		},
		IndicatorFiles: []string{"configure", "configure.ac", "configure.in", "Makefile.am"},
	},
	{
		Name: "cmake",
		Commands: map[Phase][]string{
			PhaseConfigure: {
				`cmake -DCMAKE_INSTALL_PREFIX="$PREFIX" .`,
			},
			PhaseBuild: {
				`make`,
			},
			PhaseInstall: {
				`make DESTDIR="$DESTDIR" install`,
			},
		},
		IndicatorFiles: []string{"CMakeLists.txt"},
	},
	{
		Name: "python-distutils",
		Commands: map[Phase][]string{
			PhaseBuild: {
				`python setup.py build`,
			},
			PhaseInstall: {
				`python setup.py install --prefix "$PREFIX" --root "$DESTDIR"`,
			},
		},
		IndicatorFiles: []string{"setup.py"},
	},
}

// BuildSystemNames returns the names of all known build systems, sorted.
func BuildSystemNames() []string {
	names := make([]string, len(buildSystems))
	for i, bs := range buildSystems {
		names[i] = bs.Name
	}
	slices.Sort(names)
	return names
}

// BuildSystemByName returns the build system with the given name.
func BuildSystemByName(name string) (*BuildSystem, error) {
	for _, bs := range buildSystems {
		if bs.Name == name {
			return bs, nil
		}
	}
	return nil, fmt.Errorf("unknown build system %q", name)
}

// DetectBuildSystem guesses the build system of a source tree
// from the set of file names at its root.
// It returns nil if no build system's indicator files are present.
func DetectBuildSystem(rootFiles []string) *BuildSystem {
	for _, bs := range buildSystems {
		for _, f := range bs.IndicatorFiles {
			if slices.Contains(rootFiles, f) {
				return bs
			}
		}
	}
	return nil
}

// AutodetectedChunk returns the chunk morphology
// that an autodetected build system implies for a source
// that carries no chunk morphology of its own.
func (bs *BuildSystem) AutodetectedChunk(name string) *Chunk {
	return &Chunk{
		Name:        name,
		BuildSystem: bs.Name,
		Commands:    map[Phase][]string{},
	}
}
