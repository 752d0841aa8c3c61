// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package stage

import (
	"fmt"
	"path/filepath"
	"strings"

	"morph.baserock.dev/pkg/internal/xmaps"
	"morph.baserock.dev/pkg/morph"
)

// copiedVars are the only host environment variables
// a build command may observe.
var copiedVars = []string{
	"DISTCC_HOSTS",
	"TMPDIR",
	"LD_PRELOAD",
	"LD_LIBRARY_PATH",
	"FAKEROOTKEY",
	"FAKED_MODE",
	"FAKEROOT_FD_BASE",
}

const defaultPath = "/sbin:/usr/sbin:/bin:/usr/bin"

// envSpec describes one chunk build's environment.
type envSpec struct {
	hostEnv         []string
	keepPath        bool
	useCcache       bool
	ccacheDir       string
	stagingRoot     string
	toolingPrefix   string
	depPrefixes     []string
	toolchainTarget string
	targetCFLAGS    string
	prefix          string
	bootstrap       bool
	destDir         string
	maxJobs         int
}

// build returns the scrubbed environment in sorted KEY=VALUE form.
// Everything not explicitly whitelisted or set here is absent,
// so host state cannot leak into artifacts.
func (spec *envSpec) build() []string {
	host := make(map[string]string, len(spec.hostEnv))
	for _, kv := range spec.hostEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			host[k] = v
		}
	}

	env := make(map[string]string)
	for _, name := range copiedVars {
		if v, ok := host[name]; ok {
			env[name] = v
		}
	}

	env["TERM"] = "dumb"
	env["SHELL"] = "/bin/sh"
	env["USER"] = "tomjon"
	env["USERNAME"] = "tomjon"
	env["LOGNAME"] = "tomjon"
	env["LC_ALL"] = "C"
	env["HOME"] = "/tmp"

	searchPath := defaultPath
	if spec.keepPath {
		searchPath = host["PATH"]
	}
	// The ccache directory comes first when enabled,
	// then staged dependencies' bin directories,
	// then the tooling prefix, then the base path.
	searchPath = filepath.Join(spec.stagingRoot, filepath.FromSlash(spec.toolingPrefix), "bin") + ":" + searchPath
	for i := len(spec.depPrefixes) - 1; i >= 0; i-- {
		searchPath = filepath.Join(spec.stagingRoot, filepath.FromSlash(spec.depPrefixes[i]), "bin") + ":" + searchPath
	}
	if spec.useCcache {
		searchPath = spec.ccacheDir + ":" + searchPath
	}
	env["PATH"] = searchPath

	env["TOOLCHAIN_TARGET"] = spec.toolchainTarget
	env["CFLAGS"] = spec.targetCFLAGS
	env["PREFIX"] = spec.prefix
	if spec.bootstrap {
		env["BOOTSTRAP"] = "true"
	} else {
		env["BOOTSTRAP"] = "false"
	}
	env["DESTDIR"] = spec.destDir
	env["MAKEFLAGS"] = fmt.Sprintf("-j%d", spec.maxJobs)

	out := make([]string, 0, len(env))
	for k, v := range xmaps.Sorted(env) {
		out = append(out, k+"="+v)
	}
	return out
}

// jobCount resolves the parallelism for one chunk build:
// the chunk's max-jobs cap if declared, otherwise the builder default.
func jobCount(chunk *morph.Chunk, builderDefault int) int {
	if chunk.MaxJobs > 0 && chunk.MaxJobs < builderDefault {
		return chunk.MaxJobs
	}
	if builderDefault < 1 {
		return 1
	}
	return builderDefault
}
