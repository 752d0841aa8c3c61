// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"iter"
	"path/filepath"

	"go4.org/xdgdir"
)

// defaultCacheDir returns the user cache directory.
func defaultCacheDir() string {
	return xdgdir.Cache.Path()
}

// configFilePaths yields configuration file locations
// in ascending precedence order.
func configFilePaths() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !yield("/etc/morph/config.json") {
			return
		}
		if p := xdgdir.Config.Path(); p != "" {
			if !yield(filepath.Join(p, "morph", "config.json")) {
				return
			}
		}
	}
}
