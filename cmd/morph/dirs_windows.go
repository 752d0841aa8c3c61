// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

//go:build windows

package main

import (
	"iter"
	"os"
	"path/filepath"
)

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir
}

func configFilePaths() iter.Seq[string] {
	return func(yield func(string) bool) {
		if dir, err := os.UserConfigDir(); err == nil {
			yield(filepath.Join(dir, "morph", "config.json"))
		}
	}
}
