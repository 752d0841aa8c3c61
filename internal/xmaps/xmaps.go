// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

// Package xmaps provides more generic functions in the spirit of [maps].
package xmaps

import (
	"cmp"
	"iter"
	"slices"
)

// SortedKeys returns the keys of m in sorted order.
func SortedKeys[K cmp.Ordered, V any, M ~map[K]V](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Sorted returns an iterator over the key-value pairs of m
// in ascending order of its keys.
func Sorted[K cmp.Ordered, V any, M ~map[K]V](m M) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, k := range SortedKeys(m) {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}
