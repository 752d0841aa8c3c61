// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"os"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// keyGroup is one cache key's files considered as a unit by the collector.
type keyGroup struct {
	key        string
	files      []string
	size       int64
	lastAccess int64
}

// GC deletes least-recently-used key groups
// until the store's filesystem has at least targetFreeBytes free.
// Keys are deleted whole; a key with an active claim is skipped.
func (s *Store) GC(ctx context.Context, targetFreeBytes int64) error {
	free, err := s.freeBytes()
	if err != nil {
		return err
	}
	if free >= targetFreeBytes {
		log.Debugf(ctx, "Cache GC: %d bytes free, nothing to do", free)
		return nil
	}

	groups, err := s.scanGroups()
	if err != nil {
		return err
	}
	slices.SortFunc(groups, func(a, b *keyGroup) int {
		if a.lastAccess != b.lastAccess {
			if a.lastAccess < b.lastAccess {
				return -1
			}
			return 1
		}
		return strings.Compare(a.key, b.key)
	})

	need := targetFreeBytes - free
	for _, g := range groups {
		if need <= 0 {
			break
		}
		if s.IsClaimed(g.key) {
			log.Debugf(ctx, "Cache GC: skipping claimed key %s", g.key)
			continue
		}
		for _, f := range g.files {
			if err := os.Remove(s.path(f)); err != nil && !os.IsNotExist(err) {
				log.Warnf(ctx, "Cache GC: %v", err)
			}
		}
		log.Infof(ctx, "Cache GC: deleted %s (%d bytes, last access %d)", g.key, g.size, g.lastAccess)
		need -= g.size
	}
	return nil
}

func (s *Store) freeBytes() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.dir, &st); err != nil {
		return 0, &IOError{Op: "statfs", Path: s.dir, Err: err}
	}
	return int64(st.Bavail) * st.Bsize, nil
}

// scanGroups lists the store's key groups with sizes and access stamps.
// Keys without metadata (interrupted builds) report a zero access stamp,
// making them the first candidates for collection.
func (s *Store) scanGroups() ([]*keyGroup, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &IOError{Op: "scan", Path: s.dir, Err: err}
	}
	byKey := make(map[string]*keyGroup)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := keyOf(e.Name())
		if !ok || strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		g := byKey[key]
		if g == nil {
			g = &keyGroup{key: key}
			byKey[key] = g
		}
		g.files = append(g.files, e.Name())
		if info, err := e.Info(); err == nil {
			g.size += info.Size()
		}
	}
	groups := make([]*keyGroup, 0, len(byKey))
	for _, g := range byKey {
		if meta, err := s.ReadMetadata(g.key); err == nil {
			g.lastAccess = meta.LastAccess
		}
		groups = append(groups, g)
	}
	return groups, nil
}
