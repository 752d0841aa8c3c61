// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"sync"
)

// A mutexMap is a map of mutexes, one per key.
// The zero value is an empty map.
type mutexMap[T comparable] struct {
	mu sync.Mutex
	m  map[T]<-chan struct{}
}

// lock blocks until it acquires the mutex for k or ctx.Done is closed.
// On success it returns a function that releases the mutex.
// Until that function is called, every other lock(k) call blocks.
func (mm *mutexMap[T]) lock(ctx context.Context, k T) (unlock func(), err error) {
	for {
		mm.mu.Lock()
		held := mm.m[k]
		if held == nil {
			c := make(chan struct{})
			if mm.m == nil {
				mm.m = make(map[T]<-chan struct{})
			}
			mm.m[k] = c
			mm.mu.Unlock()
			return func() {
				mm.mu.Lock()
				delete(mm.m, k)
				close(c)
				mm.mu.Unlock()
			}, nil
		}
		mm.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
