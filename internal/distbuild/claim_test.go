// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package distbuild

import (
	"testing"
	"time"
)

func TestClaimTableExclusive(t *testing.T) {
	tbl := new(claimTable)
	release, _, got := tbl.acquire("key1", "worker-a")
	if !got {
		t.Fatal("first acquire failed")
	}
	if holder, ok := tbl.holder("key1"); !ok || holder != "worker-a" {
		t.Errorf("holder = %q, %t; want worker-a, true", holder, ok)
	}

	_, wait, got := tbl.acquire("key1", "worker-b")
	if got {
		t.Fatal("second acquire succeeded while key held")
	}
	select {
	case <-wait:
		t.Fatal("wait channel closed while key held")
	default:
	}

	release()
	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("wait channel not closed after release")
	}
	if _, ok := tbl.holder("key1"); ok {
		t.Error("key still held after release")
	}

	// The key is claimable again.
	release2, _, got := tbl.acquire("key1", "worker-b")
	if !got {
		t.Fatal("re-acquire after release failed")
	}
	release2()
}

func TestClaimTableIndependentKeys(t *testing.T) {
	tbl := new(claimTable)
	r1, _, got1 := tbl.acquire("key1", "worker-a")
	r2, _, got2 := tbl.acquire("key2", "worker-a")
	if !got1 || !got2 {
		t.Fatal("different keys should not conflict")
	}
	r1()
	r2()
}

func TestClaimTableReleaseWorker(t *testing.T) {
	tbl := new(claimTable)
	if _, _, got := tbl.acquire("key1", "worker-a"); !got {
		t.Fatal("acquire key1")
	}
	if _, _, got := tbl.acquire("key2", "worker-a"); !got {
		t.Fatal("acquire key2")
	}
	if _, _, got := tbl.acquire("key3", "worker-b"); !got {
		t.Fatal("acquire key3")
	}

	_, wait1, _ := tbl.acquire("key1", "worker-b")
	tbl.releaseWorker("worker-a")

	select {
	case <-wait1:
	case <-time.After(time.Second):
		t.Fatal("claims of lost worker not released")
	}
	if _, ok := tbl.holder("key2"); ok {
		t.Error("key2 still held after worker release")
	}
	if _, ok := tbl.holder("key3"); !ok {
		t.Error("key3 of another worker was released")
	}
}
