// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const testKey = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// commitOne claims key, writes an artifact, a log line, and commits.
func commitOne(t *testing.T, s *Store, key, name, contents string) {
	t.Helper()
	ctx := context.Background()
	c, err := s.Claim(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	w, err := c.CreateArtifact("chunk", name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, contents); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	lw, err := c.LogWriter()
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(lw, "built "+name+"\n")
	if err := c.Commit(&Metadata{
		StartedAt: time.Now().UTC(),
		EndedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestClaimCommit(t *testing.T) {
	s := newTestStore(t)
	commitOne(t, s, testKey, "hello", "tar bytes")

	if !s.Has(testKey, "chunk", "hello") {
		t.Error("artifact missing after commit")
	}
	if !s.HasKey(testKey) {
		t.Error("HasKey reports false after commit")
	}
	// A present artifact implies the log and metadata are present too.
	for _, companion := range []string{".build-log", ".meta"} {
		if !s.HasFile(testKey + companion) {
			t.Errorf("%s missing after commit", companion)
		}
	}
	rc, err := s.OpenRead(context.Background(), testKey, "chunk", "hello")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "tar bytes" {
		t.Errorf("artifact contents = %q", data)
	}
	// No partial or lock files linger.
	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".partial") || strings.HasSuffix(e.Name(), ".lock") {
			t.Errorf("leftover file %s after commit", e.Name())
		}
	}
}

func TestClaimDone(t *testing.T) {
	s := newTestStore(t)
	commitOne(t, s, testKey, "hello", "x")
	_, err := s.Claim(context.Background(), testKey)
	if !errors.Is(err, ErrDone) {
		t.Errorf("second Claim error = %v; want ErrDone", err)
	}
}

func TestClaimAbortKeepsLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.Claim(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	w, err := c.CreateArtifact("chunk", "hello")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "partial bytes")
	w.Close()
	lw, err := c.LogWriter()
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(lw, "something went wrong\n")
	if err := c.Abort(); err != nil {
		t.Fatal(err)
	}

	if s.Has(testKey, "chunk", "hello") {
		t.Error("artifact present after abort")
	}
	if s.HasKey(testKey) {
		t.Error("metadata present after abort")
	}
	// The build log must survive failure.
	rc, err := s.OpenLog(testKey)
	if err != nil {
		t.Fatalf("build log missing after abort: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if !strings.Contains(string(data), "something went wrong") {
		t.Errorf("log contents = %q", data)
	}
	// The key is claimable again.
	c2, err := s.Claim(ctx, testKey)
	if err != nil {
		t.Fatalf("re-claim after abort: %v", err)
	}
	c2.Abort()
}

func TestClaimExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.Claim(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}

	// A concurrent claim must block until the holder finishes,
	// then observe the committed result.
	var wg sync.WaitGroup
	wg.Add(1)
	second := make(chan error, 1)
	go func() {
		defer wg.Done()
		_, err := s.Claim(ctx, testKey)
		second <- err
	}()

	select {
	case err := <-second:
		t.Fatalf("second Claim returned %v while first still held", err)
	case <-time.After(50 * time.Millisecond):
	}

	w, err := c.CreateArtifact("chunk", "hello")
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	lw, _ := c.LogWriter()
	io.WriteString(lw, "ok\n")
	if err := c.Commit(new(Metadata)); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if err := <-second; !errors.Is(err, ErrDone) {
		t.Errorf("second Claim error = %v; want ErrDone", err)
	}
}

func TestClaimContextCancelled(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Claim(context.Background(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Abort()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := s.Claim(ctx, testKey); !errors.Is(err, context.Canceled) {
		t.Errorf("Claim error = %v; want context.Canceled", err)
	}
}

func TestCommitWithoutLogFails(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Claim(context.Background(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	w, err := c.CreateArtifact("chunk", "hello")
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	if err := c.Commit(new(Metadata)); err == nil {
		t.Error("Commit without a build log succeeded")
	}
	if s.Has(testKey, "chunk", "hello") {
		t.Error("artifact published by failed commit")
	}
}

func TestImportAndOpenFile(t *testing.T) {
	s := newTestStore(t)
	filename := testKey + ".chunk.hello"
	if err := s.ImportFile(filename, strings.NewReader("imported")); err != nil {
		t.Fatal(err)
	}
	// Imports are idempotent and never overwrite.
	if err := s.ImportFile(filename, strings.NewReader("other")); err != nil {
		t.Fatal(err)
	}
	rc, err := s.OpenFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "imported" {
		t.Errorf("contents = %q; want %q", data, "imported")
	}
	if err := s.ImportFile("../evil", strings.NewReader("x")); err == nil {
		t.Error("ImportFile accepted a malformed filename")
	}
}

func TestValidFilename(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{testKey + ".chunk.hello", true},
		{testKey + ".stratum.core-runtime", true},
		{testKey + ".system.base-rootfs", true},
		{testKey + ".chunk.bad name", false},
		{"zzzz.chunk.hello", false},
		{testKey + ".blob.hello", false},
	}
	for _, test := range tests {
		if got := ValidFilename(test.name); got != test.want {
			t.Errorf("ValidFilename(%q) = %t; want %t", test.name, got, test.want)
		}
	}
}
