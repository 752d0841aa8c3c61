// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package morph

import (
	"bytes"
	"testing"
)

func TestCanonicalDeterministic(t *testing.T) {
	const data = "name: hello\n" +
		"kind: chunk\n" +
		"build-system: autotools\n" +
		"max-jobs: 4\n" +
		"products:\n" +
		"  - artifact: hello-bins\n" +
		"    include: [\"bin/.*\"]\n"
	m, err := Load("hello.morph", []byte(data), KindChunk, nil)
	if err != nil {
		t.Fatal(err)
	}
	first, err := Canonical(m)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := Canonical(m)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("canonical form changed between calls:\n%s\n%s", first, again)
		}
	}
}

func TestCanonicalEquivalentInputs(t *testing.T) {
	// The same document with keys reordered, defaults spelled out,
	// and a different description must canonicalise identically.
	docs := []string{
		"name: hello\nkind: chunk\nbuild-commands: [make]\n",
		"kind: chunk\nbuild-commands: [make]\nname: hello\n",
		"name: hello\nkind: chunk\nbuild-system: manual\nbuild-commands: [make]\n",
		"name: hello\nkind: chunk\ndescription: says hello\nbuild-commands: [make]\n",
	}
	var first []byte
	for i, doc := range docs {
		m, err := Load("hello.morph", []byte(doc), KindChunk, nil)
		if err != nil {
			t.Fatalf("doc %d: %v", i, err)
		}
		c, err := Canonical(m)
		if err != nil {
			t.Fatalf("doc %d: %v", i, err)
		}
		if i == 0 {
			first = c
			continue
		}
		if !bytes.Equal(first, c) {
			t.Errorf("doc %d canonicalises differently:\n%s\n%s", i, first, c)
		}
	}
}

func TestCanonicalDistinguishesInputs(t *testing.T) {
	base := "name: hello\nkind: chunk\nbuild-commands: [make]\n"
	variants := []string{
		"name: hello\nkind: chunk\nbuild-commands: [gmake]\n",
		"name: hello\nkind: chunk\nbuild-system: autotools\nbuild-commands: [make]\n",
		"name: hello\nkind: chunk\nmax-jobs: 1\nbuild-commands: [make]\n",
		"name: hello\nkind: chunk\nbuild-commands: [make]\ninstall-commands: [make install]\n",
	}
	m, err := Load("hello.morph", []byte(base), KindChunk, nil)
	if err != nil {
		t.Fatal(err)
	}
	baseCanonical, err := Canonical(m)
	if err != nil {
		t.Fatal(err)
	}
	for i, doc := range variants {
		m, err := Load("hello.morph", []byte(doc), KindChunk, nil)
		if err != nil {
			t.Fatalf("variant %d: %v", i, err)
		}
		c, err := Canonical(m)
		if err != nil {
			t.Fatalf("variant %d: %v", i, err)
		}
		if bytes.Equal(baseCanonical, c) {
			t.Errorf("variant %d canonicalises the same as the base document", i)
		}
	}
}
