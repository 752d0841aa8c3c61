// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

const serverKey = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func newTestServer(t *testing.T, enableWrites bool) (*Store, *httptest.Server) {
	t.Helper()
	store := newTestStore(t)
	srv := httptest.NewServer(NewServer(store, &ServerOptions{EnableWrites: enableWrites}))
	t.Cleanup(srv.Close)
	return store, srv
}

func remoteFor(t *testing.T, srv *httptest.Server) *RemoteStore {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return &RemoteStore{URL: u, HTTPClient: srv.Client()}
}

func TestServerGetArtifact(t *testing.T) {
	store, srv := newTestServer(t, false)
	commitOne(t, store, serverKey, "hello", "tar bytes")
	remote := remoteFor(t, srv)
	ctx := context.Background()

	filename := Filename(serverKey, "chunk", "hello")
	ok, err := remote.Has(ctx, filename)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("HEAD says artifact absent")
	}
	rc, err := remote.Open(ctx, filename)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "tar bytes" {
		t.Errorf("GET body = %q", data)
	}

	// Companions are served too.
	for _, companion := range []string{".build-log", ".meta"} {
		if rc, err := remote.Open(ctx, serverKey+companion); err != nil {
			t.Errorf("GET %s: %v", companion, err)
		} else {
			rc.Close()
		}
	}
}

func TestServerNotFound(t *testing.T) {
	_, srv := newTestServer(t, false)
	remote := remoteFor(t, srv)
	ctx := context.Background()

	filename := Filename(serverKey, "chunk", "nonesuch")
	ok, err := remote.Has(ctx, filename)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("HEAD says missing artifact exists")
	}
	if _, err := remote.Open(ctx, filename); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open error = %v; want ErrNotFound", err)
	}
}

func TestServerBusyWhileClaimed(t *testing.T) {
	store, srv := newTestServer(t, false)
	c, err := store.Claim(context.Background(), serverKey)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Abort()

	remote := remoteFor(t, srv)
	_, err = remote.Open(context.Background(), Filename(serverKey, "chunk", "hello"))
	if !errors.Is(err, ErrBusy) {
		t.Errorf("Open error = %v; want ErrBusy while key is claimed", err)
	}
}

func TestServerRejectsMalformedFilename(t *testing.T) {
	_, srv := newTestServer(t, false)
	resp, err := srv.Client().Get(srv.URL + "/1.0/artifacts?filename=../../etc/passwd")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d; want 400", resp.StatusCode)
	}
}

func TestServerUpload(t *testing.T) {
	store, srv := newTestServer(t, true)
	remote := remoteFor(t, srv)
	ctx := context.Background()

	filename := Filename(serverKey, "chunk", "hello")
	if err := remote.Upload(ctx, filename, strings.NewReader("uploaded")); err != nil {
		t.Fatal(err)
	}
	if !store.HasFile(filename) {
		t.Error("uploaded file not present in store")
	}
	rc, err := store.OpenFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "uploaded" {
		t.Errorf("uploaded contents = %q", data)
	}
}

func TestServerUploadDisabled(t *testing.T) {
	_, srv := newTestServer(t, false)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("f", Filename(serverKey, "chunk", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(part, "x")
	mw.Close()
	resp, err := srv.Client().Post(srv.URL+"/1.0/artifacts", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d; want 405 when writes are disabled", resp.StatusCode)
	}
}

func TestServerFetchComposesCaches(t *testing.T) {
	sharedStore, sharedSrv := newTestServer(t, false)
	commitOne(t, sharedStore, serverKey, "hello", "shared bytes")

	workerStore, workerSrv := newTestServer(t, false)
	workerRemote := remoteFor(t, workerSrv)
	sharedRemote := remoteFor(t, sharedSrv)

	filename := Filename(serverKey, "chunk", "hello")
	from, err := sharedRemote.ArtifactURL(filename)
	if err != nil {
		t.Fatal(err)
	}
	if err := workerRemote.Fetch(context.Background(), from); err != nil {
		t.Fatal(err)
	}
	if !workerStore.HasFile(filename) {
		t.Error("fetched file not present in worker store")
	}
}

func TestStoreTouchOnRead(t *testing.T) {
	store, srv := newTestServer(t, false)
	commitOne(t, store, serverKey, "hello", "x")

	meta, err := store.ReadMetadata(serverKey)
	if err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-48 * time.Hour).Unix()
	meta.LastAccess = stale
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.path(serverKey+".meta"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	resp, err := srv.Client().Get(srv.URL + "/1.0/artifacts?filename=" + Filename(serverKey, "chunk", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	meta, err = store.ReadMetadata(serverKey)
	if err != nil {
		t.Fatal(err)
	}
	if meta.LastAccess == stale {
		t.Error("last_access not refreshed by read")
	}
}
