// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/gorilla/handlers"
	"zombiezen.com/go/log"
)

// servableRE matches the file names the server will serve or accept:
// artifact files plus their build-log and metadata companions.
var servableRE = regexp.MustCompile(
	`^[0-9a-f]{64}(\.(chunk|stratum|system)\.[A-Za-z0-9._+-]+|\.build-log|\.meta)$`)

// ServerOptions is the set of optional parameters to [NewServer].
type ServerOptions struct {
	// EnableWrites accepts artifact uploads via POST.
	EnableWrites bool
	// FetchClient is used by the server-side fetch endpoint.
	// If nil, [http.DefaultClient] is used.
	FetchClient *http.Client
}

// Server publishes a local [Store] over the artifact cache HTTP protocol.
type Server struct {
	store        *Store
	enableWrites bool
	fetchClient  *http.Client
	handler      http.Handler
}

// NewServer returns an HTTP handler serving the store.
func NewServer(store *Store, opts *ServerOptions) *Server {
	if opts == nil {
		opts = new(ServerOptions)
	}
	srv := &Server{
		store:        store,
		enableWrites: opts.EnableWrites,
		fetchClient:  opts.FetchClient,
	}
	if srv.fetchClient == nil {
		srv.fetchClient = http.DefaultClient
	}

	mux := http.NewServeMux()
	artifacts := handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.getArtifact),
		http.MethodHead: http.HandlerFunc(srv.getArtifact),
	}
	if srv.enableWrites {
		artifacts[http.MethodPost] = http.HandlerFunc(srv.postArtifact)
	}
	mux.Handle("/1.0/artifacts", artifacts)
	mux.Handle("/1.0/fetch", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(srv.fetch),
	})
	srv.handler = mux
	return srv
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.handler.ServeHTTP(w, r)
}

func (srv *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filename := r.FormValue("filename")
	if !servableRE.MatchString(filename) {
		http.Error(w, "malformed filename", http.StatusBadRequest)
		return
	}
	key := filename[:64]
	info, err := os.Lstat(srv.store.path(filename))
	switch {
	case err == nil:
	case os.IsNotExist(err):
		if srv.store.IsClaimed(key) {
			http.Error(w, "artifact is being built", http.StatusConflict)
			return
		}
		http.NotFound(w, r)
		return
	default:
		log.Errorf(ctx, "Serve %s: %v", filename, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Length", fmt.Sprint(info.Size()))
	w.Header().Set("Content-Type", contentTypeFor(filename))
	if r.Method == http.MethodHead {
		return
	}
	f, err := os.Open(srv.store.path(filename))
	if err != nil {
		log.Errorf(ctx, "Serve %s: %v", filename, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	srv.store.touch(ctx, key)
	if _, err := io.Copy(w, f); err != nil {
		log.Debugf(ctx, "Serve %s: %v", filename, err)
	}
}

func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".build-log"):
		return "text/plain; charset=utf-8"
	case strings.HasSuffix(filename, ".meta"):
		return "application/json"
	default:
		return "application/x-tar"
	}
}

// postArtifact accepts a multipart upload of one or more cache files.
// Each part's file name addresses the file; names must be well-formed.
func (srv *Server) postArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expected multipart upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, "bad multipart upload: "+err.Error(), http.StatusBadRequest)
			return
		}
		filename := part.FileName()
		if filename == "" {
			filename = part.FormName()
		}
		if !servableRE.MatchString(filename) {
			http.Error(w, fmt.Sprintf("malformed filename %q", filename), http.StatusBadRequest)
			return
		}
		if err := srv.store.ImportFile(filename, part); err != nil {
			log.Errorf(ctx, "Receive %s: %v", filename, err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		log.Infof(ctx, "Received %s", filename)
	}
	w.WriteHeader(http.StatusCreated)
}

// fetch pulls one cache file from another cache server into this one.
// It lets a worker cache that lacks a key instruct itself
// to pull from the shared cache.
func (srv *Server) fetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rawURL := r.FormValue("url")
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		http.Error(w, "malformed url", http.StatusBadRequest)
		return
	}
	filename := u.Query().Get("filename")
	if !servableRE.MatchString(filename) {
		http.Error(w, "url names no valid cache file", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := srv.fetchClient.Do(req)
	if err != nil {
		log.Warnf(ctx, "Fetch %s: %v", u.Redacted(), err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		http.Error(w, "upstream returned "+resp.Status, http.StatusBadGateway)
		return
	}
	if err := srv.store.ImportFile(filename, resp.Body); err != nil {
		log.Errorf(ctx, "Fetch %s: %v", filename, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	log.Infof(ctx, "Fetched %s from %v", filename, u.Redacted())
	w.WriteHeader(http.StatusOK)
}

// LoggingHandler wraps the server with request logging at debug level.
func LoggingHandler(ctx context.Context, srv *Server) http.Handler {
	return handlers.LoggingHandler(logWriter{ctx}, srv)
}

type logWriter struct {
	ctx context.Context
}

func (lw logWriter) Write(p []byte) (int, error) {
	log.Debugf(lw.ctx, "%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
