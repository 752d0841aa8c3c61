// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/dsnet/compress/brotli"
	"zombiezen.com/go/log"
)

// ErrNotFound reports an artifact absent from a remote cache.
var ErrNotFound = errors.New("artifact not found")

// A RemoteStore is a client for the artifact cache HTTP protocol.
type RemoteStore struct {
	// URL is the cache server's base URL.
	// This must be non-nil or the store's methods will return errors.
	URL *url.URL
	// Methods use HTTPClient to make HTTP requests.
	// If HTTPClient is nil, then [http.DefaultClient] is used.
	HTTPClient *http.Client
}

func (r *RemoteStore) client() *http.Client {
	if r.HTTPClient == nil {
		return http.DefaultClient
	}
	return r.HTTPClient
}

func (r *RemoteStore) endpoint(p string, query url.Values) (*url.URL, error) {
	if r.URL == nil {
		return nil, fmt.Errorf("remote cache: base url missing")
	}
	u := r.URL.JoinPath(p)
	u.RawQuery = query.Encode()
	return u, nil
}

// Has checks whether the named artifact exists on the remote cache.
func (r *RemoteStore) Has(ctx context.Context, filename string) (bool, error) {
	u, err := r.endpoint("/1.0/artifacts", url.Values{"filename": {filename}})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return false, err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return false, fmt.Errorf("check %s on %v: %v", filename, r.URL.Redacted(), err)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check %s on %v: %w", filename, r.URL.Redacted(), &httpError{
			statusCode: resp.StatusCode,
			status:     resp.Status,
		})
	}
}

// Open streams the named artifact's bytes from the remote cache.
func (r *RemoteStore) Open(ctx context.Context, filename string) (io.ReadCloser, error) {
	u, err := r.endpoint("/1.0/artifacts", url.Values{"filename": {filename}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s from %v: %v", filename, r.URL.Redacted(), err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s from %v: %w", filename, r.URL.Redacted(), ErrNotFound)
	case http.StatusConflict:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s from %v: %w", filename, r.URL.Redacted(), ErrBusy)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s from %v: %w", filename, r.URL.Redacted(), &httpError{
			statusCode: resp.StatusCode,
			status:     resp.Status,
		})
	}
	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s from %v: %v", filename, r.URL.Redacted(), err)
	}
	return body, nil
}

// Upload publishes one artifact file to a write-enabled remote cache
// as a multipart POST.
func (r *RemoteStore) Upload(ctx context.Context, filename string, contents io.Reader) error {
	u, err := r.endpoint("/1.0/artifacts", nil)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile(filename, filename)
		if err == nil {
			_, err = io.Copy(part, contents)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := r.client().Do(req)
	if err != nil {
		return fmt.Errorf("upload %s to %v: %v", filename, r.URL.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload %s to %v: %w", filename, r.URL.Redacted(), &httpError{
			statusCode: resp.StatusCode,
			status:     resp.Status,
		})
	}
	log.Debugf(ctx, "Uploaded %s to %v", filename, r.URL.Redacted())
	return nil
}

// Fetch instructs the remote cache to pull an artifact
// from another cache server side.
func (r *RemoteStore) Fetch(ctx context.Context, from string) error {
	u, err := r.endpoint("/1.0/fetch", url.Values{"url": {from}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return fmt.Errorf("server-side fetch on %v: %v", r.URL.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server-side fetch on %v: %w", r.URL.Redacted(), &httpError{
			statusCode: resp.StatusCode,
			status:     resp.Status,
		})
	}
	return nil
}

// ArtifactURL returns the artifact's download URL on this cache,
// in the form another cache's fetch endpoint accepts.
func (r *RemoteStore) ArtifactURL(filename string) (string, error) {
	u, err := r.endpoint("/1.0/artifacts", url.Values{"filename": {filename}})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

type httpError struct {
	statusCode int
	status     string
}

func (e *httpError) Error() string {
	return "http response: " + e.status
}

// ErrorStatusCode returns the HTTP status code in err's chain, if any.
func ErrorStatusCode(err error) (int, bool) {
	var he *httpError
	if errors.As(err, &he) {
		return he.statusCode, true
	}
	return 0, false
}

// acceptEncoding advertises the algorithms [decodeBody] supports.
const acceptEncoding = "br,gzip,deflate"

func decodeBody(r io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	switch contentEncoding {
	case "":
		return r, nil
	case "br":
		br, err := brotli.NewReader(r, nil)
		if err != nil {
			return nil, err
		}
		return &wrappedBody{Reader: br, underlying: r}, nil
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &wrappedBody{Reader: zr, underlying: r}, nil
	case "deflate":
		return &wrappedBody{Reader: flate.NewReader(r), underlying: r}, nil
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding %q", contentEncoding)
	}
}

// wrappedBody closes both the decoder and the response body.
type wrappedBody struct {
	io.Reader
	underlying io.Closer
}

func (b *wrappedBody) Close() error {
	var err error
	if c, ok := b.Reader.(io.Closer); ok {
		err = c.Close()
	}
	if err2 := b.underlying.Close(); err == nil {
		err = err2
	}
	return err
}
