// Copyright 2024 The Morph Authors
// SPDX-License-Identifier: MIT

// Package cache implements the content-addressed artifact store:
// a local filesystem layout keyed by cache key,
// a remote HTTP protocol client,
// and the HTTP server for publishing a local store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// Sentinel results for [Store.Claim].
var (
	// ErrBusy reports that another process holds the claim.
	ErrBusy = errors.New("cache key is claimed by another builder")
	// ErrDone reports that the artifact group is already committed.
	ErrDone = errors.New("cache key is already built")
)

// An IOError is a cache I/O failure.
// Callers treat it as transient and may retry the operation once.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// filenameRE matches artifact file names in the cache layout.
var filenameRE = regexp.MustCompile(`^([0-9a-f]{64})\.(chunk|stratum|system)\.([A-Za-z0-9._+-]+)$`)

// ValidFilename reports whether name is a well-formed artifact file name.
func ValidFilename(name string) bool {
	return filenameRE.MatchString(name)
}

// Filename assembles an artifact file name.
func Filename(key, kind, name string) string {
	return key + "." + kind + "." + name
}

// Metadata is the per-key record stored as <key>.meta.
type Metadata struct {
	// SourceSHA is the commit the artifact was built from (chunks only).
	SourceSHA string `json:"source-sha,omitempty"`
	// StartedAt and EndedAt time the build.
	StartedAt time.Time `json:"started-at"`
	EndedAt   time.Time `json:"ended-at"`
	// DependencyKeys are the cache keys of the direct dependencies.
	DependencyKeys []string `json:"dependency-keys"`
	// LastAccess is a Unix timestamp maintained by the store
	// for least-recently-used garbage collection.
	LastAccess int64 `json:"last_access"`
}

// Store is a local artifact cache directory.
type Store struct {
	dir    string
	claims mutexMap[string]
}

// Open returns a [Store] rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "open", Path: dir, Err: err}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Has reports whether the named artifact is committed in the store.
func (s *Store) Has(key, kind, name string) bool {
	_, err := os.Lstat(s.path(Filename(key, kind, name)))
	return err == nil
}

// HasKey reports whether the key's artifact group is committed,
// which is signalled by the presence of the metadata file.
func (s *Store) HasKey(key string) bool {
	_, err := os.Lstat(s.path(key + ".meta"))
	return err == nil
}

// OpenRead opens a committed artifact for reading
// and refreshes the key's access time.
func (s *Store) OpenRead(ctx context.Context, key, kind, name string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(Filename(key, kind, name)))
	if err != nil {
		return nil, &IOError{Op: "read", Path: Filename(key, kind, name), Err: err}
	}
	s.touch(ctx, key)
	return f, nil
}

// OpenLog opens a key's build log for reading.
func (s *Store) OpenLog(key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key + ".build-log"))
	if err != nil {
		return nil, &IOError{Op: "read", Path: key + ".build-log", Err: err}
	}
	return f, nil
}

// ReadMetadata reads a key's metadata record.
func (s *Store) ReadMetadata(key string) (*Metadata, error) {
	data, err := os.ReadFile(s.path(key + ".meta"))
	if err != nil {
		return nil, &IOError{Op: "read", Path: key + ".meta", Err: err}
	}
	meta := new(Metadata)
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("cache metadata %s: %v", key, err)
	}
	return meta, nil
}

// touch refreshes the key's last-access stamp, best effort.
func (s *Store) touch(ctx context.Context, key string) {
	meta, err := s.ReadMetadata(key)
	if err != nil {
		log.Debugf(ctx, "Refresh access time for %s: %v", key, err)
		return
	}
	meta.LastAccess = time.Now().Unix()
	data, err := json.Marshal(meta)
	if err == nil {
		err = os.WriteFile(s.path(key+".meta"), data, 0o644)
	}
	if err != nil {
		log.Debugf(ctx, "Refresh access time for %s: %v", key, err)
	}
}

// IsClaimed reports whether the key currently has a claim holder
// in any process.
func (s *Store) IsClaimed(key string) bool {
	f, err := os.OpenFile(s.path(key+".lock"), os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return true
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}

// A Claim grants exclusive write rights for one cache key.
// The holder must call [Claim.Commit] or [Claim.Abort].
type Claim struct {
	store    *Store
	key      string
	unlock   func()
	lockFile *os.File
	log      *os.File
	partials []string
	finished bool
}

// Claim acquires exclusive build rights for key.
//
// If another claim in this process holds the key, Claim waits for it
// (and then typically observes the committed result and returns [ErrDone]).
// If another process holds the key's lock file, Claim returns [ErrBusy].
// If the key's artifact group is already committed, Claim returns [ErrDone].
//
// The lock file is advisory: a crashed holder's lock dies with its process,
// and completeness is judged only by the committed files.
func (s *Store) Claim(ctx context.Context, key string) (*Claim, error) {
	unlock, err := s.claims.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if s.HasKey(key) {
		unlock()
		return nil, ErrDone
	}

	lockPath := s.path(key + ".lock")
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		unlock()
		return nil, &IOError{Op: "claim", Path: lockPath, Err: err}
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		unlock()
		if err == unix.EWOULDBLOCK {
			return nil, ErrBusy
		}
		return nil, &IOError{Op: "claim", Path: lockPath, Err: err}
	}
	log.Debugf(ctx, "Claimed %s", key)
	return &Claim{
		store:    s,
		key:      key,
		unlock:   unlock,
		lockFile: f,
	}, nil
}

// Key returns the claimed cache key.
func (c *Claim) Key() string { return c.key }

// CreateArtifact opens a partial file for one artifact of the key's group.
// The file becomes visible under its final name only at [Claim.Commit].
func (c *Claim) CreateArtifact(kind, name string) (io.WriteCloser, error) {
	final := Filename(c.key, kind, name)
	if !ValidFilename(final) {
		return nil, fmt.Errorf("cache write: malformed artifact name %q", final)
	}
	p := c.store.path(final + ".partial")
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &IOError{Op: "write", Path: final, Err: err}
	}
	c.partials = append(c.partials, final)
	return f, nil
}

// LogWriter returns the writer for the key's build log.
// The log is written in place (not as a partial):
// it must survive both commit and abort.
func (c *Claim) LogWriter() (io.Writer, error) {
	if c.log == nil {
		p := c.store.path(c.key + ".build-log")
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, &IOError{Op: "write", Path: c.key + ".build-log", Err: err}
		}
		c.log = f
	}
	return c.log, nil
}

// Commit atomically publishes the claim's artifacts and metadata.
// The metadata file is renamed last,
// so its presence implies the artifacts and log are complete.
func (c *Claim) Commit(meta *Metadata) (err error) {
	if c.finished {
		return fmt.Errorf("cache commit %s: claim already finished", c.key)
	}
	defer func() {
		if err != nil {
			c.removePartials()
		}
		c.release()
	}()

	if err := c.closeLog(); err != nil {
		return err
	}
	if _, err := os.Lstat(c.store.path(c.key + ".build-log")); err != nil {
		return &IOError{Op: "commit", Path: c.key + ".build-log", Err: err}
	}

	if meta.LastAccess == 0 {
		meta.LastAccess = time.Now().Unix()
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cache commit %s: %v", c.key, err)
	}
	metaPartial := c.store.path(c.key + ".meta.partial")
	if err := os.WriteFile(metaPartial, data, 0o644); err != nil {
		return &IOError{Op: "commit", Path: c.key + ".meta", Err: err}
	}

	for _, final := range c.partials {
		if err := os.Rename(c.store.path(final+".partial"), c.store.path(final)); err != nil {
			return &IOError{Op: "commit", Path: final, Err: err}
		}
	}
	if err := os.Rename(metaPartial, c.store.path(c.key+".meta")); err != nil {
		return &IOError{Op: "commit", Path: c.key + ".meta", Err: err}
	}
	return nil
}

// Abort discards the claim's partial artifacts.
// The build log, if one was written, is left in place.
func (c *Claim) Abort() error {
	if c.finished {
		return nil
	}
	err := c.closeLog()
	c.removePartials()
	c.release()
	return err
}

func (c *Claim) closeLog() error {
	if c.log == nil {
		return nil
	}
	err := c.log.Close()
	c.log = nil
	if err != nil {
		return &IOError{Op: "write", Path: c.key + ".build-log", Err: err}
	}
	return nil
}

func (c *Claim) removePartials() {
	for _, final := range c.partials {
		os.Remove(c.store.path(final + ".partial"))
	}
	os.Remove(c.store.path(c.key + ".meta.partial"))
}

func (c *Claim) release() {
	c.finished = true
	os.Remove(c.lockFile.Name())
	unix.Flock(int(c.lockFile.Fd()), unix.LOCK_UN)
	c.lockFile.Close()
	c.unlock()
}

// HasFile reports whether the exact named cache file is present.
func (s *Store) HasFile(filename string) bool {
	_, err := os.Lstat(s.path(filename))
	return err == nil
}

// OpenFile opens any committed cache file by its exact name:
// an artifact, a build log, or a metadata record.
func (s *Store) OpenFile(filename string) (io.ReadCloser, error) {
	if _, ok := keyOf(filename); !ok {
		return nil, fmt.Errorf("cache read: malformed filename %q", filename)
	}
	f, err := os.Open(s.path(filename))
	if err != nil {
		return nil, &IOError{Op: "read", Path: filename, Err: err}
	}
	return f, nil
}

// ImportFile copies bytes fetched from another cache into the store,
// publishing them with an atomic rename.
// An already-present file is left untouched: artifacts are immutable.
func (s *Store) ImportFile(filename string, contents io.Reader) error {
	if _, ok := keyOf(filename); !ok {
		return fmt.Errorf("cache import: malformed filename %q", filename)
	}
	final := s.path(filename)
	if _, err := os.Lstat(final); err == nil {
		return nil
	}
	partial := final + ".partial"
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &IOError{Op: "import", Path: filename, Err: err}
	}
	_, err = io.Copy(f, contents)
	err2 := f.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(partial)
		return &IOError{Op: "import", Path: filename, Err: err}
	}
	if err := os.Rename(partial, final); err != nil {
		return &IOError{Op: "import", Path: filename, Err: err}
	}
	return nil
}

// keyOf extracts the cache key from any file in a key group.
func keyOf(name string) (string, bool) {
	if len(name) < 64 {
		return "", false
	}
	key := name[:64]
	if !strings.HasPrefix(name[64:], ".") {
		return "", false
	}
	for _, r := range key {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", false
		}
	}
	return key, true
}
