// Package kvcache is the cross-run key-value cache: JSON values stored under
// <cache dir>/v/<key>. Keys are slash-separated namespaces ("tach/durations").
package kvcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/tach-org/tach/cmd/tach/cli/jsonutil"
	"github.com/tach-org/tach/cmd/tach/cli/paths"
)

// ErrCorrupt marks a stored value that could not be decoded.
var ErrCorrupt = errors.New("corrupt cache value")

// ErrInvalidKey is returned for keys that would escape the cache directory.
var ErrInvalidKey = errors.New("invalid cache key")

const gitignoreContent = `# This folder is for tach. Do not edit.

# gitignore all content, including this .gitignore
*
`

// Status distinguishes the three outcomes of a read.
type Status int

const (
	// Miss means no value is stored under the key.
	Miss Status = iota
	// Hit means the value was read and decoded.
	Hit
	// Failed means the value exists but could not be read or decoded.
	Failed
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Failed:
		return "failed"
	default:
		return "miss"
	}
}

// Result reports the outcome of Get. Err is set only when Status is Failed.
type Result struct {
	Status Status
	Err    error
}

// Store is a cache rooted at a directory.
type Store struct {
	dir string
}

// Open prepares dir as a cache directory and returns a store over it.
// The directory gets a tach.info id, a .gitignore that ignores everything,
// and a .latest-version marker. Values written by a different major version
// are discarded.
func Open(dir, version string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	if err := createIfMissing(filepath.Join(dir, paths.InfoFileName), uuid.NewString()); err != nil {
		return nil, err
	}
	if err := createIfMissing(filepath.Join(dir, paths.IgnoreFileName), gitignoreContent); err != nil {
		return nil, err
	}

	s := &Store{dir: dir}
	if err := s.checkVersion(version); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// Get decodes the value stored under key into v.
func (s *Store) Get(key string, v any) Result {
	p, err := s.keyPath(key)
	if err != nil {
		return Result{Status: Failed, Err: err}
	}

	data, err := os.ReadFile(p) //nolint:gosec // key validated by keyPath
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{Status: Miss}
		}
		return Result{Status: Failed, Err: fmt.Errorf("reading %s: %w", key, err)}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return Result{Status: Failed, Err: fmt.Errorf("%w: %s: %w", ErrCorrupt, key, err)}
	}
	return Result{Status: Hit}
}

// Set stores v under key, replacing any previous value in one write.
func (s *Store) Set(key string, v any) error {
	p, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	if err := jsonutil.WriteFileAtomic(p, v); err != nil {
		return fmt.Errorf("writing cache key %s: %w", key, err)
	}
	return nil
}

// Clear removes every stored value. Cache metadata files are kept.
func (s *Store) Clear() error {
	if err := os.RemoveAll(filepath.Join(s.dir, paths.ValuesDirName)); err != nil {
		return fmt.Errorf("clearing cache values: %w", err)
	}
	return nil
}

func (s *Store) keyPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `\:`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(s.dir, paths.ValuesDirName, filepath.FromSlash(key)), nil
}

// checkVersion clears values written by a different major version and records
// the running version. Non-semver versions (dev builds) never clear.
func (s *Store) checkVersion(version string) error {
	versionPath := filepath.Join(s.dir, paths.VersionFileName)
	current := canonicalVersion(version)

	data, err := os.ReadFile(versionPath) //nolint:gosec // path is inside the cache dir
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading cache version: %w", err)
	}
	previous := canonicalVersion(strings.TrimSpace(string(data)))

	if previous != "" && current != "" && semver.Major(previous) != semver.Major(current) {
		if err := s.Clear(); err != nil {
			return err
		}
	}

	if err == nil && strings.TrimSpace(string(data)) == version {
		return nil
	}
	if err := os.WriteFile(versionPath, []byte(version), 0o600); err != nil {
		return fmt.Errorf("writing cache version: %w", err)
	}
	return nil
}

// canonicalVersion returns a "v"-prefixed semver string, or "" if v is not semver.
func canonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

func createIfMissing(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}
