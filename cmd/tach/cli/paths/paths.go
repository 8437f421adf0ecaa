package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Project file names
const (
	ProjectConfigFile      = "tach.toml"
	ProjectLocalConfigFile = "tach.local.toml"
)

// Cache layout
const (
	DefaultCacheDir = ".tach"
	CacheDirEnvVar  = "TACH_CACHE_DIR"
	LogsDirName     = "logs"
	ValuesDirName   = "v"
	InfoFileName    = "tach.info"
	VersionFileName = ".latest-version"
	IgnoreFileName  = ".gitignore"
)

// ErrNoProjectRoot is returned when no tach.toml exists in the directory or any parent.
var ErrNoProjectRoot = errors.New("no tach.toml found in any parent directory")

// projectRootCache caches the discovered project root.
// The cache is keyed by the starting directory to handle directory changes.
var (
	projectRootMu       sync.RWMutex
	projectRootCache    string
	projectRootCacheDir string
)

// ProjectRoot walks up from start looking for tach.toml and returns the
// directory that contains it. The result is cached per start directory.
func ProjectRoot(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", start, err)
	}

	projectRootMu.RLock()
	if projectRootCache != "" && projectRootCacheDir == abs {
		cached := projectRootCache
		projectRootMu.RUnlock()
		return cached, nil
	}
	projectRootMu.RUnlock()

	dir := abs
	for {
		info, statErr := os.Stat(filepath.Join(dir, ProjectConfigFile))
		if statErr == nil && !info.IsDir() {
			projectRootMu.Lock()
			projectRootCache = dir
			projectRootCacheDir = abs
			projectRootMu.Unlock()
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoProjectRoot
		}
		dir = parent
	}
}

// ClearProjectRootCache clears the cached project root.
// This is primarily useful for testing when changing directories.
func ClearProjectRootCache() {
	projectRootMu.Lock()
	projectRootCache = ""
	projectRootCacheDir = ""
	projectRootMu.Unlock()
}

// CacheDir returns the cache directory for a project.
// TACH_CACHE_DIR wins when set; relative values are joined onto the project root.
func CacheDir(projectRoot string) string {
	env, ok := os.LookupEnv(CacheDirEnvVar)
	if !ok || env == "" {
		return filepath.Join(projectRoot, DefaultCacheDir)
	}
	if !filepath.IsAbs(env) {
		return filepath.Join(projectRoot, env)
	}
	return env
}

// Canonical returns the absolute, symlink-resolved form of p.
// Relative paths are resolved against base. When the path does not exist
// (deleted files in a change set), the cleaned absolute path is returned.
func Canonical(base, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	// Resolve the deepest existing parent so deleted files still compare
	// equal to their siblings' resolved form.
	dir, name := filepath.Split(p)
	dir = filepath.Clean(dir)
	if dir == p {
		return p
	}
	return filepath.Join(Canonical(base, dir), name)
}

// ToRelativePath converts an absolute path to one relative to root.
// Returns the input unchanged if it is outside root.
func ToRelativePath(absPath, root string) string {
	if !filepath.IsAbs(absPath) {
		return absPath
	}
	relPath, err := filepath.Rel(root, absPath)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return absPath
	}
	return relPath
}

// IsWithin reports whether p is root itself or lies below it.
func IsWithin(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
