// Package pytest drives pytest as the host test runner: it finds candidate
// test files, runs the selected ones and reads back per-test outcomes.
package pytest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/testrun"
)

// Excluder reports whether a root-relative path is excluded from discovery.
type Excluder interface {
	IsExcluded(rel string) bool
}

// Discover lists candidate test files under targets, sorted. Targets are files
// or directories relative to root; a "file::test" selector contributes its
// file. Directories are searched for files whose base name matches one of
// patterns. Explicitly named files are always candidates.
func Discover(root string, targets, patterns []string, ex Excluder) ([]string, error) {
	if len(targets) == 0 {
		targets = []string{"."}
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		p = paths.Canonical(root, p)
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, target := range targets {
		file, _, _ := strings.Cut(target, testrun.NodeIDSeparator)
		abs := file
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, file)
		}

		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("test path %s: %w", target, err)
		}
		if !info.IsDir() {
			add(abs)
			continue
		}

		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrPermission) {
					return nil
				}
				return err
			}
			rel := paths.ToRelativePath(p, root)
			if p != abs && ex != nil && ex.IsExcluded(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !matchesAny(d.Name(), patterns) {
				return nil
			}
			add(p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("discovering tests in %s: %w", target, err)
		}
	}

	sort.Strings(out)
	return out, nil
}

// Selectors maps each file named by a "file::test" target to the node ids
// those targets select. Keys are canonical absolute paths; node ids use the
// root-relative slash path, as collected node ids do. A file that is also
// named without a selector, directly or through a directory, runs whole and
// gets no entry.
func Selectors(root string, targets []string) map[string][]string {
	out := make(map[string][]string)
	whole := make(map[string]struct{})
	for _, target := range targets {
		file, rest, ok := strings.Cut(target, testrun.NodeIDSeparator)
		p := paths.Canonical(root, file)
		if !ok || rest == "" {
			whole[p] = struct{}{}
			continue
		}
		id := filepath.ToSlash(paths.ToRelativePath(p, root)) + testrun.NodeIDSeparator + rest
		if !slices.Contains(out[p], id) {
			out[p] = append(out[p], id)
		}
	}
	for p := range out {
		for w := range whole {
			if paths.IsWithin(p, w) {
				delete(out, p)
				break
			}
		}
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
