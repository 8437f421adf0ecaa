// Package oracle decides whether a test file is reachable from a set of
// changed files through the project's Python import graph.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tach-org/tach/cmd/tach/cli/logging"
	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/pysource"
	"github.com/tach-org/tach/cmd/tach/cli/settings"
)

const conftestFile = "conftest.py"

// ImportGraph answers reachability queries for one change set. It is built
// once and never mutated afterwards, so repeated queries give the same answer.
type ImportGraph struct {
	root        string
	sourceRoots []string
	changed     map[string]struct{}

	// files holds every project file in the graph.
	files map[string]struct{}
	// affected is the set of files that import a changed file, directly or
	// transitively, plus the changed files themselves.
	affected map[string]struct{}
	// conftestDirs are directories whose tests depend on an affected conftest.py.
	conftestDirs []string
	// unparsed are files whose imports are unknown. They count as changed.
	unparsed []string
}

// New builds the import graph for the project rooted at root. changed holds
// absolute paths of changed files.
func New(ctx context.Context, root string, cfg *settings.ProjectConfig, changed []string) (*ImportGraph, error) {
	ctx = logging.WithComponent(ctx, "oracle")

	g := &ImportGraph{
		root:        root,
		sourceRoots: cfg.SourceRootPaths(root),
		changed:     make(map[string]struct{}, len(changed)),
		files:       make(map[string]struct{}),
		affected:    make(map[string]struct{}),
	}
	for _, c := range changed {
		g.changed[paths.Canonical(root, c)] = struct{}{}
	}

	files, err := pythonFiles(ctx, root, cfg)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		g.files[f] = struct{}{}
	}

	deps, err := g.parseAll(ctx, files)
	if err != nil {
		return nil, err
	}

	importers := make(map[string][]string)
	for file, ds := range deps {
		for _, d := range ds {
			importers[d] = append(importers[d], file)
		}
	}

	queue := make([]string, 0, len(g.changed)+len(g.unparsed))
	for c := range g.changed {
		queue = append(queue, c)
	}
	queue = append(queue, g.unparsed...)
	sort.Strings(queue)
	for _, c := range queue {
		g.affected[c] = struct{}{}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, imp := range importers[cur] {
			if _, seen := g.affected[imp]; seen {
				continue
			}
			g.affected[imp] = struct{}{}
			queue = append(queue, imp)
		}
	}

	for f := range g.affected {
		if filepath.Base(f) == conftestFile {
			g.conftestDirs = append(g.conftestDirs, filepath.Dir(f))
		}
	}
	sort.Strings(g.conftestDirs)

	logging.Debug(ctx, "import graph built",
		"files", len(g.files),
		"changed", len(g.changed),
		"affected", len(g.affected),
		"unparsed", len(g.unparsed),
		"conftest_dirs", len(g.conftestDirs))
	return g, nil
}

// ShouldRemove reports whether the test file at path is unreachable from every
// changed file and so safe to skip. Files outside the pre-built graph are
// parsed on each call; one that cannot be decoded is never removed.
func (g *ImportGraph) ShouldRemove(ctx context.Context, path string) (bool, error) {
	p := paths.Canonical(g.root, path)
	if g.isAffected(p) {
		return false, nil
	}
	if _, known := g.files[p]; known {
		return true, nil
	}

	deps, err := g.dependencies(ctx, p)
	if errors.Is(err, pysource.ErrInvalidContent) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		if _, hit := g.affected[d]; hit {
			return false, nil
		}
	}
	return true, nil
}

// Affected returns the affected files in sorted order.
func (g *ImportGraph) Affected() []string {
	out := make([]string, 0, len(g.affected))
	for f := range g.affected {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (g *ImportGraph) isAffected(p string) bool {
	if _, ok := g.affected[p]; ok {
		return true
	}
	for _, dir := range g.conftestDirs {
		if paths.IsWithin(p, dir) {
			return true
		}
	}
	return false
}

// parseAll extracts the project imports of every file. Files that cannot be
// decoded are recorded in g.unparsed instead of failing the build.
func (g *ImportGraph) parseAll(ctx context.Context, files []string) (map[string][]string, error) {
	var mu sync.Mutex
	deps := make(map[string][]string, len(files))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, f := range files {
		eg.Go(func() error {
			ds, err := g.dependencies(egCtx, f)
			if errors.Is(err, pysource.ErrInvalidContent) {
				logging.Warn(ctx, "treating unparsable file as changed",
					"path", paths.ToRelativePath(f, g.root),
					"error", err.Error())
				mu.Lock()
				g.unparsed = append(g.unparsed, f)
				mu.Unlock()
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			deps[f] = ds
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(g.unparsed)
	return deps, nil
}

// dependencies returns the project files the file at path imports.
func (g *ImportGraph) dependencies(ctx context.Context, path string) ([]string, error) {
	f, err := pysource.ParseFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("building import graph: %w", err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, dup := seen[p]; dup || p == path {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, imp := range f.Imports() {
		for _, mod := range g.candidateModules(path, imp) {
			for _, p := range g.resolve(mod) {
				add(p)
			}
		}
	}
	return out, nil
}

// candidateModules lists the module names an import may load, as path
// segments. For "from a import b", b may be a submodule, so both a and a.b
// are candidates.
func (g *ImportGraph) candidateModules(file string, imp pysource.Import) []module {
	var base module
	if imp.Level > 0 {
		dir := filepath.Dir(file)
		for range imp.Level - 1 {
			dir = filepath.Dir(dir)
		}
		base = module{dir: dir}
	}
	if imp.Module != "" {
		base.parts = strings.Split(imp.Module, ".")
	}

	out := []module{base}
	for _, name := range imp.Names {
		if name == "*" || strings.Contains(name, ".") {
			continue
		}
		sub := module{dir: base.dir, parts: append(append([]string(nil), base.parts...), name)}
		out = append(out, sub)
	}
	return out
}

// module is a dotted module name. dir is set for relative imports and is the
// package directory the name is relative to.
type module struct {
	dir   string
	parts []string
}

// resolve maps a module onto project files: the module file itself and every
// enclosing package's __init__.py, since importing a.b.c runs a/__init__.py and
// a/b/__init__.py first.
func (g *ImportGraph) resolve(m module) []string {
	bases := g.sourceRoots
	if m.dir != "" {
		bases = []string{m.dir}
	}

	var out []string
	for _, base := range bases {
		if len(m.parts) == 0 {
			if p := filepath.Join(base, "__init__.py"); g.exists(p) {
				out = append(out, p)
			}
			continue
		}
		found := false
		dir := base
		for i, part := range m.parts {
			last := i == len(m.parts)-1
			dir = filepath.Join(dir, part)
			if last {
				if p := dir + ".py"; g.exists(p) {
					out = append(out, p)
					found = true
				}
			}
			if p := filepath.Join(dir, "__init__.py"); g.exists(p) {
				out = append(out, p)
				if last {
					found = true
				}
			}
		}
		if found {
			break
		}
	}
	return out
}

// exists reports whether p is a project file or a changed (possibly deleted) file.
func (g *ImportGraph) exists(p string) bool {
	if _, ok := g.files[p]; ok {
		return true
	}
	_, ok := g.changed[p]
	return ok
}

// pythonFiles walks root for .py files, honoring the exclude patterns.
// Returned paths are canonical.
func pythonFiles(ctx context.Context, root string, cfg *settings.ProjectConfig) ([]string, error) {
	canonRoot := paths.Canonical(root, ".")
	var files []string
	err := filepath.WalkDir(canonRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				logging.Debug(ctx, "skipping unreadable path", "path", p)
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // cancellation
		}
		rel, relErr := filepath.Rel(canonRoot, p)
		if relErr != nil {
			return relErr //nolint:wrapcheck // paths from WalkDir are always below root
		}
		if cfg.IsExcluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(p, ".py") {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			p = paths.Canonical(root, p)
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return files, nil
}
