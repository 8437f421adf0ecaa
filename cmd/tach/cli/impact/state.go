// Package impact selects the test files a change can affect. It hooks into
// the host's discovery, reporting and summary phases through one State
// constructed at configuration time.
package impact

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tach-org/tach/cmd/tach/cli/changes"
	"github.com/tach-org/tach/cmd/tach/cli/logging"
	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/settings"
)

// Resolver computes the changed-file set between two revisions.
type Resolver interface {
	Resolve(ctx context.Context, root, base, head string) (*changes.ChangeSet, error)
}

// Oracle decides whether a test file is unreachable from the changes.
// It must answer the same way for the same path every time.
type Oracle interface {
	ShouldRemove(ctx context.Context, path string) (bool, error)
}

// OracleFactory builds the oracle once per run. affected holds the canonical
// paths of the changed files.
type OracleFactory func(ctx context.Context, root string, cfg *settings.ProjectConfig, cs *changes.ChangeSet, affected []string) (Oracle, error)

// Handler holds the oracle and the counters discovery accumulates.
type Handler struct {
	// AllAffectedModules holds the canonical paths of changed files.
	AllAffectedModules map[string]struct{}
	// NumRemovedItems is the number of test items under RemovedTestPaths.
	NumRemovedItems int
	// TestsRanToCompletion is set once the run reaches its summary.
	TestsRanToCompletion bool

	oracle  Oracle
	removed []string
	seen    map[string]struct{}
}

// NewHandler creates a handler over the affected files.
func NewHandler(oracle Oracle, affected []string) *Handler {
	h := &Handler{
		AllAffectedModules: make(map[string]struct{}, len(affected)),
		oracle:             oracle,
		seen:               make(map[string]struct{}),
	}
	for _, a := range affected {
		h.AllAffectedModules[a] = struct{}{}
	}
	return h
}

// RemoveTestPath records path as removed. Repeats are ignored; order is
// discovery order.
func (h *Handler) RemoveTestPath(path string) {
	if _, dup := h.seen[path]; dup {
		return
	}
	h.seen[path] = struct{}{}
	h.removed = append(h.removed, path)
}

// RemovedTestPaths returns the removed files in discovery order.
func (h *Handler) RemovedTestPaths() []string {
	return append([]string(nil), h.removed...)
}

// IsAffected reports whether the canonical path is a changed file.
func (h *Handler) IsAffected(path string) bool {
	_, ok := h.AllAffectedModules[path]
	return ok
}

// ShouldRemove asks the oracle about path.
func (h *Handler) ShouldRemove(ctx context.Context, path string) (bool, error) {
	return h.oracle.ShouldRemove(ctx, path)
}

// Config is everything Configure needs.
type Config struct {
	Root      string
	Project   *settings.ProjectConfig
	Options   Options
	Resolver  Resolver
	NewOracle OracleFactory
}

// State is the per-run plugin state. A nil *State is an inactive plugin:
// every hook is a no-op.
type State struct {
	SkipEnabled bool
	Verbose     bool
	Base        string
	Head        string
	Root        string
	Handler     *Handler

	wouldSkip map[string]struct{}
}

// Configure resolves the change set and builds the oracle. It returns a nil
// State when the project has no configuration or the plugin is disabled.
// A resolver or oracle failure is returned as an error.
func Configure(ctx context.Context, cfg Config) (*State, error) {
	if cfg.Project == nil || cfg.Options.Disabled() {
		return nil, nil //nolint:nilnil // nil state means inactive
	}
	ctx = logging.WithPhase(logging.WithComponent(ctx, "impact"), "configure")
	start := time.Now()

	cs, err := cfg.Resolver.Resolve(ctx, cfg.Root, cfg.Options.Base, cfg.Options.Head)
	if err != nil {
		return nil, fmt.Errorf("resolving changed files: %w", err)
	}

	affected := make([]string, 0, len(cs.Files))
	for _, f := range cs.Files {
		affected = append(affected, paths.Canonical(cfg.Root, f))
	}
	sort.Strings(affected)

	oracle, err := cfg.NewOracle(ctx, cfg.Root, cfg.Project, cs, affected)
	if err != nil {
		return nil, fmt.Errorf("building dependency oracle: %w", err)
	}

	s := &State{
		SkipEnabled: cfg.Options.SkipEnabled(),
		Verbose:     cfg.Options.Verbose,
		Base:        cs.Base,
		Head:        cs.Head,
		Root:        cfg.Root,
		Handler:     NewHandler(oracle, affected),
		wouldSkip:   make(map[string]struct{}),
	}
	logging.LogDuration(ctx, slog.LevelDebug, "impact configured", start,
		"base", s.Base,
		"head", s.Head,
		"changed", len(affected),
		"skip", s.SkipEnabled)
	return s, nil
}

// Active reports whether the plugin participates in this run.
func (s *State) Active() bool {
	return s != nil
}

// WouldSkipPaths returns the would-skip files as a set of canonical paths.
func (s *State) WouldSkipPaths() map[string]struct{} {
	if s == nil {
		return nil
	}
	out := make(map[string]struct{}, len(s.wouldSkip))
	for p := range s.wouldSkip {
		out[p] = struct{}{}
	}
	return out
}

// ChangedFiles returns the changed files sorted.
func (s *State) ChangedFiles() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Handler.AllAffectedModules))
	for p := range s.Handler.AllAffectedModules {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// IsRemoved reports whether path was removed from the run.
func (s *State) IsRemoved(path string) bool {
	if s == nil || !s.SkipEnabled {
		return false
	}
	_, ok := s.Handler.seen[path]
	return ok
}
