package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/tach-org/tach/cmd/tach/cli/changes"
	"github.com/tach-org/tach/cmd/tach/cli/collect"
	"github.com/tach-org/tach/cmd/tach/cli/durations"
	"github.com/tach-org/tach/cmd/tach/cli/impact"
	"github.com/tach-org/tach/cmd/tach/cli/logging"
	"github.com/tach-org/tach/cmd/tach/cli/oracle"
	"github.com/tach-org/tach/cmd/tach/cli/pytest"
	"github.com/tach-org/tach/cmd/tach/cli/settings"
	"github.com/tach-org/tach/cmd/tach/cli/style"
)

// selectRequest describes one selection pass.
type selectRequest struct {
	Targets []string
	// Ignore holds --ignore globs; matching files are never collected.
	Ignore  []string
	Options impact.Options
	// SuggestOnly keeps every file even when Options enable skipping.
	SuggestOnly bool
}

// selection is the outcome of configuring the plugin and collecting every
// candidate test file.
type selection struct {
	State      *impact.State
	Candidates []string
	// Kept are the files the run executes, in candidate order.
	Kept []string
	// Selectors holds the node ids named on the command line, by file.
	Selectors map[string][]string
	KeptTests int
	Durations *durations.Cache
	Report    []style.Line
	Elapsed   time.Duration
}

// newOracle adapts the import graph to the plugin's oracle factory.
func newOracle(ctx context.Context, root string, cfg *settings.ProjectConfig, _ *changes.ChangeSet, affected []string) (impact.Oracle, error) {
	return oracle.New(ctx, root, cfg, affected)
}

// selectTests runs configuration and discovery: the plugin is configured,
// every candidate file is collected through the middleware chain and the
// collection report is rendered.
func (s *session) selectTests(ctx context.Context, req selectRequest) (*selection, error) {
	start := time.Now()
	ctx = logging.WithComponent(ctx, "host")

	var project *settings.ProjectConfig
	if s.project {
		project = s.cfg
	}
	state, err := impact.Configure(ctx, impact.Config{
		Root:      s.root,
		Project:   project,
		Options:   req.Options,
		Resolver:  changes.GitResolver{},
		NewOracle: newOracle,
	})
	if err != nil {
		return nil, err
	}
	if state != nil && req.SuggestOnly {
		state.SkipEnabled = false
	}

	targets := req.Targets
	if len(targets) == 0 {
		targets = s.cfg.Test.TestPaths
	}
	candidates, err := pytest.Discover(s.root, targets, s.cfg.Test.Patterns, s.cfg)
	if err != nil {
		return nil, err
	}

	collectCtx := logging.WithPhase(ctx, "collect")
	selectors := pytest.Selectors(s.root, targets)
	collector := collect.PythonCollector{Root: s.root}
	collectFile := collect.Chain(collector.Collect,
		state.CollectFile,
		collect.IgnoreGlobs(s.root, req.Ignore),
		collect.SelectNodeIDs(selectors))

	sel := &selection{State: state, Candidates: candidates, Selectors: selectors}
	for _, file := range candidates {
		nodes, err := collectFile(collectCtx, file)
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			continue
		}
		sel.Kept = append(sel.Kept, file)
		sel.KeptTests += collect.CountItems(nodes)
	}
	logging.LogDuration(collectCtx, slog.LevelDebug, "collection finished", start,
		"candidates", len(candidates),
		"kept", len(sel.Kept),
		"kept_tests", sel.KeptTests)

	if s.project {
		sel.Durations = durations.Load(ctx, s.durationStore(), s.root, s.cfg.Cache.MaxDurationEntries)
	}
	if sel.Durations != nil {
		sel.Report = state.Report(sel.Durations)
	} else {
		sel.Report = state.Report(nil)
	}
	sel.Elapsed = time.Since(start)
	return sel, nil
}

// durationStore returns the cache as a durations.Store, or nil so the
// duration cache degrades to empty.
func (s *session) durationStore() durations.Store {
	if s.store == nil {
		return nil
	}
	return s.store
}
