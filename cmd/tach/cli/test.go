package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tach-org/tach/cmd/tach/cli/impact"
	"github.com/tach-org/tach/cmd/tach/cli/logging"
	"github.com/tach-org/tach/cmd/tach/cli/pytest"
	"github.com/tach-org/tach/cmd/tach/cli/style"
	"github.com/tach-org/tach/cmd/tach/cli/telemetry"
	"github.com/tach-org/tach/cmd/tach/cli/testrun"
)

// testRunner executes the kept test files, narrowed to selectors where given.
type testRunner interface {
	Run(ctx context.Context, files []string, selectors map[string][]string, extra []string) (*pytest.Result, error)
}

// testRequest is a parsed `tach test` invocation.
type testRequest struct {
	selectRequest
	// Extra holds arguments after "--", passed to pytest verbatim.
	Extra []string
}

// runOutcome is what a test run reports back to the command.
type runOutcome struct {
	ExitCode int
	Summary  testrun.Summary
	Stats    telemetry.RunStats
}

func newTestCmd() *cobra.Command {
	var req testRequest

	cmd := &cobra.Command{
		Use:   "test [paths...] [-- pytest args...]",
		Short: "Run the test suite, skipping files unaffected by changes",
		Long: `Run pytest over the project's test files.

Without --tach, every test file runs and tach reports how many could have been
skipped. Failures in those files are reported as validation warnings.

With --tach (or --tach-base), test files the changed files cannot reach through
imports are skipped.

Arguments after "--" are passed to pytest.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Targets, req.Extra = splitDashArgs(cmd, args)

			dir, err := workingDir()
			if err != nil {
				return err
			}
			sess, err := openSession(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer sess.Close()

			runner := &pytest.Runner{
				Root:    sess.root,
				Command: sess.cfg.Test.Command,
				UsePTY:  isTerminalWriter(cmd.OutOrStdout()),
				Stdout:  cmd.OutOrStdout(),
				Stderr:  cmd.ErrOrStderr(),
			}
			tele := telemetry.NewClient(Version, sess.telemetryEnabled())
			defer tele.Close()

			out, err := sess.runTests(cmd.Context(), cmd.OutOrStdout(), req, runner)
			if err != nil {
				return err
			}
			tele.TrackRun(out.Stats)
			if out.ExitCode != 0 {
				return &ExitError{Code: out.ExitCode}
			}
			return nil
		},
	}

	impact.AddFlags(cmd.Flags(), &req.Options)
	cmd.Flags().StringArrayVar(&req.Ignore, "ignore", nil, "Ignore test files matching this glob during collection")

	return cmd
}

// runTests is the whole host lifecycle: selection, collection report, test
// execution, validation and the duration cache write.
func (s *session) runTests(ctx context.Context, w io.Writer, req testRequest, runner testRunner) (*runOutcome, error) {
	ctx = logging.WithRun(ctx, s.runID)
	printer := newPrinter(w)

	sel, err := s.selectTests(ctx, req.selectRequest)
	if err != nil {
		return nil, err
	}
	printer.Print(sel.Report...)

	extra := append(pluginArgs(req.Options.Plugins), req.Extra...)
	execCtx := logging.WithPhase(ctx, "execute")
	start := time.Now()
	res, err := runner.Run(execCtx, sel.Kept, sel.Selectors, extra)
	if err != nil {
		return nil, err
	}
	logging.LogDuration(execCtx, slog.LevelInfo, "tests finished", start,
		"files", len(sel.Kept),
		"exit_code", res.ExitCode)

	if lines := sel.State.TerminalSummary(res.Reports); len(lines) > 0 {
		printer.Separator(impact.ValidationTitle, style.Danger)
		printer.Print(lines...)
	}

	if sel.Durations != nil && res.Ran {
		sel.Durations.Record(res.Reports)
		sel.Durations.Save(ctx)
	}

	out := &runOutcome{
		ExitCode: res.ExitCode,
		Summary:  testrun.Summarize(res.Reports),
		Stats:    s.runStats(sel, res.Reports),
	}
	out.Stats.Duration = sel.Elapsed + res.Elapsed
	return out, nil
}

func (s *session) runStats(sel *selection, reports []testrun.Report) telemetry.RunStats {
	stats := telemetry.RunStats{
		Mode:           "inactive",
		CandidateFiles: len(sel.Candidates),
		Failed:         testrun.Summarize(reports).Failed,
	}
	if st := sel.State; st != nil {
		stats.Mode = "suggest"
		if st.SkipEnabled {
			stats.Mode = "skip"
		}
		stats.SkippedFiles = len(st.Handler.RemovedTestPaths())
		stats.SkippedTests = st.Handler.NumRemovedItems
		stats.ChangedFiles = len(st.Handler.AllAffectedModules)
		stats.ValidationMisses = len(st.Validate(reports))
	}
	return stats
}

// pluginArgs forwards host -p values other than the tach switch to pytest.
func pluginArgs(plugins []string) []string {
	var out []string
	for _, p := range plugins {
		if p == "no:"+impact.PluginName {
			continue
		}
		out = append(out, "-p", p)
	}
	return out
}

// splitDashArgs separates positional targets from arguments after "--".
func splitDashArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	n := cmd.ArgsLenAtDash()
	if n < 0 {
		return args, nil
	}
	return args[:n], args[n:]
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
