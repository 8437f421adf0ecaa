package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tach-org/tach/cmd/tach/cli/impact"
	"github.com/tach-org/tach/cmd/tach/cli/jsonutil"
	"github.com/tach-org/tach/cmd/tach/cli/logging"
)

// selectOutput is the --json form of `tach select`. Paths are root-relative.
type selectOutput struct {
	Active       bool     `json:"active"`
	SkipEnabled  bool     `json:"skip_enabled"`
	Base         string   `json:"base,omitempty"`
	Head         string   `json:"head,omitempty"`
	Changed      []string `json:"changed"`
	Selected     []string `json:"selected"`
	Skipped      []string `json:"skipped"`
	SkippedTests int      `json:"skipped_tests"`
	// EstimatedSavedSeconds is omitted when there is no duration history.
	EstimatedSavedSeconds *float64 `json:"estimated_saved_seconds,omitempty"`
}

func newSelectCmd() *cobra.Command {
	var req selectRequest
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "select [paths...]",
		Short: "Print the test files a run would execute",
		Long: `Print the test files tach would run, one per line, without running them.

The collection report goes to stderr so stdout can be piped, e.g.
  pytest $(tach select --tach)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Targets = args
			dir, err := workingDir()
			if err != nil {
				return err
			}
			sess, err := openSession(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer sess.Close()

			return sess.runSelect(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), req, jsonFlag)
		},
	}

	impact.AddFlags(cmd.Flags(), &req.Options)
	cmd.Flags().StringArrayVar(&req.Ignore, "ignore", nil, "Ignore test files matching this glob during collection")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the selection as JSON")

	return cmd
}

func (s *session) runSelect(ctx context.Context, w, errW io.Writer, req selectRequest, asJSON bool) error {
	sel, err := s.selectTests(logging.WithRun(ctx, s.runID), req)
	if err != nil {
		return err
	}

	if !asJSON {
		newPrinter(errW).Print(sel.Report...)
		for _, f := range sel.Kept {
			fmt.Fprintln(w, s.rel(f))
		}
		return nil
	}

	out := selectOutput{
		Changed:  []string{},
		Selected: s.relAll(sel.Kept),
		Skipped:  []string{},
	}
	if st := sel.State; st != nil {
		out.Active = true
		out.SkipEnabled = st.SkipEnabled
		out.Base, out.Head = st.Base, st.Head
		out.Changed = s.relAll(st.ChangedFiles())
		out.Skipped = s.relAll(st.Handler.RemovedTestPaths())
		sort.Strings(out.Skipped)
		out.SkippedTests = st.Handler.NumRemovedItems
		if sel.Durations != nil {
			if secs, ok := sel.Durations.Estimate(st.WouldSkipPaths()); ok {
				out.EstimatedSavedSeconds = &secs
			}
		}
	}

	data, err := jsonutil.MarshalIndentWithNewline(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding selection: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func (s *session) relAll(abs []string) []string {
	out := make([]string, 0, len(abs))
	for _, p := range abs {
		out = append(out, s.rel(p))
	}
	return out
}
