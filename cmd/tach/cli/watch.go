package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tach-org/tach/cmd/tach/cli/impact"
	"github.com/tach-org/tach/cmd/tach/cli/logging"
	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/settings"
	"github.com/tach-org/tach/cmd/tach/cli/style"
	"github.com/tach-org/tach/cmd/tach/cli/watcher"
)

func newWatchCmd() *cobra.Command {
	var req selectRequest

	cmd := &cobra.Command{
		Use:   "watch [paths...]",
		Short: "Re-evaluate the selection whenever Python files change",
		Long: `Watch the project for changes to Python files, tach.toml and tach.local.toml.
After each batch of changes the selection is recomputed in suggest mode and its
report printed. A changed configuration is reloaded first; a broken one keeps
the previous settings. Stop with Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Targets = args
			req.SuggestOnly = true
			dir, err := workingDir()
			if err != nil {
				return err
			}
			sess, err := openSession(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer sess.Close()
			if !sess.project {
				fmt.Fprintf(cmd.ErrOrStderr(), "No %s found; run 'tach init' first.\n", paths.ProjectConfigFile)
				return NewSilentError(settings.ErrNoProjectConfig)
			}

			w, err := watcher.New(sess.root, sess.cfg, 0)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Watching %s (Ctrl-C to stop)\n", impact.Tag, sess.root)
			return sess.watchLoop(cmd.Context(), out, w.Batches, req)
		},
	}

	impact.AddFlags(cmd.Flags(), &req.Options)
	cmd.Flags().StringArrayVar(&req.Ignore, "ignore", nil, "Ignore test files matching this glob during collection")

	return cmd
}

// watchLoop prints a fresh selection report once at start and after every
// batch, until ctx is done or batches closes. Selection errors are printed
// and the loop keeps going.
func (s *session) watchLoop(ctx context.Context, w io.Writer, batches <-chan watcher.Batch, req selectRequest) error {
	printer := newPrinter(w)
	evaluate := func() {
		sel, err := s.selectTests(logging.WithRun(ctx, s.runID), req)
		if err != nil {
			printer.Print(style.Line{Text: fmt.Sprintf("%s %v", impact.Tag, err), Tone: style.Danger})
			return
		}
		if len(sel.Report) == 0 {
			printer.Print(style.Line{
				Text: fmt.Sprintf("%s All %d test %s affected", impact.Tag, len(sel.Kept), impact.Plural(len(sel.Kept), "file")),
				Tone: style.Success,
			})
			return
		}
		printer.Print(sel.Report...)
	}

	evaluate()
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			printer.Print(style.Line{Text: fmt.Sprintf("%s %d %s changed", impact.Tag, len(batch), impact.Plural(len(batch), "file")), Tone: style.Muted})
			logging.Debug(ctx, "watch batch", "files", len(batch))
			if touchesConfig(batch) {
				s.reloadConfig(ctx, printer)
			}
			evaluate()
		}
	}
}

func touchesConfig(batch watcher.Batch) bool {
	for _, p := range batch {
		if base := filepath.Base(p); base == paths.ProjectConfigFile || base == paths.ProjectLocalConfigFile {
			return true
		}
	}
	return false
}

// reloadConfig re-reads the project configuration. On failure the previous
// configuration stays in effect.
func (s *session) reloadConfig(ctx context.Context, printer *style.Printer) {
	cfg, err := settings.Load(s.root)
	if err != nil {
		printer.Print(style.Line{
			Text: fmt.Sprintf("%s Keeping previous configuration: %v", impact.Tag, err),
			Tone: style.Warning,
		})
		return
	}
	s.cfg = cfg
	logging.Info(ctx, "configuration reloaded")
	printer.Print(style.Line{Text: fmt.Sprintf("%s Reloaded %s", impact.Tag, paths.ProjectConfigFile), Tone: style.Muted})
}
