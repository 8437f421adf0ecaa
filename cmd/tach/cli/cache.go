package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tach-org/tach/cmd/tach/cli/durations"
	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/settings"
)

// defaultShowLimit is how many durations `tach cache show` lists by default.
const defaultShowLimit = 20

var errCacheUnavailable = errors.New("cache directory is unavailable")

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the duration cache",
	}
	cmd.AddCommand(newCacheShowCmd())
	cmd.AddCommand(newCacheClearCmd())
	return cmd
}

func newCacheShowCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show",
		Short: "List cached test durations, slowest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := openProjectSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.showCache(cmd.Context(), cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultShowLimit, "Number of entries to list (0 lists all)")
	return cmd
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all cached values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := openProjectSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.clearCache(cmd.OutOrStdout())
		},
	}
}

// openProjectSession opens a session and fails when there is no tach.toml.
func openProjectSession(cmd *cobra.Command) (*session, error) {
	dir, err := workingDir()
	if err != nil {
		return nil, err
	}
	sess, err := openSession(cmd.Context(), dir)
	if err != nil {
		return nil, err
	}
	if !sess.project {
		fmt.Fprintf(cmd.ErrOrStderr(), "No %s found; run 'tach init' first.\n", paths.ProjectConfigFile)
		return nil, NewSilentError(settings.ErrNoProjectConfig)
	}
	return sess, nil
}

func (s *session) showCache(ctx context.Context, w io.Writer, limit int) error {
	if s.store == nil {
		return errCacheUnavailable
	}
	cache := durations.Load(ctx, s.store, s.root, s.cfg.Cache.MaxDurationEntries)
	if cache.Len() == 0 {
		fmt.Fprintln(w, "No cached durations.")
		return nil
	}

	if limit <= 0 {
		limit = cache.Len()
	}
	entries := cache.Slowest(limit)
	fmt.Fprintf(w, "%d cached durations in %s (showing %d):\n", cache.Len(), s.store.Dir(), len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "  %8.3fs  %s\n", e.Seconds, e.NodeID)
	}
	return nil
}

func (s *session) clearCache(w io.Writer) error {
	if s.store == nil {
		return errCacheUnavailable
	}
	if err := s.store.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Cleared cache in %s\n", s.store.Dir())
	return nil
}
