package impact

import (
	"context"
	"fmt"

	"github.com/tach-org/tach/cmd/tach/cli/collect"
	"github.com/tach-org/tach/cmd/tach/cli/logging"
	"github.com/tach-org/tach/cmd/tach/cli/paths"
)

// CollectFile is the discovery middleware. It lets the wrapped step collect
// the file first, then decides whether the file stays in the run:
//
//   - an empty inner result passes through untouched
//   - a changed file is kept
//   - a file the oracle does not clear is kept
//   - otherwise its items are counted and the file is recorded as would-skip;
//     with skipping enabled the result is replaced by nothing
//
// Oracle errors are returned as-is.
func (s *State) CollectFile(next collect.CollectFunc) collect.CollectFunc {
	if s == nil {
		return next
	}
	return func(ctx context.Context, path string) ([]*collect.Node, error) {
		result, err := next(ctx, path)
		if err != nil || len(result) == 0 {
			return result, err
		}

		resolved := paths.Canonical(s.Root, path)
		if s.Handler.IsAffected(resolved) {
			return result, nil
		}

		remove, err := s.Handler.ShouldRemove(ctx, resolved)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", paths.ToRelativePath(resolved, s.Root), err)
		}
		if !remove {
			return result, nil
		}

		items := collect.CountItems(result)
		if _, counted := s.Handler.seen[resolved]; !counted {
			s.Handler.NumRemovedItems += items
		}
		s.Handler.RemoveTestPath(resolved)
		s.wouldSkip[resolved] = struct{}{}
		logging.Debug(ctx, "test file unaffected by changes",
			"path", paths.ToRelativePath(resolved, s.Root),
			"items", items,
			"skipped", s.SkipEnabled)

		if s.SkipEnabled {
			return nil, nil
		}
		return result, nil
	}
}
