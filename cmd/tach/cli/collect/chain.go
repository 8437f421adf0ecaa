package collect

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/tach-org/tach/cmd/tach/cli/paths"
)

// CollectFunc discovers the tests in one file. path is absolute.
// An empty result means the file contributes nothing to the run.
type CollectFunc func(ctx context.Context, path string) ([]*Node, error)

// Middleware wraps a CollectFunc. It may inspect or replace the result
// of the step it wraps.
type Middleware func(next CollectFunc) CollectFunc

// Chain composes inner with mws. The first middleware is outermost, so it
// sees the result every later middleware produced.
func Chain(inner CollectFunc, mws ...Middleware) CollectFunc {
	fn := inner
	for i := len(mws) - 1; i >= 0; i-- {
		fn = mws[i](fn)
	}
	return fn
}

// IgnoreGlobs filters out files matching any of globs before discovery runs.
// Patterns match the root-relative slash path or the base name.
func IgnoreGlobs(root string, globs []string) Middleware {
	return func(next CollectFunc) CollectFunc {
		if len(globs) == 0 {
			return next
		}
		return func(ctx context.Context, path string) ([]*Node, error) {
			rel := filepath.ToSlash(paths.ToRelativePath(path, root))
			base := filepath.Base(path)
			for _, g := range globs {
				g = filepath.ToSlash(g)
				if ok, _ := filepath.Match(g, rel); ok {
					return nil, nil
				}
				if ok, _ := filepath.Match(g, base); ok {
					return nil, nil
				}
				if rel == g || hasDirPrefix(rel, g) {
					return nil, nil
				}
			}
			return next(ctx, path)
		}
	}
}

func hasDirPrefix(rel, dir string) bool {
	dir = strings.TrimRight(dir, "/")
	return dir != "" && strings.HasPrefix(rel, dir+"/")
}
