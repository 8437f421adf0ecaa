// Package changes computes the set of files that differ between two revisions,
// or between a revision and the working tree.
package changes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/tach-org/tach/cmd/tach/cli/logging"
)

// ErrNoRepository is returned when the project is not inside a git repository.
var ErrNoRepository = errors.New("not a git repository")

// ErrInvalidRef is returned for a revision git cannot resolve.
var ErrInvalidRef = errors.New("invalid revision")

// fallbackBranch is used when no default branch can be detected.
const fallbackBranch = "main"

// ChangeSet is the resolved set of changed files. Files are absolute and sorted.
type ChangeSet struct {
	Base string
	// Head is empty when comparing against the working tree.
	Head  string
	Files []string
}

// Contains reports whether abs is one of the changed files.
func (c *ChangeSet) Contains(abs string) bool {
	i := sort.SearchStrings(c.Files, abs)
	return i < len(c.Files) && c.Files[i] == abs
}

// GitResolver resolves change sets with go-git.
type GitResolver struct{}

// Resolve returns the files changed between base and head in the repository
// containing root. An empty base auto-detects the default branch; an empty
// head compares against the working tree, excluding untracked files.
func (GitResolver) Resolve(ctx context.Context, root, base, head string) (*ChangeSet, error) {
	ctx = logging.WithComponent(ctx, "changes")

	repo, err := openRepository(root)
	if err != nil {
		return nil, err
	}
	if base == "" {
		base = defaultBranch(repo)
		logging.Debug(ctx, "detected default branch", "base", base)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	repoRoot := wt.Filesystem.Root()

	baseTree, err := treeAt(repo, base)
	if err != nil {
		return nil, err
	}

	headRev := head
	if headRev == "" {
		headRev = "HEAD"
	}
	headTree, err := treeAt(repo, headRev)
	if err != nil {
		return nil, err
	}

	names := make(map[string]struct{})
	diff, err := object.DiffTreeWithOptions(ctx, baseTree, headTree, nil)
	if err != nil {
		return nil, fmt.Errorf("diffing %s..%s: %w", base, headRev, err)
	}
	for _, ch := range diff {
		if ch.From.Name != "" {
			names[ch.From.Name] = struct{}{}
		}
		if ch.To.Name != "" {
			names[ch.To.Name] = struct{}{}
		}
	}

	if head == "" {
		status, err := wt.Status()
		if err != nil {
			return nil, fmt.Errorf("reading worktree status: %w", err)
		}
		for name, s := range status {
			if s.Worktree == git.Untracked {
				continue
			}
			if s.Staging != git.Unmodified || s.Worktree != git.Unmodified {
				names[name] = struct{}{}
			}
		}
	}

	cs := &ChangeSet{Base: base, Head: head, Files: make([]string, 0, len(names))}
	for name := range names {
		cs.Files = append(cs.Files, filepath.Join(repoRoot, filepath.FromSlash(name)))
	}
	sort.Strings(cs.Files)

	logging.Debug(ctx, "resolved change set", "base", base, "head", headRev, "files", len(cs.Files))
	return cs, nil
}

// DefaultBranch detects the branch changes are compared against: the remote's
// HEAD target ("origin/<name>"), else a local main, else a local master, else
// "main". It never fails.
func DefaultBranch(root string) string {
	repo, err := openRepository(root)
	if err != nil {
		return fallbackBranch
	}
	return defaultBranch(repo)
}

func defaultBranch(repo *git.Repository) string {
	if ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", "HEAD"), false); err == nil && ref.Type() == plumbing.SymbolicReference {
		target := ref.Target().String()
		if name, ok := strings.CutPrefix(target, "refs/remotes/"); ok {
			return name
		}
	}
	for _, name := range []string{"main", "master"} {
		if _, err := repo.Reference(plumbing.NewBranchReferenceName(name), true); err == nil {
			return name
		}
	}
	return fallbackBranch
}

func openRepository(root string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNoRepository, root)
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return repo, nil
}

func treeAt(repo *git.Repository, rev string) (*object.Tree, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidRef, rev, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidRef, rev, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading tree of %q: %w", rev, err)
	}
	return tree, nil
}
