// Package testutil provides git repository and project fixtures for tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// InitRepo initializes a git repository in the given directory with test user config.
func InitRepo(t *testing.T, repoDir string) {
	t.Helper()

	repo, err := git.PlainInit(repoDir, false)
	if err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}

	cfg, err := repo.Config()
	if err != nil {
		t.Fatalf("failed to get repo config: %v", err)
	}
	cfg.User.Name = "Test User"
	cfg.User.Email = "test@example.com"
	if cfg.Raw == nil {
		cfg.Raw = config.New()
	}
	cfg.Raw.Section("commit").SetOption("gpgsign", "false")

	if err := repo.SetConfig(cfg); err != nil {
		t.Fatalf("failed to set repo config: %v", err)
	}
}

// WriteFile creates a file with the given content in the repo directory,
// creating parent directories as needed.
func WriteFile(t *testing.T, repoDir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(repoDir, path)
	//nolint:gosec // test code, permissions are intentionally standard
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	//nolint:gosec // test code, permissions are intentionally standard
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// RemoveFile deletes a file from the repo directory.
func RemoveFile(t *testing.T, repoDir, path string) {
	t.Helper()
	if err := os.Remove(filepath.Join(repoDir, path)); err != nil {
		t.Fatalf("failed to remove %s: %v", path, err)
	}
}

// GitAdd stages files for commit.
func GitAdd(t *testing.T, repoDir string, paths ...string) {
	t.Helper()

	worktree := openWorktree(t, repoDir)
	for _, path := range paths {
		if _, err := worktree.Add(path); err != nil {
			t.Fatalf("failed to add file %s: %v", path, err)
		}
	}
}

// GitCommit commits all staged files and returns the new commit hash.
func GitCommit(t *testing.T, repoDir, message string) string {
	t.Helper()

	worktree := openWorktree(t, repoDir)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		All: true,
		Author: &object.Signature{
			Name:  "Test User",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	return hash.String()
}

// CreateBranch points a new local branch at the current HEAD without checking it out.
func CreateBranch(t *testing.T, repoDir, name string) {
	t.Helper()

	repo := openRepo(t, repoDir)
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("failed to get HEAD: %v", err)
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), head.Hash())
	if err := repo.Storer.SetReference(ref); err != nil {
		t.Fatalf("failed to create branch %s: %v", name, err)
	}
}

// DeleteBranch removes a local branch.
func DeleteBranch(t *testing.T, repoDir, name string) {
	t.Helper()

	repo := openRepo(t, repoDir)
	if err := repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		t.Fatalf("failed to delete branch %s: %v", name, err)
	}
}

// SwitchHead points HEAD at another branch holding the same commit, leaving
// the working tree untouched.
func SwitchHead(t *testing.T, repoDir, name string) {
	t.Helper()

	repo := openRepo(t, repoDir)
	ref := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(name))
	if err := repo.Storer.SetReference(ref); err != nil {
		t.Fatalf("failed to switch HEAD to %s: %v", name, err)
	}
}

// SetRemoteHead records origin/<branch> at the current HEAD and points
// refs/remotes/origin/HEAD at it, as a clone does.
func SetRemoteHead(t *testing.T, repoDir, branch string) {
	t.Helper()

	repo := openRepo(t, repoDir)
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("failed to get HEAD: %v", err)
	}
	remoteBranch := plumbing.NewRemoteReferenceName("origin", branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(remoteBranch, head.Hash())); err != nil {
		t.Fatalf("failed to set %s: %v", remoteBranch, err)
	}
	symref := plumbing.NewSymbolicReference(plumbing.NewRemoteReferenceName("origin", "HEAD"), remoteBranch)
	if err := repo.Storer.SetReference(symref); err != nil {
		t.Fatalf("failed to set origin/HEAD: %v", err)
	}
}

// GetHeadHash returns the current HEAD commit hash.
func GetHeadHash(t *testing.T, repoDir string) string {
	t.Helper()

	head, err := openRepo(t, repoDir).Head()
	if err != nil {
		t.Fatalf("failed to get HEAD: %v", err)
	}
	return head.Hash().String()
}

// InitProject creates a committed git repository holding files plus a tach.toml
// with the given content, and returns its root.
func InitProject(t *testing.T, tachToml string, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	InitRepo(t, root)
	WriteFile(t, root, "tach.toml", tachToml)
	GitAdd(t, root, "tach.toml")
	for path, content := range files {
		WriteFile(t, root, path, content)
		GitAdd(t, root, path)
	}
	GitCommit(t, root, "initial")
	return root
}

func openRepo(t *testing.T, repoDir string) *git.Repository {
	t.Helper()
	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("failed to open git repo: %v", err)
	}
	return repo
}

func openWorktree(t *testing.T, repoDir string) *git.Worktree {
	t.Helper()
	worktree, err := openRepo(t, repoDir).Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	return worktree
}
