package changes

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tach-org/tach/cmd/tach/cli/testutil"
)

func setupRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	testutil.InitRepo(t, dir)
	testutil.WriteFile(t, dir, "src_module.py", "def add(a, b):\n    return a + b\n")
	testutil.WriteFile(t, dir, "test_no_import.py", "def test_x():\n    pass\n")
	testutil.GitAdd(t, dir, "src_module.py", "test_no_import.py")
	testutil.GitCommit(t, dir, "initial")
	return dir
}

func abs(root string, rel ...string) []string {
	out := make([]string, 0, len(rel))
	for _, r := range rel {
		out = append(out, filepath.Join(root, r))
	}
	return out
}

func TestResolveNoChanges(t *testing.T) {
	dir := setupRepo(t)

	cs, err := GitResolver{}.Resolve(context.Background(), dir, "HEAD", "")
	require.NoError(t, err)
	assert.Empty(t, cs.Files)
	assert.Equal(t, "HEAD", cs.Base)
	assert.Empty(t, cs.Head)
}

func TestResolveCommittedChange(t *testing.T) {
	dir := setupRepo(t)
	testutil.WriteFile(t, dir, "src_module.py", "def add(a, b):\n    return b + a\n")
	testutil.GitAdd(t, dir, "src_module.py")
	testutil.GitCommit(t, dir, "change add")

	cs, err := GitResolver{}.Resolve(context.Background(), dir, "HEAD~1", "")
	require.NoError(t, err)
	assert.Equal(t, abs(dir, "src_module.py"), cs.Files)

	explicit, err := GitResolver{}.Resolve(context.Background(), dir, "HEAD~1", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, cs.Files, explicit.Files)
	assert.True(t, explicit.Contains(filepath.Join(dir, "src_module.py")))
	assert.False(t, explicit.Contains(filepath.Join(dir, "test_no_import.py")))
}

func TestResolveWorkingTree(t *testing.T) {
	dir := setupRepo(t)
	testutil.WriteFile(t, dir, "src_module.py", "def add(a, b):\n    return 0\n")
	testutil.WriteFile(t, dir, "staged.py", "x = 1\n")
	testutil.GitAdd(t, dir, "staged.py")
	testutil.WriteFile(t, dir, "untracked.py", "y = 2\n")
	testutil.RemoveFile(t, dir, "test_no_import.py")

	cs, err := GitResolver{}.Resolve(context.Background(), dir, "HEAD", "")
	require.NoError(t, err)
	assert.Equal(t, abs(dir, "src_module.py", "staged.py", "test_no_import.py"), cs.Files)

	// An explicit head ignores the working tree.
	committed, err := GitResolver{}.Resolve(context.Background(), dir, "HEAD", "HEAD")
	require.NoError(t, err)
	assert.Empty(t, committed.Files)
}

func TestResolveRename(t *testing.T) {
	dir := setupRepo(t)
	testutil.WriteFile(t, dir, "renamed.py", "def add(a, b):\n    return a + b\n")
	testutil.RemoveFile(t, dir, "src_module.py")
	testutil.GitAdd(t, dir, "renamed.py")
	testutil.GitCommit(t, dir, "rename")

	cs, err := GitResolver{}.Resolve(context.Background(), dir, "HEAD~1", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, abs(dir, "renamed.py", "src_module.py"), cs.Files)
}

func TestResolveFromSubdirectory(t *testing.T) {
	dir := setupRepo(t)
	testutil.WriteFile(t, dir, "pkg/tach.toml", "")
	testutil.WriteFile(t, dir, "src_module.py", "changed = True\n")

	cs, err := GitResolver{}.Resolve(context.Background(), filepath.Join(dir, "pkg"), "HEAD", "")
	require.NoError(t, err)
	assert.Equal(t, abs(dir, "src_module.py"), cs.Files, "paths are joined onto the repository root")
}

func TestResolveInvalidRef(t *testing.T) {
	dir := setupRepo(t)

	_, err := GitResolver{}.Resolve(context.Background(), dir, "does-not-exist", "")
	require.ErrorIs(t, err, ErrInvalidRef)

	_, err = GitResolver{}.Resolve(context.Background(), dir, "HEAD", "nope")
	require.ErrorIs(t, err, ErrInvalidRef)
}

func TestResolveNoRepository(t *testing.T) {
	_, err := GitResolver{}.Resolve(context.Background(), t.TempDir(), "HEAD", "")
	assert.ErrorIs(t, err, ErrNoRepository)
}

func TestDefaultBranch(t *testing.T) {
	t.Run("no repository", func(t *testing.T) {
		assert.Equal(t, "main", DefaultBranch(t.TempDir()))
	})

	t.Run("master only", func(t *testing.T) {
		dir := setupRepo(t)
		assert.Equal(t, "master", DefaultBranch(dir))
	})

	t.Run("main preferred over master", func(t *testing.T) {
		dir := setupRepo(t)
		testutil.CreateBranch(t, dir, "main")
		assert.Equal(t, "main", DefaultBranch(dir))
	})

	t.Run("remote HEAD wins", func(t *testing.T) {
		dir := setupRepo(t)
		testutil.CreateBranch(t, dir, "main")
		testutil.SetRemoteHead(t, dir, "develop")
		assert.Equal(t, "origin/develop", DefaultBranch(dir))
	})

	t.Run("literal fallback", func(t *testing.T) {
		dir := setupRepo(t)
		testutil.CreateBranch(t, dir, "trunk")
		testutil.SwitchHead(t, dir, "trunk")
		testutil.DeleteBranch(t, dir, "master")
		assert.Equal(t, "main", DefaultBranch(dir))
	})
}

func TestResolveAutoDetectsBase(t *testing.T) {
	dir := setupRepo(t)
	testutil.WriteFile(t, dir, "src_module.py", "changed = True\n")

	cs, err := GitResolver{}.Resolve(context.Background(), dir, "", "")
	require.NoError(t, err)
	assert.Equal(t, "master", cs.Base)
	assert.Equal(t, abs(dir, "src_module.py"), cs.Files)
}
