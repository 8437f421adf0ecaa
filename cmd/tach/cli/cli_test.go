package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tach-org/tach/cmd/tach/cli/collect"
	"github.com/tach-org/tach/cmd/tach/cli/impact"
	"github.com/tach-org/tach/cmd/tach/cli/pytest"
	"github.com/tach-org/tach/cmd/tach/cli/settings"
	"github.com/tach-org/tach/cmd/tach/cli/testrun"
	"github.com/tach-org/tach/cmd/tach/cli/testutil"
	"github.com/tach-org/tach/cmd/tach/cli/watcher"
)

const tachToml = "source_roots = [\".\"]\n"

const srcModule = `def add(a, b):
    return a + b
`

const testWithImport = `from src_module import add


def test_one():
    assert add(1, 1) == 2


def test_two():
    assert add(2, 2) == 4


def test_three():
    assert add(0, 0) == 0
`

const testNoImport = `def test_alpha():
    assert True


def test_beta():
    assert True
`

const testParametrized = `import pytest


@pytest.mark.parametrize("n", [1, 2, 3])
def test_cases(n):
    assert n


def test_plain():
    assert True
`

const testClass = `class TestFirst:
    def test_a(self):
        assert True

    def test_b(self):
        assert True


class TestSecond:
    def test_c(self):
        assert True
`

// testLatin declares latin-1 and contains a byte that is not valid UTF-8.
const testLatin = "# -*- coding: latin-1 -*-\n# caf\xe9\n\n\ndef test_gamma():\n    assert True\n\n\ndef test_delta():\n    assert True\n"

func baseFiles() map[string]string {
	return map[string]string{
		"src_module.py":       srcModule,
		"test_with_import.py": testWithImport,
		"test_no_import.py":   testNoImport,
	}
}

// fakeRunner collects each file with the real collector and reports every
// selected item as passed after 0.4s, except those listed in fail.
type fakeRunner struct {
	root  string
	fail  map[string]bool
	ran   []string
	args  []string
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, files []string, selectors map[string][]string, _ []string) (*pytest.Result, error) {
	f.calls++
	if len(files) == 0 {
		return &pytest.Result{}, nil
	}
	f.args = (&pytest.Runner{Root: f.root, Command: []string{"pytest"}}).Args(files, selectors, "report.xml", nil)
	res := &pytest.Result{Ran: true}
	for _, file := range files {
		rel, err := filepath.Rel(f.root, file)
		if err != nil {
			return nil, err
		}
		f.ran = append(f.ran, filepath.ToSlash(rel))

		collectFile := collect.Chain(collect.PythonCollector{Root: f.root}.Collect, collect.SelectNodeIDs(selectors))
		nodes, err := collectFile(ctx, file)
		if err != nil {
			return nil, err
		}
		for _, item := range collect.Items(nodes) {
			outcome := testrun.Passed
			if f.fail[item.NodeID] {
				outcome = testrun.Failed
				res.ExitCode = 1
			}
			res.Reports = append(res.Reports,
				testrun.Report{NodeID: item.NodeID, Path: file, When: testrun.PhaseSetup, Outcome: testrun.Passed},
				testrun.Report{NodeID: item.NodeID, Path: file, When: testrun.PhaseCall, Outcome: outcome, Duration: 400 * time.Millisecond},
				testrun.Report{NodeID: item.NodeID, Path: file, When: testrun.PhaseTeardown, Outcome: testrun.Passed},
			)
		}
	}
	return res, nil
}

func newSession(t *testing.T, dir string) *session {
	t.Helper()
	t.Setenv("TACH_CACHE_DIR", "")
	sess, err := openSession(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func runOnce(t *testing.T, sess *session, opts impact.Options, fail map[string]bool) (*runOutcome, *fakeRunner, string) {
	t.Helper()
	runner := &fakeRunner{root: sess.root, fail: fail}
	var out bytes.Buffer
	res, err := sess.runTests(context.Background(), &out, testRequest{selectRequest: selectRequest{Options: opts}}, runner)
	require.NoError(t, err)
	return res, runner, out.String()
}

func lines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func TestScenarioNoChangesSkipsEverything(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	res, runner, out := runOnce(t, sess, impact.Options{Base: "HEAD"}, nil)

	assert.Empty(t, runner.ran)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, testrun.Summary{}, res.Summary)
	assert.Equal(t, []string{
		"[Tach] Skipped 5 tests (2 files) unaffected by changes",
		"[Tach] - test_no_import.py",
		"[Tach] - test_with_import.py",
	}, lines(out))
	assert.Equal(t, "skip", res.Stats.Mode)
	assert.Equal(t, 5, res.Stats.SkippedTests)
}

func TestScenarioCommittedSourceChange(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	base := testutil.GetHeadHash(t, root)
	testutil.WriteFile(t, root, "src_module.py", srcModule+"\n\ndef sub(a, b):\n    return a - b\n")
	testutil.GitCommit(t, root, "change source")
	sess := newSession(t, root)

	res, runner, out := runOnce(t, sess, impact.Options{Base: base}, nil)

	assert.Equal(t, []string{"test_with_import.py"}, runner.ran)
	assert.Equal(t, testrun.Summary{Passed: 3}, res.Summary)
	assert.Equal(t, []string{
		"[Tach] Skipped 2 tests (1 file) unaffected by changes",
		"[Tach] - test_no_import.py",
	}, lines(out))
}

func TestScenarioParametrizedCounts(t *testing.T) {
	files := baseFiles()
	files["test_parametrized.py"] = testParametrized
	root := testutil.InitProject(t, tachToml, files)
	sess := newSession(t, root)

	_, runner, out := runOnce(t, sess, impact.Options{Base: "HEAD"}, nil)

	assert.Empty(t, runner.ran)
	assert.Equal(t, "[Tach] Skipped 9 tests (3 files) unaffected by changes", lines(out)[0])
}

func TestScenarioClassCounts(t *testing.T) {
	files := baseFiles()
	files["test_class.py"] = testClass
	root := testutil.InitProject(t, tachToml, files)
	sess := newSession(t, root)

	_, _, out := runOnce(t, sess, impact.Options{Base: "HEAD"}, nil)

	assert.Equal(t, "[Tach] Skipped 8 tests (3 files) unaffected by changes", lines(out)[0])
}

func TestScenarioDurationsEstimateSavings(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())

	first := newSession(t, root)
	res, runner, _ := runOnce(t, first, impact.Options{}, nil)
	assert.Len(t, runner.ran, 2)
	assert.Equal(t, 5, res.Summary.Passed)
	first.Close()

	second := newSession(t, root)
	_, runner, out := runOnce(t, second, impact.Options{Skip: true, Base: "HEAD"}, nil)
	assert.Empty(t, runner.ran)
	assert.Equal(t, "[Tach] Skipped 5 tests (2 files) unaffected by changes (~2.0s saved)", lines(out)[0])
}

func TestScenarioSuggestModeRunsEverything(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	res, runner, out := runOnce(t, sess, impact.Options{}, nil)

	assert.Equal(t, []string{"test_no_import.py", "test_with_import.py"}, runner.ran)
	assert.Equal(t, testrun.Summary{Passed: 5}, res.Summary)
	assert.Equal(t, []string{
		"[Tach] 5 tests (2 files) unaffected by changes could be skipped. Skip with: tach test --tach",
	}, lines(out))
	assert.Equal(t, "suggest", res.Stats.Mode)
	assert.Zero(t, res.Stats.ValidationMisses)
}

func TestValidationWarnsAboutWouldSkipFailures(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	res, _, out := runOnce(t, sess, impact.Options{}, map[string]bool{"test_no_import.py::test_beta": true})

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, 1, res.Stats.ValidationMisses)
	got := lines(out)
	require.Len(t, got, 4)
	assert.Contains(t, got[1], impact.ValidationTitle)
	assert.Equal(t, "[Tach] WARNING: 1 test failed in files impact analysis would have skipped:", got[2])
	assert.Equal(t, "[Tach]   - test_no_import.py::test_beta", got[3])
}

func TestValidationQuietWhenFailureWasSelected(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	base := testutil.GetHeadHash(t, root)
	testutil.WriteFile(t, root, "src_module.py", srcModule+"# touched\n")
	testutil.GitCommit(t, root, "touch")
	sess := newSession(t, root)

	_, _, out := runOnce(t, sess, impact.Options{Head: "HEAD", Base: base}, map[string]bool{"test_with_import.py::test_one": true})
	assert.NotContains(t, out, "WARNING")
}

func TestInactiveWithoutProjectConfig(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for name, content := range baseFiles() {
		testutil.WriteFile(t, dir, name, content)
	}
	sess := newSession(t, dir)
	require.False(t, sess.project)

	res, runner, out := runOnce(t, sess, impact.Options{Skip: true}, nil)
	assert.Len(t, runner.ran, 2)
	assert.Empty(t, out)
	assert.Equal(t, "inactive", res.Stats.Mode)
	_, statErr := os.Stat(filepath.Join(dir, ".tach"))
	assert.True(t, os.IsNotExist(statErr), "no cache dir without a project")
}

func TestDeclaredEncodingInactiveRun(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	files := baseFiles()
	files["test_latin.py"] = testLatin
	for name, content := range files {
		testutil.WriteFile(t, dir, name, content)
	}
	sess := newSession(t, dir)

	res, runner, out := runOnce(t, sess, impact.Options{Skip: true}, nil)
	assert.Equal(t, []string{"test_latin.py", "test_no_import.py", "test_with_import.py"}, runner.ran)
	assert.Equal(t, testrun.Summary{Passed: 7}, res.Summary)
	assert.Empty(t, out)
}

func TestUndecodableTestFileIsKept(t *testing.T) {
	files := baseFiles()
	files["test_latin.py"] = testLatin
	files["test_broken.py"] = "\xff\xfe\n"
	root := testutil.InitProject(t, tachToml, files)
	sess := newSession(t, root)

	_, runner, out := runOnce(t, sess, impact.Options{Base: "HEAD"}, nil)
	assert.Equal(t, []string{"test_broken.py"}, runner.ran)
	assert.Equal(t, "[Tach] Skipped 7 tests (3 files) unaffected by changes", lines(out)[0])
}

func TestNodeIDTargetsNarrowTheRun(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	runner := &fakeRunner{root: root}
	var out bytes.Buffer
	res, err := sess.runTests(context.Background(), &out, testRequest{selectRequest: selectRequest{
		Targets: []string{"test_no_import.py::test_alpha", "test_with_import.py"},
	}}, runner)
	require.NoError(t, err)

	assert.Equal(t, []string{"test_no_import.py::test_alpha", "test_with_import.py"}, runner.args[:2])
	assert.Equal(t, testrun.Summary{Passed: 4}, res.Summary)
	assert.Equal(t, []string{
		"[Tach] 4 tests (2 files) unaffected by changes could be skipped. Skip with: tach test --tach",
	}, lines(out.String()))
}

func TestNodeIDTargetsCountSelectedTests(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	sel, err := sess.selectTests(context.Background(), selectRequest{
		Targets: []string{"test_no_import.py::test_alpha"},
		Options: impact.Options{Base: "HEAD"},
	})
	require.NoError(t, err)
	assert.Empty(t, sel.Kept)
	assert.Equal(t, 1, sel.State.Handler.NumRemovedItems)
	assert.Equal(t, "[Tach] Skipped 1 test (1 file) unaffected by changes", sel.Report[0].Text)

	sel, err = sess.selectTests(context.Background(), selectRequest{
		Targets:     []string{"test_with_import.py::test_two", "test_with_import.py::test_three"},
		SuggestOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sel.KeptTests)
}

func TestDisabledWithPluginSwitch(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	_, runner, out := runOnce(t, sess, impact.Options{Base: "HEAD", Plugins: []string{"no:tach"}}, nil)
	assert.Len(t, runner.ran, 2)
	assert.Empty(t, out)
}

func TestResolverFailureIsFatal(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	runner := &fakeRunner{root: root}
	_, err := sess.runTests(context.Background(), &bytes.Buffer{},
		testRequest{selectRequest: selectRequest{Options: impact.Options{Base: "no-such-ref"}}}, runner)
	require.Error(t, err)
	assert.Zero(t, runner.calls)
}

func TestIgnoreGlobsDropFilesBeforeSelection(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	runner := &fakeRunner{root: root}
	var out bytes.Buffer
	_, err := sess.runTests(context.Background(), &out, testRequest{selectRequest: selectRequest{
		Ignore:  []string{"test_no_import.py"},
		Options: impact.Options{Base: "HEAD"},
	}}, runner)
	require.NoError(t, err)
	assert.Empty(t, runner.ran)
	assert.Equal(t, "[Tach] Skipped 3 tests (1 file) unaffected by changes", lines(out.String())[0])
}

func TestSelectJSON(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	base := testutil.GetHeadHash(t, root)
	testutil.WriteFile(t, root, "src_module.py", srcModule+"# touched\n")
	testutil.GitCommit(t, root, "touch")
	sess := newSession(t, root)

	var out, errOut bytes.Buffer
	require.NoError(t, sess.runSelect(context.Background(), &out, &errOut, selectRequest{Options: impact.Options{Base: base}}, true))

	var got selectOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.True(t, got.Active)
	assert.True(t, got.SkipEnabled)
	assert.Equal(t, []string{"src_module.py"}, got.Changed)
	assert.Equal(t, []string{"test_with_import.py"}, got.Selected)
	assert.Equal(t, []string{"test_no_import.py"}, got.Skipped)
	assert.Equal(t, 2, got.SkippedTests)
	assert.Nil(t, got.EstimatedSavedSeconds)
	assert.Empty(t, errOut.String())
}

func TestSelectPlain(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	var out, errOut bytes.Buffer
	require.NoError(t, sess.runSelect(context.Background(), &out, &errOut, selectRequest{Options: impact.Options{}}, false))

	assert.Equal(t, "test_no_import.py\ntest_with_import.py\n", out.String())
	assert.Contains(t, errOut.String(), "could be skipped")
}

func TestCacheShowAndClear(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)
	runOnce(t, sess, impact.Options{}, nil)

	var out bytes.Buffer
	require.NoError(t, sess.showCache(context.Background(), &out, 2))
	got := lines(out.String())
	require.Len(t, got, 3)
	assert.Contains(t, got[0], "5 cached durations")
	assert.Contains(t, got[1], "0.400s")

	out.Reset()
	require.NoError(t, sess.clearCache(&out))
	out.Reset()
	require.NoError(t, sess.showCache(context.Background(), &out, 0))
	assert.Equal(t, "No cached durations.\n", out.String())
}

func TestWatchLoopReevaluatesPerBatch(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batches := make(chan watcher.Batch, 1)
	batches <- watcher.Batch{filepath.Join(root, "src_module.py")}
	close(batches)

	var out bytes.Buffer
	require.NoError(t, sess.watchLoop(ctx, &out, batches, selectRequest{SuggestOnly: true, Options: impact.Options{Base: "HEAD"}}))

	got := lines(out.String())
	assert.Equal(t, []string{
		"[Tach] 5 tests (2 files) unaffected by changes could be skipped. Skip with: tach test --tach",
		"[Tach] 1 file changed",
		"[Tach] 5 tests (2 files) unaffected by changes could be skipped. Skip with: tach test --tach",
	}, got)
}

func TestWatchLoopKeepsConfigOnParseError(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	testutil.WriteFile(t, root, "tach.toml", tachToml+"\n[test]\npatterns = [\"test_no_*.py\"]\n")
	batches := make(chan watcher.Batch, 2)
	batches <- watcher.Batch{filepath.Join(root, "tach.toml")}
	testutil.WriteFile(t, root, "tach.toml", "source_roots = [\n")
	close(batches)

	var out bytes.Buffer
	require.NoError(t, sess.watchLoop(context.Background(), &out, batches, selectRequest{SuggestOnly: true, Options: impact.Options{Base: "HEAD"}}))

	got := lines(out.String())
	require.Len(t, got, 4)
	assert.Equal(t, "[Tach] 1 file changed", got[1])
	assert.True(t, strings.HasPrefix(got[2], "[Tach] Keeping previous configuration:"), got[2])
	assert.Equal(t, got[0], got[3])
}

func TestReloadConfigAppliesNewPatterns(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	testutil.WriteFile(t, root, "tach.toml", tachToml+"\n[test]\npatterns = [\"test_no_*.py\"]\n")
	batches := make(chan watcher.Batch, 1)
	batches <- watcher.Batch{filepath.Join(root, "tach.toml")}
	close(batches)

	var out bytes.Buffer
	require.NoError(t, sess.watchLoop(context.Background(), &out, batches, selectRequest{SuggestOnly: true, Options: impact.Options{Base: "HEAD"}}))

	assert.Equal(t, []string{
		"[Tach] 5 tests (2 files) unaffected by changes could be skipped. Skip with: tach test --tach",
		"[Tach] 1 file changed",
		"[Tach] Reloaded tach.toml",
		"[Tach] 2 tests (1 file) unaffected by changes could be skipped. Skip with: tach test --tach",
	}, lines(out.String()))
	assert.Equal(t, []string{"test_no_*.py"}, sess.cfg.Test.Patterns)
}

func TestWatchLoopStopsOnCancel(t *testing.T) {
	root := testutil.InitProject(t, tachToml, baseFiles())
	sess := newSession(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sess.watchLoop(ctx, &bytes.Buffer{}, make(chan watcher.Batch), selectRequest{}))
}

func TestWriteProjectConfig(t *testing.T) {
	root := t.TempDir()
	var out bytes.Buffer

	cfg := settings.Default()
	require.NoError(t, writeProjectConfig(&out, root, cfg, false, nil))
	assert.Contains(t, out.String(), "Wrote")

	loaded, err := settings.Load(root)
	require.NoError(t, err)
	assert.Equal(t, cfg.SourceRoots, loaded.SourceRoots)
	assert.Equal(t, cfg.Test.Command, loaded.Test.Command)
	assert.Nil(t, loaded.Telemetry)

	out.Reset()
	require.NoError(t, writeProjectConfig(&out, root, settings.Default(), false, nil))
	assert.Contains(t, out.String(), "up to date")

	changed := settings.Default()
	changed.SourceRoots = []string{"src"}

	out.Reset()
	err = writeProjectConfig(&out, root, changed, false, nil)
	require.ErrorIs(t, err, ErrConfigExists)
	assert.Contains(t, out.String(), "+ source_roots")
	assert.Contains(t, out.String(), "- source_roots")

	out.Reset()
	require.NoError(t, writeProjectConfig(&out, root, changed, false, func() (bool, error) { return false, nil }))
	assert.Contains(t, out.String(), "Kept the existing file.")

	require.NoError(t, writeProjectConfig(&out, root, changed, true, nil))
	loaded, err = settings.Load(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"src"}, loaded.SourceRoots)
}

func TestLineDiff(t *testing.T) {
	diff := lineDiff("a\nb\nc\n", "a\nB\nc\n")
	assert.Equal(t, "  a\n- b\n+ B\n  c\n", diff)
}

func TestPluginArgsAndDashSplit(t *testing.T) {
	assert.Equal(t, []string{"-p", "xdist"}, pluginArgs([]string{"no:tach", "xdist"}))
	assert.Nil(t, pluginArgs(nil))

	cmd := newTestCmd()
	require.NoError(t, cmd.ParseFlags([]string{"tests", "--tach", "--", "-x", "-k", "fast"}))
	targets, extra := splitDashArgs(cmd, cmd.Flags().Args())
	assert.Equal(t, []string{"tests"}, targets)
	assert.Equal(t, []string{"-x", "-k", "fast"}, extra)
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	t.Setenv("TACH_TELEMETRY_OPTOUT", "1")
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "tach "+Version))
}
