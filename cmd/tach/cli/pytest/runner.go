package pytest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/tach-org/tach/cmd/tach/cli/logging"
	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/redact"
	"github.com/tach-org/tach/cmd/tach/cli/testrun"
)

// junitOptions pin the report shape ParseJUnit expects.
var junitOptions = []string{"-o", "junit_family=xunit1", "-o", "junit_duration_report=call"}

// Result is the outcome of one pytest invocation.
type Result struct {
	// Ran is false when there was nothing to run.
	Ran      bool
	ExitCode int
	Reports  []testrun.Report
	Elapsed  time.Duration
}

// Runner runs pytest over an explicit file list.
type Runner struct {
	// Root is the project root; pytest runs there.
	Root string
	// Command is the pytest invocation, e.g. ["python", "-m", "pytest"].
	Command []string
	// UsePTY runs pytest under a pseudo-terminal so it keeps colored output.
	UsePTY bool
	Stdout io.Writer
	Stderr io.Writer

	// CommandRunner creates the command. If nil, uses exec.CommandContext directly.
	CommandRunner func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// Args returns the arguments passed after Command[0]. A file with selectors
// is passed as its node ids instead of its path.
func (r *Runner) Args(files []string, selectors map[string][]string, junitPath string, extra []string) []string {
	args := append([]string{}, r.Command[1:]...)
	for _, f := range files {
		if ids := selectors[f]; len(ids) > 0 {
			args = append(args, ids...)
			continue
		}
		args = append(args, paths.ToRelativePath(f, r.Root))
	}
	args = append(args, junitOptions...)
	args = append(args, "--junitxml="+junitPath)
	return append(args, extra...)
}

// Run executes pytest over files (absolute paths), narrowed to the node ids in
// selectors where a file has any, and parses its report. A non-zero pytest
// exit is not an error; it is returned in Result.ExitCode.
func (r *Runner) Run(ctx context.Context, files []string, selectors map[string][]string, extra []string) (*Result, error) {
	if len(files) == 0 {
		return &Result{}, nil
	}
	if len(r.Command) == 0 {
		return nil, errors.New("empty test command")
	}
	ctx = logging.WithComponent(ctx, "pytest")

	tmp, err := os.MkdirTemp("", "tach-junit-")
	if err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	junitPath := filepath.Join(tmp, "report.xml")

	runner := r.CommandRunner
	if runner == nil {
		runner = exec.CommandContext
	}
	cmd := runner(ctx, r.Command[0], r.Args(files, selectors, junitPath, extra)...)
	cmd.Dir = r.Root

	start := time.Now()
	logging.Debug(ctx, "running tests",
		"files", len(files),
		"command", r.Command[0],
		"extra_args", redact.Args(extra))
	runErr := r.execute(cmd)
	elapsed := time.Since(start)
	logging.LogDuration(ctx, slog.LevelDebug, "test run finished", start, "files", len(files))

	exitCode := 0
	if runErr != nil {
		var execErr *exec.Error
		if errors.As(runErr, &execErr) {
			return nil, fmt.Errorf("%s not found: %w", r.Command[0], runErr)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("running %s: %w", r.Command[0], runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	res := &Result{Ran: true, ExitCode: exitCode, Elapsed: elapsed}
	f, err := os.Open(junitPath)
	if err != nil {
		if os.IsNotExist(err) {
			// pytest exits before writing a report on usage errors.
			logging.Warn(ctx, "test run produced no report", "exit_code", exitCode)
			return res, nil
		}
		return nil, fmt.Errorf("opening junit report: %w", err)
	}
	defer f.Close()

	res.Reports, err = ParseJUnit(f, r.Root, files)
	if err != nil {
		return nil, err
	}
	for _, rep := range testrun.Failures(res.Reports) {
		logging.Debug(ctx, "test failed",
			"node_id", rep.NodeID,
			"phase", string(rep.When),
			"message", redact.String(rep.Message))
	}
	return res, nil
}

func (r *Runner) execute(cmd *exec.Cmd) error {
	stdout, stderr := r.Stdout, r.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	if !r.UsePTY {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		return cmd.Run()
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}
	defer ptmx.Close()

	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		// The pty returns EIO once the child exits and the slave side closes.
		if _, err := io.Copy(stdout, ptmx); err != nil && !errors.Is(err, syscall.EIO) {
			logging.Debug(context.Background(), "pty copy ended", "error", err.Error())
		}
	}()

	waitErr := cmd.Wait()
	<-copyDone
	return waitErr
}
