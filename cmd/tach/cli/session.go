package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tach-org/tach/cmd/tach/cli/kvcache"
	"github.com/tach-org/tach/cmd/tach/cli/logging"
	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/settings"
	"github.com/tach-org/tach/cmd/tach/cli/style"
)

// session is one command invocation against a project directory.
type session struct {
	root string
	cfg  *settings.ProjectConfig
	// project is false when no tach.toml was found; cfg then holds defaults
	// and impact selection stays inactive.
	project bool
	runID   string
	// store is nil when the cache directory is unusable.
	store *kvcache.Store
}

// openSession locates the project containing dir and loads its config.
// A missing tach.toml is not an error.
func openSession(ctx context.Context, dir string) (*session, error) {
	s := &session{runID: uuid.NewString()}

	root, err := paths.ProjectRoot(dir)
	switch {
	case errors.Is(err, paths.ErrNoProjectRoot):
		abs, absErr := filepath.Abs(dir)
		if absErr != nil {
			return nil, fmt.Errorf("resolving %s: %w", dir, absErr)
		}
		s.root = paths.Canonical(abs, ".")
		s.cfg = settings.Default()
		return s, nil
	case err != nil:
		return nil, err
	}
	s.root = paths.Canonical(root, ".")

	cfg, err := settings.Load(s.root)
	if errors.Is(err, settings.ErrNoProjectConfig) {
		s.cfg = settings.Default()
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	s.project = true

	cacheDir := paths.CacheDir(s.root)
	logging.SetLogLevelGetter(func() string { return s.cfg.LogLevel })
	if err := logging.Init(cacheDir, s.runID); err != nil {
		fmt.Fprintf(os.Stderr, "[tach] Warning: failed to initialize logging: %v\n", err)
	}

	store, err := kvcache.Open(cacheDir, Version)
	if err != nil {
		logging.Debug(ctx, "cache unavailable", "error", err.Error())
	} else {
		s.store = store
	}
	return s, nil
}

// Close flushes the session's log file.
func (s *session) Close() {
	if s.project {
		logging.Close()
	}
}

// telemetryEnabled returns the tach.toml preference; nil without a project.
func (s *session) telemetryEnabled() *bool {
	if !s.project {
		return nil
	}
	return s.cfg.Telemetry
}

func (s *session) rel(abs string) string {
	return filepath.ToSlash(paths.ToRelativePath(abs, s.root))
}

// newPrinter colors output only for the process's own stdout.
func newPrinter(w io.Writer) *style.Printer {
	return style.NewPrinter(w, w == io.Writer(os.Stdout) && style.Enabled())
}

func workingDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return wd, nil
}
