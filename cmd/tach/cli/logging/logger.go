// Package logging writes tach's structured JSON logs. Each run appends to
// <cache>/logs/<run-id>.log; reports on stdout and stderr never carry log
// output. Before Init, and in library use, entries are discarded.
//
//	logging.SetLogLevelGetter(func() string { return cfg.LogLevel })
//	if err := logging.Init(cacheDir, runID); err != nil { ... }
//	defer logging.Close()
//	logging.Info(logging.WithComponent(ctx, "oracle"), "graph built", "files", n)
package logging

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevelEnvVar overrides the log_level setting.
const LogLevelEnvVar = "TACH_LOG_LEVEL"

// LogsDir is the log directory under the cache dir.
const LogsDir = "logs"

// sink is the open destination of the current run.
type sink struct {
	logger *slog.Logger
	file   *os.File
	buf    *bufio.Writer
	runID  string
}

func (s *sink) close() {
	if s.buf != nil {
		_ = s.buf.Flush()
	}
	if s.file != nil {
		_ = s.file.Close()
	}
}

var (
	mu      sync.RWMutex
	current *sink
	// levelFrom reads log_level from the loaded settings. The environment
	// variable wins over it.
	levelFrom func() string
)

var discardLogger = slog.New(slog.DiscardHandler)

var levels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"DEBUG":   slog.LevelDebug,
	"INFO":    slog.LevelInfo,
	"WARN":    slog.LevelWarn,
	"WARNING": slog.LevelWarn,
	"ERROR":   slog.LevelError,
}

// SetLogLevelGetter registers where Init reads the configured level from.
func SetLogLevelGetter(getter func() string) {
	mu.Lock()
	defer mu.Unlock()
	levelFrom = getter
}

// Init starts logging for runID, replacing any earlier run. When the log
// file cannot be opened entries go to stderr instead.
func Init(cacheDir, runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return errors.New("invalid run ID for logging")
	}

	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		current.close()
	}

	name := os.Getenv(LogLevelEnvVar)
	if name == "" && levelFrom != nil {
		name = levelFrom()
	}
	level, ok := lookupLevel(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "[tach] Warning: invalid log level %q, defaulting to INFO\n", name)
	}

	s := &sink{runID: runID}
	current = s

	dir := filepath.Join(cacheDir, LogsDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		s.logger = newJSONLogger(os.Stderr, level)
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, runID+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // runID checked above
	if err != nil {
		s.logger = newJSONLogger(os.Stderr, level)
		return nil
	}
	s.file = f
	s.buf = bufio.NewWriterSize(f, 8192)
	s.logger = newJSONLogger(s.buf, level)
	return nil
}

// Close flushes the run's log file. Calling it again is a no-op.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		current.close()
		current = nil
	}
}

func resetLogger() { Close() }

func newJSONLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func lookupLevel(name string) (slog.Level, bool) {
	level, ok := levels[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return slog.LevelInfo, false
	}
	return level, true
}

// parseLogLevel maps a level name to its slog.Level, INFO when unknown.
func parseLogLevel(name string) slog.Level {
	level, _ := lookupLevel(name)
	return level
}

func Debug(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelDebug, msg, attrs...)
}

func Info(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelInfo, msg, attrs...)
}

func Warn(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelWarn, msg, attrs...)
}

func Error(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelError, msg, attrs...)
}

// LogDuration logs msg with duration_ms measured from start, for deferred
// calls at the top of a phase.
func LogDuration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	log(ctx, level, msg, append([]any{slog.Int64("duration_ms", time.Since(start).Milliseconds())}, attrs...)...)
}

func log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	mu.RLock()
	l, runID := discardLogger, ""
	if current != nil {
		l, runID = current.logger, current.runID
	}
	mu.RUnlock()

	var all []any
	if runID != "" {
		all = append(all, slog.String("run_id", runID))
	}
	for _, a := range attrsFromContext(ctx, runID) {
		all = append(all, a)
	}
	l.Log(context.Background(), level, msg, append(all, attrs...)...)
}

// attrsFromContext returns the run, component and phase stored in ctx. The
// run is left out when runID already names one.
func attrsFromContext(ctx context.Context, runID string) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	if runID == "" {
		if s := RunIDFromContext(ctx); s != "" {
			attrs = append(attrs, slog.String("run_id", s))
		}
	}
	if s := ComponentFromContext(ctx); s != "" {
		attrs = append(attrs, slog.String("component", s))
	}
	if s := PhaseFromContext(ctx); s != "" {
		attrs = append(attrs, slog.String("phase", s))
	}
	return attrs
}
