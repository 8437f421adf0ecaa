// Package telemetry sends anonymous, opt-in usage events. Events carry counts
// and flag names only, never paths or flag values.
package telemetry

import (
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// OptOutEnvVar disables telemetry regardless of tach.toml.
const OptOutEnvVar = "TACH_TELEMETRY_OPTOUT"

var (
	// PostHogAPIKey is set at build time for production
	PostHogAPIKey = "phc_development_key"
	// PostHogEndpoint is set at build time for production
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// Event names.
const (
	EventCommand = "cli_command_executed"
	EventRun     = "impact_run"
)

// RunStats summarizes one selection run.
type RunStats struct {
	Mode           string // "skip", "suggest" or "inactive"
	CandidateFiles int
	SkippedFiles   int
	SkippedTests   int
	ChangedFiles   int
	Failed         int
	// ValidationMisses counts failures in files the run would have skipped.
	ValidationMisses int
	Duration         time.Duration
}

// Client defines the telemetry interface
type Client interface {
	TrackCommand(cmd *cobra.Command)
	TrackRun(stats RunStats)
	Close()
}

// NoOpClient is a no-op implementation for when telemetry is disabled
type NoOpClient struct{}

func (n *NoOpClient) TrackCommand(_ *cobra.Command) {}
func (n *NoOpClient) TrackRun(_ RunStats)           {}
func (n *NoOpClient) Close()                        {}

// silentLogger suppresses PostHog log output - expected for CLI best-effort telemetry
type silentLogger struct{}

func (silentLogger) Logf(_ string, _ ...interface{})   {}
func (silentLogger) Debugf(_ string, _ ...interface{}) {}
func (silentLogger) Warnf(_ string, _ ...interface{})  {}
func (silentLogger) Errorf(_ string, _ ...interface{}) {}

// enqueuer is the part of posthog.Client this package uses.
type enqueuer interface {
	Enqueue(msg posthog.Message) error
	Close() error
}

// PostHogClient is the real telemetry client
type PostHogClient struct {
	client    enqueuer
	machineID string
	mu        sync.RWMutex
}

// NewClient creates a telemetry client. telemetryEnabled comes from
// tach.toml; nil means not configured, which is disabled.
//
//nolint:ireturn // Factory function - returns NoOpClient or PostHogClient based on settings
func NewClient(version string, telemetryEnabled *bool) Client {
	if os.Getenv(OptOutEnvVar) != "" {
		return &NoOpClient{}
	}
	if telemetryEnabled == nil || !*telemetryEnabled {
		return &NoOpClient{}
	}

	id, err := machineid.ProtectedID("tach")
	if err != nil {
		return &NoOpClient{}
	}

	// Fast timeouts: telemetry must not delay the end of a test run.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 100 * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   100 * time.Millisecond,
		ResponseHeaderTimeout: 100 * time.Millisecond,
	}

	client, err := posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    100 * time.Millisecond,
		BatchUploadTimeout: 200 * time.Millisecond,
		Transport:          transport,
		Logger:             silentLogger{},
		DisableGeoIP:       posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("cli_version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	})
	if err != nil {
		return &NoOpClient{}
	}

	return &PostHogClient{client: client, machineID: id}
}

// TrackCommand records the command execution
func (p *PostHogClient) TrackCommand(cmd *cobra.Command) {
	if cmd == nil || cmd.Hidden {
		return
	}

	// Collect flag names (not values) for privacy
	var flags []string
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		flags = append(flags, flag.Name)
	})

	props := posthog.NewProperties().Set("command", cmd.CommandPath())
	if len(flags) > 0 {
		props.Set("flags", strings.Join(flags, ","))
	}
	p.enqueue(EventCommand, props)
}

// TrackRun records the outcome of a selection run.
func (p *PostHogClient) TrackRun(stats RunStats) {
	p.enqueue(EventRun, posthog.NewProperties().
		Set("mode", stats.Mode).
		Set("candidate_files", stats.CandidateFiles).
		Set("skipped_files", stats.SkippedFiles).
		Set("skipped_tests", stats.SkippedTests).
		Set("changed_files", stats.ChangedFiles).
		Set("failed", stats.Failed).
		Set("validation_misses", stats.ValidationMisses).
		Set("duration_ms", stats.Duration.Milliseconds()))
}

func (p *PostHogClient) enqueue(event string, props posthog.Properties) {
	p.mu.RLock()
	id := p.machineID
	c := p.client
	p.mu.RUnlock()

	if c == nil {
		return
	}

	//nolint:errcheck // Best-effort telemetry, failures should not affect CLI
	_ = c.Enqueue(posthog.Capture{
		DistinctId: id,
		Event:      event,
		Properties: props,
	})
}

// Close flushes pending events
func (p *PostHogClient) Close() {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()

	if c != nil {
		_ = c.Close()
	}
}
