// Package settings loads the project configuration (tach.toml).
//
// The project file is required for the plugin to activate. A gitignored
// tach.local.toml next to it is merged on top, and TACH_* environment
// variables override both (TACH_LOG_LEVEL, TACH_TEST_COMMAND, ...).
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tach-org/tach/cmd/tach/cli/paths"
)

// CacheBackendDisk is the only supported duration cache backend.
const CacheBackendDisk = "disk"

// DefaultMaxDurationEntries bounds the duration cache.
const DefaultMaxDurationEntries = 20000

// ErrNoProjectConfig is returned when the project root has no tach.toml.
var ErrNoProjectConfig = errors.New("no project configuration found")

// ProjectConfig represents tach.toml.
type ProjectConfig struct {
	// SourceRoots are the directories module names are resolved against,
	// relative to the project root.
	SourceRoots []string `mapstructure:"source_roots" toml:"source_roots"`

	// Exclude holds glob patterns for files and directories the import graph
	// and test discovery ignore. Matched against base names and root-relative paths.
	Exclude []string `mapstructure:"exclude" toml:"exclude,omitempty"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	// Can be overridden by TACH_LOG_LEVEL.
	LogLevel string `mapstructure:"log_level" toml:"log_level,omitempty"`

	// Telemetry controls anonymous usage analytics.
	// nil = not configured (disabled), true = opted in, false = opted out
	Telemetry *bool `mapstructure:"telemetry" toml:"telemetry,omitempty"`

	Test  TestConfig  `mapstructure:"test" toml:"test"`
	Cache CacheConfig `mapstructure:"cache" toml:"cache"`
}

// TestConfig configures the test runner the host drives.
type TestConfig struct {
	Command   []string `mapstructure:"command" toml:"command"`
	Patterns  []string `mapstructure:"patterns" toml:"patterns"`
	TestPaths []string `mapstructure:"testpaths" toml:"testpaths,omitempty"`
}

// CacheConfig configures the cross-run cache.
type CacheConfig struct {
	Backend            string `mapstructure:"backend" toml:"backend"`
	MaxDurationEntries int    `mapstructure:"max_duration_entries" toml:"max_duration_entries"`
}

// Default returns the configuration used for keys absent from tach.toml.
func Default() *ProjectConfig {
	return &ProjectConfig{
		SourceRoots: []string{"."},
		Exclude:     DefaultExclude(),
		Test: TestConfig{
			Command:  []string{"python", "-m", "pytest"},
			Patterns: []string{"test_*.py", "*_test.py"},
		},
		Cache: CacheConfig{
			Backend:            CacheBackendDisk,
			MaxDurationEntries: DefaultMaxDurationEntries,
		},
	}
}

// DefaultExclude lists directories that never hold project sources.
func DefaultExclude() []string {
	return []string{".*", "__pycache__", "venv", ".venv", "node_modules", "build", "dist"}
}

// Load reads tach.toml from projectRoot, then merges tach.local.toml if it
// exists. Returns ErrNoProjectConfig if tach.toml is missing.
func Load(projectRoot string) (*ProjectConfig, error) {
	configPath := filepath.Join(projectRoot, paths.ProjectConfigFile)
	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoProjectConfig
		}
		return nil, fmt.Errorf("reading project config: %w", err)
	}

	v := newViper()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", paths.ProjectConfigFile, err)
	}

	// Apply local overrides if they exist
	localPath := filepath.Join(projectRoot, paths.ProjectLocalConfigFile)
	if _, err := os.Stat(localPath); err == nil {
		v.SetConfigFile(localPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging %s: %w", paths.ProjectLocalConfigFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading local project config: %w", err)
	}

	cfg := &ProjectConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding project config: %w", err)
	}
	if v.IsSet("telemetry") {
		enabled := v.GetBool("telemetry")
		cfg.Telemetry = &enabled
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("TACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("source_roots", def.SourceRoots)
	v.SetDefault("exclude", def.Exclude)
	v.SetDefault("log_level", "")
	v.SetDefault("test.command", def.Test.Command)
	v.SetDefault("test.patterns", def.Test.Patterns)
	v.SetDefault("test.testpaths", []string{})
	v.SetDefault("cache.backend", def.Cache.Backend)
	v.SetDefault("cache.max_duration_entries", def.Cache.MaxDurationEntries)
	return v
}

// Validate checks values viper cannot check by type alone.
func (c *ProjectConfig) Validate() error {
	if len(c.SourceRoots) == 0 {
		c.SourceRoots = []string{"."}
	}
	if len(c.Test.Command) == 0 {
		return errors.New("test.command must not be empty")
	}
	if len(c.Test.Patterns) == 0 {
		return errors.New("test.patterns must not be empty")
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendDisk
	}
	if c.Cache.Backend != CacheBackendDisk {
		return fmt.Errorf("unsupported cache backend %q (only %q is available)", c.Cache.Backend, CacheBackendDisk)
	}
	if c.Cache.MaxDurationEntries <= 0 {
		c.Cache.MaxDurationEntries = DefaultMaxDurationEntries
	}
	return nil
}

// IsTelemetryEnabled reports whether the user opted into telemetry.
func (c *ProjectConfig) IsTelemetryEnabled() bool {
	return c != nil && c.Telemetry != nil && *c.Telemetry
}

// SourceRootPaths returns the absolute source root directories.
func (c *ProjectConfig) SourceRootPaths(projectRoot string) []string {
	roots := make([]string, 0, len(c.SourceRoots))
	for _, r := range c.SourceRoots {
		roots = append(roots, paths.Canonical(projectRoot, r))
	}
	return roots
}

// IsExcluded reports whether rel (a root-relative path) matches an exclude pattern,
// either by its base name or by the whole relative path.
func (c *ProjectConfig) IsExcluded(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	base := filepath.Base(rel)
	slashed := filepath.ToSlash(rel)
	for _, pattern := range c.Exclude {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, slashed); ok {
			return true
		}
	}
	return false
}
