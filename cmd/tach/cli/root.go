package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/settings"
	"github.com/tach-org/tach/cmd/tach/cli/telemetry"
)

const gettingStarted = `

Getting Started:
  Run 'tach init' in your project to create tach.toml, then 'tach test' to
  see how many tests your changes leave unaffected. 'tach test --tach' skips them.

`

const environmentHelp = `
Environment Variables:
  ACCESSIBLE              Use plain text prompts instead of interactive TUI
                          elements (works better with screen readers).
  NO_COLOR                Disable colored output.
  TACH_CACHE_DIR          Cache directory (default: <project>/.tach).
  TACH_LOG_LEVEL          Log level: debug, info, warn, error.
  TACH_TELEMETRY_OPTOUT   Disable telemetry regardless of tach.toml.
`

// Version information (can be set at build time)
var (
	Version = "dev"
	Commit  = "unknown"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tach",
		Short: "Test impact analysis for pytest",
		Long:  "Run only the tests your changes can affect" + gettingStarted + environmentHelp,
		// Let main.go handle error printing to avoid duplication
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			// Errors leave telemetry unconfigured, which means disabled.
			var telemetryEnabled *bool
			if dir, err := workingDir(); err == nil {
				if root, err := paths.ProjectRoot(dir); err == nil {
					if cfg, err := settings.Load(root); err == nil {
						telemetryEnabled = cfg.Telemetry
					}
				}
			}

			telemetryClient := telemetry.NewClient(Version, telemetryEnabled)
			defer telemetryClient.Close()
			telemetryClient.TrackCommand(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newTestCmd())
	cmd.AddCommand(newSelectCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newCacheCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "tach %s (%s)\n", Version, Commit)
			fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(w, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
