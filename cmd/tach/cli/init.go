package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/settings"
)

const configHeader = `# tach: run only the tests your changes can reach.
# Local overrides go in tach.local.toml (keep it out of version control).

`

// ErrConfigExists is returned when tach.toml exists and overwriting was declined.
var ErrConfigExists = errors.New("tach.toml already exists")

func newInitCmd() *cobra.Command {
	var forceFlag, defaultsFlag bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create tach.toml for this project",
		Long: `Create tach.toml in the current directory (or update the one in the enclosing
project). Answers prompts for source roots, the test command and telemetry;
--defaults skips the prompts.

When tach.toml already exists the change is shown as a diff and must be
confirmed unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := workingDir()
			if err != nil {
				return err
			}
			root := dir
			if found, err := paths.ProjectRoot(dir); err == nil {
				root = found
			}

			cfg := settings.Default()
			if !defaultsFlag {
				if err := promptProjectConfig(cfg); err != nil {
					return err
				}
			}

			confirm := confirmOverwrite
			if defaultsFlag {
				confirm = nil
			}
			return writeProjectConfig(cmd.OutOrStdout(), root, cfg, forceFlag, confirm)
		},
	}

	cmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Overwrite an existing tach.toml without asking")
	cmd.Flags().BoolVar(&defaultsFlag, "defaults", false, "Use default settings without prompting")

	return cmd
}

func promptProjectConfig(cfg *settings.ProjectConfig) error {
	roots := strings.Join(cfg.SourceRoots, ", ")
	command := strings.Join(cfg.Test.Command, " ")
	var telemetryEnabled bool

	form := NewAccessibleForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Source roots").
				Description("Comma-separated directories imports are resolved against").
				Value(&roots),
			huh.NewInput().
				Title("Test command").
				Description("How pytest is started in this project").
				Value(&command).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("test command must not be empty")
					}
					return nil
				}),
			huh.NewConfirm().
				Title("Send anonymous usage statistics?").
				Value(&telemetryEnabled),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return NewSilentError(err)
		}
		return fmt.Errorf("failed to get answers: %w", err)
	}

	cfg.SourceRoots = splitList(roots)
	if len(cfg.SourceRoots) == 0 {
		cfg.SourceRoots = []string{"."}
	}
	cfg.Test.Command = strings.Fields(command)
	cfg.Telemetry = &telemetryEnabled
	return nil
}

func confirmOverwrite() (bool, error) {
	var confirmed bool
	form := NewAccessibleForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Overwrite tach.toml?").
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get confirmation: %w", err)
	}
	return confirmed, nil
}

// writeProjectConfig writes cfg to <root>/tach.toml. An existing, different
// file is shown as a diff and replaced only with force or a yes from
// confirm; a nil confirm means no one can be asked.
func writeProjectConfig(w io.Writer, root string, cfg *settings.ProjectConfig, force bool, confirm func() (bool, error)) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := renderProjectConfig(cfg)
	if err != nil {
		return err
	}

	target := filepath.Join(root, paths.ProjectConfigFile)
	existing, err := os.ReadFile(target) //nolint:gosec // path is the project's config file
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading %s: %w", paths.ProjectConfigFile, err)
	case bytes.Equal(existing, data):
		fmt.Fprintf(w, "%s is up to date.\n", target)
		return nil
	default:
		fmt.Fprintf(w, "%s already exists. Changes:\n%s", target, lineDiff(string(existing), string(data)))
		if !force {
			if confirm == nil {
				return fmt.Errorf("%w; use --force to overwrite", ErrConfigExists)
			}
			ok, err := confirm()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(w, "Kept the existing file.")
				return nil
			}
		}
	}

	if err := os.WriteFile(target, data, 0o644); err != nil { //nolint:gosec // config is meant to be committed
		return fmt.Errorf("writing %s: %w", paths.ProjectConfigFile, err)
	}
	fmt.Fprintf(w, "Wrote %s\n", target)
	return nil
}

func renderProjectConfig(cfg *settings.ProjectConfig) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(configHeader)
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", paths.ProjectConfigFile, err)
	}
	return buf.Bytes(), nil
}

// lineDiff renders a line-level diff with "+"/"-" markers on changed lines.
func lineDiff(oldText, newText string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		marker := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			marker = "+ "
		case diffmatchpatch.DiffDelete:
			marker = "- "
		case diffmatchpatch.DiffEqual:
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(marker + line)
			if !strings.HasSuffix(line, "\n") {
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
