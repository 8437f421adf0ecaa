package impact

import (
	"fmt"

	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/style"
	"github.com/tach-org/tach/cmd/tach/cli/testrun"
)

// ValidationTitle heads the validation warning.
const ValidationTitle = "Tach validation"

// Validate returns the ids of failed tests that live in would-skip files:
// failures skipping would have hidden. It returns nothing when skipping is
// enabled (would-skip files did not run) or no file was judged skippable.
func (s *State) Validate(reports []testrun.Report) []string {
	if s == nil || s.SkipEnabled || len(s.wouldSkip) == 0 {
		return nil
	}

	var out []string
	seen := make(map[string]struct{})
	for _, r := range testrun.Failures(reports) {
		file := r.Path
		if file == "" {
			file = testrun.FilePart(r.NodeID)
		}
		if file == "" {
			continue
		}
		if _, hit := s.wouldSkip[paths.Canonical(s.Root, file)]; !hit {
			continue
		}
		if _, dup := seen[r.NodeID]; dup {
			continue
		}
		seen[r.NodeID] = struct{}{}
		out = append(out, r.NodeID)
	}
	return out
}

// TerminalSummary marks the run complete and returns the validation warning
// lines, if any. The caller prints them under a ValidationTitle separator.
func (s *State) TerminalSummary(reports []testrun.Report) []style.Line {
	if s == nil {
		return nil
	}
	s.Handler.TestsRanToCompletion = true
	return ValidationLines(s.Validate(reports))
}

// ValidationLines renders the warning for failures in would-skip files.
func ValidationLines(failed []string) []style.Line {
	if len(failed) == 0 {
		return nil
	}
	lines := []style.Line{{
		Text: fmt.Sprintf("%s WARNING: %d %s failed in files impact analysis would have skipped:",
			Tag, len(failed), Plural(len(failed), "test")),
		Tone: style.Danger,
		Bold: true,
	}}
	for _, id := range failed {
		lines = append(lines, style.Line{Text: fmt.Sprintf("%s   - %s", Tag, id), Tone: style.Danger})
	}
	return lines
}
