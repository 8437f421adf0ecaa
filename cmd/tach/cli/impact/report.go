package impact

import (
	"fmt"
	"sort"

	"github.com/tach-org/tach/cmd/tach/cli/durations"
	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/style"
)

// Tag prefixes every line the plugin prints.
const Tag = "[Tach]"

// maxListedPaths is the longest skipped-file list shown without --tach-verbose.
const maxListedPaths = 5

// truncatedListLen is how many paths are shown when the list is truncated.
const truncatedListLen = 3

// SkipHint is the invocation shown in suggest mode.
const SkipHint = "tach test --tach"

// Estimator estimates the time the given files would take to run.
type Estimator interface {
	Estimate(targets map[string]struct{}) (float64, bool)
}

// Report renders the end-of-collection summary. It prints nothing when no
// test item was judged skippable. est may be nil.
func (s *State) Report(est Estimator) []style.Line {
	if s == nil || s.Handler.NumRemovedItems == 0 {
		return nil
	}

	saved := ""
	if est != nil {
		if secs, ok := est.Estimate(s.wouldSkip); ok {
			saved = " (" + durations.FormatSaved(secs) + ")"
		}
	}

	removed := s.sortedRelative(s.Handler.RemovedTestPaths())
	counts := fmt.Sprintf("%d %s (%d %s)",
		s.Handler.NumRemovedItems, Plural(s.Handler.NumRemovedItems, "test"),
		len(removed), Plural(len(removed), "file"))

	var lines []style.Line
	if s.Verbose {
		lines = append(lines, s.changedFileLines()...)
	}

	if s.SkipEnabled {
		lines = append(lines, style.Line{
			Text: fmt.Sprintf("%s Skipped %s unaffected by changes%s", Tag, counts, saved),
			Tone: style.Info,
			Bold: true,
		})
		shown := removed
		if !s.Verbose && len(removed) > maxListedPaths {
			shown = removed[:truncatedListLen]
		}
		for _, p := range shown {
			lines = append(lines, style.Line{Text: fmt.Sprintf("%s - %s", Tag, p), Tone: style.Muted})
		}
		if hidden := len(removed) - len(shown); hidden > 0 {
			lines = append(lines, style.Line{
				Text: fmt.Sprintf("%s   ... and %d more (use --tach-verbose to list all)", Tag, hidden),
				Tone: style.Muted,
			})
		}
		return lines
	}

	lines = append(lines, style.Line{
		Text: fmt.Sprintf("%s %s unaffected by changes could be skipped%s. Skip with: %s", Tag, counts, saved, SkipHint),
		Tone: style.Info,
	})
	if s.Verbose {
		for _, p := range removed {
			lines = append(lines, style.Line{Text: fmt.Sprintf("%s ? Would skip '%s'", Tag, p), Tone: style.Muted})
		}
	}
	return lines
}

func (s *State) changedFileLines() []style.Line {
	changed := s.sortedRelative(s.ChangedFiles())
	if len(changed) == 0 {
		return []style.Line{{Text: fmt.Sprintf("%s No changed files against %s", Tag, s.Base), Tone: style.Warning}}
	}
	lines := []style.Line{{
		Text: fmt.Sprintf("%s %d changed %s:", Tag, len(changed), Plural(len(changed), "file")),
		Tone: style.Warning,
	}}
	for _, p := range changed {
		lines = append(lines, style.Line{Text: fmt.Sprintf("%s + %s", Tag, p), Tone: style.Warning})
	}
	return lines
}

// sortedRelative converts canonical paths to root-relative display paths and
// sorts them, so output does not depend on discovery order.
func (s *State) sortedRelative(abs []string) []string {
	out := make([]string, 0, len(abs))
	for _, p := range abs {
		out = append(out, paths.ToRelativePath(p, s.Root))
	}
	sort.Strings(out)
	return out
}

// Plural returns word, with an "s" appended unless n is 1.
func Plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
