// Package testrun holds the per-test outcome records a run produces.
package testrun

import (
	"strings"
	"time"
)

// Phase is the stage of a test's lifecycle a report describes.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseCall     Phase = "call"
	PhaseTeardown Phase = "teardown"
)

// Outcome is the result of one phase.
type Outcome string

const (
	Passed  Outcome = "passed"
	Failed  Outcome = "failed"
	Skipped Outcome = "skipped"
)

// NodeIDSeparator separates the file, class and test parts of a node id.
const NodeIDSeparator = "::"

// Report is one phase of one test.
type Report struct {
	// NodeID is "<file>::<optional class>::<test name>", file relative to the project root.
	NodeID string
	// Path is the test's source file as reported by the runner.
	Path     string
	When     Phase
	Outcome  Outcome
	Duration time.Duration
	// Message holds the failure message, if any.
	Message string
}

// IsFailure reports whether this report counts toward the run's failed tests.
func (r Report) IsFailure() bool {
	return r.Outcome == Failed
}

// FilePart returns the file portion of a node id, or "" when the id has no
// file portion.
func FilePart(nodeID string) string {
	file, _, ok := strings.Cut(nodeID, NodeIDSeparator)
	if !ok {
		return ""
	}
	return file
}

// Failures returns the failed reports in their original order.
func Failures(reports []Report) []Report {
	var out []Report
	for _, r := range reports {
		if r.IsFailure() {
			out = append(out, r)
		}
	}
	return out
}

// Summary counts outcomes per test (call phase, or the failing phase).
type Summary struct {
	Passed  int
	Failed  int
	Skipped int
}

// Summarize tallies reports. A test that fails in any phase counts once as failed.
func Summarize(reports []Report) Summary {
	status := make(map[string]Outcome)
	var order []string
	for _, r := range reports {
		prev, seen := status[r.NodeID]
		if !seen {
			order = append(order, r.NodeID)
		}
		switch {
		case r.Outcome == Failed:
			status[r.NodeID] = Failed
		case prev == Failed:
		case r.When == PhaseCall || !seen:
			status[r.NodeID] = r.Outcome
		}
	}

	var s Summary
	for _, id := range order {
		switch status[id] {
		case Passed:
			s.Passed++
		case Failed:
			s.Failed++
		case Skipped:
			s.Skipped++
		}
	}
	return s
}
