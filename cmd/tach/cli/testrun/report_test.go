package testrun

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilePart(t *testing.T) {
	tests := []struct {
		nodeID string
		want   string
	}{
		{"test_a.py::test_one", "test_a.py"},
		{"pkg/test_b.py::TestGroup::test_two", "pkg/test_b.py"},
		{"test_c.py::test_param[1-2]", "test_c.py"},
		{"no-separator", ""},
		{"::test_orphan", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FilePart(tt.nodeID), tt.nodeID)
	}
}

func TestFailures(t *testing.T) {
	reports := []Report{
		{NodeID: "a::x", When: PhaseCall, Outcome: Passed},
		{NodeID: "a::y", When: PhaseCall, Outcome: Failed},
		{NodeID: "b::z", When: PhaseSetup, Outcome: Failed},
	}
	got := Failures(reports)
	assert.Len(t, got, 2)
	assert.Equal(t, "a::y", got[0].NodeID)
	assert.Equal(t, "b::z", got[1].NodeID)
}

func TestSummarize(t *testing.T) {
	reports := []Report{
		{NodeID: "a::pass", When: PhaseCall, Outcome: Passed},
		{NodeID: "a::fail", When: PhaseCall, Outcome: Failed},
		{NodeID: "a::skip", When: PhaseSetup, Outcome: Skipped},
		{NodeID: "a::teardown", When: PhaseCall, Outcome: Passed},
		{NodeID: "a::teardown", When: PhaseTeardown, Outcome: Failed},
		{NodeID: "a::setup", When: PhaseSetup, Outcome: Failed},
	}
	assert.Equal(t, Summary{Passed: 1, Failed: 3, Skipped: 1}, Summarize(reports))
}
