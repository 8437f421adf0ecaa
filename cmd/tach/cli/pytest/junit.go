package pytest

import (
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/testrun"
)

// JUnit XML as pytest writes it with junit_family=xunit1.
type junitSuites struct {
	Suites []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Cases  []junitCase  `xml:"testcase"`
	Suites []junitSuite `xml:"testsuite"`
}

type junitCase struct {
	ClassName string         `xml:"classname,attr"`
	Name      string         `xml:"name,attr"`
	File      string         `xml:"file,attr"`
	Time      float64        `xml:"time,attr"`
	Failures  []junitMessage `xml:"failure"`
	Errors    []junitMessage `xml:"error"`
	Skipped   []junitMessage `xml:"skipped"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}

// ParseJUnit converts a pytest JUnit report into per-phase reports. files are
// the absolute paths of the test files that ran; they anchor node ids to
// root-relative paths whatever pytest chose as its rootdir.
func ParseJUnit(r io.Reader, root string, files []string) ([]testrun.Report, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading junit report: %w", err)
	}

	var doc junitSuites
	if err := xml.Unmarshal(data, &doc); err != nil || len(doc.Suites) == 0 {
		// A lone <testsuite> root (older pytest).
		var single junitSuite
		if serr := xml.Unmarshal(data, &single); serr != nil {
			if err == nil {
				err = serr
			}
			return nil, fmt.Errorf("parsing junit report: %w", err)
		}
		doc.Suites = []junitSuite{single}
	}

	rels := make([]string, 0, len(files))
	for _, f := range files {
		rels = append(rels, filepath.ToSlash(paths.ToRelativePath(f, root)))
	}

	var reports []testrun.Report
	var walk func(s junitSuite)
	walk = func(s junitSuite) {
		for _, c := range s.Cases {
			reports = append(reports, caseReports(c, root, rels)...)
		}
		for _, child := range s.Suites {
			walk(child)
		}
	}
	for _, s := range doc.Suites {
		walk(s)
	}
	return reports, nil
}

func caseReports(c junitCase, root string, rels []string) []testrun.Report {
	rel := matchFile(c, rels)
	base := testrun.Report{NodeID: nodeID(rel, c), Path: filepath.Join(root, filepath.FromSlash(rel))}
	if rel == "" {
		base.Path = ""
	}
	duration := time.Duration(c.Time * float64(time.Second))

	with := func(when testrun.Phase, outcome testrun.Outcome, d time.Duration, msg string) testrun.Report {
		r := base
		r.When, r.Outcome, r.Duration, r.Message = when, outcome, d, msg
		return r
	}

	var out []testrun.Report
	setupFailed := false
	var teardownErr *junitMessage
	for i := range c.Errors {
		e := c.Errors[i]
		if strings.Contains(e.Message, "teardown") {
			teardownErr = &e
			continue
		}
		setupFailed = true
		out = append(out, with(testrun.PhaseSetup, testrun.Failed, 0, e.Message))
	}

	switch {
	case setupFailed:
	case len(c.Skipped) > 0:
		out = append(out, with(testrun.PhaseSetup, testrun.Skipped, 0, c.Skipped[0].Message))
	case len(c.Failures) > 0:
		out = append(out, with(testrun.PhaseCall, testrun.Failed, duration, c.Failures[0].Message))
	default:
		out = append(out, with(testrun.PhaseCall, testrun.Passed, duration, ""))
	}

	if teardownErr != nil {
		out = append(out, with(testrun.PhaseTeardown, testrun.Failed, 0, teardownErr.Message))
	}
	return out
}

// matchFile finds the run file a test case belongs to. pytest reports files
// relative to its rootdir, which may sit above or below the project root.
func matchFile(c junitCase, rels []string) string {
	attr := filepath.ToSlash(c.File)
	if attr != "" {
		for _, rel := range rels {
			if rel == attr || strings.HasSuffix(rel, "/"+attr) || strings.HasSuffix(attr, "/"+rel) {
				return rel
			}
		}
		return attr
	}

	// No file attribute: find the file whose dotted module path prefixes classname.
	best := ""
	for _, rel := range rels {
		mod := dottedModule(rel)
		if (c.ClassName == mod || strings.HasPrefix(c.ClassName, mod+".") || strings.HasSuffix(c.ClassName, "."+mod) ||
			strings.Contains(c.ClassName, "."+mod+".")) && len(rel) > len(best) {
			best = rel
		}
	}
	return best
}

// nodeID builds "<rel>::<Class>::<name>" from a test case.
func nodeID(rel string, c junitCase) string {
	if rel == "" {
		return c.ClassName + testrun.NodeIDSeparator + c.Name
	}
	classes := ""
	mod := dottedModule(rel)
	if idx := strings.Index(c.ClassName, mod); idx >= 0 {
		rest := strings.TrimPrefix(c.ClassName[idx+len(mod):], ".")
		if rest != "" {
			classes = strings.ReplaceAll(rest, ".", testrun.NodeIDSeparator)
		}
	}

	parts := []string{rel}
	if classes != "" {
		parts = append(parts, classes)
	}
	parts = append(parts, c.Name)
	return strings.Join(parts, testrun.NodeIDSeparator)
}

func dottedModule(rel string) string {
	return strings.ReplaceAll(strings.TrimSuffix(rel, ".py"), "/", ".")
}
