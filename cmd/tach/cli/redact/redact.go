// Package redact masks secrets in text tach writes to its log files: pytest
// arguments passed through from the command line and test failure messages,
// which often echo environment values.
package redact

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Placeholder replaces each detected secret.
const Placeholder = "REDACTED"

// secretPattern matches high-entropy strings that may be secrets.
var secretPattern = regexp.MustCompile(`[A-Za-z0-9/+_=-]{10,}`)

// entropyThreshold is the minimum Shannon entropy for a string to be considered
// a secret.
const entropyThreshold = 4.5

var (
	gitleaksDetector     *detect.Detector
	gitleaksDetectorOnce sync.Once
)

func getDetector() *detect.Detector {
	gitleaksDetectorOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return
		}
		gitleaksDetector = d
	})
	return gitleaksDetector
}

type region struct{ start, end int }

// String replaces secrets in s with Placeholder. A span is a secret when it
// has high entropy or matches one of gitleaks' known secret formats.
func String(s string) string {
	regions := entropyRegions(s)
	regions = append(regions, patternRegions(s)...)
	if len(regions) == 0 {
		return s
	}

	sort.Slice(regions, func(i, j int) bool {
		return regions[i].start < regions[j].start
	})
	merged := []region{regions[0]}
	for _, r := range regions[1:] {
		last := &merged[len(merged)-1]
		if r.start > last.end {
			merged = append(merged, r)
			continue
		}
		last.end = max(last.end, r.end)
	}

	var b strings.Builder
	prev := 0
	for _, r := range merged {
		b.WriteString(s[prev:r.start])
		b.WriteString(Placeholder)
		prev = r.end
	}
	b.WriteString(s[prev:])
	return b.String()
}

// Args redacts each argument of a command line. The value of a
// "--name=value" option is checked on its own so the flag name stays readable.
func Args(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if name, value, ok := strings.Cut(a, "="); ok && strings.HasPrefix(name, "-") {
			out[i] = name + "=" + String(value)
			continue
		}
		out[i] = String(a)
	}
	return out
}

func entropyRegions(s string) []region {
	var out []region
	for _, loc := range secretPattern.FindAllStringIndex(s, -1) {
		if shannonEntropy(s[loc[0]:loc[1]]) > entropyThreshold {
			out = append(out, region{loc[0], loc[1]})
		}
	}
	return out
}

func patternRegions(s string) []region {
	d := getDetector()
	if d == nil {
		return nil
	}
	var out []region
	for _, f := range d.DetectString(s) {
		if f.Secret == "" {
			continue
		}
		from := 0
		for {
			idx := strings.Index(s[from:], f.Secret)
			if idx < 0 {
				break
			}
			start := from + idx
			out = append(out, region{start, start + len(f.Secret)})
			from = start + len(f.Secret)
		}
	}
	return out
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[byte]int)
	for i := range len(s) {
		freq[s[i]]++
	}
	length := float64(len(s))
	var entropy float64
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}
