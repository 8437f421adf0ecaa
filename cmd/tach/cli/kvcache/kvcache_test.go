package kvcache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".tach")

	s, err := Open(dir, "0.30.1")
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	info, err := os.ReadFile(filepath.Join(dir, "tach.info"))
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(string(info)), 36, "tach.info holds a uuid")

	ignore, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(ignore)), "*"))

	version, err := os.ReadFile(filepath.Join(dir, ".latest-version"))
	require.NoError(t, err)
	assert.Equal(t, "0.30.1", string(version))
}

func TestOpenKeepsInfo(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir, "dev")
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(dir, "tach.info"))
	require.NoError(t, err)

	_, err = Open(dir, "dev")
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(dir, "tach.info"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestGetSet(t *testing.T) {
	s, err := Open(t.TempDir(), "dev")
	require.NoError(t, err)

	var missing map[string]float64
	res := s.Get("tach/durations", &missing)
	assert.Equal(t, Miss, res.Status)
	require.NoError(t, res.Err)

	require.NoError(t, s.Set("tach/durations", map[string]float64{"test_a.py::test_x": 0.25}))

	var got map[string]float64
	res = s.Get("tach/durations", &got)
	assert.Equal(t, Hit, res.Status)
	assert.Equal(t, map[string]float64{"test_a.py::test_x": 0.25}, got)
}

func TestGetCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "dev")
	require.NoError(t, err)

	p := filepath.Join(dir, "v", "tach", "durations")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0o644))

	var got map[string]float64
	res := s.Get("tach/durations", &got)
	assert.Equal(t, Failed, res.Status)
	assert.ErrorIs(t, res.Err, ErrCorrupt)
}

func TestInvalidKeys(t *testing.T) {
	s, err := Open(t.TempDir(), "dev")
	require.NoError(t, err)

	for _, key := range []string{"", "/abs", "../escape", "a//b", "a/./b", `a\b`} {
		t.Run(key, func(t *testing.T) {
			assert.ErrorIs(t, s.Set(key, 1), ErrInvalidKey)
			var v int
			res := s.Get(key, &v)
			assert.Equal(t, Failed, res.Status)
			assert.ErrorIs(t, res.Err, ErrInvalidKey)
		})
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "dev")
	require.NoError(t, err)
	require.NoError(t, s.Set("tach/durations", map[string]float64{"a::b": 1}))

	require.NoError(t, s.Clear())

	var v map[string]float64
	assert.Equal(t, Miss, s.Get("tach/durations", &v).Status)
	_, err = os.Stat(filepath.Join(dir, "tach.info"))
	assert.NoError(t, err, "metadata survives Clear")
}

func TestMajorVersionChangeClearsValues(t *testing.T) {
	tests := []struct {
		name     string
		previous string
		current  string
		cleared  bool
	}{
		{"same major", "1.2.0", "1.3.0", false},
		{"major bump", "1.9.0", "2.0.0", true},
		{"v prefix mix", "v0.4.0", "1.0.0", true},
		{"dev build never clears", "1.0.0", "dev", false},
		{"unknown previous", "garbage", "2.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s, err := Open(dir, tt.previous)
			require.NoError(t, err)
			require.NoError(t, s.Set("tach/durations", map[string]float64{"a::b": 1}))

			s, err = Open(dir, tt.current)
			require.NoError(t, err)

			var v map[string]float64
			status := s.Get("tach/durations", &v).Status
			if tt.cleared {
				assert.Equal(t, Miss, status)
			} else {
				assert.Equal(t, Hit, status)
			}

			version, err := os.ReadFile(filepath.Join(dir, ".latest-version"))
			require.NoError(t, err)
			assert.Equal(t, tt.current, string(version))
		})
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "hit", Hit.String())
	assert.Equal(t, "miss", Miss.String())
	assert.Equal(t, "failed", Failed.String())
}
