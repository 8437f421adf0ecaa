package jsonutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalIndentWithNewline(t *testing.T) {
	data, err := MarshalIndentWithNewline(map[string]float64{"test_a.py::test[<1>]": 0.5}, "", "  ")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"test_a.py::test[<1>]\": 0.5\n}\n", string(data))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durations")

	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []string{"new"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[\n  \"new\"\n]\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	err := WriteFileAtomic(filepath.Join(t.TempDir(), "missing", "x"), 1)
	assert.Error(t, err)
}
