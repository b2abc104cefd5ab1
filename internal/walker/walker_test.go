package walker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"a.txt":                 "aaaaaaaaaa",
		"a.txt.md5":             "digest",
		"sub/b.fastq.gz":        "bbbbb",
		"sub/b.fastq.gz.sha256": "digest",
		"sub/c.md5sum":          "digest",
		"tmp/scratch.dat":       "x",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func relPaths(files []FileInfo) []string {
	var out []string
	for _, f := range files {
		out = append(out, filepath.ToSlash(f.RelPath))
	}
	return out
}

func TestWalkSkipsSidecars(t *testing.T) {
	dir := setupTree(t)
	w, err := New(dir, nil)
	require.NoError(t, err)

	files, err := w.Walk()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "sub/b.fastq.gz", "tmp/scratch.dat"}, relPaths(files))
}

func TestWalkWithSidecars(t *testing.T) {
	dir := setupTree(t)
	w, err := New(dir, nil)
	require.NoError(t, err)

	files, err := w.WithSidecars().Walk()
	require.NoError(t, err)
	assert.Contains(t, relPaths(files), "a.txt.md5")
	assert.Contains(t, relPaths(files), "sub/b.fastq.gz.sha256")
}

func TestWalkExcludes(t *testing.T) {
	dir := setupTree(t)

	tests := []struct {
		name     string
		excludes []string
		want     []string
	}{
		{
			name:     "glob pattern",
			excludes: []string{"**/*.dat"},
			want:     []string{"a.txt", "sub/b.fastq.gz"},
		},
		{
			name:     "directory pattern",
			excludes: []string{"tmp/"},
			want:     []string{"a.txt", "sub/b.fastq.gz"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := New(dir, tt.excludes)
			require.NoError(t, err)
			files, err := w.Walk()
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, relPaths(files))
		})
	}
}

func TestWalkSizes(t *testing.T) {
	dir := setupTree(t)
	w, err := New(dir, nil)
	require.NoError(t, err)

	files, err := w.Walk()
	require.NoError(t, err)
	for _, f := range files {
		if filepath.ToSlash(f.RelPath) == "a.txt" {
			assert.Equal(t, int64(10), f.Size)
		}
	}
}

func TestNewErrors(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = New(file, nil)
	assert.Error(t, err)
}
