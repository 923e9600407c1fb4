package pathguard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeAcceptsExistingDirectory(t *testing.T) {
	dir := t.TempDir()
	g := New(time.Minute)

	got, err := g.Sanitize(dir)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	info, err := os.Stat(got)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSanitizeAcceptsQuotesInNames(t *testing.T) {
	base := t.TempDir()
	quoted := filepath.Join(base, `it's "fine"`)
	require.NoError(t, os.Mkdir(quoted, 0o755))

	g := New(time.Minute)
	_, err := g.Sanitize(quoted)
	assert.NoError(t, err)
}

func TestSanitizeRejections(t *testing.T) {
	dir := t.TempDir()
	g := New(time.Minute)

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"null byte", dir + "\x00"},
		{"traversal", dir + "/../etc"},
		{"bare traversal", ".."},
		{"semicolon", dir + ";rm -rf /"},
		{"ampersand", dir + "&x"},
		{"pipe", dir + "|x"},
		{"backtick", dir + "`x`"},
		{"dollar", dir + "$HOME"},
		{"redirect in", dir + "<x"},
		{"redirect out", dir + ">x"},
		{"missing directory", filepath.Join(dir, "does-not-exist")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Sanitize(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestSanitizeRejectsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "regular")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	g := New(time.Minute)
	_, err := g.Sanitize(file)
	assert.ErrorContains(t, err, "not a directory")
}

func TestSanitizeCachesVerdicts(t *testing.T) {
	dir := t.TempDir()
	g := New(time.Minute)

	statCalls := 0
	g.stat = func(path string) (os.FileInfo, error) {
		statCalls++
		return os.Stat(path)
	}

	_, err := g.Sanitize(dir)
	require.NoError(t, err)
	_, err = g.Sanitize(dir)
	require.NoError(t, err)

	assert.Equal(t, 1, statCalls)
}

func TestSanitizeCachedFailureStillFails(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "gone")
	g := New(time.Minute)

	_, err := g.Sanitize(missing)
	require.Error(t, err)

	// Create the directory; within the TTL the negative verdict holds.
	require.NoError(t, os.Mkdir(missing, 0o755))
	_, err = g.Sanitize(missing)
	assert.Error(t, err)
}

func TestSanitizeCacheExpiry(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "late")
	g := New(time.Minute)

	current := time.Now()
	g.now = func() time.Time { return current }

	_, err := g.Sanitize(missing)
	require.Error(t, err)

	require.NoError(t, os.Mkdir(missing, 0o755))
	current = current.Add(2 * time.Minute)

	_, err = g.Sanitize(missing)
	assert.NoError(t, err)
}

func TestSanitizeResolvesSymlinks(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "target")
	require.NoError(t, os.Mkdir(target, 0o755))
	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(target, link))

	g := New(time.Minute)
	got, err := g.Sanitize(link)
	require.NoError(t, err)

	wantTarget, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	assert.Equal(t, wantTarget, got)
}
