package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "src/Main.elm", "module Main exposing (main)")
	writeFile(t, root, "src/Page/Home.elm", "module Page.Home exposing (view)")
	writeFile(t, root, "src/style.css", "body {}")
	writeFile(t, root, "elm-stuff/0.19.1/Cached.elm", "cached")
	writeFile(t, root, ".hidden/Secret.elm", "hidden")
	writeFile(t, root, "elm.json", "{}")

	f, err := NewFilter(nil, DefaultExclude)
	require.NoError(t, err)
	ws, err := New(root, f)
	require.NoError(t, err)
	return ws
}

func TestFilterMatch(t *testing.T) {
	f, err := NewFilter([]string{"src/**/*.elm", "tests/*.elm"}, []string{"elm-stuff"})
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"src/Main.elm", true},
		{"src/Page/Home.elm", true},
		{"tests/Test.elm", true},
		{"tests/nested/Test.elm", false},
		{"src/elm-stuff/X.elm", false},
		{"src/style.css", false},
		{"Main.elm", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Match(tt.path))
		})
	}
}

func TestFilterRejectsBadPattern(t *testing.T) {
	_, err := NewFilter([]string{"src/[.elm"}, nil)
	assert.Error(t, err)
}

func TestFilterSkipDir(t *testing.T) {
	f, err := NewFilter(nil, []string{"node_modules"})
	require.NoError(t, err)

	assert.True(t, f.SkipDir("node_modules"))
	assert.True(t, f.SkipDir(".git"))
	assert.False(t, f.SkipDir("src"))
	assert.False(t, f.SkipDir("."))
}

func TestGather(t *testing.T) {
	ws := newTestWorkspace(t)

	files, err := ws.Gather()
	require.NoError(t, err)
	assert.Equal(t, []string{"src/Main.elm", "src/Page/Home.elm"}, files)
}

func TestGatherSkipsUnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	ws := newTestWorkspace(t)
	writeFile(t, ws.Root(), "src/Locked/Hidden.elm", "module Locked.Hidden exposing (x)")

	locked := filepath.Join(ws.Root(), "src", "Locked")
	require.NoError(t, os.Chmod(locked, 0))
	t.Cleanup(func() { _ = os.Chmod(locked, 0755) })

	files, err := ws.Gather()
	require.NoError(t, err)
	assert.Equal(t, []string{"src/Main.elm", "src/Page/Home.elm"}, files)
}

func TestGatherUnreadableRoot(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.RemoveAll(ws.Root()))

	_, err := ws.Gather()
	assert.Error(t, err)
}

func TestWorkspaceFilter(t *testing.T) {
	f, err := NewFilter([]string{"src/**/*.elm"}, nil)
	require.NoError(t, err)
	ws, err := New(t.TempDir(), f)
	require.NoError(t, err)
	assert.Same(t, f, ws.Filter())
}

func TestReadFile(t *testing.T) {
	ws := newTestWorkspace(t)

	t.Run("relative path", func(t *testing.T) {
		data, err := ws.ReadFile("src/Main.elm")
		require.NoError(t, err)
		assert.Equal(t, "module Main exposing (main)", string(data))
	})

	t.Run("absolute path inside root", func(t *testing.T) {
		data, err := ws.ReadFile(filepath.Join(ws.Root(), "elm.json"))
		require.NoError(t, err)
		assert.Equal(t, "{}", string(data))
	})

	t.Run("traversal", func(t *testing.T) {
		_, err := ws.ReadFile("../../etc/passwd")
		assert.ErrorIs(t, err, ErrOutsideRoot)
	})

	t.Run("absolute path outside root", func(t *testing.T) {
		_, err := ws.ReadFile("/etc/passwd")
		assert.ErrorIs(t, err, ErrOutsideRoot)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ws.ReadFile("src/Nope.elm")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := ws.ReadFile("src")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("symlink escaping root", func(t *testing.T) {
		outside := filepath.Join(t.TempDir(), "secret.txt")
		require.NoError(t, os.WriteFile(outside, []byte("secret"), 0644))
		if err := os.Symlink(outside, filepath.Join(ws.Root(), "link.txt")); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
		_, err := ws.ReadFile("link.txt")
		assert.ErrorIs(t, err, ErrOutsideRoot)
	})
}

func TestNewRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	f, err := NewFilter(nil, nil)
	require.NoError(t, err)
	_, err = New(path, f)
	assert.Error(t, err)
}
