package venv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func mkVenv(t *testing.T, dir string) string {
	t.Helper()
	venv := filepath.Join(dir, ".venv")
	require.NoError(t, os.MkdirAll(venv, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(venv, "pyvenv.cfg"), []byte("home = /usr/bin\n"), 0o644))
	return venv
}

func TestResolveNearestVenvWins(t *testing.T) {
	repo := t.TempDir()
	sub := filepath.Join(repo, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	wantVenv := mkVenv(t, filepath.Join(repo, "a"))

	r := NewResolver(repo, zap.NewNop())
	got := r.Resolve(filepath.Join(sub, "c.py"))
	assert.Equal(t, wantVenv, got)
}

func TestResolveAtGitTopLevel(t *testing.T) {
	repo := t.TempDir()
	sub := filepath.Join(repo, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	wantVenv := mkVenv(t, repo)

	r := NewResolver(repo, zap.NewNop())
	got := r.Resolve(filepath.Join(sub, "c.py"))
	assert.Equal(t, wantVenv, got)
}

func TestResolveStopsAtGitTopLevel(t *testing.T) {
	outer := t.TempDir()
	repo := filepath.Join(outer, "repo")
	sub := filepath.Join(repo, "a")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	// A venv above the git boundary must not be found.
	mkVenv(t, outer)

	r := NewResolver(repo, zap.NewNop())
	assert.Equal(t, "", r.Resolve(filepath.Join(sub, "c.py")))
}

func TestResolveNoVenv(t *testing.T) {
	repo := t.TempDir()
	r := NewResolver(repo, zap.NewNop())
	assert.Equal(t, "", r.Resolve(filepath.Join(repo, "main.py")))
}

func TestResolveIgnoresVenvWithoutPyvenvCfg(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".venv"), 0o755))

	r := NewResolver(repo, zap.NewNop())
	assert.Equal(t, "", r.Resolve(filepath.Join(repo, "main.py")))
}

func TestResolveUnboundedWithoutGitRoot(t *testing.T) {
	repo := t.TempDir()
	sub := filepath.Join(repo, "x", "y")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	wantVenv := mkVenv(t, repo)

	r := NewResolver("", zap.NewNop())
	assert.Equal(t, wantVenv, r.Resolve(filepath.Join(sub, "f.py")))
}

func TestFallback(t *testing.T) {
	t.Run("toplevel preferred", func(t *testing.T) {
		repo := t.TempDir()
		cwd := filepath.Join(repo, "pkg")
		require.NoError(t, os.MkdirAll(cwd, 0o755))
		topVenv := mkVenv(t, repo)
		mkVenv(t, cwd)

		r := NewResolver(repo, zap.NewNop())
		assert.Equal(t, topVenv, r.Fallback(cwd))
	})

	t.Run("cwd when toplevel has none", func(t *testing.T) {
		repo := t.TempDir()
		cwd := filepath.Join(repo, "pkg")
		require.NoError(t, os.MkdirAll(cwd, 0o755))
		cwdVenv := mkVenv(t, cwd)

		r := NewResolver(repo, zap.NewNop())
		assert.Equal(t, cwdVenv, r.Fallback(cwd))
	})

	t.Run("none", func(t *testing.T) {
		dir := t.TempDir()
		r := NewResolver("", zap.NewNop())
		assert.Equal(t, "", r.Fallback(dir))
	})
}
