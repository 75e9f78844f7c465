// Package venv locates the Python virtual environment that owns a file by
// walking parent directories up to the git top-level.
package venv

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	venvDirName  = ".venv"
	pyvenvCfg    = "pyvenv.cfg"
	gitCmdBudget = 5 * time.Second
)

// GitTopLevel runs `git rev-parse --show-toplevel` in dir. It returns "" when
// dir is not inside a git repository or git is not installed; neither is an
// error for the proxy.
func GitTopLevel(ctx context.Context, dir string, log *zap.Logger) string {
	ctx, cancel := context.WithTimeout(ctx, gitCmdBudget)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		log.Warn("git rev-parse failed, continuing without git boundary", zap.Error(err))
		return ""
	}

	top := strings.TrimSpace(string(out))
	log.Info("git toplevel found", zap.String("toplevel", top))
	return top
}

// Resolver resolves .venv directories for file paths. The git top-level is
// computed once at startup and bounds every upward walk.
type Resolver struct {
	gitTopLevel string
	log         *zap.Logger
}

func NewResolver(gitTopLevel string, log *zap.Logger) *Resolver {
	return &Resolver{gitTopLevel: gitTopLevel, log: log}
}

// GitTopLevel returns the cached boundary, or "" if none.
func (r *Resolver) GitTopLevel() string { return r.gitTopLevel }

// Resolve walks the parents of filePath looking for a directory containing
// .venv/pyvenv.cfg. The walk stops at the git top-level (inclusive) or at the
// filesystem root. Returns the .venv path, or "" when none is found.
func (r *Resolver) Resolve(filePath string) string {
	dir := filepath.Dir(filePath)
	depth := 0

	for {
		if r.gitTopLevel != "" && !within(dir, r.gitTopLevel) {
			r.log.Debug("reached git toplevel boundary",
				zap.String("dir", dir), zap.String("toplevel", r.gitTopLevel))
			break
		}

		if venv := checkVenv(dir); venv != "" {
			r.log.Info(".venv found", zap.String("venv", venv), zap.Int("depth", depth))
			return venv
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
		depth++
	}

	r.log.Warn("no .venv found", zap.String("file", filePath), zap.Int("depth", depth))
	return ""
}

// Fallback resolves the startup fallback venv: <git-toplevel>/.venv first,
// then <cwd>/.venv. Returns "" when neither exists.
func (r *Resolver) Fallback(cwd string) string {
	if r.gitTopLevel != "" {
		if venv := checkVenv(r.gitTopLevel); venv != "" {
			r.log.Info("fallback .venv found at git toplevel", zap.String("venv", venv))
			return venv
		}
	}
	if venv := checkVenv(cwd); venv != "" {
		r.log.Info("fallback .venv found at cwd", zap.String("venv", venv))
		return venv
	}
	r.log.Warn("no fallback .venv found", zap.String("cwd", cwd))
	return ""
}

// checkVenv returns dir/.venv when dir/.venv/pyvenv.cfg is a regular file.
func checkVenv(dir string) string {
	venvPath := filepath.Join(dir, venvDirName)
	info, err := os.Stat(filepath.Join(venvPath, pyvenvCfg))
	if err != nil || !info.Mode().IsRegular() {
		return ""
	}
	return venvPath
}

// within reports whether dir equals root or is nested under it.
func within(dir, root string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
