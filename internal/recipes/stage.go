// Package recipes prepares package recipes on the host before they are copied
// into a guest: staging local trees or git checkouts into run-scoped working
// directories, and discovering recipes and prebuilt artifacts on disk.
package recipes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/otiai10/copy"
)

// validName matches the characters Arch allows in package names.
var validName = regexp.MustCompile(`^[A-Za-z0-9@_+][A-Za-z0-9@._+-]*$`)

type cloneFunc func(ctx context.Context, url, dst string) error

// Stager copies recipe sources into <WorkDir>/<runID>/<item>.
type Stager struct {
	WorkDir string
	Logger  *slog.Logger

	clone cloneFunc
}

func (s *Stager) logger() *slog.Logger {
	if s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// IsGitSource reports whether source should be cloned rather than copied.
func IsGitSource(source string) bool {
	source = strings.TrimSpace(source)
	for _, prefix := range []string{"https://", "http://", "git://", "ssh://", "git@"} {
		if strings.HasPrefix(source, prefix) {
			return true
		}
	}
	return strings.HasSuffix(source, ".git")
}

// ItemBaseName derives the working directory name for a recipe source.
func ItemBaseName(source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", errors.New("recipe source is empty")
	}

	var base string
	if IsGitSource(source) {
		trimmed := strings.TrimRight(source, "/")
		if idx := strings.LastIndexAny(trimmed, ":/"); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		base = strings.TrimSuffix(path.Base(trimmed), ".git")
	} else {
		base = filepath.Base(filepath.Clean(source))
	}

	if base == "." || base == ".." || !validName.MatchString(base) {
		return "", fmt.Errorf("cannot derive a recipe name from %q", source)
	}
	return base, nil
}

// RunDir returns the host working directory for runID.
func (s *Stager) RunDir(runID string) (string, error) {
	if s.WorkDir == "" {
		return "", errors.New("stager work directory is not configured")
	}
	if runID == "" || runID != filepath.Base(runID) || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.WorkDir, runID), nil
}

// Stage materialises source under the run directory and returns the staged
// path. Anything previously staged there for the same run is replaced.
func (s *Stager) Stage(ctx context.Context, runID, source string) (string, error) {
	runDir, err := s.RunDir(runID)
	if err != nil {
		return "", err
	}
	base, err := ItemBaseName(source)
	if err != nil {
		return "", err
	}
	target := filepath.Join(runDir, base)
	if rel, err := filepath.Rel(runDir, target); err != nil || strings.HasPrefix(rel, "..") || rel == "." {
		return "", fmt.Errorf("recipe %q escapes run directory", source)
	}

	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("clear staging directory %s: %w", target, err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run directory %s: %w", runDir, err)
	}

	logger := s.logger().With("source", source, "staged", target)
	if IsGitSource(source) {
		logger.Info("cloning recipe")
		if err := s.cloner()(ctx, source, target); err != nil {
			_ = os.RemoveAll(target)
			return "", fmt.Errorf("clone %s: %w", source, err)
		}
		if err := os.RemoveAll(filepath.Join(target, ".git")); err != nil {
			return "", fmt.Errorf("strip git metadata: %w", err)
		}
		return target, nil
	}

	info, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("stat recipe %s: %w", source, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("recipe %s is not a directory", source)
	}
	if _, err := os.Stat(filepath.Join(source, "PKGBUILD")); err != nil {
		return "", fmt.Errorf("recipe %s has no PKGBUILD: %w", source, err)
	}

	logger.Info("copying recipe")
	err = copy.Copy(source, target, copy.Options{
		OnSymlink: func(string) copy.SymlinkAction { return copy.Deep },
	})
	if err != nil {
		_ = os.RemoveAll(target)
		return "", fmt.Errorf("copy recipe %s: %w", source, err)
	}
	return target, nil
}

// Cleanup removes every staged recipe of runID.
func (s *Stager) Cleanup(runID string) error {
	runDir, err := s.RunDir(runID)
	if err != nil {
		return err
	}
	return os.RemoveAll(runDir)
}

func (s *Stager) cloner() cloneFunc {
	if s.clone != nil {
		return s.clone
	}
	return gitClone
}

func gitClone(ctx context.Context, url, dst string) error {
	_, err := git.PlainCloneContext(ctx, dst, false, &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
	})
	return err
}
