// Package checkout fetches the revision under test and reports which files it
// changes.
package checkout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"b3cifuzz/internal/buildenv"
	"b3cifuzz/internal/types"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"go.uber.org/zap"
)

var ErrNoRevision = errors.New("neither commit nor pull request ref given")

type Request struct {
	RepoURL   string
	Dir       string // clone destination, reused when it already holds a repository
	CommitSHA string
	PRRef     string // e.g. refs/pull/1757/merge
}

// Git checks out revisions with the git binary found on PATH.
type Git struct {
	bin    string
	logger *zap.Logger
}

func NewGit(logger *zap.Logger) *Git {
	return &Git{"git", logger.Named("checkout")}
}

// Checkout puts req.Dir at the requested revision and returns the files the
// revision changes relative to its first parent. An unresolvable pull request
// ref leaves the default branch checked out and yields an unknown change set.
func (g *Git) Checkout(ctx context.Context, req Request) (types.ChangeSet, error) {
	if req.CommitSHA == "" && req.PRRef == "" {
		return types.UnknownChangeSet(), ErrNoRevision
	}
	logger := g.logger.With(zap.String("repo", req.RepoURL), zap.String("dir", req.Dir))

	if _, err := os.Stat(filepath.Join(req.Dir, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(req.Dir), 0o755); err != nil {
			return types.UnknownChangeSet(), fmt.Errorf("failed to create checkout parent: %w", err)
		}
		if _, err := g.git(ctx, "", "clone", req.RepoURL, req.Dir); err != nil {
			return types.UnknownChangeSet(), fmt.Errorf("failed to clone %s: %w", req.RepoURL, err)
		}
	}

	if req.CommitSHA != "" {
		if _, err := g.git(ctx, req.Dir, "fetch", "origin", req.CommitSHA); err != nil {
			logger.Debug("commit not fetchable by sha, trying local history", zap.Error(err))
		}
		if _, err := g.git(ctx, req.Dir, "checkout", "--force", req.CommitSHA); err != nil {
			return types.UnknownChangeSet(), fmt.Errorf("failed to check out %s: %w", req.CommitSHA, err)
		}
	} else {
		if _, err := g.git(ctx, req.Dir, "fetch", "origin", req.PRRef); err != nil {
			logger.Warn("pull request ref not found, building default branch", zap.String("ref", req.PRRef), zap.Error(err))
			return types.UnknownChangeSet(), nil
		}
		if _, err := g.git(ctx, req.Dir, "checkout", "--force", "FETCH_HEAD"); err != nil {
			return types.UnknownChangeSet(), fmt.Errorf("failed to check out %s: %w", req.PRRef, err)
		}
	}

	diff, err := g.git(ctx, req.Dir, "diff", "--no-color", "--no-ext-diff", "HEAD^1", "HEAD")
	if err != nil {
		logger.Warn("failed to diff against parent, change set unknown", zap.Error(err))
		return types.UnknownChangeSet(), nil
	}
	changes, err := ChangeSetFromDiff(bytes.NewReader(diff))
	if err != nil {
		logger.Warn("failed to parse diff, change set unknown", zap.Error(err))
		return types.UnknownChangeSet(), nil
	}
	logger.Info("revision checked out", zap.Int("changed_files", len(changes.Files())))
	return changes, nil
}

// ChangeSetFromDiff collects the old and new names of every file in a git
// diff. Deleted and renamed-away paths count as changed.
func ChangeSetFromDiff(r io.Reader) (types.ChangeSet, error) {
	files, _, err := gitdiff.Parse(r)
	if err != nil {
		return types.UnknownChangeSet(), fmt.Errorf("failed to parse diff: %w", err)
	}
	var paths []string
	for _, f := range files {
		if f.OldName != "" {
			paths = append(paths, f.OldName)
		}
		if f.NewName != "" {
			paths = append(paths, f.NewName)
		}
	}
	return types.NewChangeSet(paths), nil
}

func (g *Git) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, g.bin, args...)
	cmd.Dir = dir
	cmd.Env = append(buildenv.FilterOtelEnv(os.Environ()), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	g.logger.Debug("running git", zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
