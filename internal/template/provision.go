package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/fleepzon/apkforge/internal/archive"
	"github.com/fleepzon/apkforge/internal/logfields"
)

// ImportArchive replaces the template root with the contents of a zip file.
// The archive is unpacked next to the root and swapped in with renames, so a
// reader never sees a half-extracted tree. The result must pass Check.
func (s *Store) ImportArchive(zipPath string, opts archive.ExtractOptions) (Report, error) {
	parent := filepath.Dir(s.Root)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Report{}, fmt.Errorf("create template parent: %w", err)
	}
	staging, err := os.MkdirTemp(parent, ".template-import-")
	if err != nil {
		return Report{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	files, err := archive.ExtractZipSecure(zipPath, staging, opts)
	if err != nil {
		return Report{}, fmt.Errorf("extract template archive: %w", err)
	}
	candidate := &Store{Root: staging, Layout: s.Layout, Markers: s.Markers}
	report, err := candidate.Check()
	if err != nil {
		return report, err
	}
	if !report.Healthy {
		report.Root = s.Root
		return report, fmt.Errorf("imported template is incomplete: %s", report)
	}

	if err := s.swapIn(staging); err != nil {
		return Report{}, err
	}
	slog.Info("Imported template archive", logfields.Path(s.Root), slog.Int("files", len(files)))
	return s.Check()
}

func (s *Store) swapIn(staging string) error {
	old := s.Root + ".old"
	_ = os.RemoveAll(old)
	if _, err := os.Stat(s.Root); err == nil {
		if err := os.Rename(s.Root, old); err != nil {
			return fmt.Errorf("move old template aside: %w", err)
		}
	}
	if err := os.Rename(staging, s.Root); err != nil {
		_ = os.Rename(old, s.Root)
		return fmt.Errorf("install template: %w", err)
	}
	return os.RemoveAll(old)
}

// SyncGit clones url into the template root, or pulls when the root is
// already a clone. ref is a branch name; empty means the remote HEAD.
func (s *Store) SyncGit(ctx context.Context, url, ref string) (Report, error) {
	repo, err := git.PlainOpen(s.Root)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		if err := s.cloneGit(ctx, url, ref); err != nil {
			return Report{}, err
		}
	case err != nil:
		return Report{}, fmt.Errorf("open template repository: %w", err)
	default:
		if err := pullGit(ctx, repo, ref); err != nil {
			return Report{}, err
		}
	}
	return s.Check()
}

func (s *Store) cloneGit(ctx context.Context, url, ref string) error {
	if entries, err := os.ReadDir(s.Root); err == nil && len(entries) > 0 {
		return fmt.Errorf("template root %s is not empty and not a git clone", s.Root)
	}
	opts := &git.CloneOptions{URL: url, Depth: 1}
	if ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		opts.SingleBranch = true
	}
	slog.Info("Cloning template repository", slog.String("url", url), slog.String("ref", ref), logfields.Path(s.Root))
	if _, err := git.PlainCloneContext(ctx, s.Root, false, opts); err != nil {
		return fmt.Errorf("clone template %s: %w", url, err)
	}
	return nil
}

func pullGit(ctx context.Context, repo *git.Repository, ref string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("template worktree: %w", err)
	}
	opts := &git.PullOptions{RemoteName: "origin"}
	if ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		opts.SingleBranch = true
	}
	err = wt.PullContext(ctx, opts)
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		slog.Info("Template repository already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("pull template: %w", err)
	}
	return nil
}
