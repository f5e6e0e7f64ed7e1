// Package materialize clones the template into a per-package workspace and
// applies the request's substitutions to the clone.
package materialize

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
	"github.com/fleepzon/apkforge/internal/job"
	"github.com/fleepzon/apkforge/internal/logfields"
	"github.com/fleepzon/apkforge/internal/template"
)

const op = "materialize"

// Directories never copied out of the template: build outputs, caches and VCS state.
var skipDirs = map[string]struct{}{
	"build":   {},
	".gradle": {},
	".git":    {},
	".idea":   {},
}

type Materializer struct {
	template      *template.Store
	workspaceRoot string
}

func New(tpl *template.Store, workspaceRoot string) *Materializer {
	return &Materializer{template: tpl, workspaceRoot: workspaceRoot}
}

// WorkspacePath is the deterministic workspace location for a package id.
func (m *Materializer) WorkspacePath(packageID string) (string, error) {
	if err := job.ValidatePackageID(packageID); err != nil {
		return "", forgeerrors.InvalidRequest(err.Error())
	}
	root := filepath.Clean(m.workspaceRoot)
	p := filepath.Join(root, packageID)
	if filepath.Dir(p) != root {
		return "", forgeerrors.InvalidRequest(fmt.Sprintf("package id %q escapes workspace root", packageID))
	}
	return p, nil
}

// Root is the directory holding all workspaces.
func (m *Materializer) Root() string {
	return m.workspaceRoot
}

// Discard removes the workspace of a package id.
func (m *Materializer) Discard(packageID string) error {
	p, err := m.WorkspacePath(packageID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return forgeerrors.IO("discard workspace", err)
	}
	return nil
}

// Materialize produces a fresh workspace for req. Any stale workspace for the
// same package id is removed first. On error the workspace may be partially
// written and should be treated as failed.
func (m *Materializer) Materialize(ctx context.Context, req job.Request) (Workspace, error) {
	if err := m.template.Exists(); err != nil {
		return Workspace{}, err
	}
	wsRoot, err := m.WorkspacePath(req.PackageID)
	if err != nil {
		return Workspace{}, err
	}
	if err := os.RemoveAll(wsRoot); err != nil {
		return Workspace{}, forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "remove stale workspace")
	}
	if err := os.MkdirAll(m.workspaceRoot, 0o750); err != nil {
		return Workspace{}, forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "create workspace root")
	}

	ws := Workspace{Root: wsRoot, PackageID: req.PackageID, CreatedAt: time.Now().UTC()}
	start := time.Now()
	if err := copyTree(ctx, m.template.Root, wsRoot); err != nil {
		return ws, wrapIO(ctx, err, "copy template")
	}
	if err := os.MkdirAll(ws.LogsDir(), 0o750); err != nil {
		return ws, forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "create logs dir")
	}

	layout := m.template.Layout
	markers := m.template.Markers
	steps := []struct {
		name string
		fn   func() error
	}{
		{"package id", func() error { return substitutePackageID(wsRoot, layout, markers.PackageID, req.PackageID) }},
		{"target url", func() error { return substituteURL(wsRoot, layout, markers.PlaceholderURL, req.TargetURL) }},
		{"app name", func() error { return substituteAppName(wsRoot, layout, req.AppName) }},
		{"version", func() error { return substituteVersion(wsRoot, layout, req.VersionName, req.VersionCode) }},
		{"entry point", func() error { return relocateEntryPoint(wsRoot, layout, markers.PackageID, req.Segments()) }},
		{"icon", func() error { return copyIcon(wsRoot, layout, req.IconPath) }},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return ws, forgeerrors.Wrap(forgeerrors.KindCancelled, op, err)
		}
		if err := step.fn(); err != nil {
			return ws, fmt.Errorf("%s: %w", step.name, err)
		}
	}
	if err := writeRequest(ws, req); err != nil {
		return ws, err
	}

	slog.Info("Materialized workspace",
		logfields.PackageID(req.PackageID),
		logfields.Path(wsRoot),
		logfields.Duration(time.Since(start)))
	return ws, nil
}

func writeRequest(ws Workspace, req job.Request) error {
	raw, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return forgeerrors.Wrap(forgeerrors.KindInternal, op, err)
	}
	if err := os.WriteFile(filepath.Join(ws.LogsDir(), "request.json"), raw, 0o640); err != nil {
		return forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "write request.json")
	}
	return nil
}

// copyTree copies src into dst. Modes are kept; symlinks are recreated
// rather than followed.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip && rel != "." {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o750)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func wrapIO(ctx context.Context, err error, what string) error {
	if ctx.Err() != nil {
		return forgeerrors.Wrap(forgeerrors.KindCancelled, op, ctx.Err())
	}
	return forgeerrors.Wrapf(forgeerrors.KindIO, op, err, "%s", what)
}

func pruneEmptyDirs(from, stop string) {
	stop = filepath.Clean(stop)
	for dir := filepath.Clean(from); dir != stop && strings.HasPrefix(dir, stop+string(os.PathSeparator)); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
