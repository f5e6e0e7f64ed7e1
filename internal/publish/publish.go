package publish

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
	"github.com/fleepzon/apkforge/internal/job"
	"github.com/fleepzon/apkforge/internal/logfields"
)

var buildOutputs = map[job.OutputKind]string{
	job.OutputBinary: "app/build/outputs/apk/release/app-release.apk",
	job.OutputBundle: "app/build/outputs/bundle/release/app-release.aab",
}

// OutputPath is where the release task leaves its artifact, relative to the
// workspace root.
func OutputPath(kind job.OutputKind) string {
	return filepath.FromSlash(buildOutputs[kind])
}

// Locate returns the absolute path of the built artifact or an
// ArtifactNotFound error when the toolchain did not produce one or left
// it empty.
func Locate(workspaceRoot string, kind job.OutputKind) (string, error) {
	rel, ok := buildOutputs[kind]
	if !ok {
		return "", forgeerrors.InvalidRequest(fmt.Sprintf("unknown output kind %q", kind))
	}
	path := filepath.Join(workspaceRoot, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", forgeerrors.New(forgeerrors.KindArtifactNotFound, "locate", "expected artifact "+rel+" was not produced")
		}
		return "", forgeerrors.IO("locate", err)
	}
	if !info.Mode().IsRegular() {
		return "", forgeerrors.New(forgeerrors.KindArtifactNotFound, "locate", rel+" is not a regular file")
	}
	if info.Size() == 0 {
		return "", forgeerrors.New(forgeerrors.KindArtifactNotFound, "locate", rel+" is empty")
	}
	return path, nil
}

type Artifact struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Publisher copies artifacts into a flat directory named by package id.
type Publisher struct {
	root string
}

func New(root string) *Publisher {
	return &Publisher{root: root}
}

func (p *Publisher) Root() string {
	return p.root
}

func (p *Publisher) Path(packageID string, kind job.OutputKind) string {
	return filepath.Join(p.root, job.ArtifactName(packageID, kind))
}

// Publish copies src to <root>/<packageID>.<ext>. The copy goes to a
// temporary file in the same directory first and is renamed into place, so
// readers never observe a partially written artifact. An existing artifact
// for the package is replaced.
func (p *Publisher) Publish(src, packageID string, kind job.OutputKind) (Artifact, error) {
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return Artifact{}, forgeerrors.IO("publish", err)
	}
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, forgeerrors.New(forgeerrors.KindArtifactNotFound, "publish", "artifact vanished before publish")
		}
		return Artifact{}, forgeerrors.IO("publish", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(p.root, "."+packageID+".*.tmp")
	if err != nil {
		return Artifact{}, forgeerrors.IO("publish", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), in)
	if err != nil {
		_ = tmp.Close()
		return Artifact{}, forgeerrors.IO("publish", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Artifact{}, forgeerrors.IO("publish", err)
	}
	if err := tmp.Close(); err != nil {
		return Artifact{}, forgeerrors.IO("publish", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return Artifact{}, forgeerrors.IO("publish", err)
	}

	dst := p.Path(packageID, kind)
	if err := os.Rename(tmpName, dst); err != nil {
		return Artifact{}, forgeerrors.IO("publish", err)
	}
	committed = true

	art := Artifact{
		Name:   filepath.Base(dst),
		Path:   dst,
		Size:   size,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}
	slog.Info("Published artifact",
		logfields.PackageID(packageID),
		logfields.OutputKind(string(kind)),
		logfields.Path(dst),
		slog.Int64("size", size))
	return art, nil
}

// Remove deletes the published artifact for a package, if any.
func (p *Publisher) Remove(packageID string, kind job.OutputKind) error {
	err := os.Remove(p.Path(packageID, kind))
	if err != nil && !os.IsNotExist(err) {
		return forgeerrors.IO("unpublish", err)
	}
	return nil
}
