package publish

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
	"github.com/fleepzon/apkforge/internal/job"
)

func writeOutput(t *testing.T, ws string, kind job.OutputKind, content string) string {
	t.Helper()
	path := filepath.Join(ws, OutputPath(kind))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLocate_FindsKindSpecificOutput(t *testing.T) {
	ws := t.TempDir()
	apk := writeOutput(t, ws, job.OutputBinary, "apk")

	got, err := Locate(ws, job.OutputBinary)
	require.NoError(t, err)
	assert.Equal(t, apk, got)

	_, err = Locate(ws, job.OutputBundle)
	require.Error(t, err)
	assert.Equal(t, forgeerrors.KindArtifactNotFound, forgeerrors.KindOf(err))
}

func TestLocate_DirectoryIsNotAnArtifact(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, OutputPath(job.OutputBinary)), 0o755))

	_, err := Locate(ws, job.OutputBinary)
	assert.True(t, forgeerrors.IsKind(err, forgeerrors.KindArtifactNotFound))
}

func TestLocate_EmptyOutputIsArtifactNotFound(t *testing.T) {
	ws := t.TempDir()
	writeOutput(t, ws, job.OutputBinary, "")

	_, err := Locate(ws, job.OutputBinary)
	require.Error(t, err)
	assert.Equal(t, forgeerrors.KindArtifactNotFound, forgeerrors.KindOf(err))
}

func TestPublish_CopiesUnderPackageName(t *testing.T) {
	ws := t.TempDir()
	root := filepath.Join(t.TempDir(), "builds")
	src := writeOutput(t, ws, job.OutputBinary, "release-bytes")

	p := New(root)
	art, err := p.Publish(src, "com.acme.shop", job.OutputBinary)
	require.NoError(t, err)

	assert.Equal(t, "com.acme.shop.apk", art.Name)
	assert.Equal(t, filepath.Join(root, "com.acme.shop.apk"), art.Path)
	assert.EqualValues(t, len("release-bytes"), art.Size)
	sum := sha256.Sum256([]byte("release-bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), art.SHA256)

	raw, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, "release-bytes", string(raw))

	_, err = os.Stat(src)
	require.NoError(t, err, "source artifact must stay in the workspace")
}

func TestPublish_OverwritesAndLeavesNoTempFiles(t *testing.T) {
	ws := t.TempDir()
	root := t.TempDir()
	p := New(root)

	src := writeOutput(t, ws, job.OutputBundle, "first")
	_, err := p.Publish(src, "com.acme.shop", job.OutputBundle)
	require.NoError(t, err)

	src = writeOutput(t, ws, job.OutputBundle, "second build")
	art, err := p.Publish(src, "com.acme.shop", job.OutputBundle)
	require.NoError(t, err)
	assert.Equal(t, "com.acme.shop.aab", art.Name)

	raw, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, "second build", string(raw))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "com.acme.shop.aab", entries[0].Name())
}

func TestPublish_MissingSourceIsArtifactNotFound(t *testing.T) {
	p := New(t.TempDir())
	_, err := p.Publish(filepath.Join(t.TempDir(), "nope.apk"), "com.acme.shop", job.OutputBinary)
	assert.True(t, forgeerrors.IsKind(err, forgeerrors.KindArtifactNotFound))
}

func TestRemove_IgnoresMissing(t *testing.T) {
	p := New(t.TempDir())
	require.NoError(t, p.Remove("com.acme.shop", job.OutputBinary))
}
