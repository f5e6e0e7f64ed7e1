// Package archive reads template archives and writes log bundles.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

type Limits struct {
	MaxFiles      int
	MaxTotalBytes int64
	MaxFileBytes  int64
}

// DefaultLimits fit an Android template project with a Gradle wrapper jar.
func DefaultLimits() Limits {
	return Limits{MaxFiles: 10000, MaxTotalBytes: 512 << 20, MaxFileBytes: 128 << 20}
}

type ExtractOptions struct {
	Limits Limits
	// StripComponents drops that many leading path elements from every entry,
	// like tar --strip-components. Entries with fewer elements are skipped.
	StripComponents int
}

// ExtractZipSecure unpacks zipPath into dest. Entries that would escape dest,
// symlinks and archives over the limits are rejected. Executable bits are
// kept so gradlew stays runnable.
func ExtractZipSecure(zipPath, dest string, opts ExtractOptions) ([]string, error) {
	limits := opts.Limits
	if limits.MaxFiles <= 0 || limits.MaxTotalBytes <= 0 || limits.MaxFileBytes <= 0 {
		return nil, errors.New("invalid extraction limits")
	}
	if opts.StripComponents < 0 {
		return nil, errors.New("strip components must be >= 0")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction dest: %w", err)
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	cleanDest := filepath.Clean(dest)
	var total int64
	var count int
	created := make([]string, 0, len(zr.File))

	for _, f := range zr.File {
		entryName, err := sanitizeZipEntryName(f.Name)
		if err != nil {
			return nil, err
		}
		entryName, ok := stripComponents(entryName, opts.StripComponents)
		if !ok {
			continue
		}
		count++
		if count > limits.MaxFiles {
			return nil, fmt.Errorf("zip has too many entries: %d > %d", count, limits.MaxFiles)
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("symlink entry not allowed: %s", f.Name)
		}

		target := filepath.Clean(filepath.Join(cleanDest, filepath.FromSlash(entryName)))
		if !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return nil, fmt.Errorf("zip entry escapes destination: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %q: %w", target, err)
			}
			continue
		}
		if f.UncompressedSize64 > uint64(limits.MaxFileBytes) {
			return nil, fmt.Errorf("zip entry too large: %s", f.Name)
		}
		total += int64(f.UncompressedSize64)
		if total > limits.MaxTotalBytes {
			return nil, fmt.Errorf("zip total size exceeds limit")
		}
		if err := extractFile(f, target, limits.MaxFileBytes); err != nil {
			return nil, err
		}
		created = append(created, entryName)
	}
	return created, nil
}

func extractFile(f *zip.File, target string, maxBytes int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip file %q: %w", f.Name, err)
	}
	defer rc.Close()

	perm := os.FileMode(0o644)
	if f.Mode().Perm()&0o111 != 0 {
		perm = 0o755
	}
	wf, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create output file %q: %w", target, err)
	}
	n, copyErr := io.Copy(wf, io.LimitReader(rc, maxBytes+1))
	if closeErr := wf.Close(); copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return fmt.Errorf("extract %q: %w", f.Name, copyErr)
	}
	if n > maxBytes {
		return fmt.Errorf("zip entry exceeds max file bytes while extracting: %s", f.Name)
	}
	return nil
}

// WriteZipFromDir writes every regular file under srcDir into a zip stream,
// with slash-separated names relative to srcDir.
func WriteZipFromDir(srcDir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	cleanSrc := filepath.Clean(srcDir)
	walkErr := filepath.WalkDir(cleanSrc, func(pathNow string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(cleanSrc, pathNow)
		if err != nil {
			return err
		}
		zipName := filepath.ToSlash(rel)
		if zipName == "." || strings.HasPrefix(zipName, "../") {
			return fmt.Errorf("invalid relative path: %s", rel)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(fi)
		if err != nil {
			return err
		}
		header.Name = zipName
		header.Method = zip.Deflate

		wf, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		rf, err := os.Open(pathNow)
		if err != nil {
			return err
		}
		defer rf.Close()
		_, err = io.Copy(wf, rf)
		return err
	})
	if walkErr != nil {
		_ = zw.Close()
		return walkErr
	}
	return zw.Close()
}

func sanitizeZipEntryName(name string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if raw == "" {
		return "", errors.New("zip entry name cannot be empty")
	}
	if strings.HasPrefix(raw, "/") || hasWindowsDrive(raw) {
		return "", fmt.Errorf("absolute zip entry path not allowed: %s", name)
	}
	cleaned := path.Clean(raw)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path traversal zip entry not allowed: %s", name)
	}
	return cleaned, nil
}

func stripComponents(name string, n int) (string, bool) {
	if n == 0 {
		return name, true
	}
	parts := strings.Split(name, "/")
	if len(parts) <= n {
		return "", false
	}
	return strings.Join(parts[n:], "/"), true
}

func hasWindowsDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':'
}
