package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fleepzon/apkforge/internal/config"
	"github.com/fleepzon/apkforge/internal/job"
)

const (
	stateFileName       = "state.json"
	consoleLogName      = "console.log"
	diagnosticsFileName = "diagnostics.json"
	manifestFileName    = "build_manifest.json"
)

// ErrNotFound is returned by Load for unknown build ids.
var ErrNotFound = errors.New("build record not found")

// Store persists build records and the per-build log copies that outlive
// a package's workspace.
type Store struct {
	cfg config.Config
	mu  sync.Mutex
}

func New(cfg config.Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) EnsureDirs() error {
	dirs := []string{s.cfg.BaseDir, s.cfg.BuildsDir(), s.cfg.WorkspaceRoot(), s.cfg.PublishRoot(), s.cfg.UploadsDir()}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure directory %q: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) CreateBuildLayout(buildID string) error {
	if err := os.MkdirAll(s.BuildDir(buildID), 0o755); err != nil {
		return fmt.Errorf("create path %q: %w", s.BuildDir(buildID), err)
	}
	return nil
}

// WriteUpload stores an uploaded icon under uploadID and returns its path.
func (s *Store) WriteUpload(uploadID string, r io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.UploadsDir(), 0o755); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}
	path := s.UploadPath(uploadID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}

func (s *Store) RemoveUpload(buildID string) error {
	err := os.Remove(s.UploadPath(buildID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) Save(record *job.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.BuildDir(record.ID), 0o755); err != nil {
		return fmt.Errorf("create build dir: %w", err)
	}
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal build state: %w", err)
	}
	path := s.StatePath(record.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit state file: %w", err)
	}
	return nil
}

func (s *Store) Load(buildID string) (*job.Record, error) {
	raw, err := os.ReadFile(s.StatePath(buildID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec job.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every persisted record, oldest first. Directories without
// a readable state file are skipped.
func (s *Store) LoadAll() ([]*job.Record, error) {
	entries, err := os.ReadDir(s.cfg.BuildsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list builds: %w", err)
	}

	records := make([]*job.Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.Load(entry.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load build %q: %w", entry.Name(), err)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Delete removes a build's record directory and uploaded icon.
func (s *Store) Delete(buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.BuildDir(buildID)); err != nil {
		return err
	}
	err := os.Remove(s.UploadPath(buildID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// KeepFile copies a workspace file (console log, diagnostics) into the
// build's record directory under name.
func (s *Store) KeepFile(buildID, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(s.BuildDir(buildID), 0o755); err != nil {
		return err
	}
	out, err := os.Create(filepath.Join(s.BuildDir(buildID), name))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (s *Store) WriteJSON(buildID, name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.BuildDir(buildID), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.BuildDir(buildID), name), raw, 0o644)
}

func (s *Store) BuildDir(buildID string) string {
	return filepath.Join(s.cfg.BuildsDir(), buildID)
}

func (s *Store) StatePath(buildID string) string {
	return filepath.Join(s.BuildDir(buildID), stateFileName)
}

func (s *Store) ConsoleLogPath(buildID string) string {
	return filepath.Join(s.BuildDir(buildID), consoleLogName)
}

func (s *Store) DiagnosticsPath(buildID string) string {
	return filepath.Join(s.BuildDir(buildID), diagnosticsFileName)
}

func (s *Store) ManifestPath(buildID string) string {
	return filepath.Join(s.BuildDir(buildID), manifestFileName)
}

func (s *Store) UploadPath(uploadID string) string {
	return filepath.Join(s.cfg.UploadsDir(), uploadID+".png")
}
