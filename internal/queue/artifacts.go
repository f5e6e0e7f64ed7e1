package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fleepzon/apkforge/internal/archive"
	"github.com/fleepzon/apkforge/internal/builder"
	"github.com/fleepzon/apkforge/internal/diagnostics"
	"github.com/fleepzon/apkforge/internal/job"
	"github.com/fleepzon/apkforge/internal/logfields"
	"github.com/fleepzon/apkforge/internal/materialize"
)

const (
	defaultConsoleTailLines = 200
	maxConsoleTailLines     = 5000
	toolLogLines            = 50
)

var gradleVersionRE = regexp.MustCompile(`(?:Welcome to Gradle|^Gradle) (\d+(?:\.\d+)*)`)

// ErrNotComplete is returned for log bundles of builds still in flight.
var ErrNotComplete = errors.New("build is not complete")

// ReadConsoleLog returns the build's console log. While a build runs the
// live workspace log is read; afterwards the copy kept with the record.
func (m *Manager) ReadConsoleLog(buildID string) ([]byte, error) {
	rec, ok := m.Get(buildID)
	if !ok {
		return nil, ErrNotFound
	}
	raw, err := os.ReadFile(m.store.ConsoleLogPath(buildID))
	if err == nil || rec.Terminal() || rec.WorkspaceDir == "" {
		return raw, err
	}
	ws := materialize.Workspace{Root: rec.WorkspaceDir}
	return os.ReadFile(ws.ConsoleLogPath())
}

func (m *Manager) ReadConsoleTail(buildID string, lines int) ([]byte, error) {
	raw, err := m.ReadConsoleLog(buildID)
	if err != nil {
		return nil, err
	}
	if lines <= 0 {
		lines = defaultConsoleTailLines
	}
	if lines > maxConsoleTailLines {
		lines = maxConsoleTailLines
	}
	return tailLastLines(raw, lines), nil
}

func (m *Manager) ReadDiagnostics(buildID string) ([]byte, error) {
	if _, ok := m.Get(buildID); !ok {
		return nil, ErrNotFound
	}
	return os.ReadFile(m.store.DiagnosticsPath(buildID))
}

// WriteLogBundle zips the files kept for a finished build.
func (m *Manager) WriteLogBundle(buildID string, w io.Writer) error {
	rec, ok := m.Get(buildID)
	if !ok {
		return ErrNotFound
	}
	if !rec.Terminal() {
		return ErrNotComplete
	}
	dir := m.store.BuildDir(buildID)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	return archive.WriteZipFromDir(dir, w)
}

func (m *Manager) keepConsoleLog(buildID string, ws materialize.Workspace) {
	if err := m.store.KeepFile(buildID, ws.ConsoleLogPath(), "console.log"); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to keep console log", logfields.BuildID(buildID), logfields.Error(err))
	}
}

// toolLog is the tail of what the tool printed: its stderr tail when the
// builder kept one, otherwise the end of the kept console log.
func (m *Manager) toolLog(buildID string, result builder.BuildResult) string {
	if strings.TrimSpace(result.StderrTail) != "" {
		return result.StderrTail
	}
	raw, err := os.ReadFile(m.store.ConsoleLogPath(buildID))
	if err != nil {
		return ""
	}
	return string(tailLastLines(raw, toolLogLines))
}

func (m *Manager) writeDiagnosticsReport(buildID string, ws materialize.Workspace) job.DiagnosticsReport {
	raw, err := os.ReadFile(ws.ConsoleLogPath())
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to read console log", logfields.BuildID(buildID), logfields.Error(err))
	}
	report := diagnostics.BuildReport(raw)
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		slog.Warn("Failed to encode diagnostics", logfields.BuildID(buildID), logfields.Error(err))
		return report
	}
	if err := os.MkdirAll(ws.LogsDir(), 0o755); err != nil {
		slog.Warn("Failed to create logs dir", logfields.BuildID(buildID), logfields.Path(ws.LogsDir()), logfields.Error(err))
		return report
	}
	if err := os.WriteFile(ws.DiagnosticsPath(), out, 0o644); err != nil {
		slog.Warn("Failed to write diagnostics", logfields.BuildID(buildID), logfields.Path(ws.DiagnosticsPath()), logfields.Error(err))
		return report
	}
	if err := m.store.KeepFile(buildID, ws.DiagnosticsPath(), "diagnostics.json"); err != nil {
		slog.Warn("Failed to keep diagnostics", logfields.BuildID(buildID), logfields.Error(err))
	}
	return report
}

func inferFailure(report job.DiagnosticsReport, fallbackMessage string, buildErr error) string {
	return diagnostics.InferFailure(report, fallbackMessage, buildErr)
}

type keptFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

type buildManifest struct {
	Schema int `json:"schema"`

	BuildID     string         `json:"build_id"`
	PackageID   string         `json:"package_id"`
	OutputKind  job.OutputKind `json:"output_kind"`
	GeneratedAt time.Time      `json:"generated_at"`
	State       job.State      `json:"state"`

	FailureKind    string `json:"failure_kind,omitempty"`
	FailureSummary string `json:"failure_summary,omitempty"`
	ResultMessage  string `json:"result_message,omitempty"`
	ExitCode       *int   `json:"exit_code,omitempty"`

	Builder struct {
		Name    string `json:"name"`
		Task    string `json:"task,omitempty"`
		Version string `json:"version,omitempty"`
	} `json:"builder"`

	Diagnostics struct {
		Errors   int `json:"errors"`
		Warnings int `json:"warnings"`
	} `json:"diagnostics"`

	Artifact *job.Result `json:"artifact,omitempty"`
	Files    []keptFile  `json:"files"`
}

// writeBuildManifest records what a terminal build produced next to its
// kept logs.
func (m *Manager) writeBuildManifest(rec *job.Record) {
	dir := m.store.BuildDir(rec.ID)
	meta := buildManifest{
		Schema:         1,
		BuildID:        rec.ID,
		PackageID:      rec.Request.PackageID,
		OutputKind:     rec.Request.OutputKind,
		GeneratedAt:    time.Now().UTC(),
		State:          rec.State,
		FailureKind:    rec.FailureKind,
		FailureSummary: rec.FailureSummary,
		ResultMessage:  rec.Message,
		ExitCode:       rec.ExitCode,
	}
	meta.Builder.Name, meta.Builder.Version = m.builderInfo(m.store.ConsoleLogPath(rec.ID))
	meta.Builder.Task, _ = builder.Task(rec.Request.OutputKind)

	if raw, err := os.ReadFile(m.store.DiagnosticsPath(rec.ID)); err == nil {
		var report job.DiagnosticsReport
		if json.Unmarshal(raw, &report) == nil {
			meta.Diagnostics.Errors = report.ErrorCount
			meta.Diagnostics.Warnings = report.WarningCount
		}
	}
	if rec.State == job.StatePublished && rec.Result != nil {
		res := *rec.Result
		res.ToolLog = ""
		meta.Artifact = &res
	}

	files, err := collectKeptFiles(dir)
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to list kept files", logfields.BuildID(rec.ID), logfields.Error(err))
	}
	meta.Files = files
	if err := m.store.WriteJSON(rec.ID, "build_manifest.json", meta); err != nil {
		slog.Warn("Failed to write build manifest", logfields.BuildID(rec.ID), logfields.Error(err))
	}
}

func (m *Manager) builderInfo(consoleLogPath string) (name, version string) {
	if _, ok := m.builder.(*builder.FakeBuilder); ok {
		return "fake", "fake"
	}
	raw, err := os.ReadFile(consoleLogPath)
	if err == nil {
		version = parseGradleVersion(raw)
	}
	if version == "" {
		version = "unknown"
	}
	return "gradle", version
}

func collectKeptFiles(dir string) ([]keptFile, error) {
	files := make([]keptFile, 0)
	err := filepath.WalkDir(dir, func(pathNow string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, pathNow)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "build_manifest.json" || rel == "state.json" || strings.HasSuffix(rel, ".tmp") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := sha256File(pathNow)
		if err != nil {
			return err
		}
		files = append(files, keptFile{Path: rel, Size: fi.Size(), SHA256: sum})
		return nil
	})
	if err != nil {
		return files, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func parseGradleVersion(raw []byte) string {
	for _, line := range strings.Split(string(raw), "\n") {
		if m := gradleVersionRE.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1]
		}
	}
	return ""
}

func tailLastLines(raw []byte, lines int) []byte {
	if lines <= 0 {
		return raw
	}
	parts := strings.Split(string(raw), "\n")
	if len(parts) == 0 {
		return raw
	}
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) <= lines {
		return []byte(strings.Join(parts, "\n") + "\n")
	}
	return []byte(strings.Join(parts[len(parts)-lines:], "\n") + "\n")
}
