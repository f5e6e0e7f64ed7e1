package materialize

import (
	"path/filepath"
	"time"
)

// LogsDirName holds per-build logs inside a workspace.
const LogsDirName = ".apkforge"

// Workspace is an isolated, per-package copy of the template.
type Workspace struct {
	Root      string    `json:"root"`
	PackageID string    `json:"package_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (w Workspace) LogsDir() string {
	return filepath.Join(w.Root, LogsDirName)
}

func (w Workspace) ConsoleLogPath() string {
	return filepath.Join(w.LogsDir(), "console.log")
}

func (w Workspace) DiagnosticsPath() string {
	return filepath.Join(w.LogsDir(), "diagnostics.json")
}
