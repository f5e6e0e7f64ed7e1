package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field names shared by every package.
const (
	KeyBuildID    = "build_id"
	KeyPackageID  = "package_id"
	KeyStage      = "stage"
	KeyState      = "state"
	KeyKind       = "kind"
	KeyOutputKind = "output_kind"
	KeyPath       = "path"
	KeyDurationMS = "duration_ms"
	KeyExitCode   = "exit_code"
	KeyError      = "error"
)

func BuildID(id string) slog.Attr       { return slog.String(KeyBuildID, id) }
func PackageID(id string) slog.Attr     { return slog.String(KeyPackageID, id) }
func Stage(name string) slog.Attr       { return slog.String(KeyStage, name) }
func State(s string) slog.Attr          { return slog.String(KeyState, s) }
func Kind(k string) slog.Attr           { return slog.String(KeyKind, k) }
func OutputKind(k string) slog.Attr     { return slog.String(KeyOutputKind, k) }
func Path(p string) slog.Attr           { return slog.String(KeyPath, p) }
func ExitCode(code int) slog.Attr       { return slog.Int(KeyExitCode, code) }
func Duration(d time.Duration) slog.Attr { return slog.Int64(KeyDurationMS, d.Milliseconds()) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
