package builder

import (
	"context"
	"time"

	"github.com/fleepzon/apkforge/internal/job"
)

type ProgressUpdate struct {
	Step        string
	Message     string
	HeartbeatAt time.Time
}

type ProgressFunc func(update ProgressUpdate)

// BuildJob describes one toolchain run against a materialized workspace.
type BuildJob struct {
	ID         string
	PackageID  string
	WorkDir    string
	LogsDir    string
	OutputKind job.OutputKind
	Progress   ProgressFunc
}

type BuildResult struct {
	ExitCode int
	Message  string
	// StderrTail holds the last lines the tool wrote to stderr.
	StderrTail string
	Duration   time.Duration
}

// Builder runs the external toolchain. Failures are *errors.BuildError
// values of kind ToolNotFound, ToolFailure, Timeout, Cancelled or IOError.
type Builder interface {
	Build(ctx context.Context, job BuildJob) (BuildResult, error)
}
