package job

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Result is the immutable outcome of a build.
type Result struct {
	Outcome Outcome `json:"outcome"`

	// ArtifactPath is relative to the publish root; empty on failure.
	ArtifactPath string `json:"artifact_path,omitempty"`
	DownloadURL  string `json:"download_url,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
	Size         int64  `json:"size,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	ToolLog   string `json:"tool_log,omitempty"`

	ExitCode *int          `json:"exit_code,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r Result) Success() bool {
	return r.Outcome == OutcomeSuccess
}
