package job

import "time"

// Event is one entry in a build's ordered event stream.
type Event struct {
	Seq int64 `json:"seq"`

	BuildID   string `json:"build_id"`
	PackageID string `json:"package_id"`
	Type      string `json:"type"`
	State     State  `json:"state"`

	Step    string `json:"step,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	FailureKind    string `json:"failure_kind,omitempty"`
	FailureSummary string `json:"failure_summary,omitempty"`

	ArtifactPath string `json:"artifact_path,omitempty"`
	DownloadURL  string `json:"download_url,omitempty"`

	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	At          time.Time  `json:"at"`
}

func (e Event) Terminal() bool {
	return e.State.Terminal()
}
