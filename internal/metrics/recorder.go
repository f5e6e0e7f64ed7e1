// Package metrics exposes build pipeline observability hooks. The Recorder
// interface keeps the pipeline independent of the metrics backend.
package metrics

import "time"

// Outcome labels for finished builds.
const (
	OutcomePublished = "published"
	OutcomeFailed    = "failed"
)

type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	// IncBuildOutcome counts a terminal build. kind is the failure kind, or
	// empty for published builds.
	IncBuildOutcome(outcome, kind string)
	SetInFlight(n int)
	IncBusyRejected()
	SetTemplateHealthy(healthy bool)
	AddWorkspacesReaped(n int)
}

// NoopRecorder is the default when metrics are not configured.
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)         {}
func (NoopRecorder) IncBuildOutcome(string, string)             {}
func (NoopRecorder) SetInFlight(int)                            {}
func (NoopRecorder) IncBusyRejected()                           {}
func (NoopRecorder) SetTemplateHealthy(bool)                    {}
func (NoopRecorder) AddWorkspacesReaped(int)                    {}
