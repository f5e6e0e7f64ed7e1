package job

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateQueued        State = "QUEUED"
	StateMaterializing State = "MATERIALIZING"
	StateInvoking      State = "INVOKING"
	StateLocating      State = "LOCATING"
	StatePublished     State = "PUBLISHED"
	StateFailed        State = "FAILED"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StatePublished || s == StateFailed
}

// Record is the persisted lifecycle of one build.
type Record struct {
	ID string `json:"id"`

	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	FailureKind    string `json:"failure_kind,omitempty"`
	FailureSummary string `json:"failure_summary,omitempty"`

	CurrentStep string     `json:"current_step,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	ExitCode *int `json:"exit_code,omitempty"`

	WorkspaceDir string  `json:"workspace_dir,omitempty"`
	Request      Request `json:"request"`
	Result       *Result `json:"result,omitempty"`
}

func New(id string, req Request, now time.Time) *Record {
	return &Record{
		ID:        id,
		State:     StateQueued,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
		Request:   req,
	}
}

func (r *Record) Transition(next State, now time.Time, message string) error {
	if !isValidTransition(r.State, next) {
		return fmt.Errorf("invalid transition %s -> %s", r.State, next)
	}
	n := now.UTC()
	r.State = next
	r.UpdatedAt = n
	r.Message = message
	r.HeartbeatAt = &n
	if next == StateMaterializing {
		r.StartedAt = &n
		r.FinishedAt = nil
		r.ExitCode = nil
		r.Error = ""
	}
	if next.Terminal() {
		r.FinishedAt = &n
	}
	return nil
}

// MarkFailed moves the record to FAILED from any non-terminal state.
func (r *Record) MarkFailed(now time.Time, kind, summary string, err error, res *Result) error {
	if err == nil {
		err = errors.New("build failed")
	}
	if r.Terminal() {
		return fmt.Errorf("invalid state for failure: %s", r.State)
	}
	message := summary
	if message == "" {
		message = "build failed"
	}
	if trErr := r.Transition(StateFailed, now, message); trErr != nil {
		return trErr
	}
	r.Error = err.Error()
	r.FailureKind = kind
	r.FailureSummary = summary
	r.Result = res
	if res != nil && res.ExitCode != nil {
		ec := *res.ExitCode
		r.ExitCode = &ec
	}
	return nil
}

func (r *Record) MarkPublished(now time.Time, message string, res *Result) error {
	if r.State != StateLocating {
		return fmt.Errorf("invalid state for publish: %s", r.State)
	}
	if err := r.Transition(StatePublished, now, message); err != nil {
		return err
	}
	r.Error = ""
	r.Result = res
	if res != nil && res.ExitCode != nil {
		ec := *res.ExitCode
		r.ExitCode = &ec
	}
	return nil
}

func (r *Record) Terminal() bool {
	return r.State.Terminal()
}

// Clone returns a deep enough copy for handing out of a locked section.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	return &cp
}

// Pipeline order is fixed: a build can only move forward one stage at a
// time, or fail from anywhere that is not already terminal.
func isValidTransition(from, to State) bool {
	if from == to {
		return !from.Terminal()
	}
	if to == StateFailed {
		return !from.Terminal()
	}
	switch from {
	case StateQueued:
		return to == StateMaterializing
	case StateMaterializing:
		return to == StateInvoking
	case StateInvoking:
		return to == StateLocating
	case StateLocating:
		return to == StatePublished
	default:
		return false
	}
}
