// Package errors defines the failure taxonomy of the build pipeline.
//
// Every stage reports failures as *BuildError so the orchestrator can surface
// the first failure verbatim, with its kind and any captured tool log.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a build failure.
type Kind string

const (
	KindTemplateMissing  Kind = "template_missing"
	KindIO               Kind = "io_error"
	KindToolNotFound     Kind = "tool_not_found"
	KindToolFailure      Kind = "tool_failure"
	KindTimeout          Kind = "timeout"
	KindArtifactNotFound Kind = "artifact_not_found"
	KindBusy             Kind = "busy"
	KindCancelled        Kind = "cancelled"
	KindInvalidRequest   Kind = "invalid_request"
	KindInternal         Kind = "internal"
)

// BuildError is the structured error returned by pipeline stages.
type BuildError struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
	// Log carries captured tool output for ToolFailure and Timeout.
	Log string
}

func (e *BuildError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *BuildError) Unwrap() error { return e.Cause }

// Is matches another *BuildError by kind, so errors.Is(err, ErrBusy) works.
func (e *BuildError) Is(target error) bool {
	var t *BuildError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// WithLog returns a copy of e carrying the given tool log.
func (e *BuildError) WithLog(log string) *BuildError {
	cp := *e
	cp.Log = log
	return &cp
}

// Sentinels for errors.Is comparisons.
var (
	ErrTemplateMissing  = &BuildError{Kind: KindTemplateMissing}
	ErrIO               = &BuildError{Kind: KindIO}
	ErrToolNotFound     = &BuildError{Kind: KindToolNotFound}
	ErrToolFailure      = &BuildError{Kind: KindToolFailure}
	ErrTimeout          = &BuildError{Kind: KindTimeout}
	ErrArtifactNotFound = &BuildError{Kind: KindArtifactNotFound}
	ErrBusy             = &BuildError{Kind: KindBusy}
	ErrCancelled        = &BuildError{Kind: KindCancelled}
	ErrInvalidRequest   = &BuildError{Kind: KindInvalidRequest}
)

func New(kind Kind, op, message string) *BuildError {
	return &BuildError{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, cause error) *BuildError {
	return &BuildError{Kind: kind, Op: op, Cause: cause}
}

func Wrapf(kind Kind, op string, cause error, format string, args ...any) *BuildError {
	return &BuildError{Kind: kind, Op: op, Cause: cause, Message: fmt.Sprintf(format, args...)}
}

func TemplateMissing(op, message string) *BuildError { return New(KindTemplateMissing, op, message) }

func IO(op string, cause error) *BuildError { return Wrap(KindIO, op, cause) }

func InvalidRequest(message string) *BuildError { return New(KindInvalidRequest, "validate", message) }

// KindOf returns the kind of the first *BuildError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *BuildError
	if stderrors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// LogOf returns the tool log attached to err, if any.
func LogOf(err error) string {
	var be *BuildError
	if stderrors.As(err, &be) {
		return be.Log
	}
	return ""
}

// Retryable reports whether a caller may reissue the same request later.
// Only Busy qualifies; tool runs are never retried automatically.
func Retryable(err error) bool {
	return IsKind(err, KindBusy)
}
