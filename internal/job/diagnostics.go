package job

import "time"

type DiagnosticSeverity string

const (
	SeverityError   DiagnosticSeverity = "ERROR"
	SeverityWarning DiagnosticSeverity = "WARNING"
	SeverityInfo    DiagnosticSeverity = "INFO"
)

// Diagnostic is one compiler or Gradle message pulled from the console log.
type Diagnostic struct {
	Severity DiagnosticSeverity `json:"severity"`
	Tool     string             `json:"tool,omitempty"`
	Task     string             `json:"task,omitempty"`
	Message  string             `json:"message"`
	File     string             `json:"file,omitempty"`
	Line     int                `json:"line,omitempty"`
	Column   int                `json:"column,omitempty"`
	Raw      string             `json:"raw,omitempty"`
}

type DiagnosticsReport struct {
	Schema        int          `json:"schema"`
	GeneratedAt   time.Time    `json:"generated_at"`
	FailedTask    string       `json:"failed_task,omitempty"`
	WhatWentWrong string       `json:"what_went_wrong,omitempty"`
	ErrorCount    int          `json:"error_count"`
	WarningCount  int          `json:"warning_count"`
	Diagnostics   []Diagnostic `json:"diagnostics"`
}
