package diagnostics

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fleepzon/apkforge/internal/job"
)

var (
	// /abs/path/MainActivity.java:12: error: cannot find symbol
	javacLine = regexp.MustCompile(`^(.+\.java):(\d+): (error|warning): (.+)$`)
	// e: file:///abs/path/Main.kt:12:5 Unresolved reference: foo
	kotlinLine = regexp.MustCompile(`^([ew]): (?:file://)?(.+?\.kts?):(\d+):(\d+) (.+)$`)
	// e: /abs/path/Main.kt: (12, 5): Unresolved reference: foo
	kotlinLegacyLine = regexp.MustCompile(`^([ew]): (.+?\.kts?): \((\d+), (\d+)\): (.+)$`)
	// ERROR: /abs/path/res/values/strings.xml:3: AAPT: error: ...
	aaptLine    = regexp.MustCompile(`^ERROR:\s*(.+?):(\d+): AAPT: (?:error: )?(.+)$`)
	failedTask  = regexp.MustCompile(`^Execution failed for task '([^']+)'`)
	taskFailure = regexp.MustCompile(`^> Task (\S+) FAILED$`)
)

// BuildReport scans a Gradle console log for compiler, resource and Gradle
// failure messages. Repeated diagnostics are reported once.
func BuildReport(log []byte) job.DiagnosticsReport {
	report := job.DiagnosticsReport{
		Schema:      1,
		GeneratedAt: time.Now().UTC(),
		Diagnostics: make([]job.Diagnostic, 0),
	}
	seen := map[string]struct{}{}
	add := func(d job.Diagnostic) {
		key := diagnosticKey(d)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		report.Diagnostics = append(report.Diagnostics, d)
		switch d.Severity {
		case job.SeverityError:
			report.ErrorCount++
		case job.SeverityWarning:
			report.WarningCount++
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(log))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	inWhatWentWrong := false
	var wrong []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if inWhatWentWrong {
			if trimmed == "" || strings.HasPrefix(trimmed, "* ") {
				inWhatWentWrong = false
			} else {
				wrong = append(wrong, trimmed)
				if m := failedTask.FindStringSubmatch(trimmed); m != nil && report.FailedTask == "" {
					report.FailedTask = m[1]
				}
				continue
			}
		}
		if trimmed == "* What went wrong:" {
			inWhatWentWrong = true
			continue
		}
		if m := taskFailure.FindStringSubmatch(trimmed); m != nil {
			if report.FailedTask == "" {
				report.FailedTask = m[1]
			}
			continue
		}
		if d, ok := parseLine(trimmed); ok {
			if d.Task == "" {
				d.Task = report.FailedTask
			}
			add(d)
		}
	}

	if len(wrong) > 0 {
		report.WhatWentWrong = strings.Join(wrong, "\n")
		add(job.Diagnostic{
			Severity: job.SeverityError,
			Tool:     "gradle",
			Task:     report.FailedTask,
			Message:  wrong[0],
			Raw:      report.WhatWentWrong,
		})
	}
	return report
}

// InferFailure picks the most specific one-line summary available: the first
// compiler error, then Gradle's own explanation, then the fallback.
func InferFailure(report job.DiagnosticsReport, fallbackMessage string, buildErr error) string {
	for _, d := range report.Diagnostics {
		if d.Severity == job.SeverityError && d.Tool != "gradle" {
			return formatSummary(d)
		}
	}
	for _, d := range report.Diagnostics {
		if d.Severity == job.SeverityError {
			return formatSummary(d)
		}
	}
	msg := strings.TrimSpace(fallbackMessage)
	if msg == "" && buildErr != nil {
		msg = strings.TrimSpace(buildErr.Error())
	}
	if msg == "" {
		msg = "build failed"
	}
	return msg
}

func parseLine(line string) (job.Diagnostic, bool) {
	if line == "" {
		return job.Diagnostic{}, false
	}
	if m := javacLine.FindStringSubmatch(line); m != nil {
		return job.Diagnostic{
			Severity: severityOf(m[3]),
			Tool:     "javac",
			File:     m[1],
			Line:     atoi(m[2]),
			Message:  m[4],
			Raw:      line,
		}, true
	}
	if m := kotlinLine.FindStringSubmatch(line); m != nil {
		return kotlinDiagnostic(line, m[1], m[2], m[3], m[4], m[5]), true
	}
	if m := kotlinLegacyLine.FindStringSubmatch(line); m != nil {
		return kotlinDiagnostic(line, m[1], m[2], m[3], m[4], m[5]), true
	}
	if m := aaptLine.FindStringSubmatch(line); m != nil {
		return job.Diagnostic{
			Severity: job.SeverityError,
			Tool:     "aapt",
			File:     m[1],
			Line:     atoi(m[2]),
			Message:  m[3],
			Raw:      line,
		}, true
	}
	return job.Diagnostic{}, false
}

func kotlinDiagnostic(raw, sev, file, line, col, msg string) job.Diagnostic {
	severity := job.SeverityError
	if sev == "w" {
		severity = job.SeverityWarning
	}
	return job.Diagnostic{
		Severity: severity,
		Tool:     "kotlinc",
		File:     file,
		Line:     atoi(line),
		Column:   atoi(col),
		Message:  msg,
		Raw:      raw,
	}
}

func severityOf(word string) job.DiagnosticSeverity {
	if word == "warning" {
		return job.SeverityWarning
	}
	return job.SeverityError
}

func formatSummary(d job.Diagnostic) string {
	where := ""
	if d.File != "" && d.Line > 0 {
		where = fmt.Sprintf(" (%s:%d)", d.File, d.Line)
	} else if d.File != "" {
		where = fmt.Sprintf(" (%s)", d.File)
	}
	if d.Tool != "" {
		return fmt.Sprintf("[%s] %s%s", d.Tool, d.Message, where)
	}
	return d.Message + where
}

func atoi(v string) int {
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func diagnosticKey(d job.Diagnostic) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d", d.Severity, d.Tool, d.Message, d.File, d.Line, d.Column)
}
