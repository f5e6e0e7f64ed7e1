package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fleepzon/apkforge/internal/client"
	"github.com/fleepzon/apkforge/internal/job"
)

type SubmitCmd struct {
	AppName     string `name:"name" required:"" help:"Display name of the app"`
	PackageID   string `name:"package" required:"" help:"Android package id, e.g. com.acme.shop"`
	TargetURL   string `name:"url" required:"" help:"URL the app opens"`
	Icon        string `help:"PNG launcher icon to upload" type:"existingfile"`
	Output      string `help:"Output kind (apk or aab)" enum:"apk,aab,binary,bundle" default:"apk"`
	VersionName string `help:"versionName written into the build"`
	VersionCode int    `help:"versionCode written into the build"`
	Contact     string `name:"contact-email" help:"Address the download link is e-mailed to"`

	Wait            bool          `help:"Wait until the build is terminal" default:"true" negatable:""`
	Poll            time.Duration `help:"Status polling interval" default:"2s"`
	StreamEvents    bool          `help:"Stream server events (SSE) instead of polling"`
	OutputDir       string        `help:"Directory the artifact is downloaded into" default:"output"`
	ShowDiagnostics bool          `help:"Print parsed diagnostics on failure" default:"true" negatable:""`
	DiagnosticLimit int           `help:"Max diagnostics to print on failure" default:"5"`
	TailLines       int           `help:"Print this many console tail lines on failure" default:"60"`
}

func (s *SubmitCmd) Run(root *CLI) error {
	kind, err := job.ParseOutputKind(s.Output)
	if err != nil {
		return err
	}
	c, err := root.client()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	buildID, err := c.Submit(ctx, job.Request{
		AppName:     s.AppName,
		PackageID:   s.PackageID,
		TargetURL:   s.TargetURL,
		OutputKind:  kind,
		VersionName: s.VersionName,
		VersionCode: s.VersionCode,

		ContactEmail: s.Contact,
	}, s.Icon)
	if err != nil {
		if client.IsBusy(err) {
			return fmt.Errorf("%s already has a build in flight, retry later: %w", s.PackageID, err)
		}
		return err
	}
	fmt.Fprintf(stdout, "build submitted: %s\n", buildID)
	if !s.Wait {
		return nil
	}

	record, err := waitForTerminal(ctx, c, buildID, s.Poll, s.StreamEvents)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "build finished: %s (%s)\n", record.State, record.Message)
	if record.State == job.StateFailed {
		s.printFailure(ctx, c, record)
		return fmt.Errorf("build failed: %s", record.Error)
	}
	if record.Result == nil || record.Result.DownloadURL == "" {
		return fmt.Errorf("build %s published without a download url", buildID)
	}

	dest := filepath.Join(s.OutputDir, job.ArtifactName(record.Request.PackageID, record.Request.OutputKind))
	if err := c.DownloadArtifact(ctx, record.Result.DownloadURL, dest, record.Result.SHA256); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "artifact written to %s\n", dest)
	return nil
}

func (s *SubmitCmd) printFailure(ctx context.Context, c *client.HTTPClient, record *job.Record) {
	if record.FailureKind != "" || record.FailureSummary != "" {
		fmt.Fprintf(stdout, "failure: kind=%s summary=%s\n", record.FailureKind, record.FailureSummary)
	}
	if s.ShowDiagnostics {
		if report, err := c.GetDiagnostics(ctx, record.ID); err == nil {
			printDiagnostics(report, s.DiagnosticLimit)
		}
	}
	if s.TailLines > 0 {
		if tail, err := c.GetLogTail(ctx, record.ID, s.TailLines); err == nil && strings.TrimSpace(tail) != "" {
			fmt.Fprintf(stdout, "console tail (%d lines):\n%s", s.TailLines, tail)
		}
	}
}

// progressPrinter prints a line whenever state, step or heartbeat change.
type progressPrinter struct {
	lastState, lastStep, lastHeartbeat string
}

func (p *progressPrinter) print(state job.State, step string, heartbeatAt *time.Time, message string) {
	heartbeat := "-"
	if heartbeatAt != nil {
		heartbeat = heartbeatAt.UTC().Format(time.RFC3339)
	}
	if step == "" {
		step = "-"
	}
	changed := string(state) != p.lastState || step != p.lastStep || heartbeat != p.lastHeartbeat
	if state.Terminal() || !changed {
		return
	}
	fmt.Fprintf(stdout, "state=%s step=%s heartbeat=%s message=%s\n", state, step, heartbeat, message)
	p.lastState, p.lastStep, p.lastHeartbeat = string(state), step, heartbeat
}

func waitForTerminal(ctx context.Context, c *client.HTTPClient, buildID string, poll time.Duration, stream bool) (*job.Record, error) {
	p := &progressPrinter{}
	if stream {
		err := c.StreamEvents(ctx, buildID, 0, func(ev *job.Event) {
			p.print(ev.State, ev.Step, ev.HeartbeatAt, ev.Message)
		})
		if err != nil {
			return nil, err
		}
		rec, err := c.GetBuild(ctx, buildID)
		if err != nil {
			return nil, err
		}
		if rec.Terminal() {
			return rec, nil
		}
	}
	return c.WaitForTerminalWithProgress(ctx, buildID, poll, func(rec *job.Record) {
		p.print(rec.State, rec.CurrentStep, rec.HeartbeatAt, rec.Message)
	})
}

func printDiagnostics(report *job.DiagnosticsReport, limit int) {
	if report == nil {
		return
	}
	if limit <= 0 {
		limit = 5
	}
	if report.FailedTask != "" {
		fmt.Fprintf(stdout, "failed task: %s\n", report.FailedTask)
	}
	if report.WhatWentWrong != "" {
		fmt.Fprintf(stdout, "what went wrong: %s\n", report.WhatWentWrong)
	}
	if len(report.Diagnostics) == 0 {
		fmt.Fprintln(stdout, "diagnostics: none")
		return
	}

	printed := 0
	for _, d := range report.Diagnostics {
		if d.Severity != job.SeverityError {
			continue
		}
		fmt.Fprintf(stdout, "diagnostic[%d]: %s %s", printed+1, d.Severity, d.Message)
		if d.File != "" && d.Line > 0 {
			fmt.Fprintf(stdout, " (%s:%d)", d.File, d.Line)
		} else if d.File != "" {
			fmt.Fprintf(stdout, " (%s)", d.File)
		}
		fmt.Fprintln(stdout)
		printed++
		if printed >= limit {
			break
		}
	}
	if printed == 0 {
		fmt.Fprintf(stdout, "diagnostics: %d entries (no errors)\n", len(report.Diagnostics))
	}
}

func writeFile(path string, write func(f *os.File) error) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
