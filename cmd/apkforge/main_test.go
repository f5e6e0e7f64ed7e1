package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"

	"github.com/fleepzon/apkforge/internal/config"
	"github.com/fleepzon/apkforge/internal/job"
	"github.com/fleepzon/apkforge/internal/store"
	"github.com/fleepzon/apkforge/internal/template"
	"github.com/fleepzon/apkforge/internal/template/templatetest"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	origOut, origLog, origDefault := stdout, logOutput, slog.Default()
	stdout, logOutput = &out, io.Discard
	t.Cleanup(func() {
		stdout, logOutput = origOut, origLog
		slog.SetDefault(origDefault)
	})

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("apkforge"),
		kong.Vars{"version": "test"},
		kong.Exit(func(int) {}),
	)
	if err != nil {
		t.Fatalf("new parser: %v", err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return out.String(), err
	}
	err = kctx.Run(&Global{Logger: slog.Default()}, &cli)
	return out.String(), err
}

func baseDirEnv(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	t.Setenv("APKFORGE_BASE_DIR", base)
	t.Setenv("APKFORGE_CONFIG", "")
	t.Setenv(fakeBuilderEnv, "1")
	return base
}

func TestBuildCommand_PublishesWithFakeBuilder(t *testing.T) {
	base := baseDirEnv(t)
	templatetest.Write(t, filepath.Join(base, "template"))

	out, err := runCLI(t, "build",
		"--name", "Shop",
		"--package", "com.acme.shop",
		"--url", "https://shop.example.com",
		"--output", "aab",
	)
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, out)
	}
	var res job.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, out)
	}
	if !res.Success() || res.ArtifactPath != "com.acme.shop.aab" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(base, "builds", "com.acme.shop.aab")); err != nil {
		t.Fatalf("expected published bundle: %v", err)
	}
}

func TestBuildCommand_MissingTemplateFails(t *testing.T) {
	baseDirEnv(t)

	out, err := runCLI(t, "build",
		"--name", "Shop",
		"--package", "com.acme.shop",
		"--url", "https://shop.example.com",
	)
	if err == nil {
		t.Fatalf("expected failure, got output %s", out)
	}
	if !strings.Contains(out, "template_missing") {
		t.Fatalf("expected template_missing in result, got %s", out)
	}
}

func TestBuildCommand_RejectsUnknownOutputKind(t *testing.T) {
	baseDirEnv(t)
	_, err := runCLI(t, "build", "--name", "Shop", "--package", "com.acme.shop", "--url", "https://shop.example.com", "--output", "ipa")
	if err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestTemplateCheck(t *testing.T) {
	base := baseDirEnv(t)

	if _, err := runCLI(t, "template", "check"); err == nil {
		t.Fatalf("expected error for missing template")
	}

	templatetest.Write(t, filepath.Join(base, "template"))
	out, err := runCLI(t, "template", "check")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	var report template.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("expected healthy template, got %+v", report)
	}
}

func TestReapCommand_KeepsPackagesWithOpenBuilds(t *testing.T) {
	base := baseDirEnv(t)
	cfg := config.Default()
	cfg.BaseDir = base

	old := time.Now().Add(-100 * time.Hour)
	for _, pkg := range []string{"com.acme.busy", "com.acme.idle"} {
		dir := filepath.Join(cfg.WorkspaceRoot(), pkg)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(dir, old, old); err != nil {
			t.Fatal(err)
		}
	}
	st := store.New(cfg)
	if err := st.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	rec := job.New("b1", job.Request{AppName: "Busy", PackageID: "com.acme.busy", TargetURL: "https://busy.example.com"}, time.Now())
	if err := st.Save(rec); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "reap")
	if err != nil {
		t.Fatalf("reap failed: %v", err)
	}
	if !strings.Contains(out, "removed 1 workspaces") {
		t.Fatalf("unexpected output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkspaceRoot(), "com.acme.busy")); err != nil {
		t.Fatalf("busy workspace should be kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkspaceRoot(), "com.acme.idle")); !os.IsNotExist(err) {
		t.Fatalf("idle workspace should be removed, stat err=%v", err)
	}
}

func TestAfterApply_JSONLogs(t *testing.T) {
	var buf bytes.Buffer
	origLog, origDefault := logOutput, slog.Default()
	logOutput = &buf
	t.Cleanup(func() {
		logOutput = origLog
		slog.SetDefault(origDefault)
	})

	cli := &CLI{LogLevel: "warn", LogFormat: "json"}
	if err := cli.AfterApply(); err != nil {
		t.Fatalf("after apply: %v", err)
	}
	slog.Info("hidden")
	slog.Warn("shown", "k", "v")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info should be filtered at warn level: %s", buf.String())
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one json line: %v (%s)", err, buf.String())
	}
	if line["msg"] != "shown" || line["k"] != "v" {
		t.Fatalf("unexpected record: %v", line)
	}

	if err := (&CLI{LogLevel: "loud"}).AfterApply(); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
