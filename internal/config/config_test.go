package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr == "" {
		t.Fatalf("expected default listen addr")
	}
	if cfg.AuthHeader == "" {
		t.Fatalf("expected default auth header")
	}
	if cfg.BuildTimeout != 10*time.Minute {
		t.Fatalf("expected 10m build timeout, got %s", cfg.BuildTimeout)
	}
	if cfg.MaxConcurrentBuilds <= 0 {
		t.Fatalf("expected MaxConcurrentBuilds > 0")
	}
	if cfg.BusyPolicy != BusyReject {
		t.Fatalf("expected reject busy policy, got %q", cfg.BusyPolicy)
	}
	if !cfg.RetainOnSuccess {
		t.Fatalf("expected workspaces retained by default")
	}
	if cfg.Markers.PackageID != "com.example.app" {
		t.Fatalf("unexpected package marker %q", cfg.Markers.PackageID)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Default()
	cfg.BaseDir = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	cfg2 := cfg
	cfg2.BaseDir = ""
	if err := cfg2.Validate(); err == nil {
		t.Fatalf("expected error for missing base dir")
	}

	cfg3 := cfg
	cfg3.Allowlist = []string{"not-an-ip"}
	if err := cfg3.Validate(); err == nil {
		t.Fatalf("expected error for invalid allowlist")
	}

	cfg4 := cfg
	cfg4.BusyPolicy = "drop"
	if err := cfg4.Validate(); err == nil {
		t.Fatalf("expected error for unknown busy policy")
	}

	cfg5 := cfg
	cfg5.BaseURL = "localhost"
	if err := cfg5.Validate(); err == nil {
		t.Fatalf("expected error for relative base url")
	}
}

func TestConfig_DirectoriesDefaultUnderBaseDir(t *testing.T) {
	cfg := Default()
	cfg.BaseDir = "/srv/apkforge"
	if got := cfg.TemplateRoot(); got != filepath.Join("/srv/apkforge", "template") {
		t.Fatalf("unexpected template root %q", got)
	}
	if got := cfg.PublishRoot(); got != filepath.Join("/srv/apkforge", "builds") {
		t.Fatalf("unexpected publish root %q", got)
	}
	cfg.WorkspaceDir = "/tmp/ws"
	if got := cfg.WorkspaceRoot(); got != "/tmp/ws" {
		t.Fatalf("explicit workspace dir not used: %q", got)
	}
}

func TestConfig_DownloadURL(t *testing.T) {
	cfg := Default()
	cfg.BaseURL = "https://apps.example.org/"
	if got := cfg.DownloadURL("com.demo.app.apk"); got != "https://apps.example.org/artifacts/com.demo.app.apk" {
		t.Fatalf("unexpected download url %q", got)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("APKFORGE_BASE_DIR", t.TempDir())
	t.Setenv("APKFORGE_BUILD_TIMEOUT", "90s")
	t.Setenv("APKFORGE_MAX_CONCURRENT_BUILDS", "4")
	t.Setenv("APKFORGE_BUSY_POLICY", "queue")
	t.Setenv("APKFORGE_RETAIN_ON_SUCCESS", "false")
	t.Setenv("APKFORGE_ALLOWLIST", "127.0.0.1, 10.0.0.0/8")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env failed: %v", err)
	}
	if cfg.BuildTimeout != 90*time.Second || cfg.MaxConcurrentBuilds != 4 {
		t.Fatalf("unexpected env overrides: %+v", cfg)
	}
	if cfg.BusyPolicy != BusyQueue || cfg.RetainOnSuccess {
		t.Fatalf("unexpected policy overrides: %+v", cfg)
	}
	if len(cfg.Allowlist) != 2 {
		t.Fatalf("expected 2 allowlist entries, got %v", cfg.Allowlist)
	}
}

func TestFromEnv_InvalidDuration(t *testing.T) {
	t.Setenv("APKFORGE_BASE_DIR", t.TempDir())
	t.Setenv("APKFORGE_BUILD_TIMEOUT", "soon")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("APKFORGE_TEST_ROOT", dir)
	path := filepath.Join(dir, "apkforge.yaml")
	raw := []byte(`
base_dir: ${APKFORGE_TEST_ROOT}/data
base_url: https://apps.example.org
build_timeout: 15m
max_concurrent_builds: 3
markers:
  placeholder_url: https://placeholder.invalid
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APKFORGE_MAX_CONCURRENT_BUILDS", "1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BaseDir != filepath.Join(dir, "data") {
		t.Fatalf("env expansion not applied: %q", cfg.BaseDir)
	}
	if cfg.BuildTimeout != 15*time.Minute {
		t.Fatalf("expected 15m timeout from file, got %s", cfg.BuildTimeout)
	}
	if cfg.MaxConcurrentBuilds != 1 {
		t.Fatalf("expected env to override file, got %d", cfg.MaxConcurrentBuilds)
	}
	if cfg.Markers.PlaceholderURL != "https://placeholder.invalid" || cfg.Markers.PackageID != "com.example.app" {
		t.Fatalf("unexpected markers: %+v", cfg.Markers)
	}
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	dotenv := "APKFORGE_BASE_DIR=" + filepath.Join(dir, "fromfile") + "\nAPKFORGE_BASE_URL=https://dotenv.example\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APKFORGE_BASE_URL", "https://env.example")
	t.Setenv("APKFORGE_BASE_DIR", "")
	os.Unsetenv("APKFORGE_BASE_DIR")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BaseDir != filepath.Join(dir, "fromfile") {
		t.Fatalf("expected base dir from .env, got %q", cfg.BaseDir)
	}
	if cfg.BaseURL != "https://env.example" {
		t.Fatalf("expected real env to win, got %q", cfg.BaseURL)
	}
}
