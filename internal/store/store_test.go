package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleepzon/apkforge/internal/config"
	"github.com/fleepzon/apkforge/internal/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	s := New(cfg)
	if err := s.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	return s
}

func TestSaveLoadAll_OrdersByCreation(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	req := job.Request{AppName: "Shop", PackageID: "com.acme.shop", TargetURL: "https://shop.example", OutputKind: job.OutputBinary}

	later := job.New("b2", req, now.Add(time.Second))
	earlier := job.New("b1", req, now)
	for _, rec := range []*job.Record{later, earlier} {
		if err := s.Save(rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(s.cfg.BuildsDir(), "stray"), 0o755); err != nil {
		t.Fatal(err)
	}

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "b1" || all[1].ID != "b2" {
		t.Fatalf("unexpected records: %+v", all)
	}
	if all[0].Request.PackageID != "com.acme.shop" {
		t.Fatalf("request not persisted: %+v", all[0].Request)
	}
}

func TestLoad_UnknownIsNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKeepFileAndDelete(t *testing.T) {
	s := newTestStore(t)
	src := filepath.Join(t.TempDir(), "console.log")
	if err := os.WriteFile(src, []byte("BUILD SUCCESSFUL\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.KeepFile("b1", src, "console.log"); err != nil {
		t.Fatalf("keep file: %v", err)
	}
	raw, err := os.ReadFile(s.ConsoleLogPath("b1"))
	if err != nil || !strings.Contains(string(raw), "SUCCESSFUL") {
		t.Fatalf("kept log unreadable: %v %q", err, raw)
	}

	if _, err := s.WriteUpload("b1", strings.NewReader("png")); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	if err := s.Delete("b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(s.BuildDir("b1")); !os.IsNotExist(err) {
		t.Fatalf("build dir should be gone, got %v", err)
	}
	if _, err := os.Stat(s.UploadPath("b1")); !os.IsNotExist(err) {
		t.Fatalf("upload should be gone, got %v", err)
	}
}
