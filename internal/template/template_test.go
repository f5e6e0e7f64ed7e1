package template

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleepzon/apkforge/internal/archive"
	"github.com/fleepzon/apkforge/internal/config"
	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
	"github.com/fleepzon/apkforge/internal/template/templatetest"
)

func TestCheck_HealthyTemplate(t *testing.T) {
	root := templatetest.Write(t, t.TempDir())
	store := New(root, config.DefaultMarkers())

	report, err := store.Check()
	require.NoError(t, err)
	assert.True(t, report.Healthy, report.String())
	assert.Empty(t, report.Problems)
}

func TestCheck_MissingRootIsTemplateMissing(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "absent"), config.DefaultMarkers())

	_, err := store.Check()
	require.Error(t, err)
	assert.True(t, forgeerrors.IsKind(err, forgeerrors.KindTemplateMissing))
}

func TestCheck_ReportsMissingMarkers(t *testing.T) {
	root := templatetest.Write(t, t.TempDir())
	templatetest.WriteFile(t, root, "app/src/main/java/com/example/app/MainActivity.java", "package com.example.app;\nclass MainActivity {}\n")
	templatetest.WriteFile(t, root, "app/src/main/res/values/strings.xml", "<resources/>\n")

	report, err := New(root, config.DefaultMarkers()).Check()
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Len(t, report.Problems, 2)
	assert.Contains(t, report.String(), "placeholder url not found")
	assert.Contains(t, report.String(), "app_name string not found")
}

func TestFieldPatterns_GroovyAndKotlinDSL(t *testing.T) {
	assert.True(t, ApplicationIDField.MatchString(`applicationId "com.example.app"`))
	assert.True(t, ApplicationIDField.MatchString(`applicationId = "com.example.app"`))
	assert.False(t, ApplicationIDField.MatchString(`testApplicationId "x"`))
	assert.True(t, VersionCodeField.MatchString(`versionCode 12`))
	assert.True(t, VersionNameField.MatchString(`versionName = "1.0.1"`))
	assert.True(t, AppNameField.MatchString(`<string name="app_name">Demo</string>`))
}

func TestImportArchive_SwapsInTemplate(t *testing.T) {
	src := templatetest.Write(t, t.TempDir())
	zipPath := filepath.Join(t.TempDir(), "template.zip")
	writeTemplateZip(t, src, zipPath, "android_template/")

	root := filepath.Join(t.TempDir(), "template")
	templatetest.WriteFile(t, root, "stale.txt", "old")
	store := New(root, config.DefaultMarkers())

	report, err := store.ImportArchive(zipPath, archive.ExtractOptions{Limits: archive.DefaultLimits(), StripComponents: 1})
	require.NoError(t, err)
	assert.True(t, report.Healthy, report.String())
	assert.NoFileExists(t, filepath.Join(root, "stale.txt"))
	assert.NoDirExists(t, root+".old")
}

func TestImportArchive_RejectsIncompleteTemplate(t *testing.T) {
	src := t.TempDir()
	templatetest.WriteFile(t, src, "app/build.gradle", "android {}\n")
	zipPath := filepath.Join(t.TempDir(), "template.zip")
	writeTemplateZip(t, src, zipPath, "")

	root := templatetest.Write(t, filepath.Join(t.TempDir(), "template"))
	store := New(root, config.DefaultMarkers())

	_, err := store.ImportArchive(zipPath, archive.ExtractOptions{Limits: archive.DefaultLimits()})
	require.Error(t, err)

	report, err := store.Check()
	require.NoError(t, err)
	assert.True(t, report.Healthy, "existing template must survive a rejected import")
}

func TestWatch_ReportsChanges(t *testing.T) {
	root := templatetest.Write(t, t.TempDir())
	store := New(root, config.DefaultMarkers())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reports := make(chan Report, 4)
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx, func(r Report) { reports <- r }) }()

	// Give the watcher time to register before mutating.
	time.Sleep(100 * time.Millisecond)
	templatetest.WriteFile(t, root, "app/src/main/res/values/strings.xml", "<resources/>\n")

	select {
	case r := <-reports:
		assert.False(t, r.Healthy)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch report")
	}
	cancel()
	require.NoError(t, <-done)
}

func writeTemplateZip(t *testing.T, src, zipPath, prefix string) {
	t.Helper()
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	err = filepath.Walk(src, func(p string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		h, err := zip.FileInfoHeader(fi)
		if err != nil {
			return err
		}
		h.Name = prefix + filepath.ToSlash(rel)
		w, err := zw.CreateHeader(h)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		_, err = w.Write(raw)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}
