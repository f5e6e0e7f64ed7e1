package queue

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleepzon/apkforge/internal/builder"
	"github.com/fleepzon/apkforge/internal/config"
	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
	"github.com/fleepzon/apkforge/internal/history"
	"github.com/fleepzon/apkforge/internal/job"
	"github.com/fleepzon/apkforge/internal/materialize"
	"github.com/fleepzon/apkforge/internal/notify"
	"github.com/fleepzon/apkforge/internal/publish"
	"github.com/fleepzon/apkforge/internal/store"
	"github.com/fleepzon/apkforge/internal/template"
	"github.com/fleepzon/apkforge/internal/template/templatetest"
)

type harness struct {
	cfg  config.Config
	st   *store.Store
	fb   *builder.FakeBuilder
	hist *history.Store
	mgr  *Manager
}

func newHarness(t *testing.T, fb *builder.FakeBuilder, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.BaseURL = "http://forge.test"
	if mutate != nil {
		mutate(&cfg)
	}
	templatetest.Write(t, cfg.TemplateRoot())

	hist, err := history.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	st := store.New(cfg)
	mgr := New(cfg, Deps{
		Store:        st,
		Materializer: materialize.New(template.FromConfig(cfg), cfg.WorkspaceRoot()),
		Builder:      fb,
		Publisher:    publish.New(cfg.PublishRoot()),
		History:      hist,
	})
	h := &harness{cfg: cfg, st: st, fb: fb, hist: hist, mgr: mgr}
	h.start(t)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = h.mgr.Shutdown(shutdownCtx)
	})
}

func request(pkg string, kind job.OutputKind) job.Request {
	return job.Request{
		AppName:    "Acme Shop",
		PackageID:  pkg,
		TargetURL:  "https://shop.acme.example/?a=1&b=$1",
		OutputKind: kind,
	}
}

func waitResult(t *testing.T, h *Handle) job.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("wait for %s: %v", h.ID, err)
	}
	return res
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmit_PublishesBinary(t *testing.T) {
	h := newHarness(t, &builder.FakeBuilder{}, nil)

	handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := waitResult(t, handle)
	if !res.Success() {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.ArtifactPath != "com.acme.shop.apk" {
		t.Fatalf("unexpected artifact path %q", res.ArtifactPath)
	}
	if res.DownloadURL != "http://forge.test/artifacts/com.acme.shop.apk" {
		t.Fatalf("unexpected download url %q", res.DownloadURL)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.PublishRoot(), "com.acme.shop.apk")); err != nil {
		t.Fatalf("published artifact missing: %v", err)
	}

	rec, ok := h.mgr.Get(handle.ID)
	if !ok || rec.State != job.StatePublished {
		t.Fatalf("expected published record, got %+v", rec)
	}
	loaded, err := h.st.Load(handle.ID)
	if err != nil || loaded.State != job.StatePublished {
		t.Fatalf("expected persisted published state, got %+v (%v)", loaded, err)
	}
	if _, err := os.Stat(h.st.ConsoleLogPath(handle.ID)); err != nil {
		t.Fatalf("console log not kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.WorkspaceRoot(), "com.acme.shop")); err != nil {
		t.Fatalf("workspace should be retained by default: %v", err)
	}

	calls := h.fb.Snapshot()
	if len(calls) != 1 || calls[0].OutputKind != job.OutputBinary || calls[0].WorkDir != filepath.Join(h.cfg.WorkspaceRoot(), "com.acme.shop") {
		t.Fatalf("unexpected builder calls %+v", calls)
	}
}

func TestSubmit_BundleAndHistoryKeepsBothKinds(t *testing.T) {
	h := newHarness(t, &builder.FakeBuilder{}, nil)

	apk, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	waitResult(t, apk)

	req := request("com.acme.shop", job.OutputBundle)
	req.VersionName = "1.1"
	req.VersionCode = 2
	aab, err := h.mgr.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, aab)
	if res.ArtifactPath != "com.acme.shop.aab" {
		t.Fatalf("unexpected artifact %q", res.ArtifactPath)
	}

	app, err := h.hist.Get(context.Background(), "com.acme.shop")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if app.APKName != "com.acme.shop.apk" || app.AABName != "com.acme.shop.aab" {
		t.Fatalf("expected both artifact names, got %+v", app)
	}
	if app.VersionCode != 2 || app.LastBuildID != aab.ID {
		t.Fatalf("unexpected history record %+v", app)
	}
	builds, err := h.hist.Builds(context.Background(), "com.acme.shop", 0)
	if err != nil || len(builds) != 2 {
		t.Fatalf("expected two build outcomes, got %d (%v)", len(builds), err)
	}
}

func TestSubmit_SamePackageIsBusy(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, &builder.FakeBuilder{BlockCh: block}, nil)

	first, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBundle))
	if !forgeerrors.IsKind(err, forgeerrors.KindBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if !forgeerrors.Retryable(err) {
		t.Fatalf("busy must be retryable")
	}

	other, err := h.mgr.Submit(context.Background(), request("org.other.app", job.OutputBinary))
	if err != nil {
		t.Fatalf("different package must not be busy: %v", err)
	}

	close(block)
	if res := waitResult(t, first); !res.Success() {
		t.Fatalf("first build failed: %+v", res)
	}
	waitResult(t, other)

	again, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatalf("package must be free after completion: %v", err)
	}
	waitResult(t, again)
}

func TestSubmit_QueuePolicyRunsSamePackageInOrder(t *testing.T) {
	block := make(chan struct{})
	fb := &builder.FakeBuilder{BlockCh: block}
	h := newHarness(t, fb, func(c *config.Config) { c.BusyPolicy = config.BusyQueue })

	first, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBundle))
	if err != nil {
		t.Fatalf("queue policy must accept: %v", err)
	}

	waitFor(t, "first build to start", func() bool { return fb.CallCount() == 1 })
	rec, _ := h.mgr.Get(second.ID)
	if rec.State != job.StateQueued {
		t.Fatalf("expected second build queued, got %s", rec.State)
	}
	if !h.mgr.IsActive("com.acme.shop") {
		t.Fatalf("package should be active")
	}

	close(block)
	waitResult(t, first)
	waitResult(t, second)

	calls := fb.Snapshot()
	if len(calls) != 2 || calls[0].ID != first.ID || calls[1].ID != second.ID {
		t.Fatalf("unexpected call order: %+v", calls)
	}
	if fb.MaxConcurrent() != 1 {
		t.Fatalf("same package must never build concurrently, saw %d", fb.MaxConcurrent())
	}
}

func TestSubmit_GlobalConcurrencyIsBounded(t *testing.T) {
	block := make(chan struct{})
	fb := &builder.FakeBuilder{BlockCh: block}
	h := newHarness(t, fb, func(c *config.Config) { c.MaxConcurrentBuilds = 2 })

	var handles []*Handle
	for _, pkg := range []string{"com.a.one", "com.a.two", "com.a.three", "com.a.four"} {
		handle, err := h.mgr.Submit(context.Background(), request(pkg, job.OutputBinary))
		if err != nil {
			t.Fatalf("submit %s: %v", pkg, err)
		}
		handles = append(handles, handle)
	}

	waitFor(t, "two builds to start", func() bool { return fb.CallCount() == 2 })
	time.Sleep(50 * time.Millisecond)
	if fb.CallCount() != 2 {
		t.Fatalf("expected only 2 running builds, got %d", fb.CallCount())
	}

	close(block)
	for _, handle := range handles {
		if res := waitResult(t, handle); !res.Success() {
			t.Fatalf("build %s failed: %+v", handle.ID, res)
		}
	}
	if fb.MaxConcurrent() > 2 {
		t.Fatalf("concurrency bound exceeded: %d", fb.MaxConcurrent())
	}
}

func TestBuild_ToolFailureRetainsWorkspace(t *testing.T) {
	cause := forgeerrors.New(forgeerrors.KindToolFailure, "invoke", "gradle assembleRelease exited with code 1").WithLog("e: Unresolved reference")
	fb := &builder.FakeBuilder{FailPackages: map[string]error{"com.acme.shop": cause}}
	h := newHarness(t, fb, nil)

	handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, handle)
	if res.Success() || res.ErrorKind != string(forgeerrors.KindToolFailure) {
		t.Fatalf("expected tool failure, got %+v", res)
	}
	if res.ToolLog != "e: Unresolved reference" {
		t.Fatalf("expected tool log, got %q", res.ToolLog)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.WorkspaceRoot(), "com.acme.shop")); err != nil {
		t.Fatalf("failed workspace must be retained: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.PublishRoot(), "com.acme.shop.apk")); !os.IsNotExist(err) {
		t.Fatalf("nothing may be published on failure, got %v", err)
	}
	if _, err := os.Stat(h.st.DiagnosticsPath(handle.ID)); err != nil {
		t.Fatalf("expected diagnostics report: %v", err)
	}
	rec, _ := h.mgr.Get(handle.ID)
	if rec.State != job.StateFailed || rec.FailureKind != string(forgeerrors.KindToolFailure) || rec.FailureSummary == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestBuild_MissingArtifactFails(t *testing.T) {
	fb := &builder.FakeBuilder{SkipArtifact: map[string]bool{"com.acme.shop": true}}
	h := newHarness(t, fb, nil)

	handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, handle)
	if res.ErrorKind != string(forgeerrors.KindArtifactNotFound) {
		t.Fatalf("expected artifact_not_found, got %+v", res)
	}
	if !strings.Contains(res.ToolLog, "fake build") {
		t.Fatalf("expected console tail as tool log, got %q", res.ToolLog)
	}
}

type capturedNotifications struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *capturedNotifications) Publish(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *capturedNotifications) Close() error { return nil }

func (c *capturedNotifications) snapshot() []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Notification(nil), c.sent...)
}

func TestBuild_ContactEmailReachesNotificationAndHistory(t *testing.T) {
	h := newHarness(t, &builder.FakeBuilder{}, nil)
	sink := &capturedNotifications{}
	h.mgr.notifier = sink

	req := request("com.acme.shop", job.OutputBinary)
	req.ContactEmail = "owner@acme.example"
	handle, err := h.mgr.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	waitResult(t, handle)
	waitFor(t, "notification", func() bool { return len(sink.snapshot()) == 1 })

	n := sink.snapshot()[0]
	if n.ContactEmail != "owner@acme.example" || n.State != string(job.StatePublished) {
		t.Fatalf("unexpected notification %+v", n)
	}
	if n.DownloadURL != "http://forge.test/artifacts/com.acme.shop.apk" {
		t.Fatalf("unexpected download url %q", n.DownloadURL)
	}
	app, err := h.hist.Get(context.Background(), "com.acme.shop")
	if err != nil {
		t.Fatal(err)
	}
	if app.ContactEmail != "owner@acme.example" {
		t.Fatalf("contact email not recorded: %+v", app)
	}
}

// quietBuilder exits cleanly with output on stderr but leaves no artifact.
type quietBuilder struct{}

func (quietBuilder) Build(ctx context.Context, j builder.BuildJob) (builder.BuildResult, error) {
	return builder.BuildResult{ExitCode: 0, StderrTail: "w: output redirected to /dev/null\n"}, nil
}

func TestBuild_MissingArtifactKeepsStderrTail(t *testing.T) {
	h := newHarness(t, &builder.FakeBuilder{}, nil)
	h.mgr.builder = quietBuilder{}

	handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, handle)
	if res.ErrorKind != string(forgeerrors.KindArtifactNotFound) {
		t.Fatalf("expected artifact_not_found, got %+v", res)
	}
	if !strings.Contains(res.ToolLog, "output redirected") {
		t.Fatalf("expected stderr tail as tool log, got %q", res.ToolLog)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", res.ExitCode)
	}
}

func TestBuild_SuccessCarriesToolLog(t *testing.T) {
	h := newHarness(t, &builder.FakeBuilder{}, nil)

	handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, handle)
	if res.Outcome != job.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.ToolLog, "> Task :app:fake") {
		t.Fatalf("expected tool log on success, got %q", res.ToolLog)
	}
}

func TestProgress_PersistsAtMostOncePerInterval(t *testing.T) {
	block := make(chan struct{})
	fb := &builder.FakeBuilder{BlockCh: block, HeartbeatInterval: 5 * time.Millisecond}
	h := newHarness(t, fb, nil)
	h.mgr.progressSaveInterval = time.Hour

	handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a heartbeat", func() bool {
		rec, ok := h.mgr.Get(handle.ID)
		return ok && rec.Message == "fake heartbeat"
	})

	loaded, err := h.st.Load(handle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Message != "fake gradle starting" {
		t.Fatalf("expected only the first progress update on disk, got %q", loaded.Message)
	}

	close(block)
	waitResult(t, handle)
	loaded, err = h.st.Load(handle.ID)
	if err != nil || loaded.State != job.StatePublished {
		t.Fatalf("terminal state must always be persisted, got %+v (%v)", loaded, err)
	}
}

func TestBuild_TemplateMissingCreatesNoWorkspace(t *testing.T) {
	fb := &builder.FakeBuilder{}
	h := newHarness(t, fb, nil)
	if err := os.RemoveAll(h.cfg.TemplateRoot()); err != nil {
		t.Fatal(err)
	}

	handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, handle)
	if res.ErrorKind != string(forgeerrors.KindTemplateMissing) {
		t.Fatalf("expected template_missing, got %+v", res)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.WorkspaceRoot(), "com.acme.shop")); !os.IsNotExist(err) {
		t.Fatalf("no workspace may be created, got %v", err)
	}
	if fb.CallCount() != 0 {
		t.Fatalf("builder must not run")
	}
}

func TestSubmit_RejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, &builder.FakeBuilder{}, nil)
	_, err := h.mgr.Submit(context.Background(), job.Request{AppName: "x", PackageID: "nodots", TargetURL: "https://a.example"})
	if !forgeerrors.IsKind(err, forgeerrors.KindInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	req := request("com.acme.shop", job.OutputBinary)
	req.IconPath = filepath.Join(t.TempDir(), "missing.png")
	if _, err := h.mgr.Submit(context.Background(), req); !forgeerrors.IsKind(err, forgeerrors.KindInvalidRequest) {
		t.Fatalf("expected invalid request for missing icon, got %v", err)
	}
}

func TestCancel_RunningBuild(t *testing.T) {
	fb := &builder.FakeBuilder{BlockCh: make(chan struct{})}
	h := newHarness(t, fb, nil)

	handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "build to start", func() bool { return fb.CallCount() == 1 })
	if err := handle.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	res := waitResult(t, handle)
	if res.ErrorKind != string(forgeerrors.KindCancelled) {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	if err := h.mgr.Cancel(handle.ID); err != ErrFinished {
		t.Fatalf("expected ErrFinished, got %v", err)
	}
	if err := h.mgr.Cancel("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.mgr.IsActive("com.acme.shop") {
		t.Fatalf("package must be released after cancel")
	}
}

func TestCancel_QueuedBuildNeverStarts(t *testing.T) {
	block := make(chan struct{})
	fb := &builder.FakeBuilder{BlockCh: block}
	h := newHarness(t, fb, func(c *config.Config) { c.BusyPolicy = config.BusyQueue })

	first, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Cancel(); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if res := waitResult(t, second); res.ErrorKind != string(forgeerrors.KindCancelled) {
		t.Fatalf("expected cancelled, got %+v", res)
	}

	close(block)
	waitResult(t, first)
	if fb.CallCount() != 1 {
		t.Fatalf("cancelled build must not run, got %d calls", fb.CallCount())
	}
}

func TestRetainOnSuccessFalseDiscardsWorkspace(t *testing.T) {
	h := newHarness(t, &builder.FakeBuilder{}, func(c *config.Config) { c.RetainOnSuccess = false })

	handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	waitResult(t, handle)
	if _, err := os.Stat(filepath.Join(h.cfg.WorkspaceRoot(), "com.acme.shop")); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed, got %v", err)
	}
}

func TestRepublish_OverwritesArtifact(t *testing.T) {
	h := newHarness(t, &builder.FakeBuilder{}, nil)
	for i := 0; i < 2; i++ {
		handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
		if err != nil {
			t.Fatal(err)
		}
		if res := waitResult(t, handle); !res.Success() {
			t.Fatalf("build %d failed: %+v", i, res)
		}
	}
	entries, err := os.ReadDir(h.cfg.PublishRoot())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "com.acme.shop.apk" {
		t.Fatalf("expected a single published artifact, got %v", entries)
	}
}

func TestStart_FailsBuildsInterruptedByRestart(t *testing.T) {
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	st := store.New(cfg)
	if err := st.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	now := time.Now().Add(-time.Hour)
	rec := job.New("stale", request("com.acme.shop", job.OutputBinary), now)
	if err := rec.Transition(job.StateMaterializing, now, "materializing"); err != nil {
		t.Fatal(err)
	}
	if err := rec.Transition(job.StateInvoking, now, "running gradle"); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(rec); err != nil {
		t.Fatal(err)
	}

	mgr := New(cfg, Deps{Store: st, Builder: &builder.FakeBuilder{}})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, ok := mgr.Get("stale")
	if !ok {
		t.Fatalf("recovered build missing")
	}
	if got.State != job.StateFailed || got.FailureKind != string(forgeerrors.KindCancelled) || got.Message != "interrupted by restart" {
		t.Fatalf("unexpected recovered record %+v", got)
	}
	loaded, err := st.Load("stale")
	if err != nil || loaded.State != job.StateFailed {
		t.Fatalf("recovery must be persisted, got %+v (%v)", loaded, err)
	}
	if mgr.IsActive("com.acme.shop") {
		t.Fatalf("recovered build must not hold the package")
	}
}

func TestSubscribeEvents_DeliversTerminalEvent(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, &builder.FakeBuilder{BlockCh: block}, nil)

	handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	backlog, ch, cancelSub, ok := h.mgr.SubscribeEvents(handle.ID, 0)
	if !ok {
		t.Fatalf("SubscribeEvents() expected build to exist")
	}
	defer cancelSub()
	if len(backlog) == 0 || backlog[0].Type != "queued" {
		t.Fatalf("expected queued event in backlog, got %+v", backlog)
	}

	close(block)
	var last job.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, open := <-ch:
			if !open {
				done = true
				break
			}
			if ev.Seq <= last.Seq {
				t.Fatalf("events out of order: %d after %d", ev.Seq, last.Seq)
			}
			last = ev
		case <-timeout:
			t.Fatalf("timed out waiting for events")
		}
	}
	if last.State != job.StatePublished || last.DownloadURL == "" {
		t.Fatalf("expected terminal published event, got %+v", last)
	}

	backlog, ch, _, _ = h.mgr.SubscribeEvents(handle.ID, last.Seq)
	if ch != nil || len(backlog) != 1 || backlog[0].Type != "snapshot" {
		t.Fatalf("terminal build should yield a snapshot only, got %+v %v", backlog, ch)
	}
}

func TestWriteLogBundle(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, &builder.FakeBuilder{BlockCh: block}, nil)

	handle, err := h.mgr.Submit(context.Background(), request("com.acme.shop", job.OutputBinary))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := h.mgr.WriteLogBundle(handle.ID, &buf); err != ErrNotComplete {
		t.Fatalf("expected ErrNotComplete, got %v", err)
	}
	close(block)
	waitResult(t, handle)

	buf.Reset()
	if err := h.mgr.WriteLogBundle(handle.ID, &buf); err != nil {
		t.Fatalf("bundle: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"console.log", "state.json", "build_manifest.json"} {
		if !names[want] {
			t.Fatalf("bundle missing %s: %v", want, names)
		}
	}

	tail, err := h.mgr.ReadConsoleTail(handle.ID, 1)
	if err != nil || string(tail) != "fake build\n" {
		t.Fatalf("unexpected tail %q (%v)", tail, err)
	}
}

func TestParseGradleVersion(t *testing.T) {
	if v := parseGradleVersion([]byte("Starting a Gradle Daemon\nWelcome to Gradle 8.7!\n")); v != "8.7" {
		t.Fatalf("unexpected version %q", v)
	}
	if v := parseGradleVersion([]byte("no version here")); v != "" {
		t.Fatalf("expected empty, got %q", v)
	}
}
