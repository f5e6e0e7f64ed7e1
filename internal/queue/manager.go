package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fleepzon/apkforge/internal/builder"
	"github.com/fleepzon/apkforge/internal/config"
	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
	"github.com/fleepzon/apkforge/internal/history"
	"github.com/fleepzon/apkforge/internal/job"
	"github.com/fleepzon/apkforge/internal/logfields"
	"github.com/fleepzon/apkforge/internal/materialize"
	"github.com/fleepzon/apkforge/internal/metrics"
	"github.com/fleepzon/apkforge/internal/notify"
	"github.com/fleepzon/apkforge/internal/publish"
	"github.com/fleepzon/apkforge/internal/store"
)

var (
	ErrNotFound = errors.New("build not found")
	ErrFinished = errors.New("build already finished")
)

// Deps are the pipeline stages and side channels a Manager composes.
// History, Metrics and Notifier are optional.
type Deps struct {
	Store        *store.Store
	Materializer *materialize.Materializer
	Builder      builder.Builder
	Publisher    *publish.Publisher
	History      *history.Store
	Metrics      metrics.Recorder
	Notifier     notify.Publisher
}

type entry struct {
	rec    *job.Record
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs builds through materialize, invoke, locate and publish. At
// most one build per package id is in flight; across packages concurrency
// is bounded by MaxConcurrentBuilds.
type Manager struct {
	cfg       config.Config
	store     *store.Store
	mat       *materialize.Materializer
	builder   builder.Builder
	publisher *publish.Publisher
	history   *history.Store
	metrics   metrics.Recorder
	notifier  notify.Publisher
	sem       *semaphore.Weighted

	mu      sync.RWMutex
	builds  map[string]*entry
	active  map[string]string
	pending map[string][]string

	events          map[string][]job.Event
	nextEventSeq    map[string]int64
	subscribers     map[string]map[chan job.Event]struct{}
	maxEventsPerJob int
	subscriberBuf   int

	progressSaveInterval time.Duration

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Manager {
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}
	limit := int64(cfg.MaxConcurrentBuilds)
	if limit <= 0 {
		limit = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:             cfg,
		store:           deps.Store,
		mat:             deps.Materializer,
		builder:         deps.Builder,
		publisher:       deps.Publisher,
		history:         deps.History,
		metrics:         rec,
		notifier:        notifier,
		sem:             semaphore.NewWeighted(limit),
		builds:          map[string]*entry{},
		active:          map[string]string{},
		pending:         map[string][]string{},
		events:          map[string][]job.Event{},
		nextEventSeq:    map[string]int64{},
		subscribers:     map[string]map[chan job.Event]struct{}{},
		maxEventsPerJob: 512,
		subscriberBuf:   128,
		baseCtx:         base,
		stop:            stop,

		progressSaveInterval: 5 * time.Second,
	}
}

// Start prepares directories and reloads persisted records. Builds that were
// in flight when the process stopped are failed: their workspaces may be
// half written, so they are never resumed.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.store.EnsureDirs(); err != nil {
		return err
	}
	if err := m.recoverBuilds(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		m.stop()
	}()
	return nil
}

// Shutdown cancels every in-flight build and waits for them to settle.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates req and starts (or queues) a build. With the reject
// policy a second request for a package that already has a build in
// flight fails with a Busy error.
func (m *Manager) Submit(_ context.Context, req job.Request) (*Handle, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, forgeerrors.InvalidRequest(err.Error())
	}
	if req.IconPath != "" {
		if _, err := os.Stat(req.IconPath); err != nil {
			return nil, forgeerrors.InvalidRequest(fmt.Sprintf("icon_path %q is not readable", req.IconPath))
		}
	}

	id := uuid.NewString()
	rec := job.New(id, req, time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	activeID, busy := m.active[req.PackageID]
	if busy && m.cfg.BusyPolicy != config.BusyQueue {
		m.metrics.IncBusyRejected()
		slog.Info("Rejected busy package",
			logfields.PackageID(req.PackageID),
			slog.String("active_build_id", activeID))
		return nil, forgeerrors.New(forgeerrors.KindBusy, "submit",
			fmt.Sprintf("package %s already has build %s in flight", req.PackageID, activeID))
	}

	rec.Message = "queued"
	if busy {
		rec.Message = fmt.Sprintf("queued behind build %s", activeID)
	}
	if err := m.store.Save(rec); err != nil {
		return nil, forgeerrors.IO("submit", err)
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	e := &entry{rec: rec, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	m.builds[id] = e
	m.emitEventLocked(rec, "queued")

	if busy {
		m.pending[req.PackageID] = append(m.pending[req.PackageID], id)
	} else {
		m.active[req.PackageID] = id
		m.startLocked(id)
	}
	m.metrics.SetInFlight(m.inFlightLocked())

	slog.Info("Build submitted",
		logfields.BuildID(id),
		logfields.PackageID(req.PackageID),
		logfields.OutputKind(string(req.OutputKind)),
		slog.Bool("queued", busy))
	return &Handle{ID: id, PackageID: req.PackageID, m: m, done: e.done}, nil
}

// Get returns a copy of the build record.
func (m *Manager) Get(buildID string) (*job.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.builds[buildID]
	if !ok {
		return nil, false
	}
	return e.rec.Clone(), true
}

// Handle returns a handle for an existing build.
func (m *Manager) Handle(buildID string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.builds[buildID]
	if !ok {
		return nil, false
	}
	return &Handle{ID: buildID, PackageID: e.rec.Request.PackageID, m: m, done: e.done}, true
}

// IsActive reports whether packageID has a build in flight.
func (m *Manager) IsActive(packageID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[packageID]
	return ok || len(m.pending[packageID]) > 0
}

// Cancel stops a build. A build waiting in a package queue is failed
// immediately; a running one fails once its current stage observes the
// cancellation.
func (m *Manager) Cancel(buildID string) error {
	m.mu.Lock()
	e, ok := m.builds[buildID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.rec.Terminal() {
		m.mu.Unlock()
		return ErrFinished
	}
	pkg := e.rec.Request.PackageID
	if m.active[pkg] == buildID {
		m.mu.Unlock()
		slog.Info("Cancelling build", logfields.BuildID(buildID), logfields.PackageID(pkg))
		e.cancel()
		return nil
	}

	queue := m.pending[pkg]
	for i, id := range queue {
		if id == buildID {
			m.pending[pkg] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(m.pending[pkg]) == 0 {
		delete(m.pending, pkg)
	}
	cause := forgeerrors.New(forgeerrors.KindCancelled, "cancel", "cancelled before start")
	m.failLocked(e, cause, nil, "")
	m.mu.Unlock()

	e.cancel()
	m.settle(e)
	return nil
}

func (m *Manager) recoverBuilds() error {
	recs, err := m.store.LoadAll()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if !rec.Terminal() {
			cause := forgeerrors.New(forgeerrors.KindCancelled, "recover", "interrupted by restart")
			res := &job.Result{Outcome: job.OutcomeFailure, ErrorKind: string(forgeerrors.KindCancelled), Error: cause.Error()}
			if err := rec.MarkFailed(time.Now(), string(forgeerrors.KindCancelled), "interrupted by restart", cause, res); err != nil {
				return err
			}
			if err := m.store.Save(rec); err != nil {
				return err
			}
			slog.Warn("Failed build interrupted by restart", logfields.BuildID(rec.ID), logfields.PackageID(rec.Request.PackageID))
		}
		done := make(chan struct{})
		close(done)
		m.builds[rec.ID] = &entry{rec: rec, ctx: m.baseCtx, cancel: func() {}, done: done}
	}
	return nil
}

func (m *Manager) startLocked(id string) {
	m.wg.Add(1)
	go m.process(id)
}

func (m *Manager) process(id string) {
	defer m.wg.Done()

	m.mu.RLock()
	e := m.builds[id]
	req := e.rec.Request
	m.mu.RUnlock()
	ctx := e.ctx

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.fail(e, forgeerrors.Wrap(forgeerrors.KindCancelled, "schedule", err), nil, "")
		return
	}
	defer m.sem.Release(1)

	start := time.Now()
	if !m.advance(e, job.StateMaterializing, "materializing workspace") {
		return
	}
	stageStart := time.Now()
	ws, err := m.mat.Materialize(ctx, req)
	m.metrics.ObserveStageDuration("materialize", time.Since(stageStart))
	if err != nil {
		m.fail(e, err, nil, "")
		return
	}
	m.mu.Lock()
	e.rec.WorkspaceDir = ws.Root
	m.mu.Unlock()

	if !m.advance(e, job.StateInvoking, "running gradle") {
		return
	}
	stageStart = time.Now()
	result, err := m.builder.Build(ctx, builder.BuildJob{
		ID:         id,
		PackageID:  req.PackageID,
		WorkDir:    ws.Root,
		LogsDir:    ws.LogsDir(),
		OutputKind: req.OutputKind,
		Progress:   m.progressUpdater(id),
	})
	m.metrics.ObserveStageDuration("invoke", time.Since(stageStart))
	m.keepConsoleLog(id, ws)
	toolLog := m.toolLog(id, result)
	if err != nil {
		report := m.writeDiagnosticsReport(id, ws)
		summary := ""
		if forgeerrors.IsKind(err, forgeerrors.KindToolFailure) {
			summary = inferFailure(report, result.Message, err)
		}
		exit := result.ExitCode
		m.fail(e, withToolLog(err, toolLog), &exit, summary)
		return
	}

	if !m.advance(e, job.StateLocating, "locating artifact") {
		return
	}
	stageStart = time.Now()
	path, err := publish.Locate(ws.Root, req.OutputKind)
	if err != nil {
		m.fail(e, withToolLog(err, toolLog), &result.ExitCode, "")
		return
	}
	art, err := m.publisher.Publish(path, req.PackageID, req.OutputKind)
	m.metrics.ObserveStageDuration("publish", time.Since(stageStart))
	if err != nil {
		m.fail(e, withToolLog(err, toolLog), &result.ExitCode, "")
		return
	}

	exit := result.ExitCode
	res := &job.Result{
		Outcome:      job.OutcomeSuccess,
		ArtifactPath: art.Name,
		DownloadURL:  m.cfg.DownloadURL(art.Name),
		SHA256:       art.SHA256,
		Size:         art.Size,
		ToolLog:      toolLog,
		ExitCode:     &exit,
		Duration:     time.Since(start),
	}
	m.mu.Lock()
	if err := e.rec.MarkPublished(time.Now(), "published "+art.Name, res); err != nil {
		m.mu.Unlock()
		m.fail(e, forgeerrors.Wrap(forgeerrors.KindInternal, "publish", err).WithLog(toolLog), &exit, "")
		return
	}
	e.rec.CurrentStep = string(job.StatePublished)
	m.saveLocked(e.rec)
	m.emitEventLocked(e.rec, "published")
	m.mu.Unlock()

	slog.Info("Build published",
		logfields.BuildID(id),
		logfields.PackageID(req.PackageID),
		logfields.Path(art.Path),
		logfields.Duration(res.Duration))

	if !m.cfg.RetainOnSuccess {
		if err := m.mat.Discard(req.PackageID); err != nil {
			slog.Warn("Failed to discard workspace", logfields.BuildID(id), logfields.Error(err))
		}
	}
	m.settle(e)
}

// advance moves the record to the next stage unless the build was
// cancelled in between.
func (m *Manager) advance(e *entry, next job.State, message string) bool {
	if err := e.ctx.Err(); err != nil {
		m.fail(e, forgeerrors.Wrap(forgeerrors.KindCancelled, "schedule", err), nil, "")
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := e.rec.Transition(next, time.Now(), message); err != nil {
		slog.Error("Invalid build transition", logfields.BuildID(e.rec.ID), logfields.Error(err))
		return false
	}
	e.rec.CurrentStep = string(next)
	m.saveLocked(e.rec)
	m.emitEventLocked(e.rec, "state")
	return true
}

// withToolLog attaches the tool output to failures raised after the tool
// ran, so an ArtifactNotFound still shows what Gradle printed.
func withToolLog(err error, toolLog string) error {
	if toolLog == "" || forgeerrors.LogOf(err) != "" {
		return err
	}
	var be *forgeerrors.BuildError
	if errors.As(err, &be) {
		return be.WithLog(toolLog)
	}
	return forgeerrors.Wrap(forgeerrors.KindInternal, "build", err).WithLog(toolLog)
}

func (m *Manager) fail(e *entry, cause error, exitCode *int, summary string) {
	m.mu.Lock()
	m.failLocked(e, cause, exitCode, summary)
	m.mu.Unlock()
	m.settle(e)
}

func (m *Manager) failLocked(e *entry, cause error, exitCode *int, summary string) {
	kind := forgeerrors.KindOf(cause)
	if summary == "" {
		summary = cause.Error()
	}
	res := &job.Result{
		Outcome:   job.OutcomeFailure,
		ErrorKind: string(kind),
		Error:     cause.Error(),
		ToolLog:   forgeerrors.LogOf(cause),
		ExitCode:  exitCode,
	}
	if e.rec.StartedAt != nil {
		res.Duration = time.Since(*e.rec.StartedAt)
	}
	if err := e.rec.MarkFailed(time.Now(), string(kind), summary, cause, res); err != nil {
		slog.Error("Cannot mark build failed", logfields.BuildID(e.rec.ID), logfields.Error(err))
		return
	}
	e.rec.CurrentStep = string(job.StateFailed)
	m.saveLocked(e.rec)
	m.emitEventLocked(e.rec, "failed")
	slog.Warn("Build failed",
		logfields.BuildID(e.rec.ID),
		logfields.PackageID(e.rec.Request.PackageID),
		logfields.Kind(string(kind)),
		logfields.Error(cause))
}

// settle runs the terminal side effects, then releases the package slot and
// hands it to the next queued build for the same package.
func (m *Manager) settle(e *entry) {
	m.mu.RLock()
	rec := e.rec.Clone()
	m.mu.RUnlock()

	m.writeBuildManifest(rec)
	m.recordHistory(rec)
	m.publishNotification(rec)

	outcome := metrics.OutcomePublished
	if rec.State == job.StateFailed {
		outcome = metrics.OutcomeFailed
	}
	m.metrics.IncBuildOutcome(outcome, rec.FailureKind)
	m.metrics.ObserveBuildDuration(time.Since(rec.CreatedAt))

	m.mu.Lock()
	defer m.mu.Unlock()
	pkg := rec.Request.PackageID
	if m.active[pkg] == rec.ID {
		delete(m.active, pkg)
		if queue := m.pending[pkg]; len(queue) > 0 {
			next := queue[0]
			if len(queue) == 1 {
				delete(m.pending, pkg)
			} else {
				m.pending[pkg] = queue[1:]
			}
			m.active[pkg] = next
			m.startLocked(next)
		}
	}
	e.cancel()
	close(e.done)
	m.metrics.SetInFlight(m.inFlightLocked())
}

func (m *Manager) recordHistory(rec *job.Record) {
	if m.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := rec.Request
	app := history.AppRecord{
		PackageID:   req.PackageID,
		AppName:     req.AppName,
		TargetURL:   req.TargetURL,
		VersionName: req.VersionName,
		VersionCode: req.VersionCode,
		LastBuildID: rec.ID,
		LastState:   string(rec.State),
		UpdatedAt:   rec.UpdatedAt,

		ContactEmail: req.ContactEmail,
	}
	if rec.State == job.StatePublished && rec.Result != nil {
		switch req.OutputKind {
		case job.OutputBundle:
			app.AABName = rec.Result.ArtifactPath
		default:
			app.APKName = rec.Result.ArtifactPath
		}
	}
	if err := m.history.Upsert(ctx, app); err != nil {
		slog.Warn("Failed to record app history", logfields.BuildID(rec.ID), logfields.Error(err))
	}

	outcome := history.BuildOutcome{
		BuildID:     rec.ID,
		PackageID:   req.PackageID,
		OutputKind:  string(req.OutputKind),
		State:       string(rec.State),
		FailureKind: rec.FailureKind,
		Summary:     rec.FailureSummary,
		ExitCode:    rec.ExitCode,
		FinishedAt:  rec.UpdatedAt,
	}
	if rec.Result != nil {
		outcome.DurationMS = rec.Result.Duration.Milliseconds()
	}
	if err := m.history.RecordBuild(ctx, outcome); err != nil {
		slog.Warn("Failed to record build history", logfields.BuildID(rec.ID), logfields.Error(err))
	}
}

func (m *Manager) publishNotification(rec *job.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n := notify.Notification{
		BuildID:        rec.ID,
		PackageID:      rec.Request.PackageID,
		AppName:        rec.Request.AppName,
		OutputKind:     string(rec.Request.OutputKind),
		State:          string(rec.State),
		ContactEmail:   rec.Request.ContactEmail,
		FailureKind:    rec.FailureKind,
		FailureSummary: rec.FailureSummary,
		At:             rec.UpdatedAt,
	}
	if rec.Result != nil {
		n.DownloadURL = rec.Result.DownloadURL
	}
	if err := m.notifier.Publish(ctx, n); err != nil {
		slog.Warn("Failed to publish build notification", logfields.BuildID(rec.ID), logfields.Error(err))
	}
}

// progressUpdater applies tool progress to the record. Every update emits
// an event; the record file is rewritten at most once per
// progressSaveInterval.
func (m *Manager) progressUpdater(buildID string) builder.ProgressFunc {
	var lastSaved time.Time
	return func(update builder.ProgressUpdate) {
		m.mu.Lock()
		defer m.mu.Unlock()

		e, ok := m.builds[buildID]
		if !ok || e.rec.State != job.StateInvoking {
			return
		}
		now := update.HeartbeatAt.UTC()
		if update.HeartbeatAt.IsZero() {
			now = time.Now().UTC()
		}
		e.rec.UpdatedAt = now
		e.rec.HeartbeatAt = &now
		if update.Step != "" {
			e.rec.CurrentStep = update.Step
		}
		if update.Message != "" {
			e.rec.Message = update.Message
		}
		m.emitEventLocked(e.rec, "progress")
		if now.Sub(lastSaved) >= m.progressSaveInterval {
			lastSaved = now
			m.saveLocked(e.rec)
		}
	}
}

func (m *Manager) saveLocked(rec *job.Record) {
	if err := m.store.Save(rec); err != nil {
		slog.Error("Failed to persist build record", logfields.BuildID(rec.ID), logfields.Error(err))
	}
}

func (m *Manager) inFlightLocked() int {
	n := 0
	for _, e := range m.builds {
		if !e.rec.Terminal() {
			n++
		}
	}
	return n
}
