package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/fleepzon/apkforge/internal/builder"
	"github.com/fleepzon/apkforge/internal/config"
	"github.com/fleepzon/apkforge/internal/history"
	"github.com/fleepzon/apkforge/internal/logfields"
	"github.com/fleepzon/apkforge/internal/materialize"
	"github.com/fleepzon/apkforge/internal/metrics"
	"github.com/fleepzon/apkforge/internal/notify"
	"github.com/fleepzon/apkforge/internal/publish"
	"github.com/fleepzon/apkforge/internal/queue"
	"github.com/fleepzon/apkforge/internal/store"
	"github.com/fleepzon/apkforge/internal/template"
)

const fakeBuilderEnv = "APKFORGE_USE_FAKE_BUILDER"

// stack is every long-lived component a build needs, wired from one Config.
type stack struct {
	cfg       config.Config
	templates *template.Store
	store     *store.Store
	history   *history.Store
	manager   *queue.Manager
	registry  *prom.Registry
	recorder  *metrics.PrometheusRecorder
	notifier  notify.Publisher
}

func newStack(cfg config.Config) (*stack, error) {
	s := &stack{
		cfg:       cfg,
		templates: template.FromConfig(cfg),
		store:     store.New(cfg),
		registry:  prom.NewRegistry(),
	}
	s.recorder = metrics.NewPrometheusRecorder(s.registry)

	if err := s.store.EnsureDirs(); err != nil {
		return nil, err
	}
	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return nil, err
	}
	s.history = hist

	notifier, err := notify.New(cfg.NATSURL, cfg.NATSSubject)
	if err != nil {
		// Notifications are best effort.
		slog.Warn("Build notifications disabled", logfields.Error(err))
		notifier = notify.Noop{}
	}
	s.notifier = notifier

	s.manager = queue.New(cfg, queue.Deps{
		Store:        s.store,
		Materializer: materialize.New(s.templates, cfg.WorkspaceRoot()),
		Builder:      selectBuilder(cfg),
		Publisher:    publish.New(cfg.PublishRoot()),
		History:      s.history,
		Metrics:      s.recorder,
		Notifier:     s.notifier,
	})
	return s, nil
}

// start recovers interrupted builds and seeds the template health gauge.
func (s *stack) start(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("start build queue: %w", err)
	}
	report, err := s.templates.Check()
	if err != nil || !report.Healthy {
		slog.Warn("Template is not ready", logfields.Path(s.templates.Root), slog.Any("problems", report.Problems))
	}
	s.recorder.SetTemplateHealthy(err == nil && report.Healthy)
	return nil
}

func (s *stack) close(ctx context.Context) error {
	var errs []error
	if s.manager != nil {
		errs = append(errs, s.manager.Shutdown(ctx))
	}
	if s.notifier != nil {
		errs = append(errs, s.notifier.Close())
	}
	if s.history != nil {
		errs = append(errs, s.history.Close())
	}
	return errors.Join(errs...)
}

func selectBuilder(cfg config.Config) builder.Builder {
	if strings.EqualFold(strings.TrimSpace(os.Getenv(fakeBuilderEnv)), "1") {
		slog.Info("Using fake builder")
		return &builder.FakeBuilder{}
	}
	return builder.NewGradleBuilder(cfg)
}
