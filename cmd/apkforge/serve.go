package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fleepzon/apkforge/internal/config"
	"github.com/fleepzon/apkforge/internal/discovery"
	"github.com/fleepzon/apkforge/internal/logfields"
	"github.com/fleepzon/apkforge/internal/metrics"
	"github.com/fleepzon/apkforge/internal/reaper"
	"github.com/fleepzon/apkforge/internal/server"
	"github.com/fleepzon/apkforge/internal/template"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd runs the HTTP build server.
type ServeCmd struct {
	Listen string `help:"Override the listen address (host:port)"`
	NoReap bool   `help:"Do not schedule the workspace reaper"`
}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if s.Listen != "" {
		cfg.ListenAddr = s.Listen
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return runServer(ctx, cfg, !s.NoReap)
}

func runServer(ctx context.Context, cfg config.Config, reap bool) error {
	st, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := st.close(closeCtx); err != nil {
			slog.Warn("Shutdown incomplete", logfields.Error(err))
		}
	}()
	if err := st.start(ctx); err != nil {
		return err
	}

	go func() {
		err := st.templates.Watch(ctx, func(report template.Report) {
			st.recorder.SetTemplateHealthy(report.Healthy)
		})
		if err != nil {
			slog.Warn("Template watcher stopped", logfields.Error(err))
		}
	}()

	if reap {
		r := reaper.New(reaper.Options{
			WorkspaceRoot: cfg.WorkspaceRoot(),
			UploadsDir:    cfg.UploadsDir(),
			Retention:     cfg.WorkspaceRetention,
			Active:        st.manager,
			Metrics:       st.recorder,
		})
		if err := r.Start(ctx, cfg.ReapInterval); err != nil {
			return err
		}
		defer func() { _ = r.Stop() }()
	}

	api := server.New(cfg, st.manager, server.Deps{
		Store:     st.store,
		History:   st.history,
		Templates: st.templates,
		Metrics:   metrics.HTTPHandler(st.registry),
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if advertiser := startAdvertiser(cfg); advertiser != nil {
		defer advertiser.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("apkforge server listening", slog.String("addr", cfg.ListenAddr), slog.String("base_url", cfg.BaseURL))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// startAdvertiser registers the mDNS record. Failures only disable discovery.
func startAdvertiser(cfg config.Config) *discovery.Advertiser {
	if !cfg.DiscoveryEnabled {
		return nil
	}
	port, err := discovery.ParseListenPort(cfg.ListenAddr)
	if err != nil {
		slog.Warn("Discovery advertisement disabled", logfields.Error(err))
		return nil
	}
	instance := cfg.DiscoveryInstance
	if instance == "" {
		instance = hostFallback()
	}
	advertiser, err := discovery.StartAdvertiser(discovery.Advertisement{
		Instance: instance,
		Service:  cfg.DiscoveryService,
		Port:     port,
		Text:     discovery.TXTRecord(version, cfg.AuthHeader, cfg.Token != ""),
	})
	if err != nil {
		slog.Warn("Failed to start discovery advertisement", logfields.Error(err))
		return nil
	}
	return advertiser
}

func hostFallback() string {
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		return discovery.DefaultInstance
	}
	return strings.TrimSpace(hostname)
}
