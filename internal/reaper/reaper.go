// Package reaper removes stale build workspaces and icon uploads on a
// schedule.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/fleepzon/apkforge/internal/logfields"
	"github.com/fleepzon/apkforge/internal/metrics"
)

// ActivityChecker reports whether a package id has a build in flight.
type ActivityChecker interface {
	IsActive(packageID string) bool
}

type Options struct {
	WorkspaceRoot string
	UploadsDir    string
	Retention     time.Duration
	Active        ActivityChecker
	Metrics       metrics.Recorder
	// Now is overridable in tests.
	Now func() time.Time
}

// Stats summarises one sweep.
type Stats struct {
	Workspaces int
	Uploads    int
	Kept       int
}

type Reaper struct {
	opts      Options
	scheduler gocron.Scheduler
}

func New(opts Options) *Reaper {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reaper{opts: opts}
}

// Sweep removes every workspace older than the retention window whose
// package is not building, and every upload older than the window.
func (r *Reaper) Sweep(ctx context.Context) (Stats, error) {
	var stats Stats
	if r.opts.Retention <= 0 {
		return stats, nil
	}
	cutoff := r.opts.Now().Add(-r.opts.Retention)

	var errs []error
	if r.opts.WorkspaceRoot != "" {
		entries, err := os.ReadDir(r.opts.WorkspaceRoot)
		if err != nil && !os.IsNotExist(err) {
			return stats, fmt.Errorf("read workspace root: %w", err)
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if !entry.IsDir() {
				continue
			}
			pkg := entry.Name()
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) || (r.opts.Active != nil && r.opts.Active.IsActive(pkg)) {
				stats.Kept++
				continue
			}
			path := filepath.Join(r.opts.WorkspaceRoot, pkg)
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, fmt.Errorf("remove workspace %s: %w", pkg, err))
				continue
			}
			stats.Workspaces++
			slog.Debug("Reaped workspace", logfields.PackageID(pkg), logfields.Path(path))
		}
	}

	if r.opts.UploadsDir != "" {
		entries, err := os.ReadDir(r.opts.UploadsDir)
		if err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("read uploads dir: %w", err))
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || entry.IsDir() || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(r.opts.UploadsDir, entry.Name())); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("remove upload %s: %w", entry.Name(), err))
				continue
			}
			stats.Uploads++
		}
	}

	r.opts.Metrics.AddWorkspacesReaped(stats.Workspaces)
	return stats, errors.Join(errs...)
}

// Start schedules Sweep every interval until Stop is called.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.runScheduled, ctx),
		gocron.WithName("workspace-reaper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to create reaper job: %w", err)
	}
	slog.Info("Starting workspace reaper",
		slog.Duration("interval", interval),
		slog.Duration("retention", r.opts.Retention))
	s.Start()
	r.scheduler = s
	return nil
}

func (r *Reaper) Stop() error {
	if r.scheduler == nil {
		return nil
	}
	slog.Info("Stopping workspace reaper")
	return r.scheduler.Shutdown()
}

func (r *Reaper) runScheduled(ctx context.Context) {
	stats, err := r.Sweep(ctx)
	if err != nil {
		slog.Warn("Workspace reaper sweep failed", logfields.Error(err))
	}
	if stats.Workspaces > 0 || stats.Uploads > 0 {
		slog.Info("Workspace reaper sweep",
			slog.Int("workspaces", stats.Workspaces),
			slog.Int("uploads", stats.Uploads),
			slog.Int("kept", stats.Kept))
	}
}
