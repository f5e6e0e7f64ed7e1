package template

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleepzon/apkforge/internal/logfields"
)

const watchDebounce = 500 * time.Millisecond

// Watch re-runs Check whenever something under the root changes and passes
// the report to onChange. It runs until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(Report)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer watcher.Close()

	if err := addDirsRecursive(watcher, s.Root); err != nil {
		return fmt.Errorf("watch template %s: %w", s.Root, err)
	}
	// The root may be replaced wholesale by an import, so watch its parent too.
	_ = watcher.Add(filepath.Dir(s.Root))

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	trigger := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = addDirsRecursive(watcher, ev.Name)
				}
			}
			trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("template watcher error", logfields.Error(err))
		case <-fire:
			report, err := s.Check()
			if err != nil {
				slog.Warn("template check failed", logfields.Path(s.Root), logfields.Error(err))
			} else if !report.Healthy {
				slog.Warn("template unhealthy", logfields.Path(s.Root), slog.Any("problems", report.Problems))
			}
			if onChange != nil {
				onChange(report)
			}
		}
	}
}

func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		switch d.Name() {
		case "build", ".gradle", ".git":
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			slog.Warn("watch add failed", logfields.Path(path), logfields.Error(err))
		}
		return nil
	})
}
