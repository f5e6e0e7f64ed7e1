package queue

import (
	"context"

	"github.com/fleepzon/apkforge/internal/job"
)

// Handle is a future for one submitted build.
type Handle struct {
	ID        string
	PackageID string

	m    *Manager
	done <-chan struct{}
}

// Done is closed once the build is terminal and its side effects (history,
// notification, slot release) have run.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the build is terminal or ctx ends, and returns the
// build's result. A failed build is reported through the result, not err.
func (h *Handle) Wait(ctx context.Context) (job.Result, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return job.Result{}, ctx.Err()
	}
	rec, ok := h.m.Get(h.ID)
	if !ok || rec.Result == nil {
		return job.Result{}, ErrNotFound
	}
	return *rec.Result, nil
}

func (h *Handle) Record() (*job.Record, bool) {
	return h.m.Get(h.ID)
}

func (h *Handle) Cancel() error {
	return h.m.Cancel(h.ID)
}
