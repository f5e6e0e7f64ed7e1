package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fleepzon/apkforge/internal/reaper"
	"github.com/fleepzon/apkforge/internal/store"
)

// ReapCmd runs one reaper sweep. Packages with a non-terminal build record
// on disk are left alone, so it is safe next to a running server.
type ReapCmd struct {
	Retention time.Duration `help:"Override the workspace retention window"`
}

func (r *ReapCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if r.Retention > 0 {
		cfg.WorkspaceRetention = r.Retention
	}
	active, err := recordedActivity(store.New(cfg))
	if err != nil {
		return err
	}
	stats, err := reaper.New(reaper.Options{
		WorkspaceRoot: cfg.WorkspaceRoot(),
		UploadsDir:    cfg.UploadsDir(),
		Retention:     cfg.WorkspaceRetention,
		Active:        active,
	}).Sweep(context.Background())
	fmt.Fprintf(stdout, "removed %d workspaces and %d uploads, kept %d\n", stats.Workspaces, stats.Uploads, stats.Kept)
	return err
}

type packageSet map[string]bool

func (p packageSet) IsActive(packageID string) bool {
	return p[packageID]
}

func recordedActivity(st *store.Store) (packageSet, error) {
	records, err := st.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load build records: %w", err)
	}
	active := packageSet{}
	for _, rec := range records {
		if !rec.Terminal() {
			active[rec.Request.PackageID] = true
		}
	}
	return active, nil
}
