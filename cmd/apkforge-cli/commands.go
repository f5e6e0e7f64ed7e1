package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fleepzon/apkforge/internal/client"
	"github.com/fleepzon/apkforge/internal/job"
)

type StatusCmd struct {
	BuildID string `arg:"" name:"build-id"`
}

func (s *StatusCmd) Run(root *CLI) error {
	c, err := root.client()
	if err != nil {
		return err
	}
	rec, err := c.GetBuild(context.Background(), s.BuildID)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

type WaitCmd struct {
	BuildID      string        `arg:"" name:"build-id"`
	Poll         time.Duration `help:"Status polling interval" default:"2s"`
	StreamEvents bool          `help:"Stream server events (SSE) instead of polling"`
	Timeout      time.Duration `help:"Give up after this long (0 waits forever)"`
}

func (w *WaitCmd) Run(root *CLI) error {
	c, err := root.client()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	rec, err := waitForTerminal(ctx, c, w.BuildID, w.Poll, w.StreamEvents)
	if err != nil {
		return err
	}
	if err := printJSON(rec); err != nil {
		return err
	}
	if rec.State == job.StateFailed {
		return fmt.Errorf("build failed: %s", rec.Error)
	}
	return nil
}

type LogsCmd struct {
	BuildID string `arg:"" name:"build-id"`
	Tail    int    `help:"Only print the last N lines" default:"200"`
	Bundle  string `help:"Save the workspace log bundle (zip) to this path instead"`
	Extract string `help:"Extract the log bundle into this directory instead"`
}

func (l *LogsCmd) Run(root *CLI) error {
	c, err := root.client()
	if err != nil {
		return err
	}
	ctx := context.Background()
	switch {
	case l.Extract != "":
		var buf bytes.Buffer
		if err := c.DownloadLogBundle(ctx, l.BuildID, &buf); err != nil {
			return err
		}
		dest := filepath.Join(l.Extract, l.BuildID)
		if err := client.ExtractLogBundle(buf.Bytes(), dest); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "logs extracted to %s\n", dest)
		return nil
	case l.Bundle != "":
		err := writeFile(l.Bundle, func(f *os.File) error {
			return c.DownloadLogBundle(ctx, l.BuildID, f)
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "log bundle written to %s\n", l.Bundle)
		return nil
	default:
		tail, err := c.GetLogTail(ctx, l.BuildID, l.Tail)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(stdout, tail)
		return err
	}
}

type CancelCmd struct {
	BuildID string `arg:"" name:"build-id"`
}

func (cc *CancelCmd) Run(root *CLI) error {
	c, err := root.client()
	if err != nil {
		return err
	}
	if err := c.Cancel(context.Background(), cc.BuildID); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "cancel requested: %s\n", cc.BuildID)
	return nil
}

type DownloadCmd struct {
	BuildID   string `arg:"" name:"build-id"`
	OutputDir string `help:"Directory the artifact is written into" default:"output"`
}

func (d *DownloadCmd) Run(root *CLI) error {
	c, err := root.client()
	if err != nil {
		return err
	}
	ctx := context.Background()
	rec, err := c.GetBuild(ctx, d.BuildID)
	if err != nil {
		return err
	}
	if rec.State != job.StatePublished || rec.Result == nil {
		return fmt.Errorf("build %s is %s, nothing to download", d.BuildID, rec.State)
	}
	dest := filepath.Join(d.OutputDir, job.ArtifactName(rec.Request.PackageID, rec.Request.OutputKind))
	if err := c.DownloadArtifact(ctx, rec.Result.DownloadURL, dest, rec.Result.SHA256); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "artifact written to %s\n", dest)
	return nil
}

type AppsCmd struct {
	Check  AppsCheckCmd  `cmd:"" help:"Report whether a package id has been built and its latest version"`
	Search AppsSearchCmd `cmd:"" help:"Search apps by package id, name or URL"`
}

type AppsCheckCmd struct {
	PackageID string `arg:"" name:"package-id"`
}

func (a *AppsCheckCmd) Run(root *CLI) error {
	c, err := root.client()
	if err != nil {
		return err
	}
	status, err := c.CheckApp(context.Background(), a.PackageID)
	if err != nil {
		return err
	}
	return printJSON(status)
}

type AppsSearchCmd struct {
	Query string `arg:"" optional:""`
	Limit int    `help:"Maximum number of results" default:"20"`
}

func (a *AppsSearchCmd) Run(root *CLI) error {
	c, err := root.client()
	if err != nil {
		return err
	}
	apps, err := c.SearchApps(context.Background(), a.Query, a.Limit)
	if err != nil {
		return err
	}
	return printJSON(apps)
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
