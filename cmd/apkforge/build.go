package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleepzon/apkforge/internal/config"
	"github.com/fleepzon/apkforge/internal/job"
)

var stdout io.Writer = os.Stdout

// BuildCmd runs a single build in-process, without the HTTP server.
type BuildCmd struct {
	AppName     string `name:"name" required:"" help:"Display name of the app"`
	PackageID   string `name:"package" required:"" help:"Android package id, e.g. com.acme.shop"`
	TargetURL   string `name:"url" required:"" help:"URL the app opens"`
	Icon        string `help:"PNG launcher icon" type:"existingfile"`
	Output      string `help:"Output kind (apk or aab)" enum:"apk,aab,binary,bundle" default:"apk"`
	VersionName string `help:"versionName written into the build"`
	VersionCode int    `help:"versionCode written into the build"`
	Contact     string `name:"contact-email" help:"Address the download link is e-mailed to"`
}

func (b *BuildCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	res, err := runLocalBuild(ctx, cfg, b.request())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("build failed (%s): %s", res.ErrorKind, res.Error)
	}
	return nil
}

func (b *BuildCmd) request() job.Request {
	kind, _ := job.ParseOutputKind(b.Output)
	return job.Request{
		AppName:     b.AppName,
		PackageID:   b.PackageID,
		TargetURL:   b.TargetURL,
		IconPath:    b.Icon,
		OutputKind:  kind,
		VersionName: b.VersionName,
		VersionCode: b.VersionCode,

		ContactEmail: b.Contact,
	}
}

// runLocalBuild submits req to a private queue and waits for its result.
// Interrupting ctx cancels the build.
func runLocalBuild(ctx context.Context, cfg config.Config, req job.Request) (job.Result, error) {
	st, err := newStack(cfg)
	if err != nil {
		return job.Result{}, err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		_ = st.close(closeCtx)
	}()
	if err := st.start(context.Background()); err != nil {
		return job.Result{}, err
	}

	h, err := st.manager.Submit(ctx, req)
	if err != nil {
		return job.Result{}, err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		// Interrupted: cancel and report whatever the build settled to.
		_ = h.Cancel()
		return h.Wait(context.Background())
	}
	return res, nil
}
