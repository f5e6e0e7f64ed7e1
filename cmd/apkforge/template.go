package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fleepzon/apkforge/internal/archive"
	"github.com/fleepzon/apkforge/internal/template"
)

type TemplateCmd struct {
	Check  TemplateCheckCmd  `cmd:"" help:"Verify that the template has every marker a build substitutes"`
	Import TemplateImportCmd `cmd:"" help:"Replace the template with the contents of a zip archive"`
	Sync   TemplateSyncCmd   `cmd:"" help:"Clone or pull the template from a git repository"`
}

type TemplateCheckCmd struct{}

func (t *TemplateCheckCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	report, err := template.FromConfig(cfg).Check()
	return printReport(report, err)
}

type TemplateImportCmd struct {
	Archive         string `arg:"" type:"existingfile" help:"Zip archive of the template project"`
	StripComponents int    `help:"Leading path elements to drop from every entry" default:"0"`
}

func (t *TemplateImportCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	report, err := template.FromConfig(cfg).ImportArchive(t.Archive, archive.ExtractOptions{
		Limits:          archive.DefaultLimits(),
		StripComponents: t.StripComponents,
	})
	return printReport(report, err)
}

type TemplateSyncCmd struct {
	URL string `arg:"" help:"Git repository URL"`
	Ref string `help:"Branch to check out (default: remote HEAD)"`
}

func (t *TemplateSyncCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	report, err := template.FromConfig(cfg).SyncGit(ctx, t.URL, t.Ref)
	return printReport(report, err)
}

// printReport writes the report as JSON and turns an unhealthy one into an
// error so the exit status reflects it.
func printReport(report template.Report, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Healthy {
		return fmt.Errorf("%s", report)
	}
	return nil
}
