package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/fleepzon/apkforge/internal/config"
)

// logOutput is where the root command sends log records.
var logOutput io.Writer = os.Stderr

// Global is shared with every subcommand.
type Global struct {
	Logger *slog.Logger
}

// CLI holds the global flags and the subcommands.
type CLI struct {
	Config    string           `short:"c" help:"YAML configuration file" env:"APKFORGE_CONFIG"`
	Verbose   bool             `short:"v" help:"Enable debug logging (same as --log-level=debug)"`
	LogLevel  string           `help:"Log level" enum:"debug,info,warn,error" default:"info"`
	LogFormat string           `help:"Log format" enum:"text,json" default:"text"`
	Version   kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the build server (default)"`
	Build    BuildCmd    `cmd:"" help:"Run one build locally and print the result"`
	Template TemplateCmd `cmd:"" help:"Inspect or provision the template project"`
	Reap     ReapCmd     `cmd:"" help:"Remove stale workspaces and uploads once"`
}

// AfterApply runs after flag parsing and installs the default logger.
func (c *CLI) AfterApply() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	if c.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		handler = slog.NewJSONHandler(logOutput, opts)
	} else {
		handler = slog.NewTextHandler(logOutput, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func (c *CLI) loadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
