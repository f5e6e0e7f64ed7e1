package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("apkforge"),
		kong.Description("Builds Android APK/AAB packages from a template project."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := kctx.Run(&Global{Logger: slog.Default()}, &cli); err != nil {
		slog.Error("apkforge failed", "command", kctx.Command(), "error", err)
		os.Exit(1)
	}
}
