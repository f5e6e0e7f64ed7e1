package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/fleepzon/apkforge/internal/client"
	"github.com/fleepzon/apkforge/internal/discovery"
)

var version = "dev"

var (
	discoverFn           = discovery.Discover
	stdout     io.Writer = os.Stdout
)

// CLI holds the connection flags shared by every subcommand.
type CLI struct {
	Server          string           `help:"Build server base URL (auto-discovered when empty)" env:"APKFORGE_SERVER"`
	Discover        bool             `help:"Auto-discover the server over mDNS when --server is empty" default:"true" negatable:""`
	DiscoverTimeout time.Duration    `help:"mDNS discovery timeout" default:"2s"`
	DiscoverService string           `help:"mDNS service name" default:"${discover_service}"`
	DiscoverDomain  string           `help:"mDNS domain" default:"${discover_domain}"`
	Token           string           `help:"Auth token" env:"APKFORGE_TOKEN"`
	AuthHeader      string           `help:"Auth header (defaults to the advertised one, then X-Build-Token)" env:"APKFORGE_AUTH_HEADER"`
	Verbose         bool             `short:"v" help:"Enable debug logging"`
	Version         kong.VersionFlag `name:"version" help:"Show version and exit"`

	Submit   SubmitCmd   `cmd:"" default:"withargs" help:"Submit a build and wait for the artifact"`
	Status   StatusCmd   `cmd:"" help:"Show a build record"`
	Wait     WaitCmd     `cmd:"" help:"Wait until a build is terminal"`
	Logs     LogsCmd     `cmd:"" help:"Print a build's console log or save its log bundle"`
	Cancel   CancelCmd   `cmd:"" help:"Cancel a queued or running build"`
	Download DownloadCmd `cmd:"" help:"Download a published artifact and verify its checksum"`
	Apps     AppsCmd     `cmd:"" help:"Query the app history"`
}

func (c *CLI) AfterApply() error {
	level := slog.LevelWarn
	if c.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("apkforge-cli"),
		kong.Description("Remote client for the apkforge build server."),
		kong.UsageOnError(),
		kong.Vars{
			"version":          version,
			"discover_service": discovery.DefaultServiceName,
			"discover_domain":  discovery.DefaultDomain,
		},
	)
	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", kctx.Command(), err)
		os.Exit(1)
	}
}

// client resolves the server and returns a configured HTTP client.
func (c *CLI) client() (*client.HTTPClient, error) {
	endpoint, err := resolveServerURL(c.Server, c.Discover, c.DiscoverTimeout, c.DiscoverService, c.DiscoverDomain)
	if err != nil {
		return nil, err
	}
	header := strings.TrimSpace(c.AuthHeader)
	if header == "" {
		header = endpoint.AuthHeader
	}
	if endpoint.TokenRequired && strings.TrimSpace(c.Token) == "" {
		slog.Warn("Server requires a token; pass --token or set APKFORGE_TOKEN")
	}
	return &client.HTTPClient{BaseURL: endpoint.URL, Token: c.Token, AuthHeader: header}, nil
}

func resolveServerURL(
	explicit string,
	discover bool,
	timeout time.Duration,
	service string,
	domain string,
) (discovery.Endpoint, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		return discovery.Endpoint{URL: explicit}, nil
	}
	if !discover {
		return discovery.Endpoint{}, errors.New("server is required when discovery is disabled; pass --server")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	endpoint, err := discoverFn(ctx, service, domain)
	if err != nil {
		return discovery.Endpoint{}, fmt.Errorf("discover server via mDNS: %w", err)
	}
	fmt.Fprintf(stdout, "discovered server: %s (instance=%s host=%s version=%s)\n", endpoint.URL, endpoint.Instance, endpoint.HostName, endpoint.Version)
	return endpoint, nil
}
