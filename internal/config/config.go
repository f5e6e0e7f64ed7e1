package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr                = ":8080"
	defaultAuthHeader                = "X-Build-Token"
	defaultBaseURL                   = "http://localhost:8080"
	defaultMaxUploadBytes      int64 = 16 << 20
	defaultBuildTimeout              = 10 * time.Minute
	defaultMaxConcurrentBuilds       = 2
	defaultWorkspaceRetention        = 72 * time.Hour
	defaultReapInterval              = time.Hour
	defaultRateLimit                 = 5.0
	defaultRateBurst                 = 10
	defaultDiscoveryService          = "_apkforge._tcp"
	defaultNATSSubject               = "apkforge.builds"
)

// BusyPolicy decides what happens to a request for a package id that is already building.
type BusyPolicy string

const (
	BusyReject BusyPolicy = "reject"
	BusyQueue  BusyPolicy = "queue"
)

// Markers are the placeholder strings the template project ships with.
type Markers struct {
	PackageID      string `yaml:"package_id"`
	PlaceholderURL string `yaml:"placeholder_url"`
	EntryPoint     string `yaml:"entry_point"`
	IconSlot       string `yaml:"icon_slot"`
}

// Config controls server and build behavior.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	BaseDir    string `yaml:"base_dir"`
	BaseURL    string `yaml:"base_url"`

	// TemplateDir, WorkspaceDir and PublishDir default to subdirectories of BaseDir.
	TemplateDir  string `yaml:"template_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`
	PublishDir   string `yaml:"publish_dir"`
	HistoryDB    string `yaml:"history_db"`

	Token          string   `yaml:"token"`
	AuthHeader     string   `yaml:"auth_header"`
	Allowlist      []string `yaml:"allowlist"`
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`

	BuildTimeout        time.Duration `yaml:"build_timeout"`
	MaxConcurrentBuilds int           `yaml:"max_concurrent_builds"`
	BusyPolicy          BusyPolicy    `yaml:"busy_policy"`
	GradleArgs          []string      `yaml:"gradle_args"`
	Markers             Markers       `yaml:"markers"`

	RetainOnSuccess    bool          `yaml:"retain_on_success"`
	WorkspaceRetention time.Duration `yaml:"workspace_retention"`
	ReapInterval       time.Duration `yaml:"reap_interval"`

	DiscoveryEnabled  bool   `yaml:"discovery_enabled"`
	DiscoveryService  string `yaml:"discovery_service"`
	DiscoveryInstance string `yaml:"discovery_instance"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

func DefaultMarkers() Markers {
	return Markers{
		PackageID:      "com.example.app",
		PlaceholderURL: "https://www.example.com",
		EntryPoint:     "app/src/main/java/com/example/app/MainActivity.java",
		IconSlot:       "app/src/main/res/mipmap-hdpi/ic_launcher.png",
	}
}

func Default() Config {
	return Config{
		ListenAddr:          defaultListenAddr,
		BaseURL:             defaultBaseURL,
		AuthHeader:          defaultAuthHeader,
		RateLimit:           defaultRateLimit,
		RateBurst:           defaultRateBurst,
		MaxUploadBytes:      defaultMaxUploadBytes,
		BuildTimeout:        defaultBuildTimeout,
		MaxConcurrentBuilds: defaultMaxConcurrentBuilds,
		BusyPolicy:          BusyReject,
		Markers:             DefaultMarkers(),
		RetainOnSuccess:     true,
		WorkspaceRetention:  defaultWorkspaceRetention,
		ReapInterval:        defaultReapInterval,
		DiscoveryService:    defaultDiscoveryService,
		NATSSubject:         defaultNATSSubject,
	}
}

// Load builds a Config from defaults, an optional YAML file, an optional
// .env file and APKFORGE_* environment variables, in that order.
func Load(path string) (Config, error) {
	// .env never overrides variables already present in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv("APKFORGE_CONFIG"))
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func FromEnv() (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ListenAddr = getEnv("APKFORGE_LISTEN_ADDR", c.ListenAddr)
	c.BaseDir = getEnv("APKFORGE_BASE_DIR", c.BaseDir)
	c.BaseURL = getEnv("APKFORGE_BASE_URL", c.BaseURL)
	c.TemplateDir = getEnv("APKFORGE_TEMPLATE_DIR", c.TemplateDir)
	c.WorkspaceDir = getEnv("APKFORGE_WORKSPACE_DIR", c.WorkspaceDir)
	c.PublishDir = getEnv("APKFORGE_PUBLISH_DIR", c.PublishDir)
	c.HistoryDB = getEnv("APKFORGE_HISTORY_DB", c.HistoryDB)
	c.Token = getEnv("APKFORGE_TOKEN", c.Token)
	c.AuthHeader = getEnv("APKFORGE_AUTH_HEADER", c.AuthHeader)
	if v := os.Getenv("APKFORGE_ALLOWLIST"); strings.TrimSpace(v) != "" {
		c.Allowlist = parseCSV(v)
	}
	if v := os.Getenv("APKFORGE_GRADLE_ARGS"); strings.TrimSpace(v) != "" {
		c.GradleArgs = strings.Fields(v)
	}
	c.BusyPolicy = BusyPolicy(getEnv("APKFORGE_BUSY_POLICY", string(c.BusyPolicy)))
	c.DiscoveryService = getEnv("APKFORGE_DISCOVERY_SERVICE", c.DiscoveryService)
	c.DiscoveryInstance = getEnv("APKFORGE_DISCOVERY_INSTANCE", c.DiscoveryInstance)
	c.NATSURL = getEnv("APKFORGE_NATS_URL", c.NATSURL)
	c.NATSSubject = getEnv("APKFORGE_NATS_SUBJECT", c.NATSSubject)

	if v := strings.TrimSpace(os.Getenv("APKFORGE_MAX_UPLOAD_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse APKFORGE_MAX_UPLOAD_BYTES: %w", err)
		}
		c.MaxUploadBytes = n
	}
	if v := strings.TrimSpace(os.Getenv("APKFORGE_MAX_CONCURRENT_BUILDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse APKFORGE_MAX_CONCURRENT_BUILDS: %w", err)
		}
		c.MaxConcurrentBuilds = n
	}
	if v := strings.TrimSpace(os.Getenv("APKFORGE_RATE_LIMIT")); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse APKFORGE_RATE_LIMIT: %w", err)
		}
		c.RateLimit = n
	}
	if v := strings.TrimSpace(os.Getenv("APKFORGE_RATE_BURST")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse APKFORGE_RATE_BURST: %w", err)
		}
		c.RateBurst = n
	}
	for key, dst := range map[string]*time.Duration{
		"APKFORGE_BUILD_TIMEOUT":       &c.BuildTimeout,
		"APKFORGE_WORKSPACE_RETENTION": &c.WorkspaceRetention,
		"APKFORGE_REAP_INTERVAL":       &c.ReapInterval,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = d
		}
	}
	for key, dst := range map[string]*bool{
		"APKFORGE_RETAIN_ON_SUCCESS":  &c.RetainOnSuccess,
		"APKFORGE_DISCOVERY_ENABLED": &c.DiscoveryEnabled,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return errors.New("base dir is required")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen addr is required")
	}
	if strings.TrimSpace(c.AuthHeader) == "" {
		return errors.New("auth header is required")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || !u.IsAbs() {
		return fmt.Errorf("base url must be absolute, got %q", c.BaseURL)
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be > 0")
	}
	if c.BuildTimeout <= 0 {
		return errors.New("build timeout must be > 0")
	}
	if c.MaxConcurrentBuilds <= 0 {
		return errors.New("max concurrent builds must be > 0")
	}
	if c.BusyPolicy != BusyReject && c.BusyPolicy != BusyQueue {
		return fmt.Errorf("busy policy must be %q or %q, got %q", BusyReject, BusyQueue, c.BusyPolicy)
	}
	if c.WorkspaceRetention < 0 {
		return errors.New("workspace retention must be >= 0")
	}
	if c.ReapInterval <= 0 {
		return errors.New("reap interval must be > 0")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("rate limit and burst must be >= 0")
	}
	if strings.TrimSpace(c.Markers.PackageID) == "" || strings.TrimSpace(c.Markers.PlaceholderURL) == "" {
		return errors.New("template markers are required")
	}
	if strings.TrimSpace(c.Markers.EntryPoint) == "" || strings.TrimSpace(c.Markers.IconSlot) == "" {
		return errors.New("template entry point and icon slot are required")
	}
	for _, entry := range c.Allowlist {
		if err := validateAllowEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) TemplateRoot() string {
	return c.dirOr(c.TemplateDir, "template")
}

func (c Config) WorkspaceRoot() string {
	return c.dirOr(c.WorkspaceDir, "workspaces")
}

func (c Config) PublishRoot() string {
	return c.dirOr(c.PublishDir, "builds")
}

func (c Config) BuildsDir() string {
	return filepath.Join(c.BaseDir, "records")
}

func (c Config) UploadsDir() string {
	return filepath.Join(c.BaseDir, "uploads")
}

func (c Config) HistoryPath() string {
	if strings.TrimSpace(c.HistoryDB) != "" {
		return c.HistoryDB
	}
	return filepath.Join(c.BaseDir, "history.db")
}

// DownloadURL is the public link for a published artifact name.
func (c Config) DownloadURL(artifactName string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/artifacts/" + url.PathEscape(artifactName)
}

func (c Config) AllowlistEnabled() bool {
	return len(c.Allowlist) > 0
}

func (c Config) dirOr(dir, sub string) string {
	if strings.TrimSpace(dir) != "" {
		return dir
	}
	return filepath.Join(c.BaseDir, sub)
}

func getEnv(k, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return fallback
}

func parseCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func validateAllowEntry(entry string) error {
	if entry == "" {
		return errors.New("allowlist entry cannot be empty")
	}
	if strings.Contains(entry, "/") {
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("invalid allowlist cidr %q: %w", entry, err)
		}
		return nil
	}
	if ip := net.ParseIP(entry); ip == nil {
		return fmt.Errorf("invalid allowlist ip %q", entry)
	}
	return nil
}
