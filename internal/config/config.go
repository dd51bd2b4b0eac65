// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/audit-proxy/config.toml",
	"configs/config.toml",
}

// DefaultStripHeaders is the deny-set of gateway-injected request headers
// that are never forwarded upstream. Names are lower-case.
var DefaultStripHeaders = []string{
	"host",
	"x-forwarded-for",
	"x-forwarded-port",
	"x-forwarded-proto",
	"x-amzn-trace-id",
	"x-api-key",
	"x-amz-date",
	"x-amz-security-token",
}

// Audit write failure policies.
const (
	AuditFailureIgnore = "ignore"
	AuditFailureFail   = "fail"
)

// Storage backends.
const (
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendFS     = "fs"
	BackendStdout = "stdout"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Upstream string `kong:"help='Upstream origin URL (overrides config).',env='UPSTREAM_URL'"`
	Bucket   string `kong:"help='Audit storage bucket (overrides config).',env='AUDIT_BUCKET'"`

	Serve   ServeCmd   `kong:"cmd,help='Run the proxy as a long-lived HTTP server.'"`
	Lambda  LambdaCmd  `kong:"cmd,default='1',help='Run the proxy as a Lambda Function URL handler (default).'"`
	Reshape ReshapeCmd `kong:"cmd,help='Republish successful audit records as static API responses.'"`
}

// ServeCmd holds flags of the serve subcommand.
type ServeCmd struct {
	Host string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
}

// LambdaCmd holds flags of the lambda subcommand.
type LambdaCmd struct{}

// ReshapeCmd holds flags of the reshape subcommand.
type ReshapeCmd struct {
	SourcePrefix string `kong:"help='Key prefix to scan for audit records (overrides config).'"`
	OutputPrefix string `kong:"help='Key prefix for republished responses (overrides config).'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Audit    AuditConfig    `toml:"audit"`
	Storage  StorageConfig  `toml:"storage"`
	Reshape  ReshapeConfig  `toml:"reshape"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// ProxyConfig controls request and response rewriting.
type ProxyConfig struct {
	StripHeaders []string `toml:"strip_headers"`
	ContentType  string   `toml:"content_type"`
}

// AuditConfig controls how audit records are written.
type AuditConfig struct {
	Prefix    string `toml:"prefix"`
	OnFailure string `toml:"on_failure"`
}

// StorageConfig selects and configures the audit blob store.
type StorageConfig struct {
	Backend  string `toml:"backend"`
	Bucket   string `toml:"bucket"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"` // S3-compatible or fake endpoint; empty uses the provider default
	Dir      string `toml:"dir"`
}

// ReshapeConfig holds settings of the reshape job.
type ReshapeConfig struct {
	SourcePrefix     string  `toml:"source_prefix"`
	OutputPrefix     string  `toml:"output_prefix"`
	MaxPutsPerSecond float64 `toml:"max_puts_per_second"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/audit-proxy/config.toml then configs/config.toml. Without any file the
// configuration comes from flags and environment alone, which then must name
// the upstream.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	switch {
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	case cli.Upstream == "":
		return nil, fmt.Errorf("config: no config file found (searched %v) and no upstream given", configSearchPaths)
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.Bucket != "" {
		c.Storage.Bucket = cli.Bucket
	}
	if cli.Serve.Host != "" {
		c.Server.Host = cli.Serve.Host
	}
	if cli.Serve.Port != 0 {
		c.Server.Port = cli.Serve.Port
	}
	if cli.Reshape.SourcePrefix != "" {
		c.Reshape.SourcePrefix = cli.Reshape.SourcePrefix
	}
	if cli.Reshape.OutputPrefix != "" {
		c.Reshape.OutputPrefix = cli.Reshape.OutputPrefix
	}
}

func (c *Config) validate() error {
	// Upstream URL: required and must be HTTPS.
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		return fmt.Errorf("upstream.base_url must be an origin without path or query; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Reshape.MaxPutsPerSecond < 0 {
		return fmt.Errorf("reshape.max_puts_per_second must be non-negative; got %v", c.Reshape.MaxPutsPerSecond)
	}

	for _, h := range c.Proxy.StripHeaders {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("proxy.strip_headers must not contain empty names")
		}
	}

	switch strings.ToLower(c.Audit.OnFailure) {
	case AuditFailureIgnore, AuditFailureFail, "":
		// valid
	default:
		return fmt.Errorf("audit.on_failure must be one of: ignore, fail; got %q", c.Audit.OnFailure)
	}
	if strings.HasPrefix(c.Audit.Prefix, "/") || strings.HasSuffix(c.Audit.Prefix, "/") {
		return fmt.Errorf("audit.prefix must not start or end with '/'; got %q", c.Audit.Prefix)
	}

	// Storage backend.
	switch strings.ToLower(c.Storage.Backend) {
	case BackendS3, BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for backend %q", c.Storage.Backend)
		}
	case BackendFS:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for backend %q", c.Storage.Backend)
		}
	case BackendStdout, "":
		// valid
	default:
		return fmt.Errorf("storage.backend must be one of: s3, gcs, fs, stdout; got %q", c.Storage.Backend)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q would shadow every proxied route", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	c.Upstream.BaseURL = strings.TrimSuffix(c.Upstream.BaseURL, "/")
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 6 * 1024 * 1024 // Function URL payload limit
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 10
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Proxy.StripHeaders == nil {
		c.Proxy.StripHeaders = append([]string(nil), DefaultStripHeaders...)
	}
	if c.Proxy.ContentType == "" {
		c.Proxy.ContentType = "application/json"
	}
	if c.Audit.Prefix == "" {
		c.Audit.Prefix = "api-logs"
	}
	c.Audit.OnFailure = strings.ToLower(c.Audit.OnFailure)
	if c.Audit.OnFailure == "" {
		c.Audit.OnFailure = AuditFailureIgnore
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendStdout
		if c.Storage.Bucket != "" {
			c.Storage.Backend = BackendS3
		}
	}
	if c.Reshape.SourcePrefix == "" {
		c.Reshape.SourcePrefix = c.Audit.Prefix + "/"
	}
	if c.Reshape.OutputPrefix == "" {
		c.Reshape.OutputPrefix = "api/"
	}
	if c.Reshape.MaxPutsPerSecond == 0 {
		c.Reshape.MaxPutsPerSecond = 50
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
