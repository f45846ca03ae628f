// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/gdrive-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are paths the metrics endpoint must not shadow.
var reservedRoutes = []string{"/proxy", "/healthz", "/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	TokenFile string `kong:"help='Path to the OAuth token file (overrides config).',env='GDRIVE_TOKEN_FILE'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Drive    DriveConfig    `toml:"drive"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (7000); TOML cannot distinguish 0 from unset
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// DriveConfig holds storage backend endpoints and OAuth refresh settings.
// ClientID and ClientSecret override the values stored in the token file.
type DriveConfig struct {
	APIBaseURL            string `toml:"api_base_url"`
	TokenURL              string `toml:"token_url"`
	TokenFile             string `toml:"token_file"`
	ClientID              string `toml:"client_id"`
	ClientSecret          string `toml:"client_secret"`
	RefreshTimeoutSeconds int    `toml:"refresh_timeout_seconds"`
}

// RefreshTimeout returns the refresh exchange deadline.
func (d *DriveConfig) RefreshTimeout() time.Duration {
	return time.Duration(d.RefreshTimeoutSeconds) * time.Second
}

// ProxyConfig holds range negotiation settings.
type ProxyConfig struct {
	DefaultChunk string `toml:"default_chunk"` // human size, e.g. "5MiB"

	defaultChunkBytes uint64
}

// DefaultChunkBytes returns the parsed open-ended range bound.
func (p *ProxyConfig) DefaultChunkBytes() uint64 {
	return p.defaultChunkBytes
}

// SetDefaultChunkBytes sets the open-ended range bound directly.
func (p *ProxyConfig) SetDefaultChunkBytes(n uint64) {
	p.defaultChunkBytes = n
	p.DefaultChunk = humanize.IBytes(n)
}

// UpstreamConfig holds upstream connection settings. There is deliberately no
// whole-request timeout: proxied streams may legitimately run for hours.
type UpstreamConfig struct {
	ResponseHeaderTimeoutSeconds int `toml:"response_header_timeout_seconds"`
	IdleConnections              int `toml:"idle_connections"`
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
// /etc/gdrive-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.TokenFile != "" {
		c.Drive.TokenFile = cli.TokenFile
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Drive.TokenFile == "" {
		return fmt.Errorf("drive.token_file is required")
	}
	if err := requireHTTPS("drive.api_base_url", c.Drive.APIBaseURL); err != nil {
		return err
	}
	if err := requireHTTPS("drive.token_url", c.Drive.TokenURL); err != nil {
		return err
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Drive.RefreshTimeoutSeconds < 0 {
		return fmt.Errorf("drive.refresh_timeout_seconds must be non-negative; got %d", c.Drive.RefreshTimeoutSeconds)
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.response_header_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseHeaderTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	chunk, err := humanize.ParseBytes(c.Proxy.DefaultChunk)
	if err != nil {
		return fmt.Errorf("proxy.default_chunk %q is not a byte size: %w", c.Proxy.DefaultChunk, err)
	}
	if chunk == 0 {
		return fmt.Errorf("proxy.default_chunk must be > 0")
	}
	c.Proxy.defaultChunkBytes = chunk

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func requireHTTPS(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute HTTPS URL; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7000
	}
	if c.Drive.APIBaseURL == "" {
		c.Drive.APIBaseURL = "https://www.googleapis.com/drive/v3"
	}
	c.Drive.APIBaseURL = strings.TrimRight(c.Drive.APIBaseURL, "/")
	if c.Drive.TokenURL == "" {
		c.Drive.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if c.Drive.RefreshTimeoutSeconds == 0 {
		c.Drive.RefreshTimeoutSeconds = 30
	}
	if c.Proxy.DefaultChunk == "" {
		c.Proxy.DefaultChunk = "5MiB"
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
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

// WarnPermissions logs a warning if the config file or the token file is
// readable by group or others. Both hold OAuth client secrets.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	for _, p := range []string{c.filePath, c.Drive.TokenFile} {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			logger.Warn("file is readable by group/others; consider chmod 600",
				"path", p,
				"mode", fmt.Sprintf("%04o", perm),
			)
		}
	}
}
