package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalDrive = `
[drive]
token_file = "/var/lib/gdrive-proxy/token.json"
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000

[drive]
api_base_url = "https://www.googleapis.com/drive/v3/"
token_url = "https://oauth2.googleapis.com/token"
token_file = "/var/lib/gdrive-proxy/token.json"
client_id = "client-id"
refresh_timeout_seconds = 10

[proxy]
default_chunk = "2MiB"

[upstream]
response_header_timeout_seconds = 15
idle_connections = 50

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Drive.APIBaseURL != "https://www.googleapis.com/drive/v3" {
		t.Errorf("Drive.APIBaseURL = %q, want trailing slash trimmed", cfg.Drive.APIBaseURL)
	}
	if cfg.Drive.ClientID != "client-id" {
		t.Errorf("Drive.ClientID = %q, want %q", cfg.Drive.ClientID, "client-id")
	}
	if cfg.Drive.RefreshTimeout() != 10*time.Second {
		t.Errorf("Drive.RefreshTimeout() = %v, want %v", cfg.Drive.RefreshTimeout(), 10*time.Second)
	}
	if cfg.Proxy.DefaultChunkBytes() != 2*1024*1024 {
		t.Errorf("Proxy.DefaultChunkBytes() = %d, want %d", cfg.Proxy.DefaultChunkBytes(), 2*1024*1024)
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds != 15 {
		t.Errorf("Upstream.ResponseHeaderTimeoutSeconds = %d, want %d", cfg.Upstream.ResponseHeaderTimeoutSeconds, 15)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimalDrive)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 7000)
	}
	if cfg.Drive.APIBaseURL != "https://www.googleapis.com/drive/v3" {
		t.Errorf("default Drive.APIBaseURL = %q", cfg.Drive.APIBaseURL)
	}
	if cfg.Drive.TokenURL != "https://oauth2.googleapis.com/token" {
		t.Errorf("default Drive.TokenURL = %q", cfg.Drive.TokenURL)
	}
	if cfg.Drive.RefreshTimeoutSeconds != 30 {
		t.Errorf("default Drive.RefreshTimeoutSeconds = %d, want 30", cfg.Drive.RefreshTimeoutSeconds)
	}
	if cfg.Proxy.DefaultChunkBytes() != 5*1024*1024 {
		t.Errorf("default Proxy.DefaultChunkBytes() = %d, want %d", cfg.Proxy.DefaultChunkBytes(), 5*1024*1024)
	}
	if cfg.Upstream.IdleConnections != 100 {
		t.Errorf("default Upstream.IdleConnections = %d, want 100", cfg.Upstream.IdleConnections)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_MissingTokenFile(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, "[log]\nlevel = \"info\"\n")))
	if err == nil {
		t.Fatal("Load() expected error for missing drive.token_file, got nil")
	}
	if !strings.Contains(err.Error(), "token_file") {
		t.Errorf("error = %q, want mention of token_file", err)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, minimalDrive+`
[log]
level = "verbose"
`)))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[drive]
token_file = "/from/toml.json"

[log]
level = "info"
`)

	cli := &CLI{
		Config:    path,
		Host:      "127.0.0.1",
		Port:      3000,
		TokenFile: "/from/cli.json",
		LogLevel:  "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Drive.TokenFile != "/from/cli.json" {
		t.Errorf("Drive.TokenFile = %q, want %q (CLI override)", cfg.Drive.TokenFile, "/from/cli.json")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_HTTPEndpointsRejected(t *testing.T) {
	tests := []struct {
		name  string
		field string
		data  string
	}{
		{"api base url", "api_base_url", `api_base_url = "http://www.googleapis.com/drive/v3"`},
		{"token url", "token_url", `token_url = "http://oauth2.googleapis.com/token"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, minimalDrive+tt.data+"\n")))
			if err == nil {
				t.Fatalf("Load() expected error for HTTP %s, got nil", tt.field)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error = %q, want mention of %s", err, tt.field)
			}
		})
	}
}

func TestLoad_NegativePort(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, minimalDrive+`
[server]
port = -1
`)))
	if err == nil {
		t.Fatal("Load() expected error for negative port, got nil")
	}
}

func TestLoad_NegativeHeaderTimeout(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, minimalDrive+`
[upstream]
response_header_timeout_seconds = -5
`)))
	if err == nil {
		t.Fatal("Load() expected error for negative timeout, got nil")
	}
}

func TestLoad_DefaultChunk(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    uint64
		wantErr bool
	}{
		{"mebibytes", "8MiB", 8 * 1024 * 1024, false},
		{"plain bytes", "65536", 65536, false},
		{"decimal megabytes", "1MB", 1000 * 1000, false},
		{"zero", "0", 0, true},
		{"garbage", "lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(cliWithPath(writeConfig(t, minimalDrive+`
[proxy]
default_chunk = "`+tt.value+`"
`)))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Load() expected error for default_chunk=%q, got nil", tt.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got := cfg.Proxy.DefaultChunkBytes(); got != tt.want {
				t.Errorf("DefaultChunkBytes() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimalDrive+`
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, minimalDrive+`
[server.rate_limit]
enabled = true
requests_per_second = 0
`)))
	if err == nil {
		t.Fatal("Load() expected error for rate limit enabled with requests_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{Drive: DriveConfig{TokenFile: path}}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, minimalDrive)
	path2 := writeConfig(t, minimalDrive)

	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path1, path2}); got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name    string
		section string
		want    string
		errWant string
	}{
		{"default", "enabled = true", "/metrics", ""},
		{"custom", "enabled = true\npath = \"/custom-metrics\"", "/custom-metrics", ""},
		{"no leading slash", "enabled = true\npath = \"metrics\"", "", "metrics.path"},
		{"proxy prefix", "enabled = true\npath = \"/proxy/metrics\"", "", "conflicts"},
		{"healthz", "enabled = true\npath = \"/healthz\"", "", "conflicts"},
		{"status", "enabled = true\npath = \"/status\"", "", "conflicts"},
		{"disabled skips validation", "enabled = false\npath = \"bad-no-slash\"", "bad-no-slash", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(cliWithPath(writeConfig(t, minimalDrive+"\n[metrics]\n"+tt.section+"\n")))
			if tt.errWant != "" {
				if err == nil {
					t.Fatalf("Load() expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errWant) {
					t.Errorf("error = %q, want mention of %q", err, tt.errWant)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Metrics.Path != tt.want {
				t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.want)
			}
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
