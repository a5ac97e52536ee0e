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

	"tunnel-proxy-go/internal/transport"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[backend]
origin = "https://backend.internal"
passthrough_timeout_seconds = 30
upgrade_timeout_seconds = 10
idle_connections = 50

[transport]
default = "xhttp"

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
	if cfg.Backend.Origin != "https://backend.internal" {
		t.Errorf("Backend.Origin = %q, want %q", cfg.Backend.Origin, "https://backend.internal")
	}
	if cfg.Backend.PassthroughTimeoutSeconds != 30 {
		t.Errorf("Backend.PassthroughTimeoutSeconds = %d, want 30", cfg.Backend.PassthroughTimeoutSeconds)
	}
	if cfg.Transport.Default != "xhttp" {
		t.Errorf("Transport.Default = %q, want xhttp", cfg.Transport.Default)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_MissingOrigin(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for missing backend.origin, got nil")
	}
	if !strings.Contains(err.Error(), "backend.origin") {
		t.Errorf("error = %q, want mention of backend.origin", err)
	}
}

func TestLoad_OriginValidation(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"https", "https://backend.internal", true},
		{"http", "http://backend.internal:8080", true},
		{"trailing slash", "http://backend.internal/", true},
		{"with path", "http://backend.internal/api", false},
		{"bad scheme", "ftp://backend.internal", false},
		{"no host", "http://", false},
		{"bare host", "backend.internal", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "[backend]\norigin = \""+tt.origin+"\"\n")
			_, err := Load(cliWithPath(path))
			if tt.ok && err != nil {
				t.Errorf("Load() error = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Errorf("Load() = nil error, want rejection of %q", tt.origin)
			}
		})
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
[backend]
origin = "https://backend.internal"

[log]
level = "verbose"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[backend]
origin = "https://backend.internal"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if cfg.Backend.PassthroughTimeoutSeconds != 60 {
		t.Errorf("default passthrough timeout = %d, want 60", cfg.Backend.PassthroughTimeoutSeconds)
	}
	if cfg.Backend.UpgradeTimeoutSeconds != 15 {
		t.Errorf("default upgrade timeout = %d, want 15", cfg.Backend.UpgradeTimeoutSeconds)
	}
	if cfg.Backend.IdleConnections != 100 {
		t.Errorf("default idle connections = %d, want 100", cfg.Backend.IdleConnections)
	}
	if cfg.Transport.Default != string(transport.DefaultVariant) {
		t.Errorf("default Transport.Default = %q, want %q", cfg.Transport.Default, transport.DefaultVariant)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
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

[backend]
origin = "https://toml.internal"

[transport]
default = "ws"

[log]
level = "info"
`)

	cli := &CLI{
		Config:           path,
		Host:             "127.0.0.1",
		Port:             3000,
		BackendOrigin:    "https://cli.internal",
		DefaultTransport: "httpupgrade",
		LogLevel:         "debug",
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
	if cfg.Backend.Origin != "https://cli.internal" {
		t.Errorf("Backend.Origin = %q, want CLI override", cfg.Backend.Origin)
	}
	if cfg.Transport.Default != "httpupgrade" {
		t.Errorf("Transport.Default = %q, want httpupgrade (CLI override)", cfg.Transport.Default)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_UnregisteredDefaultTransportFallsBack(t *testing.T) {
	path := writeConfig(t, `
[backend]
origin = "https://backend.internal"

[transport]
default = "grpc"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; unregistered default must not be fatal", err)
	}
	if cfg.Transport.Default != string(transport.DefaultVariant) {
		t.Errorf("Transport.Default = %q, want fallback %q", cfg.Transport.Default, transport.DefaultVariant)
	}
	if cfg.DefaultVariant() != transport.DefaultVariant {
		t.Errorf("DefaultVariant() = %q, want %q", cfg.DefaultVariant(), transport.DefaultVariant)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.Warn(logger)
	if !strings.Contains(buf.String(), "not a registered variant") {
		t.Errorf("expected fallback warning, got: %q", buf.String())
	}
}

func TestLoad_NegativePort(t *testing.T) {
	path := writeConfig(t, `
[server]
port = -1

[backend]
origin = "https://backend.internal"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative port, got nil")
	}
}

func TestLoad_NegativeBodyMaxBytes(t *testing.T) {
	path := writeConfig(t, `
[server]
body_max_bytes = -1

[backend]
origin = "https://backend.internal"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative body_max_bytes, got nil")
	}
}

func TestLoad_NegativeTimeouts(t *testing.T) {
	for _, key := range []string{"passthrough_timeout_seconds", "upgrade_timeout_seconds"} {
		t.Run(key, func(t *testing.T) {
			path := writeConfig(t, `
[backend]
origin = "https://backend.internal"
`+key+` = -5
`)
			_, err := Load(cliWithPath(path))
			if err == nil {
				t.Fatalf("Load() expected error for negative %s, got nil", key)
			}
		})
	}
}

func TestTimeoutHelpers(t *testing.T) {
	cfg := &Config{
		Backend: BackendConfig{
			PassthroughTimeoutSeconds: 45,
			UpgradeTimeoutSeconds:     7,
		},
	}
	if got := cfg.PassthroughTimeout(); got != 45*time.Second {
		t.Errorf("PassthroughTimeout() = %v, want 45s", got)
	}
	if got := cfg.UpgradeTimeout(); got != 7*time.Second {
		t.Errorf("UpgradeTimeout() = %v, want 7s", got)
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[backend]
origin = "https://backend.internal"

[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
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
	path := writeConfig(t, `
[backend]
origin = "https://backend.internal"

[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for rate limit enabled with requests_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestWarn_LoosePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.Warn(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarn_StrictPermissions(t *testing.T) {
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
	cfg.Warn(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, "[backend]\norigin = \"https://backend.internal\"\n")

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "# first")
	path2 := writeConfig(t, "# second")

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPathDefault(t *testing.T) {
	path := writeConfig(t, `
[backend]
origin = "https://backend.internal"

[metrics]
enabled = true
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	path := writeConfig(t, `
[backend]
origin = "https://backend.internal"

[metrics]
enabled = true
path = "metrics"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics.path without leading slash, got nil")
	}
	if !strings.Contains(err.Error(), "metrics.path") {
		t.Errorf("error = %q, want mention of metrics.path", err)
	}
}

func TestLoad_MetricsPathConflictsWithReservedRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"healthz exact", "/healthz"},
		{"healthz sub", "/healthz/metrics"},
		{"proxy status", "/proxy/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, `
[backend]
origin = "https://backend.internal"

[metrics]
enabled = true
path = "`+tt.path+`"
`)

			_, err := Load(cliWithPath(cfgPath))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, `
[backend]
origin = "https://backend.internal"

[metrics]
enabled = false
path = "bad-no-slash"
`)

	_, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
