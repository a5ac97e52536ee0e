// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"tunnel-proxy-go/internal/transport"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/tunnel-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config           string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host             string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port             int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendOrigin    string `kong:"help='Backend origin URL (overrides config).',env='BACKEND_ORIGIN'"`
	DefaultTransport string `kong:"help='Default transport: ws|xhttp|httpupgrade (overrides config).',env='DEFAULT_TRANSPORT'"`
	LogLevel         string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Backend   BackendConfig   `toml:"backend"`
	Transport TransportConfig `toml:"transport"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)

	// original value of transport.default when it named an unregistered
	// variant and was replaced with the built-in default
	invalidDefaultTransport string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig holds settings for the single configured tunnel backend.
type BackendConfig struct {
	Origin string `toml:"origin"`
	// PassthroughTimeoutSeconds bounds non-upgrade forwards, which may
	// carry large bodies.
	PassthroughTimeoutSeconds int `toml:"passthrough_timeout_seconds"`
	// UpgradeTimeoutSeconds bounds upgrade dials; a hung handshake should
	// fail fast, so this is the shorter budget.
	UpgradeTimeoutSeconds int `toml:"upgrade_timeout_seconds"`
	IdleConnections       int `toml:"idle_connections"`
}

// TransportConfig holds transport negotiation settings.
type TransportConfig struct {
	Default string `toml:"default"`
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
// /etc/tunnel-proxy/config.toml then configs/config.toml.
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
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
	if cli.BackendOrigin != "" {
		c.Backend.Origin = cli.BackendOrigin
	}
	if cli.DefaultTransport != "" {
		c.Transport.Default = cli.DefaultTransport
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Backend origin: required, absolute http(s) URL with no path of its own.
	if c.Backend.Origin == "" {
		return fmt.Errorf("backend.origin is required")
	}
	u, err := url.Parse(c.Backend.Origin)
	if err != nil {
		return fmt.Errorf("backend.origin is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.origin must use http or https; got %q", c.Backend.Origin)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.origin has no host; got %q", c.Backend.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("backend.origin must not carry a path; got %q", c.Backend.Origin)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Backend.PassthroughTimeoutSeconds < 0 {
		return fmt.Errorf("backend.passthrough_timeout_seconds must be non-negative; got %d", c.Backend.PassthroughTimeoutSeconds)
	}
	if c.Backend.UpgradeTimeoutSeconds < 0 {
		return fmt.Errorf("backend.upgrade_timeout_seconds must be non-negative; got %d", c.Backend.UpgradeTimeoutSeconds)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
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
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
//
// An unregistered transport.default is not an error: it is replaced with the
// built-in default and reported later via Warn.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Backend.PassthroughTimeoutSeconds == 0 {
		c.Backend.PassthroughTimeoutSeconds = 60
	}
	if c.Backend.UpgradeTimeoutSeconds == 0 {
		c.Backend.UpgradeTimeoutSeconds = 15
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Transport.Default == "" {
		c.Transport.Default = string(transport.DefaultVariant)
	} else if !transport.Registered(c.Transport.Default) {
		c.invalidDefaultTransport = c.Transport.Default
		c.Transport.Default = string(transport.DefaultVariant)
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

// DefaultVariant returns the configured default transport as a variant.
// Only valid after Load has normalized the configuration.
func (c *Config) DefaultVariant() transport.Variant {
	v, ok := transport.ParseVariant(c.Transport.Default)
	if !ok {
		return transport.DefaultVariant
	}
	return v
}

// PassthroughTimeout returns the passthrough call budget.
func (c *Config) PassthroughTimeout() time.Duration {
	return time.Duration(c.Backend.PassthroughTimeoutSeconds) * time.Second
}

// UpgradeTimeout returns the upgrade dial budget.
func (c *Config) UpgradeTimeout() time.Duration {
	return time.Duration(c.Backend.UpgradeTimeoutSeconds) * time.Second
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

// Warn logs startup warnings: a config file readable by group/others, and a
// transport.default that was replaced because it named no registered variant.
func (c *Config) Warn(logger *slog.Logger) {
	if c.invalidDefaultTransport != "" {
		logger.Warn("transport.default is not a registered variant; using built-in default",
			"configured", c.invalidDefaultTransport,
			"default", c.Transport.Default,
		)
	}
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
