// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/stream-forwarder/config.toml",
	"configs/config.toml",
}

// Target addressing modes.
const (
	ModePath  = "path"
	ModeQuery = "query"
	ModeBoth  = "both"
)

// ReservedRoutes are served locally and never treated as embedded targets.
var ReservedRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Mode     string `kong:"help='Target addressing mode: path|query|both (overrides config).',env='TARGET_MODE'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Target   TargetConfig   `toml:"target"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`           // 0 means "use default" (8080)
	BodyMaxBytes  int64  `toml:"body_max_bytes"` // 0 means unlimited
	ProxyProtocol bool   `toml:"proxy_protocol"`

	// ProxyProtocolTrusted lists the CIDRs or IPs whose PROXY headers are
	// honoured. Empty trusts every peer.
	ProxyProtocolTrusted   []string `toml:"proxy_protocol_trusted"`
	ShutdownTimeoutSeconds int      `toml:"shutdown_timeout_seconds"`
}

// TargetConfig controls how the destination URL is extracted from inbound requests.
type TargetConfig struct {
	Mode          string `toml:"mode"`
	QueryParam    string `toml:"query_param"`
	DefaultScheme string `toml:"default_scheme"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds               int  `toml:"timeout_seconds"` // 0 means no overall deadline
	DialTimeoutSeconds           int  `toml:"dial_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int  `toml:"response_header_timeout_seconds"`
	IdleConnections              int  `toml:"idle_connections"`
	InsecureSkipVerify           bool `toml:"insecure_skip_verify"`
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

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/stream-forwarder/config.toml then configs/config.toml and falls back
// to built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
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
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Mode != "" {
		c.Target.Mode = cli.Mode
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// validate reports every problem at once rather than stopping at the first.
func (c *Config) validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		add("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		add("server.shutdown_timeout_seconds must be non-negative; got %d", c.Server.ShutdownTimeoutSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		add("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		add("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds < 0 {
		add("upstream.response_header_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseHeaderTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		add("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	// Target extraction.
	switch strings.ToLower(c.Target.Mode) {
	case ModePath, ModeQuery, ModeBoth, "":
		// valid
	default:
		add("target.mode must be one of: path, query, both; got %q", c.Target.Mode)
	}
	switch strings.ToLower(c.Target.DefaultScheme) {
	case "http", "https", "":
		// valid
	default:
		add("target.default_scheme must be http or https; got %q", c.Target.DefaultScheme)
	}
	if strings.ContainsAny(c.Target.QueryParam, "&=?# ") {
		add("target.query_param must be a bare parameter name; got %q", c.Target.QueryParam)
	}

	if _, err := c.Server.TrustedProxies(); err != nil {
		errs = multierr.Append(errs, err)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		add("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		add("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		if err := validateMetricsPath(c.Metrics.Path); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

func validateMetricsPath(p string) error {
	if p[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/'; got %q", p)
	}
	if p == "/" {
		return errors.New("metrics.path \"/\" conflicts with the instructions page")
	}
	for _, reserved := range ReservedRoutes {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
		}
	}
	if strings.Contains(p, ":") {
		return fmt.Errorf("metrics.path %q conflicts with embedded target URLs", p)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	c.Target.Mode = strings.ToLower(c.Target.Mode)
	if c.Target.Mode == "" {
		c.Target.Mode = ModeBoth
	}
	if c.Target.QueryParam == "" {
		c.Target.QueryParam = "url"
	}
	c.Target.DefaultScheme = strings.ToLower(c.Target.DefaultScheme)
	if c.Target.DefaultScheme == "" {
		c.Target.DefaultScheme = "https"
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
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

// TrustedProxies parses ProxyProtocolTrusted. Bare addresses become
// single-host prefixes.
func (c *ServerConfig) TrustedProxies() ([]netip.Prefix, error) {
	var (
		out  []netip.Prefix
		errs error
	)
	for _, raw := range c.ProxyProtocolTrusted {
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("server.proxy_protocol_trusted: %q is not an IP or CIDR", raw))
			continue
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, errs
}

// ShutdownTimeout is how long in-flight requests get to finish on stop.
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
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
