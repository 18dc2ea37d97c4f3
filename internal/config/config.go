// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
)

// Relay modes.
const (
	ModeAnswer  = "answer"
	ModeSession = "session"
)

// DefaultPort is the listen port used by both relay modes.
const DefaultPort = 3001

// Validation errors name fields by their TOML keys.
func init() {
	validation.ErrorTag = "toml"
}

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/chat-relay/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Mode          string `kong:"short='m',help='Relay mode: answer|session (overrides config).',env='RELAY_MODE'"`
	BackendURL    string `kong:"name='backend-url',help='Upstream URL for answer mode.',env='BACKEND_API_URL'"`
	APIBaseURL    string `kong:"name='api-base-url',help='Upstream base URL for session mode.',env='API_BASE_URL'"`
	AllowedOrigin string `kong:"help='Allowed CORS origin(s), comma-separated.',env='ALLOWED_ORIGIN'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is built once by
// Load and treated as read-only afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Relay    RelayConfig    `toml:"relay"`
	Upstream UpstreamConfig `toml:"upstream"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (3001)
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// RelayConfig selects the route set and the upstream target.
type RelayConfig struct {
	Mode    string `toml:"mode"`
	BaseURL string `toml:"base_url"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"` // 0 disables the client timeout
}

// CORSConfig holds the cross-origin policy.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
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

// Load builds the configuration from an optional TOML file and CLI/env
// overrides. When no explicit path is given (via --config or CONFIG_PATH), it
// searches /etc/chat-relay/config.toml then configs/config.toml; if neither
// exists the relay is configured from flags and environment alone.
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
	if cfg.Relay.Mode == "" {
		cfg.Relay.Mode = ModeSession
	}
	cfg.Relay.Mode = strings.ToLower(cfg.Relay.Mode)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags. The upstream URL
// comes from BACKEND_API_URL in answer mode and API_BASE_URL in session mode.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Mode != "" {
		c.Relay.Mode = cli.Mode
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}

	if strings.EqualFold(c.Relay.Mode, ModeAnswer) {
		if cli.BackendURL != "" {
			c.Relay.BaseURL = cli.BackendURL
		}
	} else if cli.APIBaseURL != "" {
		c.Relay.BaseURL = cli.APIBaseURL
	}

	if cli.AllowedOrigin != "" {
		c.CORS.AllowedOrigins = splitOrigins(cli.AllowedOrigin)
	}
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) validate() error {
	err := validation.Errors{
		"relay": validation.ValidateStruct(&c.Relay,
			validation.Field(&c.Relay.Mode, validation.Required, validation.In(ModeAnswer, ModeSession)),
			validation.Field(&c.Relay.BaseURL, validation.Required, is.URL, validation.By(httpScheme)),
		),
		"server": validation.ValidateStruct(&c.Server,
			validation.Field(&c.Server.Port, validation.Min(0), validation.Max(65535)),
			validation.Field(&c.Server.BodyMaxBytes, validation.Min(int64(0))),
		),
		"upstream": validation.ValidateStruct(&c.Upstream,
			validation.Field(&c.Upstream.TimeoutSeconds, validation.Min(0)),
		),
		"cors": validation.ValidateStruct(&c.CORS,
			validation.Field(&c.CORS.AllowedOrigins, validation.Required, validation.Each(validation.Required, is.URL)),
		),
		"log": validation.ValidateStruct(&c.Log,
			validation.Field(&c.Log.Level, validation.By(oneOfFold("debug", "info", "warn", "error"))),
			validation.Field(&c.Log.Format, validation.By(oneOfFold("json", "text"))),
		),
	}.Filter()
	if err != nil {
		return err
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range ReservedPaths() {
			if p == reserved {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// httpScheme rejects upstream URLs that are not plain http(s).
func httpScheme(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return validation.NewError("validation_http_scheme", "must use http or https")
	}
	return nil
}

// oneOfFold is validation.In with case-insensitive matching; empty passes.
func oneOfFold(allowed ...string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		for _, a := range allowed {
			if strings.EqualFold(s, a) {
				return nil
			}
		}
		return validation.NewError("validation_in_invalid", "must be one of: "+strings.Join(allowed, ", "))
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// Answer mode binds loopback, session mode binds all interfaces.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		if c.Relay.Mode == ModeAnswer {
			c.Server.Host = "127.0.0.1"
		} else {
			c.Server.Host = "0.0.0.0"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	c.Relay.BaseURL = strings.TrimRight(c.Relay.BaseURL, "/")
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

// ReservedPaths returns every route the relay may register outside of metrics.
func ReservedPaths() []string {
	return []string{
		"/healthz", "/relay/status", "/proxy",
		"/create_session", "/update_session", "/delete_session",
		"/read_all_sessions", "/read_session", "/update_session_name",
		"/get_answer_stream",
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

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
