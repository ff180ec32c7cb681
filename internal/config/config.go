package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"

	"github.com/agoge-lms/scormbridge/internal/origin"
	"github.com/agoge-lms/scormbridge/internal/rte"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".scormbridge"

const (
	defaultListenAddr          = "127.0.0.1:8740"
	defaultProxyTimeout        = 10 * time.Second
	defaultClosePollInterval   = 500 * time.Millisecond
	defaultRequestTimeout      = 30 * time.Second
	defaultRetryMaxTries       = 3
	defaultBreakerFailures     = 5
	defaultBreakerCooldown     = 30 * time.Second
	defaultStaleSessionTimeout = 2 * time.Minute
	defaultHeartbeatInterval   = 30 * time.Second
	defaultLogLevel            = "info"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	BackendURL          string
	APIToken            string
	AllowedOrigins      []string
	ListenAddr          string
	PublicURL           string
	ProxyTimeout        time.Duration
	ClosePollInterval   time.Duration
	RequestTimeout      time.Duration
	RetryMaxTries       int
	BreakerFailures     int
	BreakerCooldown     time.Duration
	StaleSessionTimeout time.Duration
	HeartbeatInterval   time.Duration
	LogLevel            string
	SCORMVersion        rte.Version
	Browser             BrowserConfig
	OTel                OTelConfig
}

// BrowserConfig selects the Chrome used for launch windows.
type BrowserConfig struct {
	Headless   bool
	ControlURL string
	Bin        string
}

// OTelConfig holds the trace exporter endpoint.
type OTelConfig struct {
	Endpoint string
}

type fileConfig struct {
	BackendURL          *string            `toml:"backend_url"`
	APIToken            *string            `toml:"api_token"`
	AllowedOrigins      *[]string          `toml:"allowed_origins"`
	ListenAddr          *string            `toml:"listen_addr"`
	PublicURL           *string            `toml:"public_url"`
	ProxyTimeout        *string            `toml:"proxy_timeout"`
	ClosePollInterval   *string            `toml:"close_poll_interval"`
	RequestTimeout      *string            `toml:"request_timeout"`
	RetryMaxTries       *int               `toml:"retry_max_tries"`
	BreakerFailures     *int               `toml:"breaker_failures"`
	BreakerCooldown     *string            `toml:"breaker_cooldown"`
	StaleSessionTimeout *string            `toml:"stale_session_timeout"`
	HeartbeatInterval   *string            `toml:"heartbeat_interval"`
	LogLevel            *string            `toml:"log_level"`
	SCORMVersion        *string            `toml:"scorm_version"`
	Browser             *browserFileConfig `toml:"browser"`
	OTel                *otelFileConfig    `toml:"otel"`
}

type browserFileConfig struct {
	Headless   *bool   `toml:"headless"`
	ControlURL *string `toml:"control_url"`
	Bin        *string `toml:"bin"`
}

type otelFileConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.scormbridge/config.toml, overlays a project-local
// .scormbridge/config.toml, then each extra path in order.
func Load(ctx context.Context, extra ...string) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, DirName, "config.toml"),
		filepath.Join(workingDir, DirName, "config.toml"),
	}
	for _, path := range extra {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("stat config file %q: %w", path, err)
		}
		paths = append(paths, path)
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr:          defaultListenAddr,
		PublicURL:           "http://" + defaultListenAddr,
		ProxyTimeout:        defaultProxyTimeout,
		ClosePollInterval:   defaultClosePollInterval,
		RequestTimeout:      defaultRequestTimeout,
		RetryMaxTries:       defaultRetryMaxTries,
		BreakerFailures:     defaultBreakerFailures,
		BreakerCooldown:     defaultBreakerCooldown,
		StaleSessionTimeout: defaultStaleSessionTimeout,
		HeartbeatInterval:   defaultHeartbeatInterval,
		LogLevel:            defaultLogLevel,
		SCORMVersion:        rte.Version2004,
		Browser:             BrowserConfig{Headless: true},
	}
}

// Validate checks cross-field constraints. backend_url may be empty until a
// command needs it; see RequireBackend.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if c.BackendURL != "" {
		if err := checkHTTPURL(c.BackendURL, "backend_url"); err != nil {
			return err
		}
	}
	if err := checkHTTPURL(c.PublicURL, "public_url"); err != nil {
		return err
	}
	for _, raw := range c.AllowedOrigins {
		if _, err := origin.Normalize(raw); err != nil {
			return fmt.Errorf("parse allowed_origins entry %q: %w", raw, err)
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("parse log_level: %w", err)
	}
	return nil
}

// RequireBackend reports an error when no backend is configured.
func (c *Config) RequireBackend() error {
	if c == nil || strings.TrimSpace(c.BackendURL) == "" {
		return errors.New("backend_url is not configured")
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() log.Level {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applySectionOverrides(cfg, decoded)
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.BackendURL != nil {
		cfg.BackendURL = strings.TrimRight(strings.TrimSpace(*decoded.BackendURL), "/")
	}
	if decoded.APIToken != nil {
		cfg.APIToken = strings.TrimSpace(*decoded.APIToken)
	}
	if decoded.AllowedOrigins != nil {
		cfg.AllowedOrigins = trimAll(*decoded.AllowedOrigins)
	}
	if decoded.ListenAddr != nil {
		cfg.ListenAddr = strings.TrimSpace(*decoded.ListenAddr)
	}
	if decoded.PublicURL != nil {
		cfg.PublicURL = strings.TrimRight(strings.TrimSpace(*decoded.PublicURL), "/")
	}
	if decoded.RetryMaxTries != nil {
		if *decoded.RetryMaxTries <= 0 {
			return fmt.Errorf("parse retry_max_tries in %q: must be > 0", path)
		}
		cfg.RetryMaxTries = *decoded.RetryMaxTries
	}
	if decoded.BreakerFailures != nil {
		if *decoded.BreakerFailures <= 0 {
			return fmt.Errorf("parse breaker_failures in %q: must be > 0", path)
		}
		cfg.BreakerFailures = *decoded.BreakerFailures
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
	}
	if decoded.SCORMVersion != nil {
		version, err := rte.ParseVersion(*decoded.SCORMVersion)
		if err != nil {
			return fmt.Errorf("parse scorm_version in %q: %w", path, err)
		}
		cfg.SCORMVersion = version
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	durations := []struct {
		key   string
		value *string
		dest  *time.Duration
	}{
		{key: "proxy_timeout", value: decoded.ProxyTimeout, dest: &cfg.ProxyTimeout},
		{key: "close_poll_interval", value: decoded.ClosePollInterval, dest: &cfg.ClosePollInterval},
		{key: "request_timeout", value: decoded.RequestTimeout, dest: &cfg.RequestTimeout},
		{key: "breaker_cooldown", value: decoded.BreakerCooldown, dest: &cfg.BreakerCooldown},
		{key: "stale_session_timeout", value: decoded.StaleSessionTimeout, dest: &cfg.StaleSessionTimeout},
		{key: "heartbeat_interval", value: decoded.HeartbeatInterval, dest: &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		value, err := parseDuration(*d.value, d.key, path)
		if err != nil {
			return err
		}
		*d.dest = value
	}
	return nil
}

func applySectionOverrides(cfg *Config, decoded fileConfig) {
	if b := decoded.Browser; b != nil {
		if b.Headless != nil {
			cfg.Browser.Headless = *b.Headless
		}
		if b.ControlURL != nil {
			cfg.Browser.ControlURL = strings.TrimSpace(*b.ControlURL)
		}
		if b.Bin != nil {
			cfg.Browser.Bin = strings.TrimSpace(*b.Bin)
		}
	}
	if o := decoded.OTel; o != nil && o.Endpoint != nil {
		cfg.OTel.Endpoint = strings.TrimSpace(*o.Endpoint)
	}
}

func checkHTTPURL(raw, key string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("parse %s: %q is not an absolute http(s) URL", key, raw)
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
