package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the config file
const (
	EnvServerURL   = "JOBWATCH_SERVER_URL"
	EnvLogLevel    = "JOBWATCH_LOG_LEVEL"
	EnvMetricsAddr = "JOBWATCH_METRICS_ADDR"
	EnvCachePath   = "JOBWATCH_CACHE_PATH"
)

// Config holds application configuration
type Config struct {
	// DefaultCommand is the command to run when no arguments are provided
	// Valid values: "help", "list", "tui"
	DefaultCommand string `yaml:"default_command"`

	// ServerURL is the root of the job service, e.g. http://localhost:8000
	ServerURL string `yaml:"server_url"`
	// APIPrefix is prepended to REST paths
	APIPrefix string `yaml:"api_prefix"`
	// StreamPath is the push channel path
	StreamPath string `yaml:"stream_path"`

	// PollInterval is how often to pull the job list while jobs are active (seconds)
	PollInterval int `yaml:"poll_interval"`
	// GracePeriod keeps polling after a user action until the server catches up (milliseconds)
	GracePeriod int `yaml:"grace_period"`
	// RequestTimeout bounds every REST call (seconds)
	RequestTimeout int `yaml:"request_timeout"`
	// PingInterval is the push channel keep-alive period (seconds, 0 disables)
	PingInterval int `yaml:"ping_interval"`
	// LogRefreshInterval is how often to fetch new log lines for the open job (seconds)
	LogRefreshInterval int `yaml:"log_refresh_interval"`

	Reconnect Reconnect `yaml:"reconnect"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LogFile receives logs while the TUI owns the terminal
	LogFile string `yaml:"log_file"`

	// CachePath is the sqlite file holding the last known job view
	CachePath string `yaml:"cache_path"`
	// MetricsAddr serves Prometheus metrics when set, e.g. :9464
	MetricsAddr string `yaml:"metrics_addr"`
}

// Reconnect holds push channel backoff settings
type Reconnect struct {
	BaseMs      int `yaml:"base_ms"`
	CapMs       int `yaml:"cap_ms"`
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultCommand:     "tui",
		ServerURL:          "http://localhost:8000",
		APIPrefix:          "/api",
		StreamPath:         "/api/ws",
		PollInterval:       3,
		GracePeriod:        5000,
		RequestTimeout:     30,
		PingInterval:       30,
		LogRefreshInterval: 2,
		Reconnect: Reconnect{
			BaseMs:      1000,
			CapMs:       30000,
			MaxAttempts: 5,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

var configPath string

func init() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	configPath = filepath.Join(home, ".config", "jobwatch", "config.yaml")
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	return configPath
}

// Load reads the config file and a .env file in the working directory,
// returning defaults for anything not set
func Load() (*Config, error) {
	return LoadFrom(configPath, ".env")
}

// LoadFrom reads the config file at path, then applies environment
// overrides. envFile is loaded into the environment first when it exists.
func LoadFrom(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvServerURL); ok && v != "" {
		c.ServerURL = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		c.MetricsAddr = v
	}
	if v, ok := os.LookupEnv(EnvCachePath); ok && v != "" {
		c.CachePath = v
	}
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server_url must be an http(s) URL, got %q", c.ServerURL)
	}
	switch {
	case c.PollInterval <= 0:
		return errors.New("poll_interval must be positive")
	case c.GracePeriod < 0:
		return errors.New("grace_period must not be negative")
	case c.RequestTimeout <= 0:
		return errors.New("request_timeout must be positive")
	case c.PingInterval < 0:
		return errors.New("ping_interval must not be negative")
	case c.LogRefreshInterval <= 0:
		return errors.New("log_refresh_interval must be positive")
	case c.Reconnect.BaseMs <= 0:
		return errors.New("reconnect.base_ms must be positive")
	case c.Reconnect.CapMs < c.Reconnect.BaseMs:
		return errors.New("reconnect.cap_ms must not be below base_ms")
	case c.Reconnect.MaxAttempts < 0:
		return errors.New("reconnect.max_attempts must not be negative")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// PollEvery returns the poll interval as a duration
func (c *Config) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// Grace returns the post-action polling grace period
func (c *Config) Grace() time.Duration {
	return time.Duration(c.GracePeriod) * time.Millisecond
}

// Timeout returns the per-request timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// PingEvery returns the keep-alive period, zero when disabled
func (c *Config) PingEvery() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// LogRefreshEvery returns the log tail interval
func (c *Config) LogRefreshEvery() time.Duration {
	return time.Duration(c.LogRefreshInterval) * time.Second
}

func (r Reconnect) Base() time.Duration {
	return time.Duration(r.BaseMs) * time.Millisecond
}

func (r Reconnect) Cap() time.Duration {
	return time.Duration(r.CapMs) * time.Millisecond
}

// LogFilePath returns the configured log file, or the default under the
// user's cache directory
func (c *Config) LogFilePath() string {
	if c.LogFile != "" {
		return c.LogFile
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "jobwatch", "jobwatch.log")
}
