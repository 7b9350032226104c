// Package config provides configuration management for aicoder.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the aicoder client.
type Config struct {
	// Server is the base URL of the execution service (e.g., "http://127.0.0.1:8000").
	Server string `mapstructure:"server" yaml:"server"`

	// Transport selects how job events are streamed: "websocket" or "sse".
	Transport string `mapstructure:"transport" yaml:"transport"`

	// DataDir is the directory for persistent data (job journal, etc.).
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// DatabasePath is the full path to the SQLite journal. Empty means
	// aicoder.db inside DataDir.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	Job    JobConfig    `mapstructure:"job" yaml:"job"`
	HTTP   HTTPConfig   `mapstructure:"http" yaml:"http"`
	Stop   StopConfig   `mapstructure:"stop" yaml:"stop"`
	Notify NotifyConfig `mapstructure:"notify" yaml:"notify"`
}

// JobConfig holds submission defaults.
type JobConfig struct {
	MaxIters   int  `mapstructure:"max_iters" yaml:"max_iters"`
	UseTeacher bool `mapstructure:"use_teacher" yaml:"use_teacher"`
}

// HTTPConfig controls request/response calls to the execution service.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// StopConfig bounds the best-effort stop notification.
type StopConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// NotifyConfig holds optional notification targets.
type NotifyConfig struct {
	// SlackWebhook is an incoming webhook URL. Empty disables Slack.
	SlackWebhook string `mapstructure:"slack_webhook" yaml:"slack_webhook"`
}

// Environment overrides, applied over the config file.
var envKeys = map[string]string{
	"server":               "AICODER_SERVER",
	"transport":            "AICODER_TRANSPORT",
	"data_dir":             "AICODER_DATA_DIR",
	"database_path":        "AICODER_DATABASE_PATH",
	"job.max_iters":        "AICODER_MAX_ITERS",
	"notify.slack_webhook": "AICODER_SLACK_WEBHOOK",
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:    "http://127.0.0.1:8000",
		Transport: "websocket",
		DataDir:   defaultDataDir(),
		Job: JobConfig{
			MaxIters: 3,
		},
		HTTP: HTTPConfig{TimeoutSeconds: 10},
		Stop: StopConfig{TimeoutSeconds: 5},
	}
}

// DefaultPath returns ~/.aicoder/config.yaml.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads configuration from path, falling back to DefaultPath when path
// is empty. A missing file is not an error; defaults and environment
// overrides still apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	def := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("server", def.Server)
	v.SetDefault("transport", def.Transport)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("job.max_iters", def.Job.MaxIters)
	v.SetDefault("job.use_teacher", def.Job.UseTeacher)
	v.SetDefault("http.timeout_seconds", def.HTTP.TimeoutSeconds)
	v.SetDefault("stop.timeout_seconds", def.Stop.TimeoutSeconds)
	v.SetDefault("notify.slack_webhook", def.Notify.SlackWebhook)
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Server = strings.TrimRight(strings.TrimSpace(cfg.Server), "/")
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.DatabasePath = expandPath(cfg.DatabasePath)
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "aicoder.db")
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server must be an http(s) URL with a host, got %q", c.Server)
	}
	switch c.Transport {
	case "websocket", "sse":
	default:
		return fmt.Errorf("unsupported transport %q (want websocket or sse)", c.Transport)
	}
	if c.Job.MaxIters < 1 {
		return fmt.Errorf("job.max_iters must be at least 1")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be positive")
	}
	if c.Stop.TimeoutSeconds <= 0 {
		return fmt.Errorf("stop.timeout_seconds must be positive")
	}
	return nil
}

// HTTPTimeout returns the request timeout for backend calls.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// StopTimeout returns the bound on the stop notification.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Stop.TimeoutSeconds) * time.Second
}

// SlackEnabled returns true if a Slack webhook is configured.
func (c *Config) SlackEnabled() bool {
	return c.Notify.SlackWebhook != ""
}

// EnsureDataDir creates the data directory and the journal's parent.
func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, filepath.Dir(c.DatabasePath)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}
	return nil
}

// WriteDefault writes the default config to path (DefaultPath when empty)
// and returns where it was written.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		path = DefaultPath()
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func expandPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return os.ExpandEnv(p)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aicoder"
	}
	return filepath.Join(home, ".aicoder")
}
