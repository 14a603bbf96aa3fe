// Package config loads orgctl settings.
//
// Precedence (highest to lowest):
//  1. Command line flags (applied by the caller with Set)
//  2. Environment variables prefixed ORGCTL_ (ORGCTL_SERVER_URL -> server_url)
//  3. YAML config file
//  4. Defaults
//
// A .env file in the working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"

	"github.com/go-authgate/orgctl/authclient"
	"github.com/go-authgate/orgctl/credstore"
)

const (
	EnvPrefix = "ORGCTL_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Store backends.
const (
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds every setting of the CLI.
type Config struct {
	ServerURL      string        `koanf:"server_url"`
	Profile        string        `koanf:"profile"`
	Store          string        `koanf:"store"`
	TokenFile      string        `koanf:"token_file"`
	RedisURL       string        `koanf:"redis_url"`
	RedisPrefix    string        `koanf:"redis_prefix"`
	DatabaseURL    string        `koanf:"database_url"`
	RefreshPath    string        `koanf:"refresh_path"`
	LoginPath      string        `koanf:"login_path"`
	Rotation       string        `koanf:"rotation"`
	RefreshTimeout time.Duration `koanf:"refresh_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	LogLevel       string        `koanf:"log_level"`
	LogFormat      string        `koanf:"log_format"`
	SentryDSN      string        `koanf:"sentry_dsn"`
	Environment    string        `koanf:"environment"`
	MetricsAddr    string        `koanf:"metrics_addr"`
}

// Defaults returns the built-in settings.
func Defaults() map[string]any {
	return map[string]any{
		"server_url":      "http://localhost:8000",
		"profile":         credstore.DefaultProfile,
		"store":           StoreFile,
		"token_file":      ".orgctl-credentials.json",
		"redis_prefix":    credstore.DefaultRedisPrefix,
		"refresh_path":    authclient.DefaultRefreshPath,
		"login_path":      authclient.DefaultLoginPath,
		"rotation":        "rotate",
		"refresh_timeout": "10s",
		"request_timeout": "10s",
		"log_level":       "warn",
		"log_format":      "console",
		"environment":     "development",
	}
}

// Loader accumulates configuration layers.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader reads defaults, the optional YAML file at path and the
// environment. A missing file at path is not an error.
func NewLoader(path string) (*Loader, error) {
	// Ignore error if not found
	_ = godotenv.Load()

	k := koanf.New(".")
	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return &Loader{k: k}, nil
}

// envKey maps ORGCTL_SERVER_URL to server_url.
func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// Set overrides one key, typically from an explicitly passed flag.
func (l *Loader) Set(key string, value any) error {
	return l.k.Set(key, value)
}

// Config unmarshals and validates the accumulated layers.
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Load is NewLoader followed by Config.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := ValidateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if c.Profile == "" {
		return errors.New("profile cannot be empty")
	}

	switch c.Store {
	case StoreFile:
		if c.TokenFile == "" {
			return errors.New("token_file is required for the file store")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("redis_url is required for the redis store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q (want file, redis, postgres or memory)", c.Store)
	}

	if _, err := authclient.ParseRotationPolicy(c.Rotation); err != nil {
		return err
	}
	if !strings.HasPrefix(c.RefreshPath, "/") || !strings.HasPrefix(c.LoginPath, "/") {
		return errors.New("refresh_path and login_path must start with /")
	}
	if c.RefreshTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.New("refresh_timeout and request_timeout must be positive")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be console or json, got: %s", c.LogFormat)
	}
	return nil
}

// RotationPolicy returns the parsed rotation setting.
func (c *Config) RotationPolicy() authclient.RotationPolicy {
	p, _ := authclient.ParseRotationPolicy(c.Rotation)
	return p
}

// Warnings returns non-fatal problems worth telling the user about.
func (c *Config) Warnings() []string {
	var warnings []string
	if strings.HasPrefix(strings.ToLower(c.ServerURL), "http://") {
		warnings = append(warnings,
			"Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
			"This is only safe for local development. Use HTTPS in production.",
		)
	}
	if c.Store == StoreMemory {
		warnings = append(warnings, "Memory store selected: credentials are lost when the process exits.")
	}
	return warnings
}

// ValidateServerURL validates that the server URL is properly formatted
func ValidateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
