package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// DefaultMaxImageBytes is the upload ceiling (5 MiB).
const DefaultMaxImageBytes int64 = 5 * 1024 * 1024

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel                string `yaml:"logLevel"`
	APIBaseURL              string `yaml:"apiBaseURL"`
	RequestTimeout          string `yaml:"requestTimeout"`
	MaxImageBytes           int64  `yaml:"maxImageBytes"`
	BreakerFailures         int    `yaml:"breakerFailures"`
	RequireLogin            *bool  `yaml:"requireLogin"`
	AuthURL                 string `yaml:"authURL"`
	AuthAPIKey              string `yaml:"authAPIKey"`
	AuthJWKSURL             string `yaml:"authJwksURL"`
	AuthAudience            string `yaml:"authAudience"`
	SessionRefreshMargin    string `yaml:"sessionRefreshMargin"`
	StateDir                string `yaml:"stateDir"`
	RedisAddr               string `yaml:"redisAddr"`
	RedisPassword           string `yaml:"redisPassword"`
	RedisPrefix             string `yaml:"redisPrefix"`
	LoginRateLimitPerMinute int    `yaml:"loginRateLimitPerMinute"`
}

// LoginRequired resolves the analysis gate policy (gated unless disabled).
func (c FileConfig) LoginRequired() bool {
	if c.RequireLogin == nil {
		return true
	}
	return *c.RequireLogin
}

// HostedAuth reports whether a hosted auth provider is configured.
func (c FileConfig) HostedAuth() bool {
	return strings.TrimSpace(c.AuthURL) != "" && strings.TrimSpace(c.AuthAPIKey) != ""
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides. A missing default file is not an error so the
// client can be configured from the environment alone.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	explicit := path != ""
	if !explicit {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if v := os.Getenv("SCANNER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("SCANNER_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("SCANNER_REQUEST_TIMEOUT"); v != "" {
		cfg.RequestTimeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("SCANNER_MAX_IMAGE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxImageBytes = n
		}
	}
	if v := os.Getenv("SCANNER_REQUIRE_LOGIN"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.RequireLogin = &b
		}
	}
	if v := os.Getenv("SCANNER_AUTH_URL"); v != "" {
		cfg.AuthURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("SCANNER_AUTH_API_KEY"); v != "" {
		cfg.AuthAPIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("SCANNER_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("SCANNER_STATE_DIR"); v != "" {
		cfg.StateDir = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}

	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:8000"
	}
	if cfg.MaxImageBytes == 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.StateDir == "" && cfg.RedisAddr == "" {
		cfg.StateDir = defaultStateDir()
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if u, err := url.Parse(cfg.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("config: apiBaseURL must be an absolute URL (set in config.yaml or SCANNER_API_BASE_URL)")
	}
	if cfg.MaxImageBytes < 0 {
		return errors.New("config: maxImageBytes must be >= 0")
	}
	if cfg.BreakerFailures < 0 {
		return errors.New("config: breakerFailures must be >= 0")
	}
	if cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: loginRateLimitPerMinute must be >= 0")
	}
	if (strings.TrimSpace(cfg.AuthURL) == "") != (strings.TrimSpace(cfg.AuthAPIKey) == "") {
		return errors.New("config: authURL and authAPIKey must be set together (SCANNER_AUTH_URL, SCANNER_AUTH_API_KEY)")
	}
	if _, err := ParseDuration("requestTimeout", cfg.RequestTimeout); err != nil {
		return err
	}
	if _, err := ParseDuration("sessionRefreshMargin", cfg.SessionRefreshMargin); err != nil {
		return err
	}
	return nil
}

// ParseDuration parses an optional duration string; "" yields 0.
func ParseDuration(name, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("config: %s must be >= 0", name)
	}
	return dur, nil
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return dir + string(os.PathSeparator) + "dermascan"
	}
	return ".dermascan"
}
