// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaultDataDir returns the default directory for agent state.
func defaultDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/update-agent"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".update-agent")
}

// Config holds all configuration for the update agent.
type Config struct {
	// Backend
	ServerURL   string            `mapstructure:"server_url"`
	TenantToken string            `mapstructure:"tenant_token"`
	DeviceType  string            `mapstructure:"device_type"`
	Identity    map[string]string `mapstructure:"identity"`

	// Paths
	KeyPath     string `mapstructure:"key_path"`
	StorePath   string `mapstructure:"store_path"`
	InstallRoot string `mapstructure:"install_root"`

	// ArtifactName is reported while no artifact has been installed by the agent.
	ArtifactName string `mapstructure:"artifact_name"`

	// Timing
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	InstallTimeout  time.Duration `mapstructure:"install_timeout"`
	CheckInterval   time.Duration `mapstructure:"check_interval"`

	// Backoff
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"`
	MaxFetchAttempts  int           `mapstructure:"max_fetch_attempts"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Metrics
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	MetricsPort    int  `mapstructure:"metrics_port"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DeviceType:        "generic",
		Identity:          map[string]string{},
		KeyPath:           filepath.Join(dataDir, "device-key.pem"),
		StorePath:         filepath.Join(dataDir, "agent.db"),
		InstallRoot:       filepath.Join(dataDir, "payload"),
		ArtifactName:      "unknown",
		RequestTimeout:    30 * time.Second,
		DownloadTimeout:   1 * time.Hour,
		InstallTimeout:    30 * time.Minute,
		CheckInterval:     30 * time.Minute,
		BackoffInitial:    1 * time.Minute,
		BackoffMax:        1 * time.Hour,
		BackoffMultiplier: 2,
		BackoffJitter:     0,
		MaxFetchAttempts:  3,
		LogLevel:          "info",
		LogFormat:         "json",
		MetricsEnabled:    false,
		MetricsPort:       9090,
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: CLI flags > Environment > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("server_url", defaults.ServerURL)
	v.SetDefault("tenant_token", defaults.TenantToken)
	v.SetDefault("device_type", defaults.DeviceType)
	v.SetDefault("identity", defaults.Identity)
	v.SetDefault("key_path", defaults.KeyPath)
	v.SetDefault("store_path", defaults.StorePath)
	v.SetDefault("install_root", defaults.InstallRoot)
	v.SetDefault("artifact_name", defaults.ArtifactName)
	v.SetDefault("request_timeout", defaults.RequestTimeout)
	v.SetDefault("download_timeout", defaults.DownloadTimeout)
	v.SetDefault("install_timeout", defaults.InstallTimeout)
	v.SetDefault("check_interval", defaults.CheckInterval)
	v.SetDefault("backoff_initial", defaults.BackoffInitial)
	v.SetDefault("backoff_max", defaults.BackoffMax)
	v.SetDefault("backoff_multiplier", defaults.BackoffMultiplier)
	v.SetDefault("backoff_jitter", defaults.BackoffJitter)
	v.SetDefault("max_fetch_attempts", defaults.MaxFetchAttempts)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("metrics_enabled", defaults.MetricsEnabled)
	v.SetDefault("metrics_port", defaults.MetricsPort)

	// Environment variables with UPDATEAGENT_ prefix
	v.SetEnvPrefix("UPDATEAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing default config file is fine; anything else is not.
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// DownloadDir is where artifacts are stored before installation.
func (c *Config) DownloadDir() string {
	return filepath.Join(filepath.Dir(c.StorePath), "downloads")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.ServerURL == "" {
		return fmt.Errorf("server url must be set")
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d (must be 0-65535)", c.MetricsPort)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("download timeout must be positive")
	}

	if c.InstallTimeout <= 0 {
		return fmt.Errorf("install timeout must be positive")
	}

	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive")
	}

	if c.BackoffInitial <= 0 {
		return fmt.Errorf("backoff initial delay must be positive")
	}

	if c.BackoffMax <= 0 {
		return fmt.Errorf("backoff max delay must be positive")
	}

	if c.BackoffInitial > c.BackoffMax {
		return fmt.Errorf("backoff initial delay must be less than or equal to max delay")
	}

	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}

	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("backoff jitter must be in [0, 1)")
	}

	if c.MaxFetchAttempts < 1 {
		return fmt.Errorf("max fetch attempts must be at least 1")
	}

	return nil
}
