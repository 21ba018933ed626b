// Package config loads warden.yaml and applies environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-level configuration. Persistent state (fallback
// configuration, API key, version pointers) lives in the sqlite store, not
// here.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	DBPath string `yaml:"db_path"`

	Proxy   ProxyConfig   `yaml:"proxy"`
	Release ReleaseConfig `yaml:"release"`
}

// ProxyConfig describes the wrapped proxy binary and how to supervise it.
type ProxyConfig struct {
	// BinaryName is the executable name inside a version directory and the
	// launch signature used for orphan cleanup.
	BinaryName string `yaml:"binary_name"`
	// VersionsRoot is the versioned-storage root; the "current" symlink
	// lives directly under it.
	VersionsRoot string `yaml:"versions_root"`
	Port         int    `yaml:"port"`
	HealthPath   string `yaml:"health_path"`

	StartupTimeout     time.Duration `yaml:"startup_timeout"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	StopGracePeriod    time.Duration `yaml:"stop_grace_period"`
	MaxHealthFailures  int           `yaml:"max_health_failures"`
	AuthCommandTimeout time.Duration `yaml:"auth_command_timeout"`
	Autostart          bool          `yaml:"autostart"`
}

// ReleaseConfig points at the release feed for the wrapped binary.
type ReleaseConfig struct {
	FeedURL       string `yaml:"feed_url"`
	ChecksumAsset string `yaml:"checksum_asset"`
	// AutoCheckInterval is how often the background upgrade check polls the
	// feed. Zero disables it.
	AutoCheckInterval time.Duration `yaml:"auto_check_interval"`
}

// Default returns the built-in configuration used when no warden.yaml exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".proxy-warden")
	return &Config{
		Host:   "127.0.0.1",
		Port:   8317,
		DBPath: filepath.Join(root, "warden.db"),
		Proxy: ProxyConfig{
			BinaryName:         "cli-proxy-api",
			VersionsRoot:       filepath.Join(root, "versions"),
			Port:               8417,
			HealthPath:         "/health",
			StartupTimeout:     30 * time.Second,
			HealthInterval:     10 * time.Second,
			StopGracePeriod:    5 * time.Second,
			MaxHealthFailures:  3,
			AuthCommandTimeout: 2 * time.Minute,
		},
		Release: ReleaseConfig{
			FeedURL:           "https://api.github.com/repos/router-for-me/CLIProxyAPI/releases",
			ChecksumAsset:     "checksums.txt",
			AutoCheckInterval: 6 * time.Hour,
		},
	}
}

// Load reads the config file at path (optional) and applies WARDEN_* env
// overrides on top of defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Proxy.MaxHealthFailures < 1 {
		cfg.Proxy.MaxHealthFailures = 1
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("WARDEN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WARDEN_PROXY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Proxy.Port = p
		}
	}
	if v := os.Getenv("WARDEN_VERSIONS_ROOT"); v != "" {
		cfg.Proxy.VersionsRoot = v
	}
	if v := os.Getenv("WARDEN_RELEASE_FEED"); v != "" {
		cfg.Release.FeedURL = v
	}
}
