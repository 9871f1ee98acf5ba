// Package config holds the settings of a synchronized folder.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"

	"github.com/yuya-takeyama/fileshare/pkg/filesystem"
	"github.com/yuya-takeyama/fileshare/pkg/remote/s3store"
)

const (
	// SupportedVersion is the config file version written by this binary.
	// Files without a version are read as this version.
	SupportedVersion = "v1"

	DefaultConcurrency = 32

	envPrefix = "FILESHARE_"
)

type Config struct {
	Version     string   `json:"version,omitempty"`
	Remote      string   `json:"remote"`
	Region      string   `json:"region,omitempty"`
	Profile     string   `json:"profile,omitempty"`
	Endpoint    string   `json:"endpoint,omitempty"`
	Excludes    []string `json:"excludes,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	LogLevel    string   `json:"logLevel,omitempty"`
	LogFormat   string   `json:"logFormat,omitempty"`
}

func Default() Config {
	return Config{
		Version:     SupportedVersion,
		Concurrency: DefaultConcurrency,
		LogLevel:    "warn",
		LogFormat:   "console",
	}
}

// Parse reads a yaml config on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Version == "" {
		cfg.Version = SupportedVersion
	}
	if cfg.Version != SupportedVersion {
		return Config{}, fmt.Errorf("unsupported config version %q (expected %q)", cfg.Version, SupportedVersion)
	}
	return cfg, nil
}

func (c Config) Marshal() ([]byte, error) {
	c.Version = SupportedVersion
	return yaml.Marshal(c)
}

// ApplyEnv overrides fields with FILESHARE_* environment variables.
// FILESHARE_EXCLUDES is a comma separated list.
func (c *Config) ApplyEnv() {
	c.Remote = envOr("REMOTE", c.Remote)
	c.Region = envOr("REGION", c.Region)
	c.Profile = envOr("PROFILE", c.Profile)
	c.Endpoint = envOr("ENDPOINT", c.Endpoint)
	c.Concurrency = envInt("CONCURRENCY", c.Concurrency)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)

	if v := os.Getenv(envPrefix + "EXCLUDES"); v != "" {
		c.Excludes = nil
		for _, pattern := range strings.Split(v, ",") {
			if pattern = strings.TrimSpace(pattern); pattern != "" {
				c.Excludes = append(c.Excludes, pattern)
			}
		}
	}
}

func (c Config) Validate() error {
	if c.Remote == "" {
		return fmt.Errorf("remote is required")
	}
	if _, _, err := s3store.ParseURI(c.Remote); err != nil {
		return err
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return filesystem.Excludes(c.Excludes).Validate()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
