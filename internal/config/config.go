// Package config loads proxy configuration from YAML with environment
// variable expansion and overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the proxy.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Sessions SessionConfig  `yaml:"sessions"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	AutoOpenBrowser bool   `yaml:"auto_open_browser"`
	RefreshInterval int    `yaml:"refresh_interval"`
}

// StorageConfig configures the trace store.
type StorageConfig struct {
	// Mode is "sqlite" or "memory".
	Mode             string `yaml:"mode"`
	DBPath           string `yaml:"db_path"`
	MaxEvents        int    `yaml:"max_events"`
	RetentionMinutes int    `yaml:"retention_minutes"`
}

// SessionConfig configures the resolver and completion monitor.
type SessionConfig struct {
	TTLSeconds               int `yaml:"ttl_seconds"`
	MaxSessions              int `yaml:"max_sessions"`
	CompletionTimeoutSeconds int `yaml:"completion_timeout_seconds"`
}

// AnalysisConfig configures the behavioral analysis runner.
type AnalysisConfig struct {
	MinSessions      int     `yaml:"min_sessions"`
	SimilarityTau    float64 `yaml:"similarity_tau"`
	MonitorIntervalS int     `yaml:"monitor_interval_seconds"`
}

// UpstreamConfig holds upstream provider base URLs.
type UpstreamConfig struct {
	OpenAI               string `yaml:"openai"`
	Anthropic            string `yaml:"anthropic"`
	ReplayTimeoutSeconds int    `yaml:"replay_timeout_seconds"`
}

// PricingConfig configures the model pricing cache.
type PricingConfig struct {
	URL       string `yaml:"url"`
	CachePath string `yaml:"cache_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            4000,
			RefreshInterval: 5,
		},
		Storage: StorageConfig{
			Mode:             "sqlite",
			DBPath:           "argus.db",
			MaxEvents:        10000,
			RetentionMinutes: 30,
		},
		Sessions: SessionConfig{
			TTLSeconds:               3600,
			MaxSessions:              10000,
			CompletionTimeoutSeconds: 30,
		},
		Analysis: AnalysisConfig{
			MinSessions:      5,
			SimilarityTau:    0.6,
			MonitorIntervalS: 5,
		},
		Upstream: UpstreamConfig{
			OpenAI:               "https://api.openai.com",
			Anthropic:            "https://api.anthropic.com",
			ReplayTimeoutSeconds: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML configuration file, expands ${ENV} references, merges
// it over the defaults and finally applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for configuration values that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.Mode {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.mode must be sqlite or memory, got %q", c.Storage.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Analysis.SimilarityTau <= 0 || c.Analysis.SimilarityTau >= 1 {
		return fmt.Errorf("analysis.similarity_tau must be in (0, 1), got %f", c.Analysis.SimilarityTau)
	}
	return nil
}

// applyEnvOverrides maps ARGUS_* environment variables onto the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARGUS_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := envInt("ARGUS_PORT"); v > 0 {
		cfg.Server.Port = v
	}
	if v := os.Getenv("ARGUS_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("ARGUS_STORAGE_MODE"); v != "" {
		cfg.Storage.Mode = strings.ToLower(v)
	}
	if v := envInt("ARGUS_MAX_EVENTS"); v > 0 {
		cfg.Storage.MaxEvents = v
	}
	if v := envInt("ARGUS_RETENTION_MINUTES"); v > 0 {
		cfg.Storage.RetentionMinutes = v
	}
	if v := envInt("ARGUS_SESSION_TTL_SECONDS"); v > 0 {
		cfg.Sessions.TTLSeconds = v
	}
	if v := envInt("ARGUS_MAX_SESSIONS"); v > 0 {
		cfg.Sessions.MaxSessions = v
	}
	if v := envInt("ARGUS_SESSION_COMPLETION_TIMEOUT_SECONDS"); v > 0 {
		cfg.Sessions.CompletionTimeoutSeconds = v
	}
	if v := envInt("ARGUS_MIN_SESSIONS_FOR_ANALYSIS"); v > 0 {
		cfg.Analysis.MinSessions = v
	}
	if v := os.Getenv("ARGUS_PRICING_URL"); v != "" {
		cfg.Pricing.URL = v
	}
	if v := os.Getenv("ARGUS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
