package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// apiKeyEnv overrides the configured upstream API key, so the credential
// never has to live in the YAML file.
const apiKeyEnv = "OPENROUTER_API_KEY"

const (
	defaultBaseURL           = "https://openrouter.ai/api/v1"
	defaultRequestTimeoutSec = 60
	defaultMaxRetries        = 3
	defaultBackoffMs         = 500
	defaultRatePerMinute     = 30
	defaultRateBurst         = 10
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Ensemble  EnsembleConfig  `yaml:"ensemble"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// UpstreamConfig captures the model-serving backend endpoint and credential.
type UpstreamConfig struct {
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	RequestTimeoutSec int    `yaml:"request_timeout_seconds"`
}

// EnsembleConfig controls the fan-out defaults and retry policy.
type EnsembleConfig struct {
	Models          []string `yaml:"models"`
	RefinementModel string   `yaml:"refinement_model"`
	MaxRetries      int      `yaml:"max_retries"`
	BackoffMs       int      `yaml:"backoff_ms"`
}

// RateLimitConfig bounds inbound generate requests per client.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// Load reads YAML configuration from disk, applies environment overrides
// and defaults, and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if key := os.Getenv(apiKeyEnv); key != "" {
		c.Upstream.APIKey = key
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = defaultBaseURL
	}
	if c.Upstream.RequestTimeoutSec <= 0 {
		c.Upstream.RequestTimeoutSec = defaultRequestTimeoutSec
	}
	// The refinement model defaults to the first configured model so that a
	// minimal configuration still gets a synthesis pass.
	if c.Ensemble.RefinementModel == "" && len(c.Ensemble.Models) > 0 {
		c.Ensemble.RefinementModel = c.Ensemble.Models[0]
	}
	if c.Ensemble.MaxRetries <= 0 {
		c.Ensemble.MaxRetries = defaultMaxRetries
	}
	if c.Ensemble.BackoffMs <= 0 {
		c.Ensemble.BackoffMs = defaultBackoffMs
	}
	if c.RateLimit.PerMinute <= 0 {
		c.RateLimit.PerMinute = defaultRatePerMinute
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultRateBurst
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url must be provided")
	}
	if strings.TrimSpace(c.Upstream.APIKey) == "" {
		return fmt.Errorf("upstream.api_key must be provided (or set %s)", apiKeyEnv)
	}

	if len(c.Ensemble.Models) == 0 {
		return fmt.Errorf("ensemble.models must list at least one model")
	}
	seen := make(map[string]struct{}, len(c.Ensemble.Models))
	for _, modelID := range c.Ensemble.Models {
		if strings.TrimSpace(modelID) == "" {
			return fmt.Errorf("ensemble.models must not contain empty ids")
		}
		if _, dup := seen[modelID]; dup {
			return fmt.Errorf("ensemble.models contains duplicate id %q", modelID)
		}
		seen[modelID] = struct{}{}
	}

	if strings.TrimSpace(c.Ensemble.RefinementModel) == "" {
		return fmt.Errorf("ensemble.refinement_model must be provided")
	}

	return nil
}

// BackoffBase returns the configured retry backoff seed as a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Ensemble.BackoffMs) * time.Millisecond
}

// RequestTimeout returns the per-attempt upstream header timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Upstream.RequestTimeoutSec) * time.Second
}
