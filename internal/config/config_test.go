package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
server:
  port: 8080
upstream:
  api_key: sk-test
ensemble:
  models:
    - a/x
    - b/y
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Upstream.BaseURL != defaultBaseURL {
		t.Fatalf("base url = %q", cfg.Upstream.BaseURL)
	}
	if cfg.RequestTimeout() != defaultRequestTimeoutSec*time.Second {
		t.Fatalf("request timeout = %v", cfg.RequestTimeout())
	}
	if cfg.Ensemble.RefinementModel != "a/x" {
		t.Fatalf("refinement model = %q, want first configured model", cfg.Ensemble.RefinementModel)
	}
	if cfg.Ensemble.MaxRetries != defaultMaxRetries {
		t.Fatalf("max retries = %d", cfg.Ensemble.MaxRetries)
	}
	if cfg.BackoffBase() != 500*time.Millisecond {
		t.Fatalf("backoff base = %v", cfg.BackoffBase())
	}
	if cfg.RateLimit.PerMinute != defaultRatePerMinute || cfg.RateLimit.Burst != defaultRateBurst {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
}

func TestLoadEnvironmentOverridesAPIKey(t *testing.T) {
	t.Setenv(apiKeyEnv, "sk-from-env")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-from-env" {
		t.Fatalf("api key = %q, want environment value", cfg.Upstream.APIKey)
	}
}

func TestLoadValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name: "missing port",
			content: `
upstream:
  api_key: sk-test
ensemble:
  models: [a/x]
`,
			wantMsg: "server.port",
		},
		{
			name: "missing api key",
			content: `
server:
  port: 8080
ensemble:
  models: [a/x]
`,
			wantMsg: "upstream.api_key",
		},
		{
			name: "no models",
			content: `
server:
  port: 8080
upstream:
  api_key: sk-test
`,
			wantMsg: "ensemble.models",
		},
		{
			name: "duplicate models",
			content: `
server:
  port: 8080
upstream:
  api_key: sk-test
ensemble:
  models: [a/x, a/x]
`,
			wantMsg: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadExplicitValuesWin(t *testing.T) {
	content := `
server:
  port: 9000
upstream:
  base_url: https://proxy.internal/v1
  api_key: sk-test
  request_timeout_seconds: 30
ensemble:
  models: [a/x, b/y]
  refinement_model: b/y
  max_retries: 5
  backoff_ms: 250
rate_limit:
  per_minute: 10
  burst: 2
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.BaseURL != "https://proxy.internal/v1" {
		t.Fatalf("base url = %q", cfg.Upstream.BaseURL)
	}
	if cfg.RequestTimeout() != 30*time.Second {
		t.Fatalf("request timeout = %v", cfg.RequestTimeout())
	}
	if cfg.Ensemble.RefinementModel != "b/y" {
		t.Fatalf("refinement model = %q", cfg.Ensemble.RefinementModel)
	}
	if cfg.Ensemble.MaxRetries != 5 || cfg.BackoffBase() != 250*time.Millisecond {
		t.Fatalf("retry policy = %d/%v", cfg.Ensemble.MaxRetries, cfg.BackoffBase())
	}
	if cfg.RateLimit.PerMinute != 10 || cfg.RateLimit.Burst != 2 {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
}
