package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/acurioustractor/ledger-insights/internal/authz"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets map[string]string

func (m mockSecrets) Get(name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies all default values are applied when the config file is absent.
func TestDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d, want 4200", cfg.Server.Port)
	}
	if cfg.Model.Backend != "ollama" {
		t.Errorf("Model.Backend = %q, want ollama", cfg.Model.Backend)
	}
	if cfg.Model.Timeout != 2*time.Minute {
		t.Errorf("Model.Timeout = %v, want 2m", cfg.Model.Timeout)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("Pipeline.Workers = %d, want 4", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.ScheduleInterval != 6*time.Hour {
		t.Errorf("Pipeline.ScheduleInterval = %v, want 6h", cfg.Pipeline.ScheduleInterval)
	}
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Errorf("Dispatch.MaxAttempts = %d, want 3", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Cache.Retention != 180*24*time.Hour {
		t.Errorf("Cache.Retention = %v, want 4320h", cfg.Cache.Retention)
	}
	if cfg.Analyzer.Version != "v1" || cfg.Analyzer.Revision != 1 {
		t.Errorf("Analyzer = %+v, want v1/1", cfg.Analyzer)
	}
}

func TestYAMLParsing(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9000
model:
  name: qwen2.5:7b
  timeout: 45s
  rate_limit: 0.5
analyzer:
  version: v2
  revision: 3
pipeline:
  workers: 2
  schedule_interval: 30m
dispatch:
  poll_interval: 2s
log:
  level: debug
`)

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Model.Name != "qwen2.5:7b" {
		t.Errorf("Model.Name = %q", cfg.Model.Name)
	}
	if cfg.Model.Timeout != 45*time.Second {
		t.Errorf("Model.Timeout = %v, want 45s", cfg.Model.Timeout)
	}
	if cfg.Model.RateLimit != 0.5 {
		t.Errorf("Model.RateLimit = %v, want 0.5", cfg.Model.RateLimit)
	}
	if cfg.Analyzer.Version != "v2" || cfg.Analyzer.Revision != 3 {
		t.Errorf("Analyzer = %+v, want v2/3", cfg.Analyzer)
	}
	if cfg.Pipeline.Workers != 2 || cfg.Pipeline.ScheduleInterval != 30*time.Minute {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Dispatch.PollInterval != 2*time.Second {
		t.Errorf("Dispatch.PollInterval = %v, want 2s", cfg.Dispatch.PollInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	// Untouched keys keep their defaults.
	if cfg.Pipeline.RollupWorkers != 8 {
		t.Errorf("Pipeline.RollupWorkers = %d, want 8", cfg.Pipeline.RollupWorkers)
	}
}

func TestInvalidDuration(t *testing.T) {
	path := writeTempConfig(t, "model:\n  timeout: soon\n")
	_, err := loadFromPath(path, mockSecrets{})
	if err == nil || !strings.Contains(err.Error(), "model.timeout") {
		t.Fatalf("expected model.timeout error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 9000\n")
	t.Setenv("INSIGHTS_SERVER_PORT", "9100")
	t.Setenv("INSIGHTS_PIPELINE_SCHEDULE_INTERVAL", "1h")

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100 (env override)", cfg.Server.Port)
	}
	if cfg.Pipeline.ScheduleInterval != time.Hour {
		t.Errorf("Pipeline.ScheduleInterval = %v, want 1h", cfg.Pipeline.ScheduleInterval)
	}
}

func TestMissingOpenRouterKey(t *testing.T) {
	path := writeTempConfig(t, "model:\n  backend: openrouter\n")
	t.Setenv("INSIGHTS_OPENROUTER_API_KEY", "")

	_, err := loadFromPath(path, mockSecrets{})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error %q does not mention missing required config", err)
	}
}

func TestSecretsFallback(t *testing.T) {
	path := writeTempConfig(t, "model:\n  backend: openrouter\n")
	t.Setenv("INSIGHTS_OPENROUTER_API_KEY", "")
	t.Setenv("INSIGHTS_API_TOKEN", "")

	cfg, err := loadFromPath(path, mockSecrets{
		"model.openrouter_api_key": "file-key",
		"auth.api_token":           "cli-token",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.OpenRouterAPIKey != "file-key" {
		t.Errorf("OpenRouterAPIKey = %q, want file-key", cfg.Model.OpenRouterAPIKey)
	}
	if cfg.Auth.APIToken != "cli-token" {
		t.Errorf("APIToken = %q, want cli-token", cfg.Auth.APIToken)
	}
}

func TestSecretsEnvWins(t *testing.T) {
	path := writeTempConfig(t, "model:\n  backend: openrouter\n")
	t.Setenv("INSIGHTS_OPENROUTER_API_KEY", "env-key")

	cfg, err := loadFromPath(path, mockSecrets{"model.openrouter_api_key": "file-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.OpenRouterAPIKey != "env-key" {
		t.Errorf("OpenRouterAPIKey = %q, want env-key", cfg.Model.OpenRouterAPIKey)
	}
}

func TestSecretsIgnoredInConfigFile(t *testing.T) {
	path := writeTempConfig(t, "auth:\n  api_token: leaked\n")
	t.Setenv("INSIGHTS_API_TOKEN", "")

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.APIToken != "" {
		t.Errorf("APIToken = %q, want empty", cfg.Auth.APIToken)
	}
}

func TestTokensAndRollupLevels(t *testing.T) {
	path := writeTempConfig(t, `
auth:
  tokens:
    - token: t-admin
      subject: alice
      role: admin
    - token: t-op
      subject: ops
      role: operator
      organizations: [org-a, org-b]
rollup:
  levels:
    group:
      quote_limit: 4
    platform:
      weights:
        sentiment: 2
`)

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	principals := cfg.Principals()
	if len(principals) != 2 {
		t.Fatalf("got %d principals, want 2", len(principals))
	}
	op := principals["t-op"]
	if op.Subject != "ops" || op.Role != authz.RoleOperator {
		t.Errorf("operator principal = %+v", op)
	}
	if len(op.Organizations) != 2 || op.Organizations[1] != "org-b" {
		t.Errorf("operator organizations = %v", op.Organizations)
	}

	if got := cfg.Rollup["group"].QuoteLimit; got != 4 {
		t.Errorf("group quote_limit = %d, want 4", got)
	}
	if got := cfg.Rollup["platform"].Weights["sentiment"]; got != 2 {
		t.Errorf("platform sentiment weight = %v, want 2", got)
	}
}

func TestInvalidRole(t *testing.T) {
	path := writeTempConfig(t, `
auth:
  tokens:
    - token: t1
      subject: bob
      role: superuser
`)
	_, err := loadFromPath(path, mockSecrets{})
	if err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}

func TestInvalidRollupLevel(t *testing.T) {
	path := writeTempConfig(t, `
rollup:
  levels:
    galaxy:
      quote_limit: 3
`)
	if _, err := loadFromPath(path, mockSecrets{}); err == nil {
		t.Fatal("expected error for unknown rollup level")
	}

	path = writeTempConfig(t, `
rollup:
  levels:
    person:
      quote_limit: -1
`)
	if _, err := loadFromPath(path, mockSecrets{}); err == nil {
		t.Fatal("expected error for negative quote limit")
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	t.Setenv("INSIGHTS_CONFIG", path)

	if err := SetKey("pipeline.workers", "6"); err != nil {
		t.Fatalf("SetKey workers: %v", err)
	}
	if err := SetKey("model.timeout", "90s"); err != nil {
		t.Fatalf("SetKey timeout: %v", err)
	}
	if err := SetKey("model.rate_limit", "2.5"); err != nil {
		t.Fatalf("SetKey rate_limit: %v", err)
	}

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.Workers != 6 {
		t.Errorf("Pipeline.Workers = %d, want 6", cfg.Pipeline.Workers)
	}
	if cfg.Model.Timeout != 90*time.Second {
		t.Errorf("Model.Timeout = %v, want 1m30s", cfg.Model.Timeout)
	}
	if cfg.Model.RateLimit != 2.5 {
		t.Errorf("Model.RateLimit = %v, want 2.5", cfg.Model.RateLimit)
	}
}

func TestSetKeyRejects(t *testing.T) {
	t.Setenv("INSIGHTS_CONFIG", filepath.Join(t.TempDir(), "config.yaml"))

	if err := SetKey("nope.key", "1"); err == nil || !strings.Contains(err.Error(), "unknown config key") {
		t.Errorf("unknown key: got %v", err)
	}
	if err := SetKey("auth.api_token", "x"); err == nil || !strings.Contains(err.Error(), "secret") {
		t.Errorf("secret key: got %v", err)
	}
	if err := SetKey("server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Auth.APIToken = "hidden"
	for _, k := range ShowAll(cfg) {
		if k.Value == "hidden" {
			t.Fatalf("secret exposed under %s", k.Key)
		}
		if k.Key == "cache.retention" && k.Value != "4320h0m0s" {
			t.Errorf("cache.retention = %q, want 4320h0m0s", k.Value)
		}
	}
	if len(ValidKeys())+len(SecretKeys()) != len(specs) {
		t.Error("ValidKeys and SecretKeys must cover every key")
	}
}
