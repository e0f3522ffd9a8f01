package config

import (
	"fmt"
	"time"

	"github.com/acurioustractor/ledger-insights/internal/authz"
	"github.com/acurioustractor/ledger-insights/internal/storage"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Model    ModelConfig
	Analyzer AnalyzerConfig
	Pipeline PipelineConfig
	Dispatch DispatchConfig
	Cache    CacheConfig
	Log      LogConfig
	Auth     AuthConfig
	// Rollup overrides the built-in per-level rollup settings, keyed by
	// level name.
	Rollup map[string]RollupLevel
}

type ServerConfig struct {
	Port int
	// URL is where CLI subcommands reach a running server.
	URL string
}

type StorageConfig struct {
	DataDir string
}

type ModelConfig struct {
	Backend          string
	Name             string
	OllamaURL        string
	OpenRouterURL    string
	OpenRouterAPIKey string
	Timeout          time.Duration
	RateLimit        float64
	Burst            int
}

type AnalyzerConfig struct {
	Version  string
	Revision int
}

type PipelineConfig struct {
	Workers          int
	RollupWorkers    int
	ScheduleInterval time.Duration
}

type DispatchConfig struct {
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
}

type CacheConfig struct {
	Retention time.Duration
}

type LogConfig struct {
	Level string
}

type AuthConfig struct {
	// APIToken is the bearer token CLI subcommands send to the server.
	APIToken string
	Tokens   []TokenConfig
}

// TokenConfig binds a bearer token to a principal.
type TokenConfig struct {
	Token           string `yaml:"token"`
	authz.Principal `yaml:",inline"`
}

// RollupLevel overrides the rollup of one level.
type RollupLevel struct {
	QuoteLimit int                `yaml:"quote_limit"`
	Weights    map[string]float64 `yaml:"weights"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
			URL:  "http://127.0.0.1:4200",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Model: ModelConfig{
			Backend:       "ollama",
			Name:          "llama3.1:8b",
			OllamaURL:     "http://localhost:11434",
			OpenRouterURL: "https://openrouter.ai/api/v1",
			Timeout:       2 * time.Minute,
			RateLimit:     1,
			Burst:         2,
		},
		Analyzer: AnalyzerConfig{
			Version:  "v1",
			Revision: 1,
		},
		Pipeline: PipelineConfig{
			Workers:          4,
			RollupWorkers:    8,
			ScheduleInterval: 6 * time.Hour,
		},
		Dispatch: DispatchConfig{
			Concurrency:  2,
			PollInterval: 500 * time.Millisecond,
			Lease:        10 * time.Minute,
			MaxAttempts:  3,
		},
		Cache: CacheConfig{
			Retention: 180 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML config file, environment variables
// and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/ledger-insights/config.yaml
// (INSIGHTS_CONFIG overrides the path). Secrets are read from environment
// variables first, then from $XDG_DATA_HOME/ledger-insights/secrets.yaml.
//
// Environment variables (INSIGHTS_*) override file values.
func Load() (Config, error) {
	return loadFromPath(FilePath(), secretsFile{path: secretsFilePath()})
}

func loadFromPath(path string, sec secretReader) (Config, error) {
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, sec)
}

func loadWith(b ConfigBackend, sec secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	if _, err := b.Decode("auth.tokens", &cfg.Auth.Tokens); err != nil {
		return Config{}, err
	}
	if _, err := b.Decode("rollup.levels", &cfg.Rollup); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, sec)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.Model.Backend {
	case "ollama":
	case "openrouter":
		if cfg.Model.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. " +
				"Set it via environment variable INSIGHTS_OPENROUTER_API_KEY or the secrets file")
		}
	default:
		return fmt.Errorf("model.backend must be ollama or openrouter, got %q", cfg.Model.Backend)
	}
	for name, lvl := range cfg.Rollup {
		if _, err := storage.ParseLevel(name); err != nil {
			return fmt.Errorf("rollup.levels: %w", err)
		}
		if lvl.QuoteLimit < 0 {
			return fmt.Errorf("rollup.levels.%s.quote_limit must not be negative", name)
		}
	}
	for i, t := range cfg.Auth.Tokens {
		if t.Token == "" || t.Subject == "" {
			return fmt.Errorf("auth.tokens[%d]: token and subject are required", i)
		}
		switch t.Role {
		case authz.RoleAdmin, authz.RoleOperator, authz.RoleReader:
		default:
			return fmt.Errorf("auth.tokens[%d]: unknown role %q", i, t.Role)
		}
	}
	return nil
}

// Principals returns the token table of the configured principals.
func (cfg Config) Principals() map[string]authz.Principal {
	out := make(map[string]authz.Principal, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		out[t.Token] = t.Principal
	}
	return out
}
