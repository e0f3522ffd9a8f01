package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "INSIGHTS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.url", typ: kString, env: "INSIGHTS_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.URL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INSIGHTS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "model.backend", typ: kString, env: "INSIGHTS_MODEL_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Model.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Backend },
	},
	{
		key: "model.name", typ: kString, env: "INSIGHTS_MODEL_NAME",
		apply:   func(cfg *Config, v any) { cfg.Model.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Name },
	},
	{
		key: "model.ollama_url", typ: kString, env: "INSIGHTS_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Model.OllamaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.OllamaURL },
	},
	{
		key: "model.openrouter_url", typ: kString, env: "INSIGHTS_OPENROUTER_URL",
		apply:   func(cfg *Config, v any) { cfg.Model.OpenRouterURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.OpenRouterURL },
	},
	{
		key: "model.openrouter_api_key", typ: kString, env: "INSIGHTS_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Model.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.OpenRouterAPIKey },
	},
	{
		key: "model.timeout", typ: kDuration, env: "INSIGHTS_MODEL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Model.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Model.Timeout },
	},
	{
		key: "model.rate_limit", typ: kFloat, env: "INSIGHTS_MODEL_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Model.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Model.RateLimit },
	},
	{
		key: "model.burst", typ: kInt, env: "INSIGHTS_MODEL_BURST",
		apply:   func(cfg *Config, v any) { cfg.Model.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Model.Burst },
	},
	{
		key: "analyzer.version", typ: kString, env: "INSIGHTS_ANALYZER_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Analyzer.Version = v.(string) },
		extract: func(cfg Config) any { return cfg.Analyzer.Version },
	},
	{
		key: "analyzer.revision", typ: kInt, env: "INSIGHTS_ANALYZER_REVISION",
		apply:   func(cfg *Config, v any) { cfg.Analyzer.Revision = v.(int) },
		extract: func(cfg Config) any { return cfg.Analyzer.Revision },
	},
	{
		key: "pipeline.workers", typ: kInt, env: "INSIGHTS_PIPELINE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Workers },
	},
	{
		key: "pipeline.rollup_workers", typ: kInt, env: "INSIGHTS_PIPELINE_ROLLUP_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.RollupWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.RollupWorkers },
	},
	{
		key: "pipeline.schedule_interval", typ: kDuration, env: "INSIGHTS_PIPELINE_SCHEDULE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ScheduleInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.ScheduleInterval },
	},
	{
		key: "dispatch.concurrency", typ: kInt, env: "INSIGHTS_DISPATCH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.Concurrency },
	},
	{
		key: "dispatch.poll_interval", typ: kDuration, env: "INSIGHTS_DISPATCH_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.PollInterval },
	},
	{
		key: "dispatch.lease", typ: kDuration, env: "INSIGHTS_DISPATCH_LEASE",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.Lease = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.Lease },
	},
	{
		key: "dispatch.max_attempts", typ: kInt, env: "INSIGHTS_DISPATCH_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.MaxAttempts },
	},
	{
		key: "cache.retention", typ: kDuration, env: "INSIGHTS_CACHE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Cache.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.Retention },
	},
	{
		key: "log.level", typ: kString, env: "INSIGHTS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "auth.api_token", typ: kString, env: "INSIGHTS_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.APIToken },
	},
}

// parse converts a raw string to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets not set through the environment from the
// secrets file.
func applySecrets(cfg *Config, sec secretReader) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := sec.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
