package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"

	"github.com/acurioustractor/ledger-insights/internal/analyzer"
	"github.com/acurioustractor/ledger-insights/internal/cache"
	"github.com/acurioustractor/ledger-insights/internal/config"
	"github.com/acurioustractor/ledger-insights/internal/engine"
	"github.com/acurioustractor/ledger-insights/internal/metrics"
	"github.com/acurioustractor/ledger-insights/internal/openrouter"
	"github.com/acurioustractor/ledger-insights/internal/pipeline"
	"github.com/acurioustractor/ledger-insights/internal/rollup"
	"github.com/acurioustractor/ledger-insights/internal/scorer"
	"github.com/acurioustractor/ledger-insights/internal/storage"
)

// app is the wired pipeline shared by run and serve.
type app struct {
	cfg          config.Config
	store        *storage.Store
	metrics      *metrics.Metrics
	analyzer     *analyzer.Analyzer
	orchestrator *pipeline.Orchestrator
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// openStore loads the config and opens the record store.
func openStore() (config.Config, *storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	setupLogging(cfg.Log.Level)
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("opening storage: %w", err)
	}
	return cfg, store, nil
}

// newApp opens storage and wires the model backend, analyzer, rollup engine
// and orchestrator. With an Ollama backend the model is pulled if missing.
func newApp(ctx context.Context) (*app, error) {
	cfg, store, err := openStore()
	if err != nil {
		return nil, err
	}
	a, err := buildApp(ctx, cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func buildApp(ctx context.Context, cfg config.Config, store *storage.Store) (*app, error) {
	switch cfg.Model.Backend {
	case "ollama":
		eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Model.OllamaURL})
		if err != nil {
			return nil, fmt.Errorf("detecting inference engine: %w", err)
		}
		if err := engine.EnsureReady(ctx, eng, cfg.Model.Name, os.Stderr); err != nil {
			return nil, err
		}
	case "openrouter":
		client := openrouter.NewClient(cfg.Model.OpenRouterAPIKey)
		if cfg.Model.OpenRouterURL != "" {
			client = openrouter.NewClientWithBaseURL(cfg.Model.OpenRouterAPIKey, cfg.Model.OpenRouterURL)
		}
		if err := scorer.EnsureOpenRouterModel(ctx, client, cfg.Model.Name); err != nil {
			return nil, err
		}
	}

	m := metrics.New()
	sc, err := scorer.New(scorer.Config{
		Backend:           cfg.Model.Backend,
		Model:             cfg.Model.Name,
		OllamaURL:         cfg.Model.OllamaURL,
		OpenRouterKey:     cfg.Model.OpenRouterAPIKey,
		OpenRouterURL:     cfg.Model.OpenRouterURL,
		RequestsPerSecond: cfg.Model.RateLimit,
		Burst:             cfg.Model.Burst,
	}, m)
	if err != nil {
		return nil, fmt.Errorf("building scorer: %w", err)
	}
	return wire(cfg, store, sc, m)
}

// wire assembles the pipeline around a scorer.
func wire(cfg config.Config, store *storage.Store, sc scorer.Scorer, m *metrics.Metrics) (*app, error) {
	levels, err := rollupLevels(cfg.Rollup)
	if err != nil {
		return nil, err
	}
	backend := cache.NewSQLite(store)
	an := analyzer.New(sc, cache.NewResilient(backend, m), store, analyzer.Config{
		Version:      cfg.Analyzer.Version,
		Revision:     cfg.Analyzer.Revision,
		ModelTimeout: cfg.Model.Timeout,
	}, m)
	ro := rollup.New(store, an.Fingerprint, rollup.Options{
		Workers: cfg.Pipeline.RollupWorkers,
		Levels:  levels,
	})
	orch := pipeline.New(store, an, ro, backend, pipeline.Config{Workers: cfg.Pipeline.Workers}, m)

	return &app{
		cfg:          cfg,
		store:        store,
		metrics:      m,
		analyzer:     an,
		orchestrator: orch,
	}, nil
}

// rollupLevels merges configured overrides onto the default level settings.
// A zero quote limit keeps the default; weights replace the defaults per key.
func rollupLevels(overrides map[string]config.RollupLevel) (map[storage.Level]rollup.LevelConfig, error) {
	levels := rollup.DefaultLevels()
	for name, o := range overrides {
		level, err := storage.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("rollup.levels: %w", err)
		}
		lc := levels[level]
		if o.QuoteLimit > 0 {
			lc.QuoteLimit = o.QuoteLimit
		}
		if len(o.Weights) > 0 {
			weights := make(map[string]float64, len(lc.Weights)+len(o.Weights))
			maps.Copy(weights, lc.Weights)
			maps.Copy(weights, o.Weights)
			lc.Weights = weights
		}
		levels[level] = lc
	}
	return levels, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
