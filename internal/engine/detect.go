package engine

import (
	"fmt"
	"net/url"
)

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect returns the engine for the configured local backend. Ollama is the
// only local backend; remote models go through the OpenRouter scorer.
func Detect(cfg DetectConfig) (Engine, error) {
	if cfg.OllamaBaseURL == "" {
		return nil, fmt.Errorf("ollama base URL is not configured")
	}
	u, err := url.Parse(cfg.OllamaBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ollama base URL %q", cfg.OllamaBaseURL)
	}
	return NewOllamaEngine(cfg.OllamaBaseURL), nil
}
