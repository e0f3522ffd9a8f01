package scorer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acurioustractor/ledger-insights/internal/openrouter"
)

// OpenRouterScorer scores through the OpenRouter chat completions API with
// a JSON schema response format.
type OpenRouterScorer struct {
	client *openrouter.Client
	model  string
}

func NewOpenRouterScorer(client *openrouter.Client, model string) *OpenRouterScorer {
	return &OpenRouterScorer{client: client, model: model}
}

func (s *OpenRouterScorer) Model() string { return s.model }

func (s *OpenRouterScorer) Score(ctx context.Context, text string, rubric Rubric) (ScoreResult, error) {
	req := openrouter.ChatRequest{
		Model: s.model,
		Messages: []openrouter.Message{
			{Role: "system", Content: rubric.Instructions},
			{Role: "user", Content: text},
		},
		Temperature: rubric.Temperature,
	}
	if rubric.Schema != nil {
		req.ResponseFormat = &openrouter.ResponseFormat{
			Type: "json_schema",
			JSONSchema: &openrouter.JSONSchema{
				Name:   rubric.Name,
				Schema: rubric.Schema,
			},
		}
	}

	start := time.Now()
	resp, err := s.client.Complete(ctx, req)
	if err != nil {
		var rl *openrouter.RateLimitError
		if errors.As(err, &rl) {
			return ScoreResult{}, &RateLimitedError{RetryAfter: rl.RetryAfter}
		}
		return ScoreResult{}, err
	}

	model := resp.Model
	if model == "" {
		model = s.model
	}
	return ScoreResult{Raw: resp.Content(), Model: model, Duration: time.Since(start)}, nil
}

// EnsureOpenRouterModel checks that model is offered by the OpenRouter API
// behind client.
func EnsureOpenRouterModel(ctx context.Context, client *openrouter.Client, model string) error {
	models, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("listing openrouter models: %w", err)
	}
	for _, m := range models {
		if m.ID == model {
			return nil
		}
	}
	return fmt.Errorf("model %q is not offered by openrouter", model)
}
