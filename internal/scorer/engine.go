package scorer

import (
	"context"
	"time"

	"github.com/acurioustractor/ledger-insights/internal/engine"
)

// EngineScorer scores through a local engine such as Ollama, using the
// rubric schema as the structured output format.
type EngineScorer struct {
	eng   engine.Engine
	model string
}

func NewEngineScorer(eng engine.Engine, model string) *EngineScorer {
	return &EngineScorer{eng: eng, model: model}
}

func (s *EngineScorer) Model() string { return s.model }

func (s *EngineScorer) Score(ctx context.Context, text string, rubric Rubric) (ScoreResult, error) {
	start := time.Now()
	raw, err := s.eng.Chat(ctx, s.model, []engine.Message{
		{Role: "system", Content: rubric.Instructions},
		{Role: "user", Content: text},
	}, rubric.Schema, engine.ChatOptions{Temperature: rubric.Temperature})
	if err != nil {
		return ScoreResult{}, err
	}
	return ScoreResult{Raw: raw, Model: s.model, Duration: time.Since(start)}, nil
}
