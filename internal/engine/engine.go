package engine

import "context"

// Engine abstracts a model-serving backend. The scorer talks to this
// interface instead of a concrete client so tests can substitute a fake.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's
	// response. When format is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, format *Schema, opts ChatOptions) (string, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
