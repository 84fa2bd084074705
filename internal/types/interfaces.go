package types

import (
	"context"
)

// LLMClient is the streaming text-generation service used by the design loop.
// Both methods return a channel of text fragments that is closed when the
// response is complete, and an error channel that carries at most one error.
type LLMClient interface {
	// CompleteWithStreaming sends a single text prompt.
	CompleteWithStreaming(ctx context.Context, systemPrompt, userPrompt string) (<-chan string, <-chan error)

	// CompleteMultimodalStreaming sends an ordered list of text and image parts
	// as a single user turn.
	CompleteMultimodalStreaming(ctx context.Context, systemPrompt string, parts []Part) (<-chan string, <-chan error)

	// GetModel returns the model identifier in use.
	GetModel() string
}
