package perception

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"scadsmith/internal/types"
)

// LLMClient is the streaming model client the design loop depends on.
type LLMClient = types.LLMClient

// Provider represents an LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
)

// ClientConfig holds configuration shared by every provider client.
type ClientConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	MaxTokens         int
	Temperature       float64
	RequestsPerMinute int // 0 = unlimited
}

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig = ClientConfig

// OpenAIConfig holds configuration for the OpenAI-compatible client.
type OpenAIConfig = ClientConfig

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig = ClientConfig

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   Provider
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API request failed with status %d: %s", e.Provider, e.StatusCode, truncate(e.Body, 500))
}

// newLimiter converts a requests-per-minute budget into a token bucket.
// A non-positive budget disables pacing.
func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

func waitLimiter(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// withDefaultTimeout applies timeout when ctx has no deadline.
func withDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
