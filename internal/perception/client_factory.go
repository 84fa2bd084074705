package perception

import (
	"context"
	"fmt"

	"scadsmith/internal/config"
)

// NewClientFromConfig creates the LLM client selected by cfg.LLM.Provider.
func NewClientFromConfig(ctx context.Context, cfg *config.Config) (LLMClient, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no API key found; set one of ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY or llm.api_key")
	}

	cc := ClientConfig{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		Timeout:           cfg.GetLLMTimeout(),
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	}

	switch Provider(cfg.LLM.Provider) {
	case ProviderAnthropic:
		return NewAnthropicClientWithConfig(cc), nil
	case ProviderOpenAI:
		return NewOpenAIClientWithConfig(cc), nil
	case ProviderGemini:
		return NewGeminiClientWithConfig(ctx, cc)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.LLM.Provider)
	}
}
