package perception

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"scadsmith/internal/logging"
	"scadsmith/internal/types"
)

// GeminiClient streams completions through the Google GenAI SDK.
type GeminiClient struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	limiter     *rate.Limiter
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:      apiKey,
		Model:       "gemini-2.5-pro",
		Timeout:     5 * time.Minute,
		MaxTokens:   8192,
		Temperature: 0.2,
	}
}

// NewGeminiClientWithConfig creates a Gemini client. BaseURL is optional and
// overrides the SDK's endpoint.
func NewGeminiClientWithConfig(ctx context.Context, config GeminiConfig) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	fillDefaults(&config, DefaultGeminiConfig(config.APIKey))

	cc := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		model:       config.Model,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		timeout:     config.Timeout,
		limiter:     newLimiter(config.RequestsPerMinute),
	}, nil
}

// CompleteWithStreaming sends a single text prompt with streaming enabled.
func (c *GeminiClient) CompleteWithStreaming(ctx context.Context, systemPrompt, userPrompt string) (<-chan string, <-chan error) {
	return c.CompleteMultimodalStreaming(ctx, systemPrompt, []types.Part{types.TextPart(userPrompt)})
}

// CompleteMultimodalStreaming sends text and inline image parts as one user
// turn.
func (c *GeminiClient) CompleteMultimodalStreaming(ctx context.Context, systemPrompt string, parts []types.Part) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	logging.PerceptionDebug("[Gemini] CompleteMultimodalStreaming: model=%s parts=%d", c.model, len(parts))

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		ctx, cancel := withDefaultTimeout(ctx, c.timeout)
		defer cancel()

		startTime := time.Now()

		if err := waitLimiter(ctx, c.limiter); err != nil {
			errorChan <- fmt.Errorf("rate limiter: %w", err)
			return
		}

		gparts := make([]*genai.Part, 0, len(parts))
		for _, p := range parts {
			switch p.Type {
			case types.PartImage:
				gparts = append(gparts, genai.NewPartFromBytes(p.Data, p.MIMEType))
			default:
				gparts = append(gparts, genai.NewPartFromText(p.Text))
			}
		}
		contents := []*genai.Content{genai.NewContentFromParts(gparts, genai.RoleUser)}

		cfg := &genai.GenerateContentConfig{
			Temperature:     genai.Ptr(float32(c.temperature)),
			MaxOutputTokens: int32(c.maxTokens),
		}
		if systemPrompt != "" {
			cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
		}

		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, cfg) {
			if err != nil {
				logging.PerceptionError("[Gemini] stream failed after %v: %v", time.Since(startTime), err)
				errorChan <- fmt.Errorf("stream error: %w", err)
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case contentChan <- text:
			case <-ctx.Done():
				errorChan <- ctx.Err()
				return
			}
		}
		logging.Perception("[Gemini] stream completed in %v", time.Since(startTime))
	}()

	return contentChan, errorChan
}

// GetModel returns the current model.
func (c *GeminiClient) GetModel() string {
	return c.model
}
