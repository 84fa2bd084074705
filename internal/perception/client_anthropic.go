package perception

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"scadsmith/internal/logging"
	"scadsmith/internal/types"
)

// AnthropicClient streams completions from the Anthropic Messages API.
type AnthropicClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:      apiKey,
		BaseURL:     "https://api.anthropic.com/v1",
		Model:       "claude-sonnet-4-5-20250929",
		Timeout:     5 * time.Minute,
		MaxTokens:   8192,
		Temperature: 0.2,
	}
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return NewAnthropicClientWithConfig(DefaultAnthropicConfig(apiKey))
}

// NewAnthropicClientWithConfig creates a new Anthropic client with custom config.
// Empty fields fall back to DefaultAnthropicConfig.
func NewAnthropicClientWithConfig(config AnthropicConfig) *AnthropicClient {
	def := DefaultAnthropicConfig(config.APIKey)
	fillDefaults(&config, def)
	return &AnthropicClient{
		apiKey:      config.APIKey,
		baseURL:     config.BaseURL,
		model:       config.Model,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		timeout:     config.Timeout,
		// Streaming bodies outlive a client-level timeout; the per-request
		// context carries the deadline instead.
		httpClient: &http.Client{},
		limiter:    newLimiter(config.RequestsPerMinute),
	}
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CompleteWithStreaming sends a single text prompt with streaming enabled.
func (c *AnthropicClient) CompleteWithStreaming(ctx context.Context, systemPrompt, userPrompt string) (<-chan string, <-chan error) {
	return c.CompleteMultimodalStreaming(ctx, systemPrompt, []types.Part{types.TextPart(userPrompt)})
}

// CompleteMultimodalStreaming sends text and image parts as one user turn and
// returns channels of incremental content deltas.
func (c *AnthropicClient) CompleteMultimodalStreaming(ctx context.Context, systemPrompt string, parts []types.Part) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	logging.PerceptionDebug("[Anthropic] CompleteMultimodalStreaming: model=%s parts=%d", c.model, len(parts))

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		ctx, cancel := withDefaultTimeout(ctx, c.timeout)
		defer cancel()

		startTime := time.Now()

		if c.apiKey == "" {
			logging.PerceptionError("[Anthropic] API key not configured")
			errorChan <- fmt.Errorf("API key not configured")
			return
		}

		if err := waitLimiter(ctx, c.limiter); err != nil {
			errorChan <- fmt.Errorf("rate limiter: %w", err)
			return
		}

		blocks := make([]anthropicContentBlock, 0, len(parts))
		for _, p := range parts {
			switch p.Type {
			case types.PartImage:
				blocks = append(blocks, anthropicContentBlock{
					Type: "image",
					Source: &anthropicImageSource{
						Type:      "base64",
						MediaType: p.MIMEType,
						Data:      base64.StdEncoding.EncodeToString(p.Data),
					},
				})
			default:
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: p.Text})
			}
		}

		reqBody := anthropicRequest{
			Model:       c.model,
			MaxTokens:   c.maxTokens,
			System:      systemPrompt,
			Messages:    []anthropicMessage{{Role: "user", Content: blocks}},
			Temperature: c.temperature,
			Stream:      true,
		}

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
		if err != nil {
			errorChan <- fmt.Errorf("failed to create request: %w", err)
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
		req.Header.Set("Accept", "text/event-stream")

		logging.APIDebug("[Anthropic] POST %s/messages bytes=%d", c.baseURL, len(jsonData))
		resp, err := c.httpClient.Do(req)
		if err != nil {
			logging.APIError("[Anthropic] request failed: %v", err)
			errorChan <- fmt.Errorf("request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			logging.APIError("[Anthropic] API returned status %d", resp.StatusCode)
			errorChan <- &APIError{Provider: ProviderAnthropic, StatusCode: resp.StatusCode, Body: string(body)}
			return
		}

		err = readSSE(ctx, resp.Body, contentChan, func(data string) (string, bool, error) {
			var evt anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				return "", false, nil
			}
			if evt.Error != nil {
				return "", true, fmt.Errorf("API error: %s", evt.Error.Message)
			}
			if evt.Type == "message_stop" {
				return "", true, nil
			}
			if evt.Type == "content_block_delta" && evt.Delta != nil {
				return evt.Delta.Text, false, nil
			}
			return "", false, nil
		})
		if err != nil {
			logging.PerceptionError("[Anthropic] stream failed after %v: %v", time.Since(startTime), err)
			errorChan <- err
			return
		}
		logging.Perception("[Anthropic] stream completed in %v", time.Since(startTime))
	}()

	return contentChan, errorChan
}

// GetModel returns the current model.
func (c *AnthropicClient) GetModel() string {
	return c.model
}

// fillDefaults copies unset fields of cfg from def.
func fillDefaults(cfg *ClientConfig, def ClientConfig) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = def.Temperature
	}
}
