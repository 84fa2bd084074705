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

// OpenAIClient streams completions from an OpenAI-compatible chat completions
// endpoint.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
}

// DefaultOpenAIConfig returns sensible defaults for a vision-capable model.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:      apiKey,
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o",
		Timeout:     5 * time.Minute,
		MaxTokens:   8192,
		Temperature: 0.2,
	}
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return NewOpenAIClientWithConfig(DefaultOpenAIConfig(apiKey))
}

// NewOpenAIClientWithConfig creates a new OpenAI client with custom config.
func NewOpenAIClientWithConfig(config OpenAIConfig) *OpenAIClient {
	fillDefaults(&config, DefaultOpenAIConfig(config.APIKey))
	return &OpenAIClient{
		apiKey:      config.APIKey,
		baseURL:     config.BaseURL,
		model:       config.Model,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		timeout:     config.Timeout,
		httpClient:  &http.Client{},
		limiter:     newLimiter(config.RequestsPerMinute),
	}
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []openAIContentPart
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CompleteWithStreaming sends a single text prompt with streaming enabled.
func (c *OpenAIClient) CompleteWithStreaming(ctx context.Context, systemPrompt, userPrompt string) (<-chan string, <-chan error) {
	return c.CompleteMultimodalStreaming(ctx, systemPrompt, []types.Part{types.TextPart(userPrompt)})
}

// CompleteMultimodalStreaming sends text and image parts as one user message.
// Images are inlined as data URLs.
func (c *OpenAIClient) CompleteMultimodalStreaming(ctx context.Context, systemPrompt string, parts []types.Part) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	logging.PerceptionDebug("[OpenAI] CompleteMultimodalStreaming: model=%s parts=%d", c.model, len(parts))

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		ctx, cancel := withDefaultTimeout(ctx, c.timeout)
		defer cancel()

		startTime := time.Now()

		if c.apiKey == "" {
			logging.PerceptionError("[OpenAI] API key not configured")
			errorChan <- fmt.Errorf("API key not configured")
			return
		}

		if err := waitLimiter(ctx, c.limiter); err != nil {
			errorChan <- fmt.Errorf("rate limiter: %w", err)
			return
		}

		content := make([]openAIContentPart, 0, len(parts))
		for _, p := range parts {
			switch p.Type {
			case types.PartImage:
				url := fmt.Sprintf("data:%s;base64,%s", p.MIMEType, base64.StdEncoding.EncodeToString(p.Data))
				content = append(content, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: url}})
			default:
				content = append(content, openAIContentPart{Type: "text", Text: p.Text})
			}
		}

		messages := make([]openAIMessage, 0, 2)
		if systemPrompt != "" {
			messages = append(messages, openAIMessage{Role: "system", Content: systemPrompt})
		}
		messages = append(messages, openAIMessage{Role: "user", Content: content})

		reqBody := openAIRequest{
			Model:       c.model,
			Messages:    messages,
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
			Stream:      true,
		}

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			errorChan <- fmt.Errorf("failed to create request: %w", err)
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "text/event-stream")

		logging.APIDebug("[OpenAI] POST %s/chat/completions bytes=%d", c.baseURL, len(jsonData))
		resp, err := c.httpClient.Do(req)
		if err != nil {
			logging.APIError("[OpenAI] request failed: %v", err)
			errorChan <- fmt.Errorf("request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			logging.APIError("[OpenAI] API returned status %d", resp.StatusCode)
			errorChan <- &APIError{Provider: ProviderOpenAI, StatusCode: resp.StatusCode, Body: string(body)}
			return
		}

		err = readSSE(ctx, resp.Body, contentChan, func(data string) (string, bool, error) {
			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return "", false, nil
			}
			if chunk.Error != nil {
				return "", true, fmt.Errorf("API error: %s", chunk.Error.Message)
			}
			if len(chunk.Choices) == 0 {
				return "", false, nil
			}
			return chunk.Choices[0].Delta.Content, false, nil
		})
		if err != nil {
			logging.PerceptionError("[OpenAI] stream failed after %v: %v", time.Since(startTime), err)
			errorChan <- err
			return
		}
		logging.Perception("[OpenAI] stream completed in %v", time.Since(startTime))
	}()

	return contentChan, errorChan
}

// GetModel returns the current model.
func (c *OpenAIClient) GetModel() string {
	return c.model
}
