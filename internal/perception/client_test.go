package perception

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scadsmith/internal/config"
	"scadsmith/internal/types"
)

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, e := range events {
		fmt.Fprintf(w, "data: %s\n\n", e)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func testParts() []types.Part {
	return []types.Part{
		types.TextPart("original prompt"),
		types.TextPart("View: front"),
		types.ImagePart("image/png", []byte{0x89, 'P', 'N', 'G'}),
	}
}

func TestAnthropicClient_MultimodalStreaming(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("Expected test-key api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writeSSE(w,
			`{"type":"message_start"}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"<code>cube(1);"}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"</code>"}}`,
			`{"type":"message_stop"}`,
		)
	}))
	defer server.Close()

	client := NewAnthropicClient("test-key")
	client.baseURL = server.URL

	ctx := context.Background()
	content, errs := client.CompleteMultimodalStreaming(ctx, DesignSystemPrompt, testParts())
	got, err := Collect(ctx, content, errs)
	require.NoError(t, err)
	assert.Equal(t, "<code>cube(1);</code>", got)

	assert.Equal(t, true, captured["stream"])
	assert.Equal(t, DesignSystemPrompt, captured["system"])
	msgs := captured["messages"].([]interface{})
	require.Len(t, msgs, 1)
	blocks := msgs[0].(map[string]interface{})["content"].([]interface{})
	require.Len(t, blocks, 3)
	assert.Equal(t, "text", blocks[0].(map[string]interface{})["type"])
	assert.Equal(t, "View: front", blocks[1].(map[string]interface{})["text"])
	img := blocks[2].(map[string]interface{})
	assert.Equal(t, "image", img["type"])
	src := img["source"].(map[string]interface{})
	assert.Equal(t, "image/png", src["media_type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'}), src["data"])
}

func TestAnthropicClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	client := NewAnthropicClient("test-key")
	client.baseURL = server.URL

	ctx := context.Background()
	content, errs := client.CompleteWithStreaming(ctx, "", "hi")
	_, err := Collect(ctx, content, errs)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "slow down")
}

func TestAnthropicClient_StreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}`,
			`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		)
	}))
	defer server.Close()

	client := NewAnthropicClient("test-key")
	client.baseURL = server.URL

	ctx := context.Background()
	content, errs := client.CompleteWithStreaming(ctx, "", "hi")
	_, err := Collect(ctx, content, errs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Overloaded")
}

func TestAnthropicClient_MissingKey(t *testing.T) {
	client := NewAnthropicClient("")
	ctx := context.Background()
	content, errs := client.CompleteWithStreaming(ctx, "", "hi")
	_, err := Collect(ctx, content, errs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key not configured")
}

func TestOpenAIClient_MultimodalStreaming(t *testing.T) {
	var captured openAIRequestCapture
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("Expected bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writeSSE(w,
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hello, "}}]}`,
			`{"choices":[{"delta":{"content":"world"}}]}`,
			`[DONE]`,
		)
	}))
	defer server.Close()

	client := NewOpenAIClient("test-key")
	client.baseURL = server.URL

	ctx := context.Background()
	content, errs := client.CompleteMultimodalStreaming(ctx, "sys", testParts())
	got, err := Collect(ctx, content, errs)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", got)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	user := captured.Messages[1]
	require.Len(t, user.Content, 3)
	assert.Equal(t, "text", user.Content[0].Type)
	assert.Equal(t, "image_url", user.Content[2].Type)
	assert.True(t, strings.HasPrefix(user.Content[2].ImageURL.URL, "data:image/png;base64,"))
}

type openAIRequestCapture struct {
	Messages []struct {
		Role    string
		Content []openAIContentPart
	}
}

// UnmarshalJSON tolerates the string content of the system message.
func (c *openAIRequestCapture) UnmarshalJSON(data []byte) error {
	var raw struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, m := range raw.Messages {
		entry := struct {
			Role    string
			Content []openAIContentPart
		}{Role: m.Role}
		_ = json.Unmarshal(m.Content, &entry.Content)
		c.Messages = append(c.Messages, entry)
	}
	return nil
}

func TestOpenAIClient_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `{"choices":[{"delta":{"content":"first"}}]}`)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewOpenAIClient("test-key")
	client.baseURL = server.URL

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	content, errs := client.CompleteWithStreaming(ctx, "", "hi")
	_, err := Collect(ctx, content, errs)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestCollect(t *testing.T) {
	content := make(chan string, 3)
	errs := make(chan error, 1)
	content <- "a"
	content <- "b"
	close(content)
	close(errs)

	got, err := Collect(context.Background(), content, errs)
	require.NoError(t, err)
	assert.Equal(t, "ab", got)

	content = make(chan string)
	errs = make(chan error, 1)
	errs <- errors.New("boom")
	close(errs)
	_, err = Collect(context.Background(), content, errs)
	assert.EqualError(t, err, "boom")
}

func TestNewClientFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := NewClientFromConfig(context.Background(), cfg)
	require.Error(t, err, "missing key must fail")

	cfg.LLM.APIKey = "k"
	cfg.LLM.Provider = "anthropic"
	c, err := NewClientFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClient{}, c)
	assert.Equal(t, DefaultAnthropicConfig("").Model, c.GetModel())

	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4.1"
	c, err = NewClientFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)
	assert.Equal(t, "gpt-4.1", c.GetModel())

	cfg.LLM.Provider = "gemini"
	cfg.LLM.Model = ""
	c, err = NewClientFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &GeminiClient{}, c)
	assert.Equal(t, "gemini-2.5-pro", c.GetModel())

	cfg.LLM.Provider = "zai"
	_, err = NewClientFromConfig(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, newLimiter(0))
	l := newLimiter(60)
	require.NotNil(t, l)
	assert.NoError(t, waitLimiter(context.Background(), l))
}
