// Package llm is a minimal client for OpenAI-compatible chat and embeddings
// endpoints. It serves the intent classifier, issue auto-triage, and the
// dispatch memory embedder; the heavyweight code-writing work is done by the
// sub-agent CLIs, not through this client.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"clawd/internal/httpclient"
	"clawd/internal/logging"
	jsonx "clawd/internal/shared/json"
	id "clawd/internal/utils/id"
)

const maxResponseBytes = 4 << 20

// Config configures the client. Zero values fall back to sane defaults.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
	Headers        map[string]string
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client speaks the chat completions and embeddings APIs.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     logging.Logger
	retry      httpclient.RetryConfig
}

// New builds a client. The transport carries a circuit breaker so a dead
// LLM endpoint fails fast instead of stalling every webhook handler.
func New(cfg Config, logger logging.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	logger = logging.OrNop(logger)
	return &Client{
		cfg:        cfg,
		httpClient: httpclient.NewWithBreaker(cfg.Timeout, "llm", httpclient.DefaultBreakerConfig(), logger),
		logger:     logger,
		retry:      httpclient.DefaultRetryConfig(),
	}
}

// Model returns the configured chat model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat sends the conversation and returns the assistant's reply text.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	return c.chat(ctx, messages, nil)
}

// ChatJSON is Chat with the response constrained to a JSON object, for
// classification and triage calls that are parsed rather than shown.
func (c *Client) ChatJSON(ctx context.Context, messages []Message) (string, error) {
	return c.chat(ctx, messages, &responseFormat{Type: "json_object"})
}

func (c *Client) chat(ctx context.Context, messages []Message, format *responseFormat) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("chat requires at least one message")
	}
	reqID := id.NewEventID()
	payload := chatRequest{
		Model:          c.cfg.Model,
		Messages:       messages,
		Temperature:    0.1,
		ResponseFormat: format,
	}
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	c.logger.Debug("[req:%s] POST %s/chat/completions model=%s messages=%d",
		reqID, c.cfg.BaseURL, c.cfg.Model, len(messages))

	start := time.Now()
	data, err := httpclient.RetryWithResult(ctx, c.retry, c.logger, func(ctx context.Context) ([]byte, error) {
		return c.post(ctx, "/chat/completions", body)
	})
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := jsonx.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response carried no choices")
	}
	c.logger.Debug("[req:%s] chat done in %v tokens=%d finish=%s",
		reqID, time.Since(start).Round(time.Millisecond), parsed.Usage.TotalTokens, parsed.Choices[0].FinishReason)
	return parsed.Choices[0].Message.Content, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	model := c.cfg.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	body, err := jsonx.Marshal(embedRequest{Model: model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	data, err := httpclient.RetryWithResult(ctx, c.retry, c.logger, func(ctx context.Context) ([]byte, error) {
		return c.post(ctx, "/embeddings", body)
	})
	if err != nil {
		return nil, err
	}
	var parsed embedResponse
	if err := jsonx.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embed response carried no vectors")
	}
	return parsed.Data[0].Embedding, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpclient.StatusError{Code: resp.StatusCode, Body: truncateBody(data)}
	}
	return data, nil
}

func truncateBody(data []byte) string {
	const max = 512
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
