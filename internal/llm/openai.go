package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ClientConfig holds configuration for the OpenAI-compatible client.
// The same wire protocol is spoken by OpenAI, LM Studio, and Ollama's
// /v1 endpoint, so one client covers every deployment target.
type ClientConfig struct {
	APIKey         string
	BaseURL        string        // default: https://api.openai.com
	ChatModel      string        // default: gpt-4o-mini
	EmbeddingModel string        // default: text-embedding-3-small
	Dimension      int           // default: 1536
	Timeout        time.Duration // per-request, default: 15s

	// RequestsPerSec paces outbound calls across all goroutines sharing
	// this client; 0 disables pacing.
	RequestsPerSec float64
}

// Client implements Gateway against the OpenAI-compatible HTTP API.
// A single instance is shared by reference across workers; it holds no
// per-call mutable state beyond the breaker and limiter, which are
// safe for concurrent use.
type Client struct {
	cfg            ClientConfig
	httpClient     *http.Client
	circuitBreaker *CircuitBreaker
	limiter        *rate.Limiter
}

// NewClient creates a gateway client with the given configuration.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o-mini"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}

	return &Client{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: NewCircuitBreaker(),
		limiter:        limiter,
	}
}

// Dimension returns the fixed embedding dimensionality.
func (c *Client) Dimension() int {
	return c.cfg.Dimension
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate sends a chat completion with the system prompt, the prior
// history in order, and the new user turn. Input is truncated to the
// gateway character budget. An empty-content reply returns "" without
// error.
func (c *Client) Generate(ctx context.Context, systemPrompt, userText string, history []Message) (string, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (any, error) {
		return c.generate(ctx, systemPrompt, userText, history)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Client) generate(ctx context.Context, systemPrompt, userText string, history []Message) (string, error) {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: Truncate(userText)})

	reqBody := chatRequest{
		Model:       c.cfg.ChatModel,
		Messages:    messages,
		Temperature: 0.2,
	}

	var respData chatResponse
	if err := c.post(ctx, "/v1/chat/completions", reqBody, &respData); err != nil {
		return "", err
	}

	if len(respData.Choices) == 0 {
		return "", nil
	}
	return respData.Choices[0].Message.Content, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding vector for the given text, truncated to
// the gateway character budget. A vector of the wrong dimensionality
// from the provider is a permanent failure, never silently accepted.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (any, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

func (c *Client) embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := embeddingRequest{
		Model: c.cfg.EmbeddingModel,
		Input: Truncate(text),
	}

	var respData embeddingResponse
	if err := c.post(ctx, "/v1/embeddings", reqBody, &respData); err != nil {
		return nil, err
	}

	if len(respData.Data) == 0 || len(respData.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("provider returned empty embedding: %w", ErrModelRejected)
	}

	vec := respData.Data[0].Embedding
	if len(vec) != c.cfg.Dimension {
		return nil, fmt.Errorf("provider returned %d-dimensional embedding, want %d: %w",
			len(vec), c.cfg.Dimension, ErrModelRejected)
	}
	return vec, nil
}

// post performs one JSON round-trip with timeout, pacing, and error
// classification. The gateway performs no retries of its own.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, classifyTransportError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned status %d: %s: %w",
			resp.StatusCode, string(respBody), classifyStatus(resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", ErrModelUnavailable)
	}
	return nil
}

// Compile-time assertion.
var _ Gateway = (*Client)(nil)
