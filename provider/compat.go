package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// compatClient is the shared base for providers exposing an
// OpenAI-compatible HTTP API (Ollama, LM Studio, custom endpoints).
type compatClient struct {
	cfg    Config
	client *http.Client
}

func newCompatClient(cfg Config) compatClient {
	// Generous timeout for local providers which may load models on the
	// first request, but bounded to avoid multi-minute hangs.
	return compatClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// newCompat creates a provider for a generic OpenAI-compatible endpoint.
func newCompat(cfg Config) *compatProvider {
	return &compatProvider{base: newCompatClient(cfg)}
}

// newLMStudio creates a provider for LM Studio.
func newLMStudio(cfg Config) *compatProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:1234"
	}
	return &compatProvider{base: newCompatClient(cfg)}
}

type compatProvider struct {
	base compatClient
}

func (p *compatProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	return p.base.complete(ctx, req)
}

func (p *compatProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

// ollamaProvider uses the OpenAI-compatible endpoint for completions and
// Ollama's native /api/embed endpoint for batched embeddings.
type ollamaProvider struct {
	base compatClient
}

func newOllama(cfg Config) *ollamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &ollamaProvider{base: newCompatClient(cfg)}
}

func (p *ollamaProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	return p.base.complete(ctx, req)
}

func (p *ollamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body := ollamaEmbedRequest{Model: p.base.cfg.Model, Input: texts}

	respBody, err := p.base.doPost(ctx, "/api/embed", body)
	if err != nil {
		return nil, err
	}

	var resp ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding ollama embed response: %w", err)
	}

	result := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		result[i] = float64sToFloat32s(emb)
	}
	return result, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func float64sToFloat32s(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}

// --- shared wire types ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *compatClient) complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body := chatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	respBody, err := c.doPost(ctx, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &Completion{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func (c *compatClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	respBody, err := c.doPost(ctx, "/v1/embeddings", embeddingRequest{
		Model: c.cfg.Model,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}

	// Sort by index to ensure correct ordering.
	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	return embeddings, nil
}

const (
	maxTransportRetries = 5
	baseRetryDelay      = 500 * time.Millisecond
	maxRetryDelay       = 30 * time.Second
)

// retryableStatusCode returns true for HTTP status codes that warrant a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// backoffDelay computes the capped exponential delay with full jitter for
// the given attempt (1-based).
func backoffDelay(attempt int) time.Duration {
	d := baseRetryDelay << (attempt - 1)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

// retryDelay picks the wait before the given attempt. A server-provided
// Retry-After replaces the computed backoff rather than adding to it.
func retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > maxRetryDelay {
			return maxRetryDelay
		}
		return retryAfter
	}
	return backoffDelay(attempt)
}

// doPost issues a JSON POST with transport-level retries. Semantic retries
// (query rewriting) live in the orchestrator and are bounded separately.
func (c *compatClient) doPost(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := c.cfg.BaseURL + path

	var lastErr error
	var retryAfter time.Duration
	for attempt := 0; attempt <= maxTransportRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt, retryAfter)
			retryAfter = 0
			slog.Warn("provider: retrying request",
				"url", url, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request to %s failed: %w", url, err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("reading response body: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return respBody, nil
		}

		lastErr = fmt.Errorf("provider API error %d: %s", resp.StatusCode, string(respBody))
		if !retryableStatusCode(resp.StatusCode) {
			return nil, lastErr
		}

		// Respect Retry-After on rate limits; the wait happens at the top
		// of the next iteration in place of the backoff.
		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
					retryAfter = time.Duration(seconds) * time.Second
				}
			}
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
