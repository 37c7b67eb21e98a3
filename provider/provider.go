// Package provider holds the capability interfaces for external AI
// providers and their concrete implementations. The engine core depends
// only on LLM and Embedding; the concrete provider is selected by
// configuration at construction time.
package provider

import (
	"context"
	"fmt"
)

// Embedding converts batches of texts into vectors.
//
// EmbedBatch issues exactly one provider request for all texts; callers
// needing many embeddings must batch rather than loop. Transport failures
// are retried internally with capped exponential backoff and jitter; the
// error returned after exhaustion is permanent for the request.
type Embedding interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// LLM produces completions, optionally constrained to JSON output so that
// structured results (query analysis, rewrites) are machine-parseable.
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// CompletionRequest is a single completion call.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSONMode constrains the model to emit a single JSON object.
	JSONMode bool
}

// Completion is the result of a completion call.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Config selects and configures a concrete provider.
type Config struct {
	Provider string `json:"provider" yaml:"provider"` // openai, ollama, lmstudio, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// NewLLM creates an LLM provider from configuration.
func NewLLM(cfg Config) (LLM, error) {
	switch cfg.Provider {
	case "openai":
		return newOpenAI(cfg), nil
	case "ollama":
		return newOllama(cfg), nil
	case "lmstudio":
		return newLMStudio(cfg), nil
	case "custom":
		return newCompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// NewEmbedding creates an embedding provider from configuration.
func NewEmbedding(cfg Config) (Embedding, error) {
	switch cfg.Provider {
	case "openai":
		return newOpenAI(cfg), nil
	case "ollama":
		return newOllama(cfg), nil
	case "lmstudio":
		return newLMStudio(cfg), nil
	case "custom":
		return newCompat(cfg), nil
	case "":
		return nil, fmt.Errorf("embedding provider not specified")
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
