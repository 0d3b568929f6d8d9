// Package llm abstracts the embedding and generation oracles behind a
// narrow provider interface. Model handles are passed explicitly to the
// components that need them; nothing here is process-global.
package llm

import (
	"context"
	"fmt"
)

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider"` // openai, gemini, ollama, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg), nil
	case "gemini":
		return NewGemini(cfg), nil
	case "ollama":
		return NewOllama(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
