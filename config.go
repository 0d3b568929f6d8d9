package opencontracts

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration for the extraction engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.opencontracts/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath is not
	// explicitly set. Options: "home" (default) uses ~/.opencontracts/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Rerank configures the cross-encoder scoring service.
	Rerank RerankConfig `json:"rerank" yaml:"rerank"`

	// Queue configures the Redis-backed task substrate.
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// Retrieval
	SimilarityTopK int `json:"similarity_top_k" yaml:"similarity_top_k"` // first-stage candidates (default 15)
	RerankTopN     int `json:"rerank_top_n" yaml:"rerank_top_n"`         // second-stage survivors (default 5)

	// Agent
	AgentMaxSteps int           `json:"agent_max_steps" yaml:"agent_max_steps"` // bounded plan-act iterations (default 5)
	AgentTimeout  time.Duration `json:"agent_timeout" yaml:"agent_timeout"`     // wall-clock bound per cell (default 2m)

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // openai, gemini, ollama, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// RerankConfig configures the cross-encoder reranking endpoint.
type RerankConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

// QueueConfig configures the asynq/Redis task substrate.
type QueueConfig struct {
	RedisAddr   string `json:"redis_addr" yaml:"redis_addr"`
	RedisDB     int    `json:"redis_db" yaml:"redis_db"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
func DefaultConfig() Config {
	return Config{
		DBName:     "opencontracts",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Rerank: RerankConfig{
			BaseURL: "http://localhost:8081",
			Model:   "cross-encoder/ms-marco-MiniLM-L-2-v2",
		},
		Queue: QueueConfig{
			RedisAddr:   "localhost:6379",
			Concurrency: 8,
		},
		SimilarityTopK: 15,
		RerankTopN:     5,
		AgentMaxSteps:  5,
		AgentTimeout:   2 * time.Minute,
		EmbeddingDim:   768,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "opencontracts"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".opencontracts")
		return filepath.Join(dir, name+".db")
	}
}
