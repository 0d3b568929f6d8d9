package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config configures the cross-encoder scoring service client.
type Config struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// Client calls an external cross-encoder service exposing a /rerank
// endpoint (text-embeddings-inference and compatible servers): the query
// and all candidate texts are scored jointly in one request.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a cross-encoder service client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type rerankRequest struct {
	Model string   `json:"model,omitempty"`
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score implements Scorer over the HTTP service.
func (c *Client) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{
		Model: c.cfg.Model,
		Query: query,
		Texts: texts,
	})
	if err != nil {
		return nil, err
	}

	url := c.cfg.BaseURL + "/rerank"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank service error %d: %s", resp.StatusCode, string(respBody))
	}

	var results []rerankResult
	if err := json.Unmarshal(respBody, &results); err != nil {
		return nil, fmt.Errorf("decoding rerank response: %w", err)
	}

	// The service returns results sorted by score; map back to input order.
	scores := make([]float64, len(texts))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(scores) {
			return nil, fmt.Errorf("rerank result index %d out of range", r.Index)
		}
		scores[r.Index] = r.Score
	}
	return scores, nil
}
