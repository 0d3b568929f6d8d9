// Package opencontracts implements an asynchronous extraction pipeline
// for contract analysis: extraction jobs fan out into per-(document,
// column) datacells, each datacell retrieves and reranks evidence from
// the document's annotation index, optionally runs an agentic analysis
// pass, extracts a schema-constrained value, and persists the result.
// A completion barrier finishes the job when the last cell lands.
package opencontracts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/abelrugaju/opencontracts/agent"
	"github.com/abelrugaju/opencontracts/extractor"
	"github.com/abelrugaju/opencontracts/llm"
	"github.com/abelrugaju/opencontracts/rerank"
	"github.com/abelrugaju/opencontracts/retrieval"
	"github.com/abelrugaju/opencontracts/store"
)

// Dispatcher hands datacell IDs to the task substrate for asynchronous
// processing. The queue package provides the Redis-backed implementation;
// tests use an inline one.
type Dispatcher interface {
	EnqueueCell(ctx context.Context, cellID int64) error
}

// Engine owns the extraction pipeline: orchestration (RunExtract) and
// per-cell processing (ProcessCell).
type Engine struct {
	cfg       Config
	store     *store.Store
	chat      llm.Provider
	embedding llm.Provider
	retriever *retrieval.Engine
	reranker  *rerank.Reranker
	agent     *agent.Engine
	extractor *extractor.Extractor
	schemas   *extractor.Registry
	dispatch  Dispatcher
}

// Option configures the Engine.
type Option func(*Engine)

// WithDispatcher sets the task dispatcher used by RunExtract. Without
// one, RunExtract processes cells synchronously in-process.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatch = d }
}

// WithChatProvider overrides the generation provider built from config.
func WithChatProvider(p llm.Provider) Option {
	return func(e *Engine) { e.chat = p }
}

// WithEmbeddingProvider overrides the embedding provider built from config.
func WithEmbeddingProvider(p llm.Provider) Option {
	return func(e *Engine) { e.embedding = p }
}

// WithRerankScorer overrides the cross-encoder scorer built from config.
func WithRerankScorer(s rerank.Scorer) Option {
	return func(e *Engine) { e.reranker = rerank.New(s, e.cfg.RerankTopN) }
}

// New creates an extraction engine from configuration. Providers and the
// scorer default to the configured HTTP services; options replace them.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.SimilarityTopK == 0 {
		cfg.SimilarityTopK = 15
	}
	if cfg.RerankTopN == 0 {
		cfg.RerankTopN = 5
	}

	st, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		store:   st,
		schemas: extractor.NewRegistry(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.chat == nil {
		p, err := llm.NewProvider(llm.Config(cfg.Chat))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("chat provider: %w", err)
		}
		e.chat = p
	}
	if e.embedding == nil {
		p, err := llm.NewProvider(llm.Config(cfg.Embedding))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
		e.embedding = p
	}
	if e.reranker == nil {
		e.reranker = rerank.New(rerank.NewClient(rerank.Config(cfg.Rerank)), cfg.RerankTopN)
	}

	e.retriever = retrieval.New(st, e.embedding, retrieval.Config{TopK: cfg.SimilarityTopK})
	e.agent = agent.New(e.chat, &searchTool{retriever: e.retriever, reranker: e.reranker, topN: cfg.RerankTopN},
		agent.Config{MaxSteps: cfg.AgentMaxSteps, Timeout: cfg.AgentTimeout})
	e.extractor = extractor.New(e.chat)

	slog.Info("extraction engine ready",
		"db", cfg.resolveDBPath(),
		"embedding_dim", st.EmbeddingDim(),
		"similarity_top_k", cfg.SimilarityTopK,
		"rerank_top_n", cfg.RerankTopN)

	return e, nil
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store exposes the underlying store for ingestion and serving layers.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Embedder exposes the embedding provider for the ingestion layer.
func (e *Engine) Embedder() llm.Provider {
	return e.embedding
}

// Schemas exposes the structured output type registry so callers can
// register fieldset schemas before running jobs.
func (e *Engine) Schemas() *extractor.Registry {
	return e.schemas
}

// searchTool adapts retrieve-then-rerank into the agent's search tool.
// The tool queries the document index directly; it never re-enters the
// agent, so the loop cannot recurse.
type searchTool struct {
	retriever *retrieval.Engine
	reranker  *rerank.Reranker
	topN      int
}

func (t *searchTool) Search(ctx context.Context, docID int64, query string) (string, error) {
	col := &store.Column{MatchText: query}
	candidates, err := t.retriever.Retrieve(ctx, docID, col, 0)
	if err != nil {
		return "", err
	}
	scored, err := t.reranker.Rerank(ctx, query, candidates, t.topN)
	if err != nil {
		return "", err
	}
	return formatEvidence(scoredTexts(scored)), nil
}

func scoredTexts(scored []rerank.Scored) []string {
	texts := make([]string, len(scored))
	for i, s := range scored {
		texts[i] = s.Text
	}
	return texts
}
