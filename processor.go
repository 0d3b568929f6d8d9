package opencontracts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/abelrugaju/opencontracts/agent"
	"github.com/abelrugaju/opencontracts/store"
)

// ProcessCell runs the full per-cell pipeline for one datacell:
// retrieve, rerank, record sources, optionally run the agentic analysis
// pass, extract a schema-constrained value, and persist the result.
// Any failure transitions the cell to failed with the error chain as
// its trace; the cell never retries and the error is not returned, so
// the task substrate acks the delivery either way. After the terminal
// transition the completion barrier is checked.
//
// A redelivered cell that is already terminal is a no-op.
func (e *Engine) ProcessCell(ctx context.Context, cellID int64) error {
	cell, err := e.store.GetDatacell(ctx, cellID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: cell %d", ErrCellNotFound, cellID)
		}
		return fmt.Errorf("loading cell %d: %w", cellID, err)
	}
	if cell.Terminal() {
		slog.Info("cell already terminal, skipping", "cell", cellID, "state", cell.State())
		return nil
	}

	if err := e.store.StartDatacell(ctx, cellID); err != nil {
		return fmt.Errorf("starting cell %d: %w", cellID, err)
	}

	started := time.Now()
	value, perr := e.processCell(ctx, cell)
	if perr != nil {
		e.failCell(ctx, cell, perr)
	} else {
		e.completeCell(ctx, cell, value)
	}
	slog.Info("cell processed",
		"cell", cellID, "job", cell.JobID,
		"ok", perr == nil, "elapsed", time.Since(started))

	return e.checkJobCompletion(ctx, cell.JobID)
}

// ReprocessCell is the strict variant of ProcessCell for manual retries
// from the serving layer: a terminal cell is rejected with
// ErrCellTerminal instead of being silently skipped, so the caller
// learns the retry did nothing.
func (e *Engine) ReprocessCell(ctx context.Context, cellID int64) error {
	cell, err := e.store.GetDatacell(ctx, cellID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: cell %d", ErrCellNotFound, cellID)
		}
		return fmt.Errorf("loading cell %d: %w", cellID, err)
	}
	if cell.Terminal() {
		return fmt.Errorf("%w: cell %d is %s", ErrCellTerminal, cellID, cell.State())
	}
	return e.ProcessCell(ctx, cellID)
}

// processCell computes the cell's value. It returns the extracted value
// (pre-normalization) or the failure that should land in the trace.
func (e *Engine) processCell(ctx context.Context, cell *store.Datacell) (any, error) {
	col, err := e.store.GetColumn(ctx, cell.ColumnID)
	if err != nil {
		return nil, fmt.Errorf("loading column %d: %w", cell.ColumnID, err)
	}

	outputType, err := e.schemas.Resolve(col.OutputType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedOutputType, err)
	}

	// First stage: vector retrieval over the document's annotations.
	candidates, err := e.retriever.Retrieve(ctx, cell.DocumentID, col, e.cfg.SimilarityTopK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: document %d, column %q", ErrNoCandidates, cell.DocumentID, col.Name)
	}

	// Second stage: mandatory cross-encoder rerank down to the evidence set.
	rerankQuery := col.Query
	if rerankQuery == "" {
		rerankQuery = col.MatchText
	}
	scored, err := e.reranker.Rerank(ctx, rerankQuery, candidates, e.cfg.RerankTopN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRerankFailed, err)
	}

	// Record provenance before extraction so a downstream failure still
	// leaves the evidence trail queryable.
	sourceIDs := make([]int64, len(scored))
	texts := make([]string, len(scored))
	for i, s := range scored {
		sourceIDs[i] = s.AnnotationID
		texts[i] = s.Text
	}
	if err := e.store.AddDatacellSources(ctx, cell.ID, sourceIDs); err != nil {
		return nil, fmt.Errorf("recording sources: %w", err)
	}

	evidence := formatEvidence(texts)

	if col.Agentic {
		analysis, err := e.agent.Analyze(ctx, cell.DocumentID, evidence)
		switch {
		case errors.Is(err, agent.ErrTimeout):
			// Degrade gracefully: extract from first-pass evidence alone.
			slog.Warn("agentic analysis timed out, extracting from evidence only",
				"cell", cell.ID, "error", err)
		case err != nil:
			return nil, fmt.Errorf("agentic analysis: %w", err)
		default:
			evidence = appendAnalysis(evidence, analysis.Text)
		}
	}

	// A column without explicit instructions still states its intent in
	// the free-text query; pass that through to the extraction prompt.
	instructions := col.Instructions
	if instructions == "" {
		instructions = col.Query
	}

	if col.ExtractIsList {
		values, err := e.extractor.ExtractList(ctx, evidence, outputType, instructions)
		if err != nil {
			return nil, err
		}
		return values, nil
	}
	return e.extractor.Extract(ctx, evidence, outputType, instructions)
}

func (e *Engine) completeCell(ctx context.Context, cell *store.Datacell, value any) {
	payload, err := json.Marshal(map[string]any{"data": value})
	if err != nil {
		e.failCell(ctx, cell, fmt.Errorf("encoding result payload: %w", err))
		return
	}
	ok, err := e.store.CompleteDatacell(ctx, cell.ID, string(payload))
	if err != nil {
		slog.Error("completing cell", "cell", cell.ID, "error", err)
		return
	}
	if !ok {
		slog.Warn("cell reached terminal state concurrently, result dropped", "cell", cell.ID)
	}
}

func (e *Engine) failCell(ctx context.Context, cell *store.Datacell, perr error) {
	trace := errorTrace(perr)
	ok, err := e.store.FailDatacell(ctx, cell.ID, trace)
	if err != nil {
		slog.Error("failing cell", "cell", cell.ID, "error", err)
		return
	}
	if ok {
		slog.Warn("cell failed", "cell", cell.ID, "job", cell.JobID, "error", perr)
	}
}

// checkJobCompletion fires the completion barrier when the job's last
// cell has reached a terminal state. FinishJob's guard makes the barrier
// single-trigger under racing workers.
func (e *Engine) checkJobCompletion(ctx context.Context, jobID int64) error {
	remaining, err := e.store.CountNonTerminalCells(ctx, jobID)
	if err != nil {
		return fmt.Errorf("counting remaining cells: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	fired, err := e.store.FinishJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("finishing job %d: %w", jobID, err)
	}
	if fired {
		slog.Info("extraction job finished", "job", jobID)
	}
	return nil
}

// formatEvidence renders the reranked passages as fenced relevant
// sections, the shape the extraction and analysis prompts expect.
func formatEvidence(texts []string) string {
	var b strings.Builder
	for _, t := range texts {
		fmt.Fprintf(&b, "```Relevant Section:\n\n%s\n```\n", t)
	}
	return b.String()
}

// appendAnalysis joins the agent's findings onto the evidence block so
// extraction sees both the raw passages and the resolved definitions.
func appendAnalysis(evidence, analysis string) string {
	if strings.TrimSpace(analysis) == "" {
		return evidence
	}
	return "Related Document:\n```\n" + evidence + "\n```\n\n" + analysis
}

// errorTrace renders an error chain for the cell's stacktrace column,
// outermost first, one frame per line.
func errorTrace(err error) string {
	var b strings.Builder
	b.WriteString(err.Error())
	for unwrapped := errors.Unwrap(err); unwrapped != nil; unwrapped = errors.Unwrap(unwrapped) {
		b.WriteString("\ncaused by: ")
		b.WriteString(unwrapped.Error())
	}
	return b.String()
}

// RegisterSchema registers a structured output schema so columns may
// reference it by name in their output type.
func (e *Engine) RegisterSchema(name string, schemaDoc map[string]any) error {
	return e.schemas.Register(name, schemaDoc)
}

// LoadSchemasFile registers every schema from a JSON file mapping schema
// names to JSON Schema documents. Workers load the same file as the
// server so both sides resolve structured output types identically.
func (e *Engine) LoadSchemasFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading schema file: %w", err)
	}
	var docs map[string]map[string]any
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("parsing schema file %s: %w", path, err)
	}
	for name, doc := range docs {
		if err := e.schemas.Register(name, doc); err != nil {
			return fmt.Errorf("registering schema %q: %w", name, err)
		}
	}
	return nil
}
