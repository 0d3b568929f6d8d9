package opencontracts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/abelrugaju/opencontracts/store"
)

// ExtractRequest describes one batch extraction run.
type ExtractRequest struct {
	JobID int64 `json:"job_id"`
	// UserID, when set, is granted CRUD ownership of every spawned cell.
	UserID int64 `json:"user_id,omitempty"`
}

// ExtractResult summarises the fan-out.
type ExtractResult struct {
	JobID     int64   `json:"job_id"`
	CellIDs   []int64 `json:"cell_ids"`
	Documents int     `json:"documents"`
	Columns   int     `json:"columns"`
}

// RunExtract fans one extraction job out into per-(document, column)
// datacells and dispatches each for asynchronous processing. The job is
// stamped started before any cell is created, so observers never see
// cells belonging to an unstarted job. A job with no documents or no
// columns fails fast with ErrJobEmpty rather than spawning zero cells
// and leaving the job unfinished forever.
func (e *Engine) RunExtract(ctx context.Context, req ExtractRequest) (*ExtractResult, error) {
	job, err := e.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("%w: job %d: %v", ErrJobNotFound, req.JobID, err)
	}
	if job.Finished != "" {
		return nil, fmt.Errorf("job %d already finished at %s", job.ID, job.Finished)
	}

	docIDs, err := e.store.ListJobDocumentIDs(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("listing job documents: %w", err)
	}
	columns, err := e.store.ListColumns(ctx, job.FieldsetID)
	if err != nil {
		return nil, fmt.Errorf("listing fieldset columns: %w", err)
	}
	if len(docIDs) == 0 || len(columns) == 0 {
		return nil, fmt.Errorf("%w: job %d has %d documents and %d columns",
			ErrJobEmpty, job.ID, len(docIDs), len(columns))
	}

	if err := e.store.StartJob(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("starting job: %w", err)
	}

	started := time.Now()
	result := &ExtractResult{
		JobID:     job.ID,
		Documents: len(docIDs),
		Columns:   len(columns),
	}

	for _, docID := range docIDs {
		for _, col := range columns {
			cellID, err := e.store.CreateDatacell(ctx, store.Datacell{
				JobID:          job.ID,
				ColumnID:       col.ID,
				DocumentID:     docID,
				CreatorID:      req.UserID,
				DataDefinition: col.OutputType,
			})
			if err != nil {
				return nil, fmt.Errorf("creating datacell (doc %d, column %d): %w", docID, col.ID, err)
			}
			if req.UserID != 0 {
				if err := e.store.GrantCellOwnership(ctx, req.UserID, cellID); err != nil {
					return nil, fmt.Errorf("granting cell ownership: %w", err)
				}
			}
			result.CellIDs = append(result.CellIDs, cellID)
		}
	}

	// Dispatch after all cells exist so the completion barrier counts the
	// full unit set from the first worker onward.
	for _, cellID := range result.CellIDs {
		if err := e.dispatchCell(ctx, cellID); err != nil {
			return nil, fmt.Errorf("dispatching cell %d: %w", cellID, err)
		}
	}

	slog.Info("extraction job fanned out",
		"job", job.ID,
		"documents", len(docIDs),
		"columns", len(columns),
		"cells", len(result.CellIDs),
		"elapsed", time.Since(started))

	return result, nil
}

func (e *Engine) dispatchCell(ctx context.Context, cellID int64) error {
	if e.dispatch != nil {
		return e.dispatch.EnqueueCell(ctx, cellID)
	}
	// No task substrate configured: process inline. Cell failures are
	// recorded on the cell, not surfaced here, matching worker behaviour.
	return e.ProcessCell(ctx, cellID)
}
