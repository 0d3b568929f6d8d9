// Package export renders a finished extraction job as a spreadsheet:
// one row per document, one column per fieldset column, failed cells
// marked in place so a partial run is still reviewable.
package export

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/abelrugaju/opencontracts"
	"github.com/abelrugaju/opencontracts/store"
)

// failedMarker is written into grid cells whose extraction failed.
const failedMarker = "FAILED"

// Exporter renders extraction results.
type Exporter struct {
	store *store.Store
}

// New creates an exporter.
func New(s *store.Store) *Exporter {
	return &Exporter{store: s}
}

// WriteXLSX renders the job's result grid to an xlsx file at path: the
// first sheet holds extracted values, a second "Sources" sheet holds the
// number of evidence annotations behind each cell. Only finished jobs
// export; an in-flight grid would silently mix pending and terminal cells.
func (e *Exporter) WriteXLSX(ctx context.Context, jobID int64, path string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job %d: %w", jobID, err)
	}
	if job.Finished == "" {
		return fmt.Errorf("%w: job %d", opencontracts.ErrJobNotFinished, jobID)
	}

	columns, err := e.store.ListColumns(ctx, job.FieldsetID)
	if err != nil {
		return fmt.Errorf("listing columns: %w", err)
	}
	docIDs, err := e.store.ListJobDocumentIDs(ctx, jobID)
	if err != nil {
		return fmt.Errorf("listing job documents: %w", err)
	}
	cells, err := e.store.ListDatacellsByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("listing datacells: %w", err)
	}

	// (document, column) -> cell
	type key struct{ doc, col int64 }
	byUnit := make(map[key]store.Datacell, len(cells))
	for _, c := range cells {
		byUnit[key{c.DocumentID, c.ColumnID}] = c
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	// Second sheet mirrors the grid with per-cell evidence counts.
	srcSheet := "Sources"
	if _, err := f.NewSheet(srcSheet); err != nil {
		return fmt.Errorf("creating sources sheet: %w", err)
	}

	// Header rows.
	for _, sh := range []string{sheet, srcSheet} {
		if err := setCell(f, sh, 1, 1, "Document"); err != nil {
			return err
		}
		for j, col := range columns {
			if err := setCell(f, sh, j+2, 1, col.Name); err != nil {
				return err
			}
		}
	}

	for i, docID := range docIDs {
		row := i + 2
		doc, err := e.store.GetDocument(ctx, docID)
		if err != nil {
			return fmt.Errorf("loading document %d: %w", docID, err)
		}
		for _, sh := range []string{sheet, srcSheet} {
			if err := setCell(f, sh, 1, row, doc.Title); err != nil {
				return err
			}
		}
		for j, col := range columns {
			cell, ok := byUnit[key{docID, col.ID}]
			if err := setCell(f, sheet, j+2, row, renderCell(cell, ok)); err != nil {
				return err
			}
			count := ""
			if ok {
				sources, err := e.store.GetDatacellSources(ctx, cell.ID)
				if err != nil {
					return fmt.Errorf("loading sources for cell %d: %w", cell.ID, err)
				}
				count = fmt.Sprint(len(sources))
			}
			if err := setCell(f, srcSheet, j+2, row, count); err != nil {
				return err
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving spreadsheet: %w", err)
	}
	return nil
}

// renderCell flattens one datacell's payload for display.
func renderCell(cell store.Datacell, exists bool) string {
	if !exists {
		return ""
	}
	if cell.Failed != "" {
		return failedMarker
	}
	if cell.Data == "" {
		return ""
	}

	var payload struct {
		Data any `json:"data"`
	}
	if err := json.Unmarshal([]byte(cell.Data), &payload); err != nil {
		return cell.Data
	}

	switch v := payload.Data.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(out)
	}
}

func setCell(f *excelize.File, sheet string, col, row int, value string) error {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, name, value)
}
