package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/abelrugaju/opencontracts"
	"github.com/abelrugaju/opencontracts/export"
	"github.com/abelrugaju/opencontracts/ingest"
	"github.com/abelrugaju/opencontracts/queue"
	"github.com/abelrugaju/opencontracts/store"
)

type handler struct {
	engine   *opencontracts.Engine
	progress *queue.ProgressTracker
}

func newHandler(e *opencontracts.Engine, p *queue.ProgressTracker) *handler {
	return &handler{engine: e, progress: p}
}

// POST /documents
// Accepts a multipart PDF upload or JSON {"path": ...} / {"title", "text"}.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	ing := ingest.New(h.engine.Store(), h.engine.Embedder())

	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			// Sanitise filename to prevent path traversal.
			safeName := filepath.Base(header.Filename)
			tmpPath := filepath.Join(os.TempDir(), safeName)
			dst, err := os.Create(tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp file", "error", err)
				return
			}
			if _, err := io.Copy(dst, file); err != nil {
				dst.Close()
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			dst.Close()
			defer os.Remove(tmpPath)

			res, err := ing.IngestPDF(ctx, tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "ingestion failed")
				slog.Error("ingest error", "file", safeName, "error", err)
				return
			}
			writeJSON(w, http.StatusOK, res)
			return
		}
	}

	var req struct {
		Path  string `json:"path,omitempty"`
		Title string `json:"title,omitempty"`
		Text  string `json:"text,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON body")
		return
	}

	var (
		res *ingest.Result
		err error
	)
	switch {
	case req.Text != "":
		res, err = ing.IngestText(ctx, req.Title, req.Text)
	case req.Path != "":
		absPath, aerr := filepath.Abs(req.Path)
		if aerr != nil {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		info, serr := os.Stat(absPath)
		if serr != nil || info.IsDir() {
			writeError(w, http.StatusBadRequest, "path must be an existing file")
			return
		}
		res, err = ing.IngestPDF(ctx, absPath)
	default:
		writeError(w, http.StatusBadRequest, "path or text is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		slog.Error("ingest error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.Store().ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing documents failed")
		slog.Error("list documents", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// POST /documents/{id}/embed
// Backfills vectors for annotations stored without one, e.g. after an
// embedding outage during ingestion.
func (h *handler) handleEmbedMissing(w http.ResponseWriter, r *http.Request) {
	docID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	if _, err := h.engine.Store().GetDocument(r.Context(), docID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading document failed")
		slog.Error("embed missing", "document", docID, "error", err)
		return
	}

	ing := ingest.New(h.engine.Store(), h.engine.Embedder())
	n, err := ing.EmbedMissing(r.Context(), docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "embedding backfill failed")
		slog.Error("embed missing", "document", docID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": docID, "embedded": n})
}

// POST /fieldsets
func (h *handler) handleCreateFieldset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	id, err := h.engine.Store().CreateFieldset(r.Context(), store.Fieldset{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating fieldset failed")
		slog.Error("create fieldset", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fieldset_id": id})
}

// GET /fieldsets/{id}
func (h *handler) handleGetFieldset(w http.ResponseWriter, r *http.Request) {
	fieldsetID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid fieldset id")
		return
	}

	st := h.engine.Store()
	fs, err := st.GetFieldset(r.Context(), fieldsetID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "fieldset not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading fieldset failed")
		slog.Error("get fieldset", "fieldset", fieldsetID, "error", err)
		return
	}
	cols, err := st.ListColumns(r.Context(), fieldsetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing columns failed")
		slog.Error("get fieldset columns", "fieldset", fieldsetID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fieldset": fs, "columns": cols})
}

// POST /fieldsets/{id}/columns
func (h *handler) handleCreateColumn(w http.ResponseWriter, r *http.Request) {
	fieldsetID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid fieldset id")
		return
	}

	var col store.Column
	if err := json.NewDecoder(r.Body).Decode(&col); err != nil || col.Name == "" || col.OutputType == "" {
		writeError(w, http.StatusBadRequest, "name and output_type are required")
		return
	}
	col.FieldsetID = fieldsetID

	id, err := h.engine.Store().CreateColumn(r.Context(), col)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating column failed")
		slog.Error("create column", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"column_id": id})
}

// POST /schemas/{name}
// Registers a structured output schema for use as a column output type.
func (h *handler) handleRegisterSchema(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid schema document")
		return
	}
	if err := h.engine.RegisterSchema(name, doc); err != nil {
		writeError(w, http.StatusBadRequest, "schema rejected: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": name})
}

// POST /jobs
func (h *handler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string  `json:"name,omitempty"`
		FieldsetID  int64   `json:"fieldset_id"`
		DocumentIDs []int64 `json:"document_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FieldsetID == 0 {
		writeError(w, http.StatusBadRequest, "fieldset_id is required")
		return
	}

	st := h.engine.Store()
	jobID, err := st.CreateJob(r.Context(), store.ExtractionJob{
		Ref:        uuid.NewString(),
		Name:       req.Name,
		FieldsetID: req.FieldsetID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating job failed")
		slog.Error("create job", "error", err)
		return
	}
	if len(req.DocumentIDs) > 0 {
		if err := st.AddJobDocuments(r.Context(), jobID, req.DocumentIDs); err != nil {
			writeError(w, http.StatusInternalServerError, "attaching documents failed")
			slog.Error("add job documents", "job", jobID, "error", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID})
}

// POST /jobs/{id}/run
func (h *handler) handleRunJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	var req struct {
		UserID int64 `json:"user_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := h.engine.RunExtract(r.Context(), opencontracts.ExtractRequest{
		JobID:  jobID,
		UserID: req.UserID,
	})
	switch {
	case errors.Is(err, opencontracts.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, opencontracts.ErrJobEmpty):
		writeError(w, http.StatusBadRequest, "job has no documents or no columns")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "running job failed")
		slog.Error("run job", "job", jobID, "error", err)
		return
	}

	if err := h.progress.Set(r.Context(), queue.JobProgress{
		JobID: jobID,
		Done:  0,
		Total: len(result.CellIDs),
	}); err != nil {
		slog.Warn("saving initial progress", "job", jobID, "error", err)
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /jobs/{id}
func (h *handler) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	st := h.engine.Store()
	job, err := st.GetJob(r.Context(), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading job failed")
		slog.Error("job status", "job", jobID, "error", err)
		return
	}

	cells, err := st.ListDatacellsByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading cells failed")
		slog.Error("job cells", "job", jobID, "error", err)
		return
	}

	var completed, failed int
	for _, c := range cells {
		switch c.State() {
		case "completed":
			completed++
		case "failed":
			failed++
		}
	}

	// Refresh the cached snapshot as a side effect of polling.
	if len(cells) > 0 {
		if err := h.progress.Set(r.Context(), queue.JobProgress{
			JobID: jobID,
			Done:  completed + failed,
			Total: len(cells),
		}); err != nil {
			slog.Warn("saving progress", "job", jobID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job":       job,
		"cells":     len(cells),
		"completed": completed,
		"failed":    failed,
		"pending":   len(cells) - completed - failed,
	})
}

// GET /jobs/{id}/cells
func (h *handler) handleJobCells(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	cells, err := h.engine.Store().ListDatacellsByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading cells failed")
		slog.Error("job cells", "job", jobID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cells": cells})
}

// GET /cells/{id}/sources
// Returns the evidence annotations behind one datacell.
func (h *handler) handleCellSources(w http.ResponseWriter, r *http.Request) {
	cellID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cell id")
		return
	}

	st := h.engine.Store()
	if _, err := st.GetDatacell(r.Context(), cellID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "cell not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading cell failed")
		slog.Error("cell sources", "cell", cellID, "error", err)
		return
	}

	ids, err := st.GetDatacellSources(r.Context(), cellID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading sources failed")
		slog.Error("cell sources", "cell", cellID, "error", err)
		return
	}
	anns, err := st.GetAnnotations(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading annotations failed")
		slog.Error("cell source annotations", "cell", cellID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cell_id": cellID, "sources": anns})
}

// POST /cells/{id}/reprocess
// Re-runs a stuck (non-terminal) cell inline. Completed and failed
// cells are immutable.
func (h *handler) handleReprocessCell(w http.ResponseWriter, r *http.Request) {
	cellID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cell id")
		return
	}
	err = h.engine.ReprocessCell(r.Context(), cellID)
	switch {
	case errors.Is(err, opencontracts.ErrCellNotFound):
		writeError(w, http.StatusNotFound, "cell not found")
	case errors.Is(err, opencontracts.ErrCellTerminal):
		writeError(w, http.StatusConflict, "cell already terminal")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "reprocessing failed")
		slog.Error("reprocess cell", "cell", cellID, "error", err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"cell_id": cellID})
	}
}

// GET /jobs/{id}/export
func (h *handler) handleExportJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	tmp, err := os.CreateTemp("", "extract-*.xlsx")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	exp := export.New(h.engine.Store())
	if err := exp.WriteXLSX(r.Context(), jobID, tmpPath); err != nil {
		if errors.Is(err, opencontracts.ErrJobNotFinished) {
			writeError(w, http.StatusConflict, "job not finished")
			return
		}
		writeError(w, http.StatusInternalServerError, "export failed")
		slog.Error("export job", "job", jobID, "error", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="extraction.xlsx"`)
	http.ServeFile(w, r, tmpPath)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
