package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Document registry
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    title TEXT NOT NULL,
    content_hash TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Annotations: one retrievable unit of evidence per row. The embedding is
-- stored inline (for in-process distance ranking over filtered sets) and
-- mirrored into the vec0 index below (for KNN).
CREATE TABLE IF NOT EXISTS annotations (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    raw_text TEXT NOT NULL,
    page INTEGER,
    bounding_box JSON,
    label TEXT,
    embedding BLOB,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Vector KNN index via sqlite-vec, partitioned by document so per-document
-- searches never scan other documents' vectors.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_annotations USING vec0(
    annotation_id INTEGER PRIMARY KEY,
    document_id INTEGER PARTITION KEY,
    embedding float[%d] distance_metric=cosine
);

-- Fieldsets: user-declared extraction schemas.
CREATE TABLE IF NOT EXISTS fieldsets (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    creator_id INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Columns: one field to extract. Immutable for the duration of a job.
CREATE TABLE IF NOT EXISTS columns (
    id INTEGER PRIMARY KEY,
    fieldset_id INTEGER NOT NULL REFERENCES fieldsets(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    output_type TEXT NOT NULL,
    match_text TEXT,
    query TEXT,
    instructions TEXT,
    extract_is_list INTEGER NOT NULL DEFAULT 0,
    agentic INTEGER NOT NULL DEFAULT 0,
    must_contain_text TEXT
);

-- Extraction jobs: one user-initiated batch run over a fieldset and a
-- document set. Mutated only by the orchestrator (started) and the
-- completion barrier (finished).
CREATE TABLE IF NOT EXISTS extraction_jobs (
    id INTEGER PRIMARY KEY,
    ref TEXT NOT NULL UNIQUE,
    name TEXT,
    fieldset_id INTEGER NOT NULL REFERENCES fieldsets(id),
    creator_id INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    started DATETIME,
    finished DATETIME
);

CREATE TABLE IF NOT EXISTS job_documents (
    job_id INTEGER NOT NULL REFERENCES extraction_jobs(id) ON DELETE CASCADE,
    document_id INTEGER NOT NULL REFERENCES documents(id),
    PRIMARY KEY (job_id, document_id)
);

-- Datacells: one unit of extraction work and its result.
-- States: pending (no terminal timestamp), completed, failed.
-- The unique index enforces one cell per (job, column, document).
CREATE TABLE IF NOT EXISTS datacells (
    id INTEGER PRIMARY KEY,
    job_id INTEGER NOT NULL REFERENCES extraction_jobs(id) ON DELETE CASCADE,
    column_id INTEGER NOT NULL REFERENCES columns(id),
    document_id INTEGER NOT NULL REFERENCES documents(id),
    creator_id INTEGER,
    data_definition TEXT NOT NULL,
    started DATETIME,
    completed DATETIME,
    failed DATETIME,
    data JSON,
    stacktrace TEXT,
    CHECK (completed IS NULL OR failed IS NULL)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_datacells_unit
    ON datacells(job_id, column_id, document_id);

-- Evidence actually used by a cell's extraction.
CREATE TABLE IF NOT EXISTS datacell_sources (
    datacell_id INTEGER NOT NULL REFERENCES datacells(id) ON DELETE CASCADE,
    annotation_id INTEGER NOT NULL REFERENCES annotations(id),
    PRIMARY KEY (datacell_id, annotation_id)
);

-- Object-level ownership stamps for created datacells.
CREATE TABLE IF NOT EXISTS datacell_permissions (
    datacell_id INTEGER NOT NULL REFERENCES datacells(id) ON DELETE CASCADE,
    user_id INTEGER NOT NULL,
    permission TEXT NOT NULL DEFAULT 'crud',
    PRIMARY KEY (datacell_id, user_id)
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_annotations_document ON annotations(document_id);
CREATE INDEX IF NOT EXISTS idx_columns_fieldset ON columns(fieldset_id);
CREATE INDEX IF NOT EXISTS idx_datacells_job ON datacells(job_id);
CREATE INDEX IF NOT EXISTS idx_datacells_document ON datacells(document_id);
CREATE INDEX IF NOT EXISTS idx_jobs_fieldset ON extraction_jobs(fieldset_id);
`, embeddingDim)
}
