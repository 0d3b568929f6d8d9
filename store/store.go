// Package store wraps the SQLite database for all extraction persistence:
// documents with their annotation index, fieldsets and columns, extraction
// jobs, and datacells with their terminal-state transitions.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Document represents a row in the documents table.
type Document struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	ContentHash string `json:"content_hash,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Annotation is one retrievable unit of evidence. Embedding is populated
// only by methods that say so; list queries leave it nil.
type Annotation struct {
	ID          int64     `json:"id"`
	DocumentID  int64     `json:"document_id"`
	RawText     string    `json:"raw_text"`
	Page        int       `json:"page"`
	BoundingBox string    `json:"bounding_box,omitempty"` // JSON {x0,y0,x1,y1}
	Label       string    `json:"label,omitempty"`
	Embedding   []float32 `json:"-"`
}

// ScoredAnnotation pairs an annotation with a retrieval distance
// (lower is closer).
type ScoredAnnotation struct {
	Annotation
	Distance float64 `json:"distance"`
}

// Fieldset is a user-declared extraction schema.
type Fieldset struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatorID   int64  `json:"creator_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Column describes one field to extract. Immutable for the duration of a job.
type Column struct {
	ID              int64  `json:"id"`
	FieldsetID      int64  `json:"fieldset_id"`
	Name            string `json:"name"`
	OutputType      string `json:"output_type"`
	MatchText       string `json:"match_text,omitempty"`
	Query           string `json:"query,omitempty"`
	Instructions    string `json:"instructions,omitempty"`
	ExtractIsList   bool   `json:"extract_is_list"`
	Agentic         bool   `json:"agentic"`
	MustContainText string `json:"must_contain_text,omitempty"`
}

// ExtractionJob is one user-initiated batch run over a fieldset and a
// document set. Terminal when Finished is set.
type ExtractionJob struct {
	ID         int64  `json:"id"`
	Ref        string `json:"ref"`
	Name       string `json:"name,omitempty"`
	FieldsetID int64  `json:"fieldset_id"`
	CreatorID  int64  `json:"creator_id,omitempty"`
	CreatedAt  string `json:"created_at"`
	Started    string `json:"started,omitempty"`
	Finished   string `json:"finished,omitempty"`
}

// Datacell is one unit of extraction work and its result, scoped to one
// (document, column) pair within a job.
type Datacell struct {
	ID             int64  `json:"id"`
	JobID          int64  `json:"job_id"`
	ColumnID       int64  `json:"column_id"`
	DocumentID     int64  `json:"document_id"`
	CreatorID      int64  `json:"creator_id,omitempty"`
	DataDefinition string `json:"data_definition"`
	Started        string `json:"started,omitempty"`
	Completed      string `json:"completed,omitempty"`
	Failed         string `json:"failed,omitempty"`
	Data           string `json:"data,omitempty"` // JSON payload {"data": ...}
	Stacktrace     string `json:"stacktrace,omitempty"`
}

// Terminal reports whether the cell has reached a terminal state.
func (d *Datacell) Terminal() bool {
	return d.Completed != "" || d.Failed != ""
}

// State returns "pending", "completed", or "failed".
func (d *Datacell) State() string {
	switch {
	case d.Completed != "":
		return "completed"
	case d.Failed != "":
		return "failed"
	default:
		return "pending"
	}
}

// Store wraps the SQLite database for all extraction persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// inTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Document operations ---

// CreateDocument inserts a document record and returns its ID.
func (s *Store) CreateDocument(ctx context.Context, doc Document) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (title, content_hash) VALUES (?, ?)",
		doc.Title, doc.ContentHash)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	doc := &Document{}
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content_hash, created_at, updated_at
		FROM documents WHERE id = ?
	`, id).Scan(&doc.ID, &doc.Title, &hash, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.ContentHash = hash.String
	return doc, nil
}

// ListDocuments returns all documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content_hash, created_at, updated_at
		FROM documents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var hash sql.NullString
		if err := rows.Scan(&d.ID, &d.Title, &hash, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.ContentHash = hash.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// --- Annotation operations ---

// InsertAnnotations inserts a batch of annotations for a document and
// returns their IDs. Embeddings, when present, are stored inline and
// mirrored into the vec0 KNN index.
func (s *Store) InsertAnnotations(ctx context.Context, docID int64, anns []Annotation) ([]int64, error) {
	ids := make([]int64, len(anns))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO annotations (document_id, raw_text, page, bounding_box, label, embedding)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		vecStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO vec_annotations (annotation_id, document_id, embedding)
			VALUES (?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer vecStmt.Close()

		for i, a := range anns {
			var emb []byte
			if len(a.Embedding) > 0 {
				emb = serializeFloat32(a.Embedding)
			}
			res, err := stmt.ExecContext(ctx, docID, a.RawText, a.Page,
				nullable(a.BoundingBox), nullable(a.Label), emb)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
			if emb != nil {
				if _, err := vecStmt.ExecContext(ctx, ids[i], docID, emb); err != nil {
					return err
				}
			}
		}
		return nil
	})

	return ids, err
}

// SetAnnotationEmbedding stores (or replaces) the embedding for an
// existing annotation, keeping the KNN index in sync.
func (s *Store) SetAnnotationEmbedding(ctx context.Context, annID, docID int64, embedding []float32) error {
	emb := serializeFloat32(embedding)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE annotations SET embedding = ? WHERE id = ?", emb, annID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_annotations WHERE annotation_id = ?", annID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO vec_annotations (annotation_id, document_id, embedding) VALUES (?, ?, ?)",
			annID, docID, emb)
		return err
	})
}

// GetAnnotationsByDocument returns a document's annotations including their
// stored embeddings. When mustContain is non-empty only annotations whose
// raw text contains it (case-insensitive) are returned.
func (s *Store) GetAnnotationsByDocument(ctx context.Context, docID int64, mustContain string) ([]Annotation, error) {
	q := `
		SELECT id, document_id, raw_text, page, bounding_box, label, embedding
		FROM annotations WHERE document_id = ?`
	args := []any{docID}
	if mustContain != "" {
		q += " AND raw_text LIKE '%' || ? || '%'"
		args = append(args, mustContain)
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anns []Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		anns = append(anns, a)
	}
	return anns, rows.Err()
}

// AnnotationKNN performs a KNN search over one document's annotation
// vectors, returning the top-k nearest by cosine distance.
func (s *Store) AnnotationKNN(ctx context.Context, docID int64, query []float32, k int) ([]ScoredAnnotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.document_id, a.raw_text, a.page, a.bounding_box, a.label, a.embedding,
			v.distance
		FROM vec_annotations v
		JOIN annotations a ON a.id = v.annotation_id
		WHERE v.embedding MATCH ? AND v.document_id = ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(query), docID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ScoredAnnotation
	for rows.Next() {
		var r ScoredAnnotation
		var bbox, label sql.NullString
		var emb []byte
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.RawText, &r.Page,
			&bbox, &label, &emb, &r.Distance); err != nil {
			return nil, err
		}
		r.BoundingBox = bbox.String
		r.Label = label.String
		r.Embedding = deserializeFloat32(emb)
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetAnnotations fetches annotations by ID (order follows the input IDs;
// missing IDs are skipped).
func (s *Store) GetAnnotations(ctx context.Context, ids []int64) ([]Annotation, error) {
	byID := make(map[int64]Annotation, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, document_id, raw_text, page, bounding_box, label, embedding
			FROM annotations WHERE id = ?`, id)
		a, err := scanAnnotation(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		byID[a.ID] = a
	}

	anns := make([]Annotation, 0, len(byID))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			anns = append(anns, a)
		}
	}
	return anns, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (Annotation, error) {
	var a Annotation
	var bbox, label sql.NullString
	var emb []byte
	if err := row.Scan(&a.ID, &a.DocumentID, &a.RawText, &a.Page,
		&bbox, &label, &emb); err != nil {
		return a, err
	}
	a.BoundingBox = bbox.String
	a.Label = label.String
	a.Embedding = deserializeFloat32(emb)
	return a, nil
}

// --- Fieldset / column operations ---

// CreateFieldset inserts a fieldset and returns its ID.
func (s *Store) CreateFieldset(ctx context.Context, f Fieldset) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO fieldsets (name, description, creator_id) VALUES (?, ?, ?)",
		f.Name, f.Description, f.CreatorID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetFieldset retrieves a fieldset by ID.
func (s *Store) GetFieldset(ctx context.Context, id int64) (*Fieldset, error) {
	f := &Fieldset{}
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, COALESCE(creator_id, 0), created_at
		FROM fieldsets WHERE id = ?
	`, id).Scan(&f.ID, &f.Name, &desc, &f.CreatorID, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.Description = desc.String
	return f, nil
}

// CreateColumn inserts a column and returns its ID.
func (s *Store) CreateColumn(ctx context.Context, c Column) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO columns (fieldset_id, name, output_type, match_text, query,
			instructions, extract_is_list, agentic, must_contain_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.FieldsetID, c.Name, c.OutputType, c.MatchText, c.Query,
		c.Instructions, c.ExtractIsList, c.Agentic, c.MustContainText)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetColumn retrieves a column by ID.
func (s *Store) GetColumn(ctx context.Context, id int64) (*Column, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fieldset_id, name, output_type, match_text, query,
			instructions, extract_is_list, agentic, must_contain_text
		FROM columns WHERE id = ?
	`, id)
	return scanColumn(row)
}

// ListColumns returns a fieldset's columns in creation order.
func (s *Store) ListColumns(ctx context.Context, fieldsetID int64) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fieldset_id, name, output_type, match_text, query,
			instructions, extract_is_list, agentic, must_contain_text
		FROM columns WHERE fieldset_id = ? ORDER BY id
	`, fieldsetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, err
		}
		cols = append(cols, *c)
	}
	return cols, rows.Err()
}

func scanColumn(row rowScanner) (*Column, error) {
	c := &Column{}
	var match, query, instr, must sql.NullString
	if err := row.Scan(&c.ID, &c.FieldsetID, &c.Name, &c.OutputType,
		&match, &query, &instr, &c.ExtractIsList, &c.Agentic, &must); err != nil {
		return nil, err
	}
	c.MatchText = match.String
	c.Query = query.String
	c.Instructions = instr.String
	c.MustContainText = must.String
	return c, nil
}

// --- Extraction job operations ---

// CreateJob inserts an extraction job and returns its ID.
func (s *Store) CreateJob(ctx context.Context, job ExtractionJob) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_jobs (ref, name, fieldset_id, creator_id)
		VALUES (?, ?, ?, ?)
	`, job.Ref, job.Name, job.FieldsetID, job.CreatorID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id int64) (*ExtractionJob, error) {
	return s.getJob(ctx, "id", id)
}

// GetJobByRef retrieves a job by its external reference.
func (s *Store) GetJobByRef(ctx context.Context, ref string) (*ExtractionJob, error) {
	return s.getJob(ctx, "ref", ref)
}

func (s *Store) getJob(ctx context.Context, field string, value any) (*ExtractionJob, error) {
	job := &ExtractionJob{}
	var name, started, finished sql.NullString
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, ref, name, fieldset_id, COALESCE(creator_id, 0), created_at, started, finished
		FROM extraction_jobs WHERE %s = ?
	`, field), value).Scan(&job.ID, &job.Ref, &name, &job.FieldsetID,
		&job.CreatorID, &job.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	job.Name = name.String
	job.Started = started.String
	job.Finished = finished.String
	return job, nil
}

// AddJobDocuments attaches target documents to a job.
func (s *Store) AddJobDocuments(ctx context.Context, jobID int64, docIDs []int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT OR IGNORE INTO job_documents (job_id, document_id) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range docIDs {
			if _, err := stmt.ExecContext(ctx, jobID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListJobDocumentIDs returns the IDs of a job's target documents.
func (s *Store) ListJobDocumentIDs(ctx context.Context, jobID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT document_id FROM job_documents WHERE job_id = ? ORDER BY document_id", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StartJob sets the job's start timestamp if not already set.
func (s *Store) StartJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE extraction_jobs SET started = CURRENT_TIMESTAMP WHERE id = ? AND started IS NULL", id)
	return err
}

// FinishJob sets the job's finish timestamp. The WHERE guard makes the
// transition single-trigger: only the first caller observes finished=true,
// so the completion barrier fires exactly once no matter how many workers
// race on the last terminal cell.
func (s *Store) FinishJob(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE extraction_jobs SET finished = CURRENT_TIMESTAMP WHERE id = ? AND finished IS NULL", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Datacell operations ---

// CreateDatacell inserts a datacell in pending state and returns its ID.
// The unique (job, column, document) index rejects duplicate work units.
func (s *Store) CreateDatacell(ctx context.Context, cell Datacell) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO datacells (job_id, column_id, document_id, creator_id, data_definition)
		VALUES (?, ?, ?, ?, ?)
	`, cell.JobID, cell.ColumnID, cell.DocumentID, cell.CreatorID, cell.DataDefinition)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetDatacell retrieves a datacell by ID.
func (s *Store) GetDatacell(ctx context.Context, id int64) (*Datacell, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, column_id, document_id, COALESCE(creator_id, 0),
			data_definition, started, completed, failed, data, stacktrace
		FROM datacells WHERE id = ?
	`, id)
	return scanDatacell(row)
}

// ListDatacellsByJob returns all of a job's datacells.
func (s *Store) ListDatacellsByJob(ctx context.Context, jobID int64) ([]Datacell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, column_id, document_id, COALESCE(creator_id, 0),
			data_definition, started, completed, failed, data, stacktrace
		FROM datacells WHERE job_id = ? ORDER BY document_id, column_id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cells []Datacell
	for rows.Next() {
		c, err := scanDatacell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, *c)
	}
	return cells, rows.Err()
}

func scanDatacell(row rowScanner) (*Datacell, error) {
	c := &Datacell{}
	var started, completed, failed, data, trace sql.NullString
	if err := row.Scan(&c.ID, &c.JobID, &c.ColumnID, &c.DocumentID, &c.CreatorID,
		&c.DataDefinition, &started, &completed, &failed, &data, &trace); err != nil {
		return nil, err
	}
	c.Started = started.String
	c.Completed = completed.String
	c.Failed = failed.String
	c.Data = data.String
	c.Stacktrace = trace.String
	return c, nil
}

// StartDatacell stamps the cell's started timestamp.
func (s *Store) StartDatacell(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE datacells SET started = CURRENT_TIMESTAMP WHERE id = ?", id)
	return err
}

// CompleteDatacell transitions a pending cell to completed with its result
// payload. Returns false when the cell was already terminal (the guard
// prevents double-writes under at-least-once redelivery).
func (s *Store) CompleteDatacell(ctx context.Context, id int64, dataJSON string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE datacells SET completed = CURRENT_TIMESTAMP, data = ?
		WHERE id = ? AND completed IS NULL AND failed IS NULL
	`, dataJSON, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailDatacell transitions a pending cell to failed with a failure trace.
// Returns false when the cell was already terminal.
func (s *Store) FailDatacell(ctx context.Context, id int64, stacktrace string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE datacells SET failed = CURRENT_TIMESTAMP, stacktrace = ?
		WHERE id = ? AND completed IS NULL AND failed IS NULL
	`, stacktrace, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AddDatacellSources records the annotations actually used as evidence.
func (s *Store) AddDatacellSources(ctx context.Context, cellID int64, annotationIDs []int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT OR IGNORE INTO datacell_sources (datacell_id, annotation_id) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range annotationIDs {
			if _, err := stmt.ExecContext(ctx, cellID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDatacellSources returns the annotation IDs recorded as a cell's evidence.
func (s *Store) GetDatacellSources(ctx context.Context, cellID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT annotation_id FROM datacell_sources WHERE datacell_id = ? ORDER BY annotation_id", cellID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountNonTerminalCells returns the number of a job's datacells that have
// not reached a terminal state. The completion barrier fires when this
// drops to zero.
func (s *Store) CountNonTerminalCells(ctx context.Context, jobID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM datacells
		WHERE job_id = ? AND completed IS NULL AND failed IS NULL
	`, jobID).Scan(&n)
	return n, err
}

// GrantCellOwnership stamps CRUD ownership of a datacell on a user.
func (s *Store) GrantCellOwnership(ctx context.Context, userID, cellID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO datacell_permissions (datacell_id, user_id, permission)
		VALUES (?, ?, 'crud')
	`, cellID, userID)
	return err
}

// --- Vector serialization ---

// serializeFloat32 encodes a vector in the little-endian float32 layout
// sqlite-vec expects.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
