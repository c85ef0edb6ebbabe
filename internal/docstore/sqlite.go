package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	document_id       TEXT PRIMARY KEY,
	filename          TEXT NOT NULL,
	file_size         INTEGER NOT NULL,
	content_type      TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	patient_id        TEXT NOT NULL,
	document_type     TEXT NOT NULL,
	blob_key          TEXT NOT NULL,
	processing_status TEXT NOT NULL,
	error             TEXT NOT NULL DEFAULT '',
	extracted_text    TEXT,
	medical_entities  TEXT,
	page_count        INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	processed_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id, created_at);

CREATE TABLE IF NOT EXISTS analyses (
	analysis_id      TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	query            TEXT NOT NULL,
	response         TEXT NOT NULL,
	confidence_score REAL NOT NULL,
	sources          TEXT NOT NULL,
	analysis_type    TEXT NOT NULL,
	provider         TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_user ON analyses(user_id, created_at);
`

const documentColumns = `document_id, filename, file_size, content_type, user_id, patient_id,
	document_type, blob_key, processing_status, error, extracted_text, medical_entities,
	page_count, created_at, processed_at`

// SQLiteStore persists metadata in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	// WAL mode lets status polls read while a job writes
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *Document) error {
	entities, err := marshalEntities(doc.Entities)
	if err != nil {
		return persistence("encode entities", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.FileSize, doc.ContentType, doc.UserID, doc.PatientID,
		doc.DocumentType, doc.BlobKey, string(doc.Status), doc.Error, nullString(doc.ExtractedText),
		entities, doc.PageCount, formatTime(doc.CreatedAt), nullTime(doc.ProcessedAt),
	)
	if err != nil {
		if _, getErr := s.GetDocument(ctx, doc.ID); getErr == nil {
			return ErrAlreadyExists
		}
		return persistence("insert document", err)
	}
	return nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE document_id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistence("get document", err)
	}
	return doc, nil
}

// Transition runs a conditional UPDATE guarded by the expected current status.
func (s *SQLiteStore) Transition(ctx context.Context, id string, t Transition) error {
	if err := validateTransition(t); err != nil {
		return err
	}

	var (
		res sql.Result
		err error
	)
	switch t.To {
	case StatusCompleted:
		entities, encErr := marshalEntities(t.Entities)
		if encErr != nil {
			return persistence("encode entities", encErr)
		}
		res, err = s.db.ExecContext(ctx, `UPDATE documents
			SET processing_status = ?, error = '', extracted_text = ?, medical_entities = ?,
				page_count = ?, processed_at = ?
			WHERE document_id = ? AND processing_status = ?`,
			string(t.To), nullString(t.ExtractedText), entities, t.PageCount, nullTime(t.ProcessedAt),
			id, string(t.From))
	case StatusFailed:
		res, err = s.db.ExecContext(ctx, `UPDATE documents
			SET processing_status = ?, error = ?, processed_at = ?
			WHERE document_id = ? AND processing_status = ?`,
			string(t.To), t.Error, nullTime(t.ProcessedAt), id, string(t.From))
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE documents SET processing_status = ?
			WHERE document_id = ? AND processing_status = ?`,
			string(t.To), id, string(t.From))
	}
	if err != nil {
		return persistence("update status", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return persistence("update status", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: either the row is missing or its status moved on.
	if _, err := s.GetDocument(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, userID string, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE user_id = ? ORDER BY created_at DESC, document_id ASC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, persistence("list documents", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, persistence("scan document", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list documents", err)
	}
	return docs, nil
}

func (s *SQLiteStore) SaveAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	sources, err := json.Marshal(nonNil(rec.Sources))
	if err != nil {
		return persistence("encode sources", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO analyses
		(analysis_id, user_id, query, response, confidence_score, sources, analysis_type, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Query, rec.Response, rec.ConfidenceScore, string(sources),
		rec.AnalysisType, rec.Provider, formatTime(rec.CreatedAt))
	if err != nil {
		return persistence("insert analysis", err)
	}
	return nil
}

const analysisColumns = `analysis_id, user_id, query, response, confidence_score,
	sources, analysis_type, provider, created_at`

func (s *SQLiteStore) GetAnalysis(ctx context.Context, id string) (*AnalysisRecord, error) {
	rec, err := scanAnalysis(s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE analysis_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistence("get analysis", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListAnalyses(ctx context.Context, userID string, limit int) ([]*AnalysisRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+analysisColumns+` FROM analyses
		WHERE user_id = ? ORDER BY created_at DESC, analysis_id ASC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, persistence("list analyses", err)
	}
	defer rows.Close()

	var recs []*AnalysisRecord
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, persistence("scan analysis", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list analyses", err)
	}
	return recs, nil
}

func (s *SQLiteStore) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return persistence("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc         Document
		status      string
		text        sql.NullString
		entities    sql.NullString
		createdAt   string
		processedAt sql.NullString
	)
	err := row.Scan(&doc.ID, &doc.Filename, &doc.FileSize, &doc.ContentType, &doc.UserID,
		&doc.PatientID, &doc.DocumentType, &doc.BlobKey, &status, &doc.Error, &text,
		&entities, &doc.PageCount, &createdAt, &processedAt)
	if err != nil {
		return nil, err
	}

	doc.Status = Status(status)
	doc.CreatedAt = parseTime(createdAt)
	if text.Valid {
		doc.ExtractedText = &text.String
	}
	if entities.Valid && entities.String != "" {
		if err := json.Unmarshal([]byte(entities.String), &doc.Entities); err != nil {
			return nil, fmt.Errorf("decode entities: %w", err)
		}
	}
	if processedAt.Valid {
		at := parseTime(processedAt.String)
		doc.ProcessedAt = &at
	}
	return &doc, nil
}

func scanAnalysis(row rowScanner) (*AnalysisRecord, error) {
	var (
		rec       AnalysisRecord
		sources   string
		createdAt string
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Query, &rec.Response, &rec.ConfidenceScore,
		&sources, &rec.AnalysisType, &rec.Provider, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sources), &rec.Sources); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func marshalEntities(entities map[string][]string) (sql.NullString, error) {
	if entities == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(entities)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// sortableTime keeps fixed-width fractions so ORDER BY created_at is chronological.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
