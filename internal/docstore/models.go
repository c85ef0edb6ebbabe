package docstore

import (
	"context"
	"time"
)

// Status is the processing state of an uploaded document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// DefaultDocumentType is assigned when an upload does not name one.
const DefaultDocumentType = "medical_record"

// Document is the persisted record of one uploaded file.
// Only the ingestion job mutates it, and only through Transition.
type Document struct {
	ID            string              `json:"document_id"`
	Filename      string              `json:"filename"`
	FileSize      int64               `json:"file_size"`
	ContentType   string              `json:"content_type"`
	UserID        string              `json:"user_id"`
	PatientID     string              `json:"patient_id"`
	DocumentType  string              `json:"document_type"`
	BlobKey       string              `json:"blob_key"`
	Status        Status              `json:"processing_status"`
	Error         string              `json:"error,omitempty"`
	ExtractedText *string             `json:"extracted_text,omitempty"`
	Entities      map[string][]string `json:"medical_entities,omitempty"`
	PageCount     int                 `json:"page_count"`
	CreatedAt     time.Time           `json:"created_at"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
}

// JobState is the status projection returned to callers polling a document.
type JobState struct {
	DocumentID    string              `json:"document_id"`
	Status        Status              `json:"status"`
	Error         string              `json:"error,omitempty"`
	ExtractedText *string             `json:"extracted_text,omitempty"`
	Entities      map[string][]string `json:"medical_entities,omitempty"`
	PageCount     int                 `json:"page_count"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
}

// State projects the document onto its job state.
func (d *Document) State() JobState {
	return JobState{
		DocumentID:    d.ID,
		Status:        d.Status,
		Error:         d.Error,
		ExtractedText: d.ExtractedText,
		Entities:      d.Entities,
		PageCount:     d.PageCount,
		ProcessedAt:   d.ProcessedAt,
	}
}

// Transition is an atomic compare-and-set update of a document's status and
// the fields that accompany the new status.
type Transition struct {
	From          Status
	To            Status
	Error         string
	ExtractedText *string
	Entities      map[string][]string
	PageCount     int
	ProcessedAt   *time.Time
}

// apply writes the transition's fields onto d. Callers have already checked From.
func (t Transition) apply(d *Document) {
	d.Status = t.To
	switch t.To {
	case StatusCompleted:
		d.Error = ""
		d.ExtractedText = t.ExtractedText
		d.Entities = t.Entities
		d.PageCount = t.PageCount
		d.ProcessedAt = t.ProcessedAt
	case StatusFailed:
		d.Error = t.Error
		d.ProcessedAt = t.ProcessedAt
	}
}

// AnalysisRecord is an immutable record of one answered query.
type AnalysisRecord struct {
	ID              string    `json:"analysis_id"`
	UserID          string    `json:"user_id"`
	Query           string    `json:"query"`
	Response        string    `json:"response"`
	ConfidenceScore float64   `json:"confidence_score"`
	Sources         []string  `json:"sources"`
	AnalysisType    string    `json:"analysis_type"`
	Provider        string    `json:"provider,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// DocumentStore persists documents and their status transitions.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	// Transition applies t only if the stored status equals t.From.
	Transition(ctx context.Context, id string, t Transition) error
	ListDocuments(ctx context.Context, userID string, limit int) ([]*Document, error)
}

// AnalysisStore persists analysis records.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, rec *AnalysisRecord) error
	GetAnalysis(ctx context.Context, id string) (*AnalysisRecord, error)
	// ListAnalyses returns a user's records, newest first.
	ListAnalyses(ctx context.Context, userID string, limit int) ([]*AnalysisRecord, error)
}

// Store is the full metadata store backing the service.
type Store interface {
	DocumentStore
	AnalysisStore
	Health(ctx context.Context) error
	Close() error
}

// DefaultListLimit caps list calls when the caller passes no limit.
const DefaultListLimit = 100

func validateTransition(t Transition) error {
	if !CanTransition(t.From, t.To) {
		return invalidTransition(t.From, t.To)
	}
	return nil
}
