package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bull/medrag-server/internal/blob"
	"github.com/bull/medrag-server/internal/docstore"
	"github.com/bull/medrag-server/internal/extract"
)

// Upload is a document submitted for ingestion.
type Upload struct {
	Filename     string
	ContentType  string // sniffed from Filename and Data when empty
	UserID       string
	PatientID    string // defaults to UserID
	DocumentType string // defaults to docstore.DefaultDocumentType
	Data         []byte
}

// Enqueuer schedules a document for background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, documentID string) error
}

// Service is the ingestion entry point: it stores uploads, records them as
// pending and hands them to the queue.
type Service struct {
	store  docstore.DocumentStore
	blobs  blob.Store
	queue  Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an ingestion service.
func NewService(store docstore.DocumentStore, blobs blob.Store, queue Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		blobs:  blobs,
		queue:  queue,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SubmitDocument stores the upload, creates a pending document and schedules
// its processing. It returns as soon as the job is queued; poll
// GetDocumentStatus for the outcome.
func (s *Service) SubmitDocument(ctx context.Context, up Upload) (string, error) {
	if len(up.Data) == 0 {
		return "", ErrEmptyUpload
	}

	contentType := up.ContentType
	if contentType == "" {
		contentType = DetectContentType(up.Filename, up.Data)
	}
	contentType = extract.NormalizeContentType(contentType)
	if !extract.Supported(contentType) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	filename := filepath.Base(up.Filename)
	if filename == "." || filename == string(filepath.Separator) {
		filename = "upload"
	}

	id := uuid.New().String()
	doc := &docstore.Document{
		ID:           id,
		Filename:     filename,
		FileSize:     int64(len(up.Data)),
		ContentType:  contentType,
		UserID:       up.UserID,
		PatientID:    up.PatientID,
		DocumentType: up.DocumentType,
		BlobKey:      blob.DocumentKey(id, up.Filename),
		Status:       docstore.StatusPending,
		CreatedAt:    s.now(),
	}
	if doc.PatientID == "" {
		doc.PatientID = up.UserID
	}
	if doc.DocumentType == "" {
		doc.DocumentType = docstore.DefaultDocumentType
	}

	if err := s.blobs.Put(ctx, doc.BlobKey, up.Data, contentType); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}

	if err := s.store.CreateDocument(ctx, doc); err != nil {
		if delErr := s.blobs.Delete(ctx, doc.BlobKey); delErr != nil {
			s.logger.Warn("failed to remove orphaned upload", "blob_key", doc.BlobKey, "error", delErr)
		}
		return "", fmt.Errorf("create document: %w", err)
	}

	if err := s.queue.Enqueue(ctx, id); err != nil {
		s.logger.Error("failed to schedule document, left pending", "document_id", id, "error", err)
		return id, fmt.Errorf("schedule document %s: %w", id, err)
	}

	s.logger.Info("Document submitted", "document_id", id, "filename", doc.Filename, "size", doc.FileSize, "user_id", up.UserID)
	return id, nil
}

// GetDocumentStatus returns the job state of a document.
func (s *Service) GetDocumentStatus(ctx context.Context, id string) (docstore.JobState, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return docstore.JobState{}, err
	}
	return doc.State(), nil
}

// ListDocuments returns a user's documents, newest first.
func (s *Service) ListDocuments(ctx context.Context, userID string, limit int) ([]*docstore.Document, error) {
	if limit <= 0 {
		limit = docstore.DefaultListLimit
	}
	return s.store.ListDocuments(ctx, userID, limit)
}

// DetectContentType picks a content type from the file extension, then from
// the leading bytes.
func DetectContentType(filename string, data []byte) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return extract.ContentTypePDF
	case ".md", ".markdown":
		return extract.ContentTypeMarkdown
	case ".txt":
		return extract.ContentTypeText
	}
	return extract.NormalizeContentType(http.DetectContentType(data))
}
