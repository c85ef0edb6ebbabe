// Package analysis answers queries over ingested documents and records each
// answer.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bull/medrag-server/internal/docstore"
	"github.com/bull/medrag-server/internal/generator"
	"github.com/bull/medrag-server/internal/retriever"
)

const (
	DefaultConfidence   = 0.85
	DefaultAnalysisType = "general"
)

// Searcher finds context chunks for a query.
type Searcher interface {
	Search(ctx context.Context, query string, documentIDs []string, k int) retriever.Result
}

// Answerer generates an answer from context chunks.
type Answerer interface {
	Generate(ctx context.Context, query string, chunks []retriever.Chunk) generator.Answer
}

// Request is one analysis query.
type Request struct {
	UserID       string
	Query        string
	DocumentIDs  []string // empty searches every document
	AnalysisType string
}

// Config holds analysis settings.
type Config struct {
	Confidence   float64
	DefaultType  string
	ContextLimit int
}

// Service runs retrieval then generation and persists the record.
type Service struct {
	searcher Searcher
	answerer Answerer
	store    docstore.AnalysisStore
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an analysis service.
func NewService(searcher Searcher, answerer Answerer, store docstore.AnalysisStore, cfg Config, logger *slog.Logger) *Service {
	if cfg.Confidence <= 0 {
		cfg.Confidence = DefaultConfidence
	}
	if cfg.DefaultType == "" {
		cfg.DefaultType = DefaultAnalysisType
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		searcher: searcher,
		answerer: answerer,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Analyze answers req and returns the persisted record. Retrieval and
// generation failures degrade the answer; only a failure to persist the
// record is returned, wrapping docstore.ErrPersistence.
func (s *Service) Analyze(ctx context.Context, req Request) (*docstore.AnalysisRecord, error) {
	start := time.Now()
	log := s.logger.With("user_id", req.UserID)

	found := s.searcher.Search(ctx, req.Query, req.DocumentIDs, s.cfg.ContextLimit)
	if found.Err != nil {
		log.Warn("Answering without retrieved context", "error", found.Err)
	}

	answer := s.answerer.Generate(ctx, req.Query, found.Chunks)

	analysisType := strings.TrimSpace(req.AnalysisType)
	if analysisType == "" {
		analysisType = s.cfg.DefaultType
	}

	rec := &docstore.AnalysisRecord{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Query:           req.Query,
		Response:        answer.Text,
		ConfidenceScore: s.cfg.Confidence,
		Sources:         Sources(found.Chunks),
		AnalysisType:    analysisType,
		Provider:        answer.Provider,
		CreatedAt:       s.now(),
	}

	if err := s.store.SaveAnalysis(ctx, rec); err != nil {
		log.Error("failed to save analysis", "analysis_id", rec.ID, "error", err)
		if errors.Is(err, docstore.ErrPersistence) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: save analysis %s: %v", docstore.ErrPersistence, rec.ID, err)
	}

	log.Info("Analysis completed",
		"analysis_id", rec.ID,
		"provider", answer.Provider,
		"fallback", answer.Fallback,
		"sources", len(rec.Sources),
		"duration", time.Since(start),
	)
	return rec, nil
}

// Get returns a stored analysis record.
func (s *Service) Get(ctx context.Context, id string) (*docstore.AnalysisRecord, error) {
	return s.store.GetAnalysis(ctx, id)
}

// List returns a user's recent analyses, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*docstore.AnalysisRecord, error) {
	return s.store.ListAnalyses(ctx, userID, limit)
}

// Sources lists the distinct document ids of chunks in first-seen order.
// The result is never nil.
func Sources(chunks []retriever.Chunk) []string {
	seen := make(map[string]struct{}, len(chunks))
	sources := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := seen[c.DocumentID]; ok {
			continue
		}
		seen[c.DocumentID] = struct{}{}
		sources = append(sources, c.DocumentID)
	}
	return sources
}
