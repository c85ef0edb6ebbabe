// Package docstore persists document metadata, job status and analysis
// records behind a small interface with memory, SQLite and Redis backends.
package docstore

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process. Used by tests and the "memory" driver.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]*Document
	analyses  map[string]*AnalysisRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]*Document),
		analyses:  make(map[string]*AnalysisRecord),
	}
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.documents[doc.ID]; exists {
		return ErrAlreadyExists
	}
	s.documents[doc.ID] = cloneDocument(doc)
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, t Transition) error {
	if err := validateTransition(t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	if doc.Status != t.From {
		return ErrStatusConflict
	}
	t.apply(doc)
	return nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, userID string, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []*Document
	for _, doc := range s.documents {
		if doc.UserID == userID {
			docs = append(docs, cloneDocument(doc))
		}
	}
	sortNewestFirst(docs)
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *MemoryStore) SaveAnalysis(_ context.Context, rec *AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.analyses[rec.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *rec
	cp.Sources = slices.Clone(rec.Sources)
	s.analyses[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAnalysis(_ context.Context, id string) (*AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.analyses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Sources = slices.Clone(rec.Sources)
	return &cp, nil
}

func (s *MemoryStore) ListAnalyses(_ context.Context, userID string, limit int) ([]*AnalysisRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []*AnalysisRecord
	for _, rec := range s.analyses {
		if rec.UserID == userID {
			cp := *rec
			cp.Sources = slices.Clone(rec.Sources)
			recs = append(recs, &cp)
		}
	}
	sortAnalysesNewestFirst(recs)
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *MemoryStore) Health(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneDocument(d *Document) *Document {
	cp := *d
	if d.ExtractedText != nil {
		text := *d.ExtractedText
		cp.ExtractedText = &text
	}
	if d.ProcessedAt != nil {
		at := *d.ProcessedAt
		cp.ProcessedAt = &at
	}
	if d.Entities != nil {
		cp.Entities = make(map[string][]string, len(d.Entities))
		for k, v := range d.Entities {
			cp.Entities[k] = slices.Clone(v)
		}
	}
	return &cp
}

func sortNewestFirst(docs []*Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})
}

func sortAnalysesNewestFirst(recs []*AnalysisRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}
