package storage

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore using brute-force cosine similarity.
// It backs the "memory" driver and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	embedder Embedder
	records  map[string]memoryRecord
	order    []string
}

type memoryRecord struct {
	text     string
	metadata map[string]any
	vector   []float32
}

var _ VectorStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store that embeds with embedder.
func NewMemoryStore(embedder Embedder) *MemoryStore {
	return &MemoryStore{embedder: embedder, records: make(map[string]memoryRecord)}
}

// Add stores records, overwriting existing ids.
func (s *MemoryStore) Add(ctx context.Context, ids, texts []string, metadatas []map[string]any) error {
	if err := checkLengths(ids, texts, metadatas); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed %d texts: %w", len(texts), err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("%w: got %d embeddings for %d texts", ErrDimensionMismatch, len(vectors), len(texts))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range ids {
		if _, ok := s.records[id]; !ok {
			s.order = append(s.order, id)
		}
		s.records[id] = memoryRecord{text: texts[i], metadata: maps.Clone(metadatas[i]), vector: vectors[i]}
	}
	return nil
}

// Query ranks every record passing filter against the embedded text.
func (s *MemoryStore) Query(ctx context.Context, text string, k int, filter Filter) ([]Match, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: got %d query embeddings", ErrDimensionMismatch, len(vectors))
	}

	s.mu.RLock()
	matches := make([]Match, 0, len(s.records))
	for _, id := range s.order {
		rec := s.records[id]
		docID, _ := rec.metadata[KeyDocumentID].(string)
		if !filter.Matches(docID) {
			continue
		}
		md := make(map[string]any, len(rec.metadata)+1)
		maps.Copy(md, rec.metadata)
		md[KeyChunkID] = id
		matches = append(matches, Match{
			ID:       id,
			Content:  rec.text,
			Metadata: md,
			Score:    cosine(vectors[0], rec.vector),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Health(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
