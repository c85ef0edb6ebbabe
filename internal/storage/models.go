// Package storage holds the similarity-search collaborators that chunk text
// is indexed into and retrieved from.
package storage

import (
	"context"
	"slices"
)

// Payload keys shared by every vector store.
const (
	KeyDocumentID = "document_id"
	KeyChunkID    = "chunk_id"
	KeyContent    = "content"
)

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Filter restricts a query. An empty DocumentIDs matches every document.
type Filter struct {
	DocumentIDs []string
}

// Matches reports whether a record belonging to documentID passes the filter.
func (f Filter) Matches(documentID string) bool {
	return len(f.DocumentIDs) == 0 || slices.Contains(f.DocumentIDs, documentID)
}

// Match is one query hit, ordered by Score descending.
type Match struct {
	ID       string
	Content  string
	Metadata map[string]any
	Score    float64
}

// VectorStore indexes texts and answers similarity queries over them.
type VectorStore interface {
	// Add stores all records in a single batch. Existing ids are overwritten.
	Add(ctx context.Context, ids, texts []string, metadatas []map[string]any) error
	Query(ctx context.Context, text string, k int, filter Filter) ([]Match, error)
	Health(ctx context.Context) error
	Close() error
}

func checkLengths(ids, texts []string, metadatas []map[string]any) error {
	if len(ids) != len(texts) || len(ids) != len(metadatas) {
		return ErrLengthMismatch
	}
	return nil
}
