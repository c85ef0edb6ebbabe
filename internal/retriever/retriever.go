// Package retriever finds the chunks most similar to a query, restricted to a
// set of documents. It fails open: errors become an empty result.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bull/medrag-server/internal/metrics"
	"github.com/bull/medrag-server/internal/storage"
)

// ErrRetrieval marks a suppressed search failure carried in Result.Err.
var ErrRetrieval = errors.New("retrieval failed")

const (
	DefaultTopK    = 3
	DefaultTimeout = 10 * time.Second

	// UnknownDocument is reported for hits whose metadata lacks a document id.
	UnknownDocument = "unknown"
)

// Chunk is one retrieved piece of context.
type Chunk struct {
	ID         string
	DocumentID string
	Content    string
	Metadata   map[string]any
	Score      float64
}

// Result is the outcome of a search. When Err is set, Chunks is empty and
// callers proceed without context.
type Result struct {
	Chunks []Chunk
	Err    error
}

// Retriever queries a vector store with a per-call deadline.
type Retriever struct {
	store   storage.VectorStore
	topK    int
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Retriever. Non-positive topK and timeout use the defaults.
func New(store storage.VectorStore, topK int, timeout time.Duration, logger *slog.Logger) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, topK: topK, timeout: timeout, logger: logger}
}

// Search returns up to k chunks (the configured top k when k <= 0) whose
// document id is in documentIDs, or from any document when documentIDs is
// empty. It never returns a Go error and never panics.
func (r *Retriever) Search(ctx context.Context, query string, documentIDs []string, k int) (res Result) {
	if k <= 0 {
		k = r.topK
	}

	defer func() {
		if p := recover(); p != nil {
			res = r.failed(fmt.Errorf("%w: panic: %v", ErrRetrieval, p), documentIDs)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	filter := storage.Filter{DocumentIDs: documentIDs}
	matches, err := r.store.Query(ctx, query, k, filter)
	if err != nil {
		return r.failed(fmt.Errorf("%w: %w", ErrRetrieval, err), documentIDs)
	}

	chunks := make([]Chunk, 0, min(len(matches), k))
	for _, m := range matches {
		docID := UnknownDocument
		if id, ok := m.Metadata[storage.KeyDocumentID].(string); ok && id != "" {
			docID = id
		}
		// The store applies the filter too; this guards stores that ignore it.
		if !filter.Matches(docID) {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:         m.ID,
			DocumentID: docID,
			Content:    m.Content,
			Metadata:   m.Metadata,
			Score:      m.Score,
		})
		if len(chunks) == k {
			break
		}
	}

	r.logger.Debug("retrieved chunks", "count", len(chunks), "documents", len(documentIDs))
	return Result{Chunks: chunks}
}

func (r *Retriever) failed(err error, documentIDs []string) Result {
	metrics.RetrievalFailuresTotal.Inc()
	r.logger.Warn("retrieval failed, continuing without context", "error", err, "documents", len(documentIDs))
	return Result{Err: err}
}
