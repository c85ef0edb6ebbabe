// Package indexer writes document chunks into the vector store.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/bull/medrag-server/internal/chunker"
	"github.com/bull/medrag-server/internal/storage"
)

// ErrIndex wraps every failure of the vector store collaborator.
var ErrIndex = errors.New("vector indexing failed")

// ChunkID is the record id of chunk i of a document. Ids are unique per
// document, so documents never collide in the index.
func ChunkID(documentID string, i int) string {
	return fmt.Sprintf("%s_%d", documentID, i)
}

// Indexer adds all chunks of a document in one batched call.
type Indexer struct {
	store   storage.VectorStore
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an Indexer. A zero timeout leaves the caller's deadline in place.
func New(store storage.VectorStore, timeout time.Duration, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{store: store, timeout: timeout, logger: logger}
}

// Index stores chunks under ids {documentID}_{i}. Each record's metadata is the
// chunk's metadata with document_id and chunk_index set. Re-indexing the same
// document overwrites records with the same ids.
func (ix *Indexer) Index(ctx context.Context, documentID string, chunks []chunker.Chunk) error {
	if len(chunks) == 0 {
		ix.logger.Debug("no chunks to index", "document_id", documentID)
		return nil
	}

	ids := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	metadatas := make([]map[string]any, len(chunks))
	for i, chunk := range chunks {
		ids[i] = ChunkID(documentID, i)
		texts[i] = chunk.Content

		md := make(map[string]any, len(chunk.Metadata)+2)
		maps.Copy(md, chunk.Metadata)
		md[storage.KeyDocumentID] = documentID
		md["chunk_index"] = i
		metadatas[i] = md
	}

	if ix.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ix.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := ix.store.Add(ctx, ids, texts, metadatas); err != nil {
		return fmt.Errorf("%w: document %s: %v", ErrIndex, documentID, err)
	}

	ix.logger.Info("Indexed document", "document_id", documentID, "chunks", len(chunks), "duration", time.Since(start))
	return nil
}
