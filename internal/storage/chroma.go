package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

// ChromaStore keeps chunks in a Chroma collection. Embeddings are computed
// with the injected Embedder and passed explicitly.
type ChromaStore struct {
	client     chromago.Client
	collection chromago.Collection
	embedder   Embedder
	logger     *slog.Logger
}

var _ VectorStore = (*ChromaStore)(nil)

// NewChromaStore connects to Chroma at baseURL and gets or creates the named collection.
func NewChromaStore(ctx context.Context, baseURL, collection string, embedder Embedder, logger *slog.Logger) (*ChromaStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := chromago.NewHTTPClient(chromago.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}

	if err := client.Heartbeat(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrChromaUnreachable, err)
	}

	col, err := client.GetOrCreateCollection(ctx, collection,
		chromago.WithCollectionMetadataCreate(
			chromago.NewMetadata(
				chromago.NewStringAttribute("description", "medical document chunks"),
				chromago.NewStringAttribute("created_by", "medrag"),
			),
		),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to get or create collection %s: %w", collection, err)
	}

	logger.Info("using chroma collection", "collection", collection, "url", baseURL)
	return &ChromaStore{client: client, collection: col, embedder: embedder, logger: logger}, nil
}

// Add embeds texts and upserts them in one call, replacing records with the same id.
func (s *ChromaStore) Add(ctx context.Context, ids, texts []string, metadatas []map[string]any) error {
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

	docIDs := make([]chromago.DocumentID, len(ids))
	embs := make([]embeddings.Embedding, len(ids))
	metas := make([]chromago.DocumentMetadata, len(ids))
	for i, id := range ids {
		docIDs[i] = chromago.DocumentID(id)
		embs[i] = embeddings.NewEmbeddingFromFloat32(vectors[i])
		metas[i] = documentMetadata(id, metadatas[i])
	}

	err = s.collection.Upsert(ctx,
		chromago.WithIDs(docIDs...),
		chromago.WithTexts(texts...),
		chromago.WithEmbeddings(embs...),
		chromago.WithMetadatas(metas...),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %d chunks to chroma: %w", len(ids), err)
	}
	return nil
}

// Query embeds text and returns the k nearest records passing filter.
func (s *ChromaStore) Query(ctx context.Context, text string, k int, filter Filter) ([]Match, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: got %d query embeddings", ErrDimensionMismatch, len(vectors))
	}

	opts := []chromago.CollectionQueryOption{
		chromago.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vectors[0])),
		chromago.WithNResults(k),
	}
	if len(filter.DocumentIDs) > 0 {
		opts = append(opts, chromago.WithWhereQuery(chromago.InString(KeyDocumentID, filter.DocumentIDs...)))
	}

	results, err := s.collection.Query(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chromadb: %w", err)
	}

	docGroups := results.GetDocumentsGroups()
	if len(docGroups) == 0 {
		return nil, nil
	}
	idGroups := results.GetIDGroups()
	metaGroups := results.GetMetadatasGroups()
	distGroups := results.GetDistancesGroups()

	matches := make([]Match, 0, len(docGroups[0]))
	for i, doc := range docGroups[0] {
		m := Match{Content: doc.ContentString()}
		if len(idGroups) > 0 && i < len(idGroups[0]) {
			m.ID = string(idGroups[0][i])
		}
		if len(metaGroups) > 0 && i < len(metaGroups[0]) {
			m.Metadata = metadataMap(metaGroups[0][i], s.logger)
		}
		if len(distGroups) > 0 && i < len(distGroups[0]) {
			m.Score = 1 - float64(distGroups[0][i])
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Health sends a heartbeat to the Chroma server.
func (s *ChromaStore) Health(ctx context.Context) error {
	if err := s.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("chroma heartbeat failed: %w", err)
	}
	return nil
}

// Close releases the Chroma client.
func (s *ChromaStore) Close() error {
	return s.client.Close()
}

func documentMetadata(id string, md map[string]any) chromago.DocumentMetadata {
	attrs := make([]*chromago.MetaAttribute, 0, len(md)+1)
	attrs = append(attrs, chromago.NewStringAttribute(KeyChunkID, id))
	for k, v := range md {
		switch v := payloadValue(v).(type) {
		case string:
			attrs = append(attrs, chromago.NewStringAttribute(k, v))
		case int64:
			attrs = append(attrs, chromago.NewIntAttribute(k, v))
		case float64:
			attrs = append(attrs, chromago.NewFloatAttribute(k, v))
		case bool:
			attrs = append(attrs, chromago.NewBoolAttribute(k, v))
		default:
			attrs = append(attrs, chromago.NewStringAttribute(k, fmt.Sprint(v)))
		}
	}
	return chromago.NewDocumentMetadata(attrs...)
}

// metadataMap converts Chroma metadata to a plain map. DocumentMetadata has no
// accessor for all values, so it round-trips through JSON.
func metadataMap(md chromago.DocumentMetadata, logger *slog.Logger) map[string]any {
	out := make(map[string]any)
	if md == nil {
		return out
	}
	raw, err := json.Marshal(md)
	if err != nil {
		logger.Warn("could not marshal chroma metadata", "error", err)
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		logger.Warn("could not unmarshal chroma metadata", "error", err)
	}
	return out
}
