package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// vectorName is the named vector holding chunk embeddings.
const vectorName = "content"

// QdrantConfig addresses a Qdrant collection over gRPC.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
}

// QdrantStore wraps the Qdrant client with connection management and health checks.
// Texts are embedded client side with the injected Embedder.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder
	logger     *slog.Logger
}

var _ VectorStore = (*QdrantStore)(nil)

// NewQdrantStore creates a new Qdrant client with health validation.
// It performs health check with retry on startup and fails fast if Qdrant is unreachable.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, embedder Embedder, logger *slog.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		embedder:   embedder,
		logger:     logger,
	}

	if err := s.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}

	if err := s.EnsureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}

	return s, nil
}

// newRetryBackOff is the retry policy for Qdrant calls.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func newRetryBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

func (s *QdrantStore) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, newRetryBackOff(ctx))
}

// Health performs a single health check against Qdrant.
func (s *QdrantStore) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}

	return nil
}

// EnsureCollection creates the collection with the embedder's dimension
// (cosine distance) and keyword payload indexes. Safe to call repeatedly.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", s.collection, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			vectorName: {
				Size:     uint64(s.embedder.Dimension()),
				Distance: qdrant.Distance_Cosine,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	if err := s.createPayloadIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create payload indexes: %w", err)
	}

	s.logger.Info("created qdrant collection", "collection", s.collection, "dimension", s.embedder.Dimension())
	return nil
}

// createPayloadIndexes indexes every field retrieval filters on.
func (s *QdrantStore) createPayloadIndexes(ctx context.Context) error {
	fields := []string{
		KeyDocumentID,
		KeyChunkID,
		"patient_id",
		"document_type",
	}

	for _, field := range fields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}

	return nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// PointID maps a chunk id onto the stable UUID Qdrant requires, so re-adding
// the same chunk id overwrites the earlier point.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String()
}

// Add embeds texts and upserts them as one batch.
func (s *QdrantStore) Add(ctx context.Context, ids, texts []string, metadatas []map[string]any) error {
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

	dim := s.embedder.Dimension()
	points := make([]*qdrant.PointStruct, len(ids))
	for i, id := range ids {
		if len(vectors[i]) != dim {
			return fmt.Errorf("%w: record %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(vectors[i]), dim)
		}

		payload := make(map[string]any, len(metadatas[i])+2)
		for k, v := range metadatas[i] {
			payload[k] = payloadValue(v)
		}
		payload[KeyChunkID] = id
		payload[KeyContent] = texts[i]

		points[i] = &qdrant.PointStruct{
			Id: qdrant.NewIDUUID(PointID(id)),
			Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
				vectorName: qdrant.NewVector(vectors[i]...),
			}),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	return s.upsertWithRetry(ctx, points)
}

// upsertWithRetry performs upsert operation with exponential backoff retry.
func (s *QdrantStore) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	operation := func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	}

	return backoff.Retry(operation, newRetryBackOff(ctx))
}

// Query embeds text and returns the k nearest records passing filter.
func (s *QdrantStore) Query(ctx context.Context, text string, k int, filter Filter) ([]Match, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != s.embedder.Dimension() {
		return nil, fmt.Errorf("%w: query embedding has unexpected shape", ErrDimensionMismatch)
	}

	var qf *qdrant.Filter
	if len(filter.DocumentIDs) > 0 {
		qf = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchKeywords(KeyDocumentID, filter.DocumentIDs...),
			},
		}
	}

	using := vectorName
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vectors[0]...),
		Using:          &using,
		Filter:         qf,
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, result := range results {
		metadata := make(map[string]any, len(result.Payload))
		for key, value := range result.Payload {
			if key == KeyContent {
				continue
			}
			metadata[key] = valueToAny(value)
		}

		matches = append(matches, Match{
			ID:       result.Payload[KeyChunkID].GetStringValue(),
			Content:  result.Payload[KeyContent].GetStringValue(),
			Metadata: metadata,
			Score:    float64(result.Score),
		})
	}

	return matches, nil
}

// payloadValue narrows metadata values to the scalar kinds Qdrant payloads accept.
func payloadValue(v any) any {
	switch v := v.(type) {
	case string, bool, int64, float64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	case []string:
		list := make([]any, len(v))
		for i, s := range v {
			list[i] = s
		}
		return list
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		list := make([]any, 0, len(kind.ListValue.GetValues()))
		for _, item := range kind.ListValue.GetValues() {
			list = append(list, valueToAny(item))
		}
		return list
	default:
		return nil
	}
}
