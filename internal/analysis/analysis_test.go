package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/medrag-server/internal/docstore"
	"github.com/bull/medrag-server/internal/generator"
	"github.com/bull/medrag-server/internal/retriever"
	"github.com/bull/medrag-server/internal/storage"
)

type fakeSearcher struct {
	result retriever.Result
	gotIDs []string
	gotK   int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, ids []string, k int) retriever.Result {
	f.gotIDs = ids
	f.gotK = k
	return f.result
}

type fakeAnswerer struct {
	answer    generator.Answer
	gotChunks []retriever.Chunk
}

func (f *fakeAnswerer) Generate(_ context.Context, _ string, chunks []retriever.Chunk) generator.Answer {
	f.gotChunks = chunks
	return f.answer
}

type failingAnalysisStore struct{ err error }

func (f failingAnalysisStore) SaveAnalysis(context.Context, *docstore.AnalysisRecord) error {
	return f.err
}

func (f failingAnalysisStore) GetAnalysis(context.Context, string) (*docstore.AnalysisRecord, error) {
	return nil, docstore.ErrNotFound
}

func (f failingAnalysisStore) ListAnalyses(context.Context, string, int) ([]*docstore.AnalysisRecord, error) {
	return nil, f.err
}

func TestAnalyze_PersistsRecord(t *testing.T) {
	searcher := &fakeSearcher{result: retriever.Result{Chunks: []retriever.Chunk{
		{ID: "doc-a_0", DocumentID: "doc-a", Content: "BP 130/85"},
		{ID: "doc-b_2", DocumentID: "doc-b", Content: "HR 72"},
		{ID: "doc-a_1", DocumentID: "doc-a", Content: "Temp 98.6"},
	}}}
	answerer := &fakeAnswerer{answer: generator.Answer{Text: "Vitals are normal.", Provider: "ollama"}}
	store := docstore.NewMemoryStore()
	svc := NewService(searcher, answerer, store, Config{}, nil)

	rec, err := svc.Analyze(context.Background(), Request{
		UserID:      "user-1",
		Query:       "Are the vitals normal?",
		DocumentIDs: []string{"doc-a", "doc-b"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "Are the vitals normal?", rec.Query)
	assert.Equal(t, "Vitals are normal.", rec.Response)
	assert.Equal(t, DefaultConfidence, rec.ConfidenceScore)
	assert.Equal(t, []string{"doc-a", "doc-b"}, rec.Sources)
	assert.Equal(t, DefaultAnalysisType, rec.AnalysisType)
	assert.Equal(t, "ollama", rec.Provider)
	assert.False(t, rec.CreatedAt.IsZero())

	assert.Equal(t, []string{"doc-a", "doc-b"}, searcher.gotIDs)
	assert.Len(t, answerer.gotChunks, 3)

	stored, err := svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Response, stored.Response)
}

func TestAnalyze_RetrievalFailureStillAnswers(t *testing.T) {
	searcher := &fakeSearcher{result: retriever.Result{Err: retriever.ErrRetrieval}}
	answerer := &fakeAnswerer{answer: generator.Answer{
		Text:     generator.FallbackText(0),
		Provider: generator.FallbackProvider,
		Fallback: true,
	}}
	svc := NewService(searcher, answerer, docstore.NewMemoryStore(), Config{Confidence: 0.5, DefaultType: "summary"}, nil)

	rec, err := svc.Analyze(context.Background(), Request{Query: "anything", AnalysisType: " "})
	require.NoError(t, err)
	assert.Empty(t, rec.Sources)
	assert.NotNil(t, rec.Sources)
	assert.Equal(t, 0.5, rec.ConfidenceScore)
	assert.Equal(t, "summary", rec.AnalysisType)
	assert.Equal(t, generator.FallbackProvider, rec.Provider)
}

func TestAnalyze_PersistenceFailureSurfaces(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"already wrapped", docstore.ErrPersistence},
		{"backend error", errors.New("disk full")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&fakeSearcher{}, &fakeAnswerer{}, failingAnalysisStore{err: tt.err}, Config{}, nil)

			rec, err := svc.Analyze(context.Background(), Request{Query: "q"})
			assert.Nil(t, rec)
			assert.ErrorIs(t, err, docstore.ErrPersistence)
		})
	}
}

func TestService_GetAndList(t *testing.T) {
	store := docstore.NewMemoryStore()
	svc := NewService(&fakeSearcher{}, &fakeAnswerer{answer: generator.Answer{Text: "ok", Provider: "ollama"}}, store, Config{}, nil)
	ctx := context.Background()

	first, err := svc.Analyze(ctx, Request{UserID: "u1", Query: "first"})
	require.NoError(t, err)
	second, err := svc.Analyze(ctx, Request{UserID: "u1", Query: "second"})
	require.NoError(t, err)
	_, err = svc.Analyze(ctx, Request{UserID: "u2", Query: "other"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Query)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	recs, err := svc.List(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	ids := []string{recs[0].ID, recs[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
}

func TestSources(t *testing.T) {
	assert.Equal(t, []string{}, Sources(nil))
	assert.Equal(t, []string{"b", "a"}, Sources([]retriever.Chunk{
		{DocumentID: "b"}, {DocumentID: "a"}, {DocumentID: "b"},
	}))
}

// End to end: every provider down, the record still carries the fallback
// answer, the placeholder confidence and only retrieved document ids.
type downProvider struct{ name string }

func (p downProvider) Name() string { return p.name }
func (p downProvider) Generate(context.Context, generator.Request) (string, error) {
	return "", errors.New("connection refused")
}

type wordEmbedder struct{}

func (wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vocab := []string{"pressure", "glucose", "heart"}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, len(vocab)+1)
		vec[len(vocab)] = 0.1
		for j, w := range vocab {
			if strings.Contains(strings.ToLower(text), w) {
				vec[j] = 1
			}
		}
		out[i] = vec
	}
	return out, nil
}

func (wordEmbedder) Dimension() int { return 4 }

func TestAnalyze_AllProvidersDown(t *testing.T) {
	ctx := context.Background()
	vectors := storage.NewMemoryStore(wordEmbedder{})
	require.NoError(t, vectors.Add(ctx,
		[]string{"doc-a_0", "doc-b_0", "doc-c_0"},
		[]string{"blood pressure 130/85", "glucose 95 mg/dL", "blood pressure 120/80"},
		[]map[string]any{
			{storage.KeyDocumentID: "doc-a"},
			{storage.KeyDocumentID: "doc-b"},
			{storage.KeyDocumentID: "doc-c"},
		},
	))

	gen := generator.New([]generator.Provider{downProvider{"ollama"}, downProvider{"openai"}},
		generator.Config{Timeout: time.Second}, nil)
	svc := NewService(retriever.New(vectors, 3, time.Second, nil), gen, docstore.NewMemoryStore(), Config{}, nil)

	rec, err := svc.Analyze(ctx, Request{
		UserID:      "user-1",
		Query:       "blood pressure",
		DocumentIDs: []string{"doc-a", "doc-b"},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rec.Response, "Based on the available medical documents, I found 2 relevant sources."))
	assert.Equal(t, DefaultConfidence, rec.ConfidenceScore)
	assert.ElementsMatch(t, []string{"doc-a", "doc-b"}, rec.Sources)
	assert.NotContains(t, rec.Sources, "doc-c")
	assert.Equal(t, generator.FallbackProvider, rec.Provider)
}
