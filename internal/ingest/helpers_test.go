package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bull/medrag-server/internal/blob"
	"github.com/bull/medrag-server/internal/chunker"
	"github.com/bull/medrag-server/internal/docstore"
	"github.com/bull/medrag-server/internal/extract"
	"github.com/bull/medrag-server/internal/indexer"
	"github.com/bull/medrag-server/internal/metadata"
	"github.com/bull/medrag-server/internal/storage"
)

type fakeTextLayer struct {
	pages []string
	count int
}

func (f *fakeTextLayer) PageTexts(context.Context, []byte) ([]string, error) {
	return f.pages, nil
}
func (f *fakeTextLayer) PageCount([]byte) (int, error) { return f.count, nil }

type fakeOCR struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeOCR) Recognize(context.Context, []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

func (f *fakeOCR) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type constEmbedder struct{}

func (constEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (constEmbedder) Dimension() int { return 2 }

// failingVectorStore fails every Add.
type failingVectorStore struct{}

func (failingVectorStore) Add(context.Context, []string, []string, []map[string]any) error {
	return errors.New("vector store unavailable")
}

func (failingVectorStore) Query(context.Context, string, int, storage.Filter) ([]storage.Match, error) {
	return nil, nil
}
func (failingVectorStore) Health(context.Context) error { return nil }
func (failingVectorStore) Close() error                 { return nil }

type panickingTagger struct{}

func (panickingTagger) Tag(string) map[string][]string { panic("tagger bug") }

// harness wires the real pipeline over in-memory collaborators.
type harness struct {
	store   *docstore.MemoryStore
	blobs   *blob.FileStore
	vectors storage.VectorStore
	layer   *fakeTextLayer
	ocr     *fakeOCR
	tagger  Tagger

	pipeline *Pipeline
	queue    *Queue
	service  *Service
}

type harnessOption func(*harness)

func withVectorStore(vs storage.VectorStore) harnessOption {
	return func(h *harness) { h.vectors = vs }
}

func withTagger(tg Tagger) harnessOption {
	return func(h *harness) { h.tagger = tg }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store:   docstore.NewMemoryStore(),
		blobs:   blobs,
		vectors: storage.NewMemoryStore(constEmbedder{}),
		layer:   &fakeTextLayer{count: 1},
		ocr:     &fakeOCR{},
		tagger:  metadata.NewTagger(),
	}
	for _, opt := range opts {
		opt(h)
	}

	split, err := chunker.New(chunker.Options{})
	require.NoError(t, err)

	h.pipeline = NewPipeline(
		h.store,
		h.blobs,
		extract.New(h.layer, h.ocr),
		h.tagger,
		split,
		indexer.New(h.vectors, time.Second, nil),
		nil,
	)
	h.queue = NewQueue(h.pipeline, 2, 8, nil)
	h.service = NewService(h.store, h.blobs, h.queue, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.queue.Close(ctx)
	})
	return h
}

// waitTerminal polls until the document leaves pending/processing.
func (h *harness) waitTerminal(t *testing.T, id string) docstore.JobState {
	t.Helper()
	var state docstore.JobState
	require.Eventually(t, func() bool {
		s, err := h.service.GetDocumentStatus(context.Background(), id)
		if err != nil {
			return false
		}
		state = s
		return s.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return state
}
