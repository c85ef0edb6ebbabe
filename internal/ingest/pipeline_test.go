package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/medrag-server/internal/blob"
	"github.com/bull/medrag-server/internal/chunker"
	"github.com/bull/medrag-server/internal/docstore"
	"github.com/bull/medrag-server/internal/extract"
	"github.com/bull/medrag-server/internal/indexer"
	"github.com/bull/medrag-server/internal/metadata"
	"github.com/bull/medrag-server/internal/storage"
)

var labReport = strings.Repeat("Blood Pressure: 130/85 measured at rest. Heart Rate: 72. Temperature: 98.6. ", 3)

func submitPDF(t *testing.T, h *harness) string {
	t.Helper()
	id, err := h.service.SubmitDocument(context.Background(), Upload{
		Filename: "labs.pdf",
		UserID:   "user-1",
		Data:     []byte("%PDF-1.7 fake"),
	})
	require.NoError(t, err)
	return id
}

func TestPipeline_DirectTextCompletes(t *testing.T) {
	h := newHarness(t)
	h.layer.pages = []string{labReport}

	id := submitPDF(t, h)
	state := h.waitTerminal(t, id)

	require.Equal(t, docstore.StatusCompleted, state.Status, "error: %s", state.Error)
	assert.Empty(t, state.Error)
	require.NotNil(t, state.ExtractedText)
	assert.Equal(t, labReport+"\n", *state.ExtractedText)
	assert.Equal(t, 1, state.PageCount)
	assert.NotNil(t, state.ProcessedAt)
	vitals := state.Entities[metadata.CategoryVitalSigns]
	assert.Len(t, vitals, 9)
	assert.Subset(t, vitals, []string{"130/85", "72", "98.6"})
	assert.Zero(t, h.ocr.Calls())

	matches, err := h.vectors.Query(context.Background(), "blood pressure", 10, storage.Filter{DocumentIDs: []string{id}})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, id+"_0", matches[0].ID)
	assert.Equal(t, "labs.pdf", matches[0].Metadata["filename"])
	assert.Equal(t, "user-1", matches[0].Metadata["patient_id"])
	assert.Equal(t, docstore.DefaultDocumentType, matches[0].Metadata["document_type"])
}

func TestPipeline_ScannedPDFUsesOCR(t *testing.T) {
	h := newHarness(t)
	h.layer.pages = []string{"   "}
	h.ocr.text = "HR: 88\n"

	id := submitPDF(t, h)
	state := h.waitTerminal(t, id)

	require.Equal(t, docstore.StatusCompleted, state.Status)
	assert.Equal(t, 1, h.ocr.Calls())
	assert.Equal(t, "HR: 88\n", *state.ExtractedText)
	assert.Equal(t, []string{"88"}, state.Entities[metadata.CategoryVitalSigns])
}

func TestPipeline_EmptyOCRStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.layer.pages = []string{""}
	h.ocr.text = ""

	id := submitPDF(t, h)
	state := h.waitTerminal(t, id)

	require.Equal(t, docstore.StatusCompleted, state.Status)
	require.NotNil(t, state.ExtractedText)
	assert.Empty(t, *state.ExtractedText)
}

func TestPipeline_OCRFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.layer.pages = []string{""}
	h.ocr.err = assert.AnError

	id := submitPDF(t, h)
	state := h.waitTerminal(t, id)

	assert.Equal(t, docstore.StatusFailed, state.Status)
	assert.Contains(t, state.Error, extract.ErrExtraction.Error())
	assert.Nil(t, state.ExtractedText)
	assert.NotNil(t, state.ProcessedAt)
}

func TestPipeline_IndexFailureMarksFailed(t *testing.T) {
	h := newHarness(t, withVectorStore(failingVectorStore{}))
	h.layer.pages = []string{labReport}

	id := submitPDF(t, h)
	state := h.waitTerminal(t, id)

	assert.Equal(t, docstore.StatusFailed, state.Status)
	assert.Contains(t, state.Error, "vector indexing failed")
	assert.Contains(t, state.Error, "vector store unavailable")
}

func TestPipeline_PanicMarksFailed(t *testing.T) {
	h := newHarness(t, withTagger(panickingTagger{}))
	h.layer.pages = []string{labReport}

	id := submitPDF(t, h)
	state := h.waitTerminal(t, id)

	assert.Equal(t, docstore.StatusFailed, state.Status)
	assert.Contains(t, state.Error, "tagger bug")
}

func TestPipeline_MarkdownChunksCarryHeaderPath(t *testing.T) {
	h := newHarness(t)

	id, err := h.service.SubmitDocument(context.Background(), Upload{
		Filename: "visit.md",
		UserID:   "user-1",
		Data:     []byte("# Visit\n\nBP: 120/80\n\n## Plan\n\nFollow up in two weeks.\n"),
	})
	require.NoError(t, err)

	state := h.waitTerminal(t, id)
	require.Equal(t, docstore.StatusCompleted, state.Status)

	matches, err := h.vectors.Query(context.Background(), "plan", 10, storage.Filter{DocumentIDs: []string{id}})
	require.NoError(t, err)
	require.Len(t, matches, 2)

	paths := map[string]any{}
	for _, m := range matches {
		paths[m.ID] = m.Metadata["header_path"]
	}
	assert.Equal(t, "# Visit", paths[id+"_0"])
	assert.Equal(t, "# Visit > ## Plan", paths[id+"_1"])
}

func TestPipeline_RunIsNotRepeatable(t *testing.T) {
	h := newHarness(t)
	h.layer.pages = []string{labReport}

	id := submitPDF(t, h)
	first := h.waitTerminal(t, id)
	require.Equal(t, docstore.StatusCompleted, first.Status)

	err := h.pipeline.Run(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyProcessing)

	again, err := h.service.GetDocumentStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, first.ProcessedAt, again.ProcessedAt)
}

// stallingOCR blocks until its context ends.
type stallingOCR struct {
	started chan struct{}
}

func (o *stallingOCR) Recognize(ctx context.Context, _ []byte) (string, error) {
	close(o.started)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestPipeline_ShutdownTimeoutStillRecordsFailure(t *testing.T) {
	store, err := docstore.NewSQLiteStore(filepath.Join(t.TempDir(), "medrag.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	split, err := chunker.New(chunker.Options{})
	require.NoError(t, err)

	ocr := &stallingOCR{started: make(chan struct{})}
	pipeline := NewPipeline(
		store,
		blobs,
		extract.New(&fakeTextLayer{count: 1}, ocr),
		metadata.NewTagger(),
		split,
		indexer.New(storage.NewMemoryStore(constEmbedder{}), time.Second, nil),
		nil,
	)
	queue := NewQueue(pipeline, 1, 1, nil)
	service := NewService(store, blobs, queue, nil)

	id, err := service.SubmitDocument(context.Background(), Upload{
		Filename: "scan.pdf",
		UserID:   "user-1",
		Data:     []byte("%PDF-1.7 fake"),
	})
	require.NoError(t, err)
	<-ocr.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, queue.Close(ctx), context.DeadlineExceeded)

	state, err := service.GetDocumentStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusFailed, state.Status)
	assert.Contains(t, state.Error, context.Canceled.Error())
	assert.NotNil(t, state.ProcessedAt)
}
