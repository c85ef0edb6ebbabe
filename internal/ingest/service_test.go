package ingest

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/medrag-server/internal/docstore"
	"github.com/bull/medrag-server/internal/extract"
)

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, string) error { return ErrQueueClosed }

func TestSubmitDocument_RejectsEmptyUpload(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.SubmitDocument(context.Background(), Upload{Filename: "a.pdf"})
	assert.ErrorIs(t, err, ErrEmptyUpload)
}

func TestSubmitDocument_RejectsUnsupportedType(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.SubmitDocument(context.Background(), Upload{
		Filename: "scan.png",
		Data:     []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"),
	})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestSubmitDocument_StoresPendingRecordAndBlob(t *testing.T) {
	h := newHarness(t)
	h.layer.pages = []string{labReport}

	id, err := h.service.SubmitDocument(context.Background(), Upload{
		Filename: "../reports/labs.pdf",
		UserID:   "user-7",
		Data:     []byte("%PDF-1.7 fake"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := h.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "labs.pdf", doc.Filename)
	assert.Equal(t, extract.ContentTypePDF, doc.ContentType)
	assert.Equal(t, "user-7", doc.PatientID)
	assert.Equal(t, docstore.DefaultDocumentType, doc.DocumentType)
	assert.Equal(t, int64(len("%PDF-1.7 fake")), doc.FileSize)
	assert.Equal(t, "documents/"+id+"/labs.pdf", doc.BlobKey)

	rc, err := h.blobs.Get(context.Background(), doc.BlobKey)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 fake", string(data))

	h.waitTerminal(t, id)
}

func TestSubmitDocument_AcceptsDottedFilename(t *testing.T) {
	h := newHarness(t)
	h.layer.pages = []string{labReport}

	id, err := h.service.SubmitDocument(context.Background(), Upload{
		Filename: "labs..2024.pdf",
		UserID:   "user-7",
		Data:     []byte("%PDF-1.7 fake"),
	})
	require.NoError(t, err)

	doc, err := h.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "documents/"+id+"/labs..2024.pdf", doc.BlobKey)
	assert.Equal(t, docstore.StatusCompleted, h.waitTerminal(t, id).Status)
}

func TestSubmitDocument_KeepsExplicitPatientAndType(t *testing.T) {
	h := newHarness(t)

	id, err := h.service.SubmitDocument(context.Background(), Upload{
		Filename:     "note.txt",
		UserID:       "clinician-1",
		PatientID:    "patient-9",
		DocumentType: "lab_report",
		Data:         []byte("HR: 64"),
	})
	require.NoError(t, err)

	doc, err := h.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "patient-9", doc.PatientID)
	assert.Equal(t, "lab_report", doc.DocumentType)
	assert.Equal(t, extract.ContentTypeText, doc.ContentType)

	state := h.waitTerminal(t, id)
	assert.Equal(t, docstore.StatusCompleted, state.Status)
}

func TestSubmitDocument_EnqueueFailureLeavesPending(t *testing.T) {
	h := newHarness(t)
	svc := NewService(h.store, h.blobs, failingEnqueuer{}, nil)

	id, err := svc.SubmitDocument(context.Background(), Upload{Filename: "n.txt", Data: []byte("text")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueClosed))
	require.NotEmpty(t, id)

	state, err := svc.GetDocumentStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusPending, state.Status)
}

func TestGetDocumentStatus_NotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.GetDocumentStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestListDocuments_ScopedToUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, user := range []string{"alice", "alice", "bob"} {
		_, err := h.service.SubmitDocument(ctx, Upload{Filename: "n.txt", UserID: user, Data: []byte("BP: 120/80")})
		require.NoError(t, err)
	}

	docs, err := h.service.ListDocuments(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, "alice", d.UserID)
		h.waitTerminal(t, d.ID)
	}

	docs, err = h.service.ListDocuments(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		filename string
		data     string
		want     string
	}{
		{"a.PDF", "", extract.ContentTypePDF},
		{"notes.md", "", extract.ContentTypeMarkdown},
		{"notes.markdown", "", extract.ContentTypeMarkdown},
		{"notes.txt", "", extract.ContentTypeText},
		{"upload", "%PDF-1.4\n", extract.ContentTypePDF},
		{"upload", "plain words", extract.ContentTypeText},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectContentType(tt.filename, []byte(tt.data)))
		})
	}
}
