// Package ingest runs uploaded documents through extraction, tagging,
// chunking and indexing, and tracks each document's job status.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bull/medrag-server/internal/blob"
	"github.com/bull/medrag-server/internal/chunker"
	"github.com/bull/medrag-server/internal/docstore"
	"github.com/bull/medrag-server/internal/extract"
	"github.com/bull/medrag-server/internal/metrics"
)

// terminalWriteTimeout bounds the completed/failed status write.
const terminalWriteTimeout = 5 * time.Second

// Extractor turns document bytes into text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, contentType string) extract.Result
}

// Tagger derives medical entities from text.
type Tagger interface {
	Tag(text string) map[string][]string
}

// Splitter segments text into chunks.
type Splitter interface {
	Split(text string, metadata map[string]any) ([]chunker.Chunk, error)
	SplitMarkdown(source string, metadata map[string]any) ([]chunker.Chunk, error)
}

// Indexer stores a document's chunks for retrieval.
type Indexer interface {
	Index(ctx context.Context, documentID string, chunks []chunker.Chunk) error
}

// Pipeline is the job run for one document. Stages run strictly in order:
// claim, read, extract, tag, chunk, index, complete.
type Pipeline struct {
	store     docstore.DocumentStore
	blobs     blob.Store
	extractor Extractor
	tagger    Tagger
	splitter  Splitter
	indexer   Indexer
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline creates a new ingestion pipeline with the given components.
func NewPipeline(
	store docstore.DocumentStore,
	blobs blob.Store,
	extractor Extractor,
	tagger Tagger,
	splitter Splitter,
	indexer Indexer,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     store,
		blobs:     blobs,
		extractor: extractor,
		tagger:    tagger,
		splitter:  splitter,
		indexer:   indexer,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run processes one pending document to a terminal status. It returns
// ErrAlreadyProcessing when the document is not pending, and an error only
// when a status transition itself could not be persisted; stage failures
// end in the failed status and a nil return.
func (p *Pipeline) Run(ctx context.Context, documentID string) (err error) {
	start := time.Now()
	log := p.logger.With("document_id", documentID)

	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	err = p.store.Transition(ctx, documentID, docstore.Transition{
		From: docstore.StatusPending,
		To:   docstore.StatusProcessing,
	})
	if errors.Is(err, docstore.ErrStatusConflict) || errors.Is(err, docstore.ErrInvalidTransition) {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessing, documentID)
	}
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	log.Info("Processing document", "filename", doc.Filename, "content_type", doc.ContentType)

	defer func() {
		if r := recover(); r != nil {
			log.Error("ingestion panicked", "panic", r)
			err = p.fail(ctx, log, documentID, fmt.Errorf("internal error: %v", r), start)
		}
	}()

	completed, stageErr := p.process(ctx, log, doc)
	if stageErr != nil {
		return p.fail(ctx, log, documentID, stageErr, start)
	}

	if err := p.finish(ctx, documentID, completed); err != nil {
		log.Error("failed to mark document completed", "error", err)
		return fmt.Errorf("mark completed: %w", err)
	}

	metrics.IngestJobsTotal.WithLabelValues(string(docstore.StatusCompleted)).Inc()
	metrics.IngestJobDuration.Observe(time.Since(start).Seconds())
	log.Info("Document processed", "pages", completed.PageCount, "duration", time.Since(start))
	return nil
}

// process runs the stages and builds the completed transition.
func (p *Pipeline) process(ctx context.Context, log *slog.Logger, doc *docstore.Document) (docstore.Transition, error) {
	data, err := p.readBlob(ctx, doc.BlobKey)
	if err != nil {
		return docstore.Transition{}, fmt.Errorf("read upload: %w", err)
	}

	res := p.extractor.Extract(ctx, data, doc.ContentType)
	metrics.ExtractionsTotal.WithLabelValues(string(res.Method), outcome(res.Success)).Inc()
	if !res.Success {
		if res.Err == nil {
			res.Err = extract.ErrExtraction
		}
		return docstore.Transition{}, res.Err
	}
	log.Debug("Extracted text", "method", res.Method, "pages", res.PageCount, "chars", len(res.Text))

	entities := p.tagger.Tag(res.Text)

	md := map[string]any{
		"document_id":   doc.ID,
		"filename":      doc.Filename,
		"document_type": doc.DocumentType,
		"patient_id":    doc.PatientID,
	}
	var chunks []chunker.Chunk
	if extract.NormalizeContentType(doc.ContentType) == extract.ContentTypeMarkdown {
		chunks, err = p.splitter.SplitMarkdown(res.Text, md)
	} else {
		chunks, err = p.splitter.Split(res.Text, md)
	}
	if err != nil {
		return docstore.Transition{}, fmt.Errorf("chunk: %w", err)
	}
	log.Debug("Chunked document", "chunks", len(chunks))

	if err := p.indexer.Index(ctx, doc.ID, chunks); err != nil {
		return docstore.Transition{}, err
	}

	text := res.Text
	processedAt := p.now()
	return docstore.Transition{
		From:          docstore.StatusProcessing,
		To:            docstore.StatusCompleted,
		ExtractedText: &text,
		Entities:      entities,
		PageCount:     res.PageCount,
		ProcessedAt:   &processedAt,
	}, nil
}

func (p *Pipeline) readBlob(ctx context.Context, key string) ([]byte, error) {
	rc, err := p.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// fail records the failed status. The returned error is non-nil only when
// that transition could not be persisted.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, documentID string, cause error, start time.Time) error {
	log.Warn("Document processing failed", "error", cause)

	processedAt := p.now()
	err := p.finish(ctx, documentID, docstore.Transition{
		From:        docstore.StatusProcessing,
		To:          docstore.StatusFailed,
		Error:       cause.Error(),
		ProcessedAt: &processedAt,
	})
	if err != nil {
		log.Error("failed to mark document failed", "error", err)
		return fmt.Errorf("mark failed: %w", err)
	}

	metrics.IngestJobsTotal.WithLabelValues(string(docstore.StatusFailed)).Inc()
	metrics.IngestJobDuration.Observe(time.Since(start).Seconds())
	return nil
}

// finish writes a terminal transition. It outlives ctx so a job cancelled
// at shutdown still leaves processing.
func (p *Pipeline) finish(ctx context.Context, documentID string, t docstore.Transition) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	return p.store.Transition(ctx, documentID, t)
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
