package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bull/medrag-server/internal/metrics"
)

// Runner processes one document.
type Runner interface {
	Run(ctx context.Context, documentID string) error
}

// Queue runs ingestion jobs on a fixed worker pool, detached from the
// submitting request. A document is never queued or run twice at once.
type Queue struct {
	runner Runner
	jobs   chan string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendMu sync.RWMutex // held for reading while sending, for writing while closing
	closed bool

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewQueue starts workers goroutines reading from a buffer of size jobs.
func NewQueue(runner Runner, workers, size int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		runner:   runner,
		jobs:     make(chan string, size),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]struct{}),
	}

	q.wg.Add(workers)
	for i := range workers {
		go q.worker(i)
	}
	return q
}

// Enqueue schedules documentID, blocking while the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, documentID string) error {
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	if !q.claim(documentID) {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessing, documentID)
	}

	select {
	case q.jobs <- documentID:
		metrics.QueueDepth.Inc()
		return nil
	case <-ctx.Done():
		q.release(documentID)
		return ctx.Err()
	case <-q.ctx.Done():
		q.release(documentID)
		return ErrQueueClosed
	}
}

// Close stops accepting jobs and waits for queued jobs to finish. If ctx ends
// first, running jobs are cancelled and ctx's error is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.sendMu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for documentID := range q.jobs {
		metrics.QueueDepth.Dec()
		q.run(id, documentID)
	}
}

func (q *Queue) run(worker int, documentID string) {
	defer q.release(documentID)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("ingestion worker recovered from panic", "worker", worker, "document_id", documentID, "panic", r)
		}
	}()

	if q.ctx.Err() != nil {
		q.logger.Warn("queue shutting down, leaving document pending", "document_id", documentID)
		return
	}

	err := q.runner.Run(q.ctx, documentID)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyProcessing):
		q.logger.Info("skipping document not pending", "document_id", documentID)
	default:
		q.logger.Error("ingestion job failed", "worker", worker, "document_id", documentID, "error", err)
	}
}

func (q *Queue) claim(documentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[documentID]; ok {
		return false
	}
	q.inFlight[documentID] = struct{}{}
	return true
}

func (q *Queue) release(documentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, documentID)
}
