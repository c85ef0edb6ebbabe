// Package inbox submits documents dropped into a directory.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bull/medrag-server/internal/ingest"
)

// DefaultSettle is how long a file must stay quiet before it is submitted.
const DefaultSettle = 500 * time.Millisecond

// Submitter accepts uploads for ingestion.
type Submitter interface {
	SubmitDocument(ctx context.Context, up ingest.Upload) (string, error)
}

// Options configures a Watcher.
type Options struct {
	UserID       string
	PatientID    string
	DocumentType string
	Settle       time.Duration
	// OnSubmit, when set, is called after each successful submission.
	OnSubmit func(path, documentID string)
}

// Watcher submits supported files in one directory, once per distinct content.
type Watcher struct {
	dir    string
	sub    Submitter
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	seen   map[string]string // path -> content hash
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// New creates a Watcher for dir.
func New(dir string, sub Submitter, opts Options, logger *slog.Logger) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:    dir,
		sub:    sub,
		opts:   opts,
		logger: logger.With("inbox", dir),
		seen:   make(map[string]string),
		timers: make(map[string]*time.Timer),
	}
}

// Supported reports whether path has an extension the ingestion service accepts.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".txt", ".md", ".markdown":
		return true
	}
	return false
}

// Scan submits every supported file already in the directory.
func (w *Watcher) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read inbox %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		w.submit(ctx, filepath.Join(w.dir, e.Name()))
	}
	return nil
}

// Run scans the directory, then watches it until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	if err := w.Scan(ctx); err != nil {
		return err
	}
	w.logger.Info("Watching inbox")

	defer w.stopTimers()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !Supported(event.Name) {
				continue
			}
			// Editors often write a file in several steps; wait for it to settle.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", "error", err)
		case <-ctx.Done():
			w.logger.Info("Inbox watcher stopped")
			return nil
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		// An expired timer runs its func again after Reset.
		if !t.Reset(w.opts.Settle) {
			w.wg.Add(1)
		}
		return
	}
	w.wg.Add(1)
	w.timers[path] = time.AfterFunc(w.opts.Settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if ctx.Err() == nil {
			w.submit(ctx, path)
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) submit(ctx context.Context, path string) {
	log := w.logger.With("path", path)

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		log.Warn("could not read inbox file", "error", err)
		return
	}
	if len(data) == 0 {
		return
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	w.mu.Lock()
	if w.seen[path] == hash {
		w.mu.Unlock()
		return
	}
	w.seen[path] = hash
	w.mu.Unlock()

	id, err := w.sub.SubmitDocument(ctx, ingest.Upload{
		Filename:     filepath.Base(path),
		UserID:       w.opts.UserID,
		PatientID:    w.opts.PatientID,
		DocumentType: w.opts.DocumentType,
		Data:         data,
	})
	if err != nil {
		log.Error("failed to submit inbox file", "error", err)
		if id == "" {
			w.mu.Lock()
			delete(w.seen, path)
			w.mu.Unlock()
		}
		return
	}

	log.Info("Submitted inbox file", "document_id", id)
	if w.opts.OnSubmit != nil {
		w.opts.OnSubmit(path, id)
	}
}
