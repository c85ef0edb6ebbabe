// Package app wires the service's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bull/medrag-server/internal/analysis"
	"github.com/bull/medrag-server/internal/blob"
	"github.com/bull/medrag-server/internal/chunker"
	"github.com/bull/medrag-server/internal/config"
	"github.com/bull/medrag-server/internal/docstore"
	"github.com/bull/medrag-server/internal/embedding"
	"github.com/bull/medrag-server/internal/extract"
	"github.com/bull/medrag-server/internal/generator"
	"github.com/bull/medrag-server/internal/indexer"
	"github.com/bull/medrag-server/internal/ingest"
	"github.com/bull/medrag-server/internal/mcp"
	"github.com/bull/medrag-server/internal/metadata"
	"github.com/bull/medrag-server/internal/retriever"
	"github.com/bull/medrag-server/internal/storage"
	"github.com/bull/medrag-server/internal/version"
)

const storeReadyTimeout = 10 * time.Second

// App holds the constructed services and the clients they share.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     docstore.Store
	Vectors   storage.VectorStore
	Queue     *ingest.Queue
	Ingest    *ingest.Service
	Analysis  *analysis.Service
	Generator *generator.Generator
	Ollama    *generator.OllamaProvider
}

// Build connects to the configured backends and assembles the ingestion and
// analysis services. On error every client opened so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	store, err := newStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	closers = append(closers, store.Close)
	if r, ok := store.(*docstore.RedisStore); ok {
		if err := r.WaitForReady(ctx, storeReadyTimeout); err != nil {
			return nil, fmt.Errorf("metadata store not ready: %w", err)
		}
	}
	logger.Info("Connected to metadata store", "driver", cfg.Store.Driver)

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	vectors, err := newVectorStore(ctx, cfg.Vector, embedder, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, vectors.Close)
	logger.Info("Connected to vector store", "driver", cfg.Vector.Driver, "collection", cfg.Vector.Collection)

	blobs, err := blob.NewFileStore(cfg.Blob.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	textLayer, err := newTextLayer(cfg, logger)
	if err != nil {
		return nil, err
	}
	ocr := extract.NewTesseractOCR(nil, extract.TesseractConfig{
		PdftoppmPath:  cfg.Extraction.PdftoppmPath,
		TesseractPath: cfg.Extraction.TesseractPath,
		Language:      cfg.Extraction.TesseractLang,
		DPI:           cfg.Extraction.DPI,
		Timeout:       cfg.OCRTimeout(),
	}, logger)
	extractor := extract.New(textLayer, ocr,
		extract.WithMinChars(cfg.Extraction.MinChars),
		extract.WithLogger(logger),
	)

	split, err := chunker.New(chunker.Options{
		ChunkSize:    cfg.Chunking.Size,
		ChunkOverlap: cfg.Chunking.Overlap,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid chunking config: %w", err)
	}
	logger.Debug("Chunker ready", "chunk_size", split.Size(), "chunk_overlap", split.Overlap())

	pipeline := ingest.NewPipeline(
		store,
		blobs,
		extractor,
		metadata.NewTagger(),
		split,
		indexer.New(vectors, cfg.VectorTimeout(), logger),
		logger,
	)
	queue := ingest.NewQueue(pipeline, cfg.Ingest.Workers, cfg.Ingest.QueueSize, logger)

	ollama := generator.NewOllamaProvider(cfg.Generation.OllamaBaseURL, cfg.Generation.OllamaModel)
	providers := []generator.Provider{ollama}
	if cfg.Generation.OpenAIAPIKey != "" {
		providers = append(providers, generator.NewOpenAIProvider(cfg.Generation.OpenAIAPIKey, cfg.Generation.OpenAIModel, ""))
	}
	if cfg.Generation.GeminiAPIKey != "" {
		gemini, err := generator.NewGeminiProvider(ctx, cfg.Generation.GeminiAPIKey, cfg.Generation.GeminiModel)
		if err != nil {
			_ = queue.Close(ctx)
			return nil, err
		}
		providers = append(providers, gemini)
	}
	gen := generator.New(providers, generator.Config{
		Timeout:     cfg.GenerationTimeout(),
		Temperature: cfg.Generation.Temperature,
		MaxTokens:   cfg.Generation.MaxTokens,
	}, logger)
	logger.Info("Generation chain ready", "providers", gen.Providers())

	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Vectors: vectors,
		Queue:   queue,
		Ingest:  ingest.NewService(store, blobs, queue, logger),
		Analysis: analysis.NewService(
			retriever.New(vectors, cfg.Retrieval.TopK, cfg.RetrievalTimeout(), logger),
			gen,
			store,
			analysis.Config{
				Confidence:  cfg.Analysis.ConfidenceScore,
				DefaultType: cfg.Analysis.DefaultType,
			},
			logger,
		),
		Generator: gen,
		Ollama:    ollama,
	}, nil
}

// MCPServer exposes the services as MCP tools.
func (a *App) MCPServer() *mcp.Server {
	return mcp.NewServer(mcp.Config{
		Ingest:   a.Ingest,
		Analysis: a.Analysis,
		Version:  version.Version,
		Logger:   a.Logger,
	})
}

// HealthChecks lists the dependencies checked by /health. Ollama is optional:
// without it answers fall through to the next provider.
func (a *App) HealthChecks() []mcp.Check {
	return []mcp.Check{
		{Name: "database", Checker: a.Store},
		{Name: "vector_store", Checker: a.Vectors},
		{Name: "ollama", Checker: mcp.HealthFunc(a.Ollama.Ping), Optional: true},
	}
}

// Close drains the ingestion queue, then closes the vector and metadata
// store clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain ingestion queue: %w", err))
	}
	if err := a.Vectors.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close vector store: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close metadata store: %w", err))
	}
	return errors.Join(errs...)
}

func newStore(cfg config.StoreConfig) (docstore.Store, error) {
	switch cfg.Driver {
	case "memory":
		return docstore.NewMemoryStore(), nil
	case "redis":
		s, err := docstore.NewRedisStore(docstore.RedisConfig{
			Addrs:     cfg.RedisAddrs,
			Password:  cfg.RedisPassword,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return s, nil
	default:
		s, err := docstore.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
}

// newTextLayer uses unipdf when a licence key is configured and poppler's
// pdftotext otherwise.
func newTextLayer(cfg config.Config, logger *slog.Logger) (extract.TextLayer, error) {
	if cfg.Extraction.UnidocLicenseKey == "" {
		logger.Info("No unidoc license key, reading PDF text with pdftotext", "path", cfg.Extraction.PdftotextPath)
		return extract.NewPopplerTextLayer(nil, cfg.Extraction.PdftotextPath, cfg.OCRTimeout()), nil
	}
	layer, err := extract.NewPDFTextLayer(cfg.Extraction.UnidocLicenseKey)
	if err != nil {
		return nil, err
	}
	return layer, nil
}

func newEmbedder(cfg config.Config) (storage.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "openai":
		e, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:    cfg.Generation.OpenAIAPIKey,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			BatchSize: cfg.Embedding.BatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		return e, nil
	default:
		return embedding.NewOllamaEmbedder(embedding.OllamaConfig{
			BaseURL:   cfg.Generation.OllamaBaseURL,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   cfg.VectorTimeout(),
		}), nil
	}
}

func newVectorStore(ctx context.Context, cfg config.VectorConfig, embedder storage.Embedder, logger *slog.Logger) (storage.VectorStore, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStore(embedder), nil
	case "chroma":
		return storage.NewChromaStore(ctx, cfg.ChromaURL, cfg.Collection, embedder, logger)
	default:
		return storage.NewQdrantStore(ctx, storage.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			Collection: cfg.Collection,
		}, embedder, logger)
	}
}
