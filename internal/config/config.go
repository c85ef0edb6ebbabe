// Package config loads service configuration from an optional YAML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the medrag service configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Vector     VectorConfig     `yaml:"vector"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Blob       BlobConfig       `yaml:"blob"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Generation GenerationConfig `yaml:"generation"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port        int  `yaml:"port"`
	ServerMode  bool `yaml:"server_mode"` // false runs MCP over stdio
	ShutdownSec int  `yaml:"shutdown_timeout_sec"`
}

// StoreConfig selects the document/analysis metadata store.
type StoreConfig struct {
	Driver        string   `yaml:"driver"` // sqlite, redis, memory (default: sqlite)
	SQLitePath    string   `yaml:"sqlite_path"`
	RedisAddrs    []string `yaml:"redis_addrs"`
	RedisPassword string   `yaml:"redis_password"`
	KeyPrefix     string   `yaml:"key_prefix"`
}

// VectorConfig selects the similarity-search collaborator.
type VectorConfig struct {
	Driver     string `yaml:"driver"` // qdrant, chroma, memory (default: qdrant)
	QdrantHost string `yaml:"qdrant_host"`
	QdrantPort int    `yaml:"qdrant_port"`
	ChromaURL  string `yaml:"chroma_url"`
	Collection string `yaml:"collection"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// EmbeddingConfig selects the embedding provider used by the vector store.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // openai, ollama (default: ollama)
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

// BlobConfig holds raw upload storage settings.
type BlobConfig struct {
	Dir string `yaml:"dir"`
}

// ExtractionConfig holds text extraction and OCR settings.
type ExtractionConfig struct {
	MinChars         int    `yaml:"min_chars"`
	DPI              int    `yaml:"dpi"`
	PdftoppmPath     string `yaml:"pdftoppm_path"`
	PdftotextPath    string `yaml:"pdftotext_path"`
	TesseractPath    string `yaml:"tesseract_path"`
	TesseractLang    string `yaml:"tesseract_lang"`
	OCRTimeoutSec    int    `yaml:"ocr_timeout_sec"`
	UnidocLicenseKey string `yaml:"unidoc_license_key"`
}

// ChunkingConfig holds chunk size and overlap in characters.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// GenerationConfig holds the provider chain settings.
type GenerationConfig struct {
	OllamaBaseURL  string  `yaml:"ollama_base_url"`
	OllamaModel    string  `yaml:"ollama_model"`
	OpenAIAPIKey   string  `yaml:"openai_api_key"`
	OpenAIModel    string  `yaml:"openai_model"`
	GeminiAPIKey   string  `yaml:"gemini_api_key"`
	GeminiModel    string  `yaml:"gemini_model"`
	TimeoutSec     int     `yaml:"timeout_sec"`
	PingTimeoutSec int     `yaml:"ping_timeout_sec"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
}

// RetrievalConfig holds retriever settings.
type RetrievalConfig struct {
	TopK       int `yaml:"top_k"`
	TimeoutSec int `yaml:"timeout_sec"`
}

// AnalysisConfig holds analysis orchestrator settings.
type AnalysisConfig struct {
	ConfidenceScore float64 `yaml:"confidence_score"`
	DefaultType     string  `yaml:"default_type"`
}

// IngestConfig holds worker pool settings.
type IngestConfig struct {
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
	InboxDir  string `yaml:"inbox_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // text, json (default: text)
}

// Load reads configuration from path (optional, empty skips the file), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		data = expandEnvVars(data)

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with the service's environment variables.
func (c *Config) applyEnv() {
	c.HTTP.Port = getEnvInt("PORT", c.HTTP.Port)
	if v := os.Getenv("SERVER_MODE"); v != "" {
		c.HTTP.ServerMode = v == "true"
	}

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)
	if v := os.Getenv("REDIS_ADDRS"); v != "" {
		c.Store.RedisAddrs = strings.Split(v, ",")
	}
	c.Store.RedisPassword = getEnv("REDIS_PASSWORD", c.Store.RedisPassword)

	c.Vector.Driver = getEnv("VECTOR_DRIVER", c.Vector.Driver)
	c.Vector.QdrantHost = getEnv("QDRANT_HOST", c.Vector.QdrantHost)
	c.Vector.QdrantPort = getEnvInt("QDRANT_PORT", c.Vector.QdrantPort)
	c.Vector.ChromaURL = getEnv("CHROMA_URL", c.Vector.ChromaURL)
	c.Vector.Collection = getEnv("VECTOR_COLLECTION", c.Vector.Collection)

	c.Embedding.Provider = getEnv("EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimension = getEnvInt("EMBEDDING_DIMENSION", c.Embedding.Dimension)

	c.Blob.Dir = getEnv("BLOB_DIR", c.Blob.Dir)

	c.Extraction.PdftoppmPath = getEnv("PDFTOPPM_PATH", c.Extraction.PdftoppmPath)
	c.Extraction.PdftotextPath = getEnv("PDFTOTEXT_PATH", c.Extraction.PdftotextPath)
	c.Extraction.TesseractPath = getEnv("TESSERACT_PATH", c.Extraction.TesseractPath)
	c.Extraction.TesseractLang = getEnv("TESSERACT_LANG", c.Extraction.TesseractLang)
	c.Extraction.UnidocLicenseKey = getEnv("UNIDOC_LICENSE_KEY", c.Extraction.UnidocLicenseKey)

	c.Generation.OllamaBaseURL = getEnv("OLLAMA_BASE_URL", c.Generation.OllamaBaseURL)
	c.Generation.OllamaModel = getEnv("OLLAMA_MODEL", c.Generation.OllamaModel)
	c.Generation.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.Generation.OpenAIAPIKey)
	c.Generation.OpenAIModel = getEnv("OPENAI_MODEL", c.Generation.OpenAIModel)
	c.Generation.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.Generation.GeminiAPIKey)
	c.Generation.GeminiModel = getEnv("GEMINI_MODEL", c.Generation.GeminiModel)

	c.Ingest.Workers = getEnvInt("INGEST_WORKERS", c.Ingest.Workers)
	c.Ingest.InboxDir = getEnv("INBOX_DIR", c.Ingest.InboxDir)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Port <= 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "medrag.db"
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "medrag:"
	}

	if c.Vector.Driver == "" {
		c.Vector.Driver = "qdrant"
	}
	if c.Vector.QdrantHost == "" {
		c.Vector.QdrantHost = "localhost"
	}
	if c.Vector.QdrantPort <= 0 {
		c.Vector.QdrantPort = 6334
	}
	if c.Vector.ChromaURL == "" {
		c.Vector.ChromaURL = "http://localhost:8000"
	}
	if c.Vector.Collection == "" {
		c.Vector.Collection = "medical_documents"
	}
	if c.Vector.TimeoutSec <= 0 {
		c.Vector.TimeoutSec = 30
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "ollama"
	}
	if c.Embedding.Model == "" {
		switch c.Embedding.Provider {
		case "openai":
			c.Embedding.Model = "text-embedding-3-small"
		default:
			c.Embedding.Model = "nomic-embed-text"
		}
	}
	if c.Embedding.Dimension <= 0 {
		switch c.Embedding.Provider {
		case "openai":
			c.Embedding.Dimension = 1536
		default:
			c.Embedding.Dimension = 768
		}
	}

	if c.Blob.Dir == "" {
		c.Blob.Dir = "data/blobs"
	}

	if c.Extraction.MinChars <= 0 {
		c.Extraction.MinChars = 100
	}
	if c.Extraction.DPI <= 0 {
		c.Extraction.DPI = 300
	}
	if c.Extraction.PdftoppmPath == "" {
		c.Extraction.PdftoppmPath = "pdftoppm"
	}
	if c.Extraction.PdftotextPath == "" {
		c.Extraction.PdftotextPath = "pdftotext"
	}
	if c.Extraction.TesseractPath == "" {
		c.Extraction.TesseractPath = "tesseract"
	}
	if c.Extraction.TesseractLang == "" {
		c.Extraction.TesseractLang = "eng"
	}
	if c.Extraction.OCRTimeoutSec <= 0 {
		c.Extraction.OCRTimeoutSec = 300
	}

	if c.Chunking.Size <= 0 {
		c.Chunking.Size = 1000
	}
	if c.Chunking.Overlap <= 0 {
		c.Chunking.Overlap = 200
	}

	if c.Generation.OllamaBaseURL == "" {
		c.Generation.OllamaBaseURL = "http://localhost:11434"
	}
	if c.Generation.OllamaModel == "" {
		c.Generation.OllamaModel = "llama3.1:8b"
	}
	if c.Generation.OpenAIModel == "" {
		c.Generation.OpenAIModel = "gpt-3.5-turbo"
	}
	if c.Generation.GeminiModel == "" {
		c.Generation.GeminiModel = "gemini-2.5-flash"
	}
	if c.Generation.TimeoutSec <= 0 {
		c.Generation.TimeoutSec = 60
	}
	if c.Generation.PingTimeoutSec <= 0 {
		c.Generation.PingTimeoutSec = 5
	}
	if c.Generation.Temperature <= 0 {
		c.Generation.Temperature = 0.1
	}
	if c.Generation.MaxTokens <= 0 {
		c.Generation.MaxTokens = 500
	}

	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = 3
	}
	if c.Retrieval.TimeoutSec <= 0 {
		c.Retrieval.TimeoutSec = 10
	}

	if c.Analysis.ConfidenceScore <= 0 {
		c.Analysis.ConfidenceScore = 0.85
	}
	if c.Analysis.DefaultType == "" {
		c.Analysis.DefaultType = "general"
	}

	if c.Ingest.Workers <= 0 {
		c.Ingest.Workers = 4
	}
	if c.Ingest.QueueSize <= 0 {
		c.Ingest.QueueSize = 64
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	switch c.Store.Driver {
	case "sqlite", "memory":
	case "redis":
		if len(c.Store.RedisAddrs) == 0 {
			return fmt.Errorf("store.redis_addrs is required for the redis driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of sqlite, redis, memory, got %q", c.Store.Driver)
	}

	switch c.Vector.Driver {
	case "qdrant", "chroma", "memory":
	default:
		return fmt.Errorf("vector.driver must be one of qdrant, chroma, memory, got %q", c.Vector.Driver)
	}

	switch c.Embedding.Provider {
	case "ollama":
	case "openai":
		if c.Generation.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai embedding provider")
		}
	default:
		return fmt.Errorf("embedding.provider must be ollama or openai, got %q", c.Embedding.Provider)
	}

	if c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap (%d) must be smaller than chunking.size (%d)",
			c.Chunking.Overlap, c.Chunking.Size)
	}

	if c.Analysis.ConfidenceScore > 1 {
		return fmt.Errorf("analysis.confidence_score must be within [0, 1], got %v", c.Analysis.ConfidenceScore)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// GenerationTimeout is the per-provider deadline.
func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.Generation.TimeoutSec) * time.Second
}

// PingTimeout bounds provider availability checks.
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.Generation.PingTimeoutSec) * time.Second
}

// RetrievalTimeout bounds a single similarity query.
func (c *Config) RetrievalTimeout() time.Duration {
	return time.Duration(c.Retrieval.TimeoutSec) * time.Second
}

// VectorTimeout bounds a single batched add.
func (c *Config) VectorTimeout() time.Duration {
	return time.Duration(c.Vector.TimeoutSec) * time.Second
}

// OCRTimeout bounds OCR of a whole document.
func (c *Config) OCRTimeout() time.Duration {
	return time.Duration(c.Extraction.OCRTimeoutSec) * time.Second
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}
