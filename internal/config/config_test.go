package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable applyEnv reads so host settings cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "SERVER_MODE", "STORE_DRIVER", "SQLITE_PATH", "REDIS_ADDRS", "REDIS_PASSWORD",
		"VECTOR_DRIVER", "QDRANT_HOST", "QDRANT_PORT", "CHROMA_URL", "VECTOR_COLLECTION",
		"EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_DIMENSION", "BLOB_DIR",
		"PDFTOPPM_PATH", "TESSERACT_PATH", "TESSERACT_LANG", "UNIDOC_LICENSE_KEY",
		"OLLAMA_BASE_URL", "OLLAMA_MODEL", "OPENAI_API_KEY", "OPENAI_MODEL",
		"GEMINI_API_KEY", "GEMINI_MODEL", "INGEST_WORKERS", "INBOX_DIR", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "qdrant", cfg.Vector.Driver)
	assert.Equal(t, 6334, cfg.Vector.QdrantPort)
	assert.Equal(t, "medical_documents", cfg.Vector.Collection)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.Equal(t, 100, cfg.Extraction.MinChars)
	assert.Equal(t, 300, cfg.Extraction.DPI)
	assert.Equal(t, "pdftotext", cfg.Extraction.PdftotextPath)
	assert.Equal(t, 1000, cfg.Chunking.Size)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
	assert.Equal(t, "llama3.1:8b", cfg.Generation.OllamaModel)
	assert.Equal(t, "gpt-3.5-turbo", cfg.Generation.OpenAIModel)
	assert.Equal(t, 60, cfg.Generation.TimeoutSec)
	assert.Equal(t, 5, cfg.Generation.PingTimeoutSec)
	assert.InDelta(t, 0.1, cfg.Generation.Temperature, 1e-9)
	assert.Equal(t, 500, cfg.Generation.MaxTokens)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.85, cfg.Analysis.ConfidenceScore, 1e-9)
	assert.Equal(t, "general", cfg.Analysis.DefaultType)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("SERVER_MODE", "true")
	t.Setenv("QDRANT_HOST", "qdrant.internal")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("EMBEDDING_PROVIDER", "openai")
	t.Setenv("REDIS_ADDRS", "a:6379,b:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.True(t, cfg.HTTP.ServerMode)
	assert.Equal(t, "qdrant.internal", cfg.Vector.QdrantHost)
	assert.Equal(t, "sk-test", cfg.Generation.OpenAIAPIKey)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, []string{"a:6379", "b:6379"}, cfg.Store.RedisAddrs)
}

func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")

	path := filepath.Join(t.TempDir(), "medrag.yaml")
	yamlData := `
store:
  driver: redis
  redis_addrs: ["localhost:6379"]
  redis_password: ${TEST_REDIS_PASSWORD}
vector:
  driver: chroma
  chroma_url: ${TEST_CHROMA_URL:-http://chroma:8000}
chunking:
  size: 500
  overlap: 50
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "s3cret", cfg.Store.RedisPassword)
	assert.Equal(t, "chroma", cfg.Vector.Driver)
	assert.Equal(t, "http://chroma:8000", cfg.Vector.ChromaURL)
	assert.Equal(t, 500, cfg.Chunking.Size)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "postgres" },
			wantErr: `store.driver must be one of sqlite, redis, memory, got "postgres"`,
		},
		{
			name:    "redis without addrs",
			mutate:  func(c *Config) { c.Store.Driver = "redis" },
			wantErr: "store.redis_addrs is required for the redis driver",
		},
		{
			name:    "unknown vector driver",
			mutate:  func(c *Config) { c.Vector.Driver = "milvus" },
			wantErr: `vector.driver must be one of qdrant, chroma, memory, got "milvus"`,
		},
		{
			name: "openai embeddings without key",
			mutate: func(c *Config) {
				c.Embedding.Provider = "openai"
				c.Generation.OpenAIAPIKey = ""
			},
			wantErr: "OPENAI_API_KEY is required for the openai embedding provider",
		},
		{
			name:    "overlap not smaller than size",
			mutate:  func(c *Config) { c.Chunking.Overlap = c.Chunking.Size },
			wantErr: "chunking.overlap (1000) must be smaller than chunking.size (1000)",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: `logging.format must be text or json, got "xml"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.ApplyDefaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}
