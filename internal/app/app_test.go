package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/medrag-server/internal/analysis"
	"github.com/bull/medrag-server/internal/config"
	"github.com/bull/medrag-server/internal/docstore"
	"github.com/bull/medrag-server/internal/extract"
	"github.com/bull/medrag-server/internal/ingest"
)

const testDimension = 8

// fakeOllama serves /api/embeddings, /api/generate and /api/tags.
func fakeOllama(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			var req struct {
				Prompt string `json:"prompt"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			vec := make([]float64, testDimension)
			for _, word := range strings.Fields(strings.ToLower(req.Prompt)) {
				vec[len(word)%testDimension]++
			}
			vec[0] += 0.01
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
		case "/api/generate":
			_ = json.NewEncoder(w).Encode(map[string]any{"response": answer, "done": true})
		case "/api/tags":
			_, _ = io.WriteString(w, `{"models":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, ollamaURL string) config.Config {
	t.Helper()
	cfg := config.Config{
		Store:      config.StoreConfig{Driver: "memory"},
		Vector:     config.VectorConfig{Driver: "memory"},
		Embedding:  config.EmbeddingConfig{Provider: "ollama", Dimension: testDimension},
		Blob:       config.BlobConfig{Dir: filepath.Join(t.TempDir(), "blobs")},
		Generation: config.GenerationConfig{OllamaBaseURL: ollamaURL, TimeoutSec: 5},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func buildApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func TestBuild_ProviderChain(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	assert.Equal(t, []string{"ollama"}, buildApp(t, cfg).Generator.Providers())

	cfg.Generation.OpenAIAPIKey = "sk-test"
	assert.Equal(t, []string{"ollama", "openai"}, buildApp(t, cfg).Generator.Providers())
}

func TestBuild_HealthChecks(t *testing.T) {
	srv := fakeOllama(t, "ok")
	a := buildApp(t, testConfig(t, srv.URL))

	checks := a.HealthChecks()
	require.Len(t, checks, 3)
	for _, c := range checks {
		assert.NoError(t, c.Checker.Health(context.Background()), c.Name)
	}
	assert.True(t, checks[2].Optional)
}

func TestApp_IngestThenAnalyze(t *testing.T) {
	srv := fakeOllama(t, "Blood pressure is mildly elevated.")
	a := buildApp(t, testConfig(t, srv.URL))
	ctx := context.Background()

	id, err := a.Ingest.SubmitDocument(ctx, ingest.Upload{
		Filename: "visit.txt",
		UserID:   "user-1",
		Data:     []byte("Blood Pressure: 142/91 at the follow-up visit. Heart Rate: 80."),
	})
	require.NoError(t, err)

	var state docstore.JobState
	require.Eventually(t, func() bool {
		state, err = a.Ingest.GetDocumentStatus(ctx, id)
		return err == nil && state.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, docstore.StatusCompleted, state.Status, state.Error)
	assert.Equal(t, []string{"142/91", "80"}, state.Entities["vital_signs"])

	rec, err := a.Analysis.Analyze(ctx, analysis.Request{
		UserID:      "user-1",
		Query:       "What was the blood pressure?",
		DocumentIDs: []string{id},
	})
	require.NoError(t, err)
	assert.Equal(t, "Blood pressure is mildly elevated.", rec.Response)
	assert.Equal(t, "ollama", rec.Provider)
	assert.Equal(t, []string{id}, rec.Sources)
	assert.Equal(t, 0.85, rec.ConfidenceScore)

	stored, err := a.Store.GetAnalysis(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Response, stored.Response)
}

func TestApp_AnalyzeWithoutProviders(t *testing.T) {
	a := buildApp(t, testConfig(t, "http://127.0.0.1:1"))

	rec, err := a.Analysis.Analyze(context.Background(), analysis.Request{Query: "anything"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.Response, "Based on the available medical documents, I found 0 relevant sources."))
	assert.Empty(t, rec.Sources)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "document_id", "doc-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"document_id":"doc-1"`)
}

func TestNewTextLayer_WithoutLicenseUsesPdftotext(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	layer, err := newTextLayer(cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &extract.PopplerTextLayer{}, layer)
}
