package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/medrag-server/internal/docstore"
)

type sequenceStatus struct {
	states []docstore.Status
	calls  int
}

func (s *sequenceStatus) GetDocumentStatus(context.Context, string) (docstore.JobState, error) {
	i := min(s.calls, len(s.states)-1)
	s.calls++
	return docstore.JobState{Status: s.states[i]}, nil
}

func TestWaitForTerminal(t *testing.T) {
	svc := &sequenceStatus{states: []docstore.Status{
		docstore.StatusPending, docstore.StatusProcessing, docstore.StatusCompleted,
	}}

	state, err := waitForTerminal(context.Background(), svc, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusCompleted, state.Status)
	assert.Equal(t, 3, svc.calls)
}

func TestWaitForTerminal_Timeout(t *testing.T) {
	svc := &sequenceStatus{states: []docstore.Status{docstore.StatusProcessing}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := waitForTerminal(ctx, svc, "doc-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommands_Registered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"ingest", "status", "analyze", "history", "watch"} {
		assert.True(t, names[want], want)
	}
}

func TestIngestAndAnalyze_MemoryBackends(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("VECTOR_DRIVER", "memory")
	t.Setenv("BLOB_DIR", filepath.Join(t.TempDir(), "blobs"))
	t.Setenv("OLLAMA_BASE_URL", "http://127.0.0.1:1")

	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, writeNote(path))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	// The embedder is unreachable, so indexing fails and the document ends failed.
	rootCmd.SetArgs([]string{"ingest", "--timeout", "10s", path})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, out.String(), "Submitted "+path)
	assert.Contains(t, out.String(), "failed")

	out.Reset()
	rootCmd.SetArgs([]string{"analyze", "what is the heart rate?"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Based on the available medical documents, I found 0 relevant sources.")
	assert.Contains(t, out.String(), `"confidence_score": 0.85`)
}

func TestAnalyzeThenHistory_SQLite(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "medrag.db"))
	t.Setenv("VECTOR_DRIVER", "memory")
	t.Setenv("BLOB_DIR", filepath.Join(t.TempDir(), "blobs"))
	t.Setenv("OLLAMA_BASE_URL", "http://127.0.0.1:1")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	rootCmd.SetArgs([]string{"analyze", "--user", "nurse-1", "any fever recorded?"})
	require.NoError(t, rootCmd.Execute())

	out.Reset()
	rootCmd.SetArgs([]string{"history", "--user", "nurse-1"})
	require.NoError(t, rootCmd.Execute())

	var recs []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "any fever recorded?", recs[0]["query"])
	assert.Equal(t, "nurse-1", recs[0]["user_id"])

	out.Reset()
	rootCmd.SetArgs([]string{"history", "--user", "someone-else"})
	require.NoError(t, rootCmd.Execute())
	assert.JSONEq(t, "[]", out.String())
}

func writeNote(path string) error {
	return os.WriteFile(path, []byte("Heart Rate: 76\n"), 0o600)
}
