// Package main provides the medrag CLI for ingesting and querying medical documents.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/medrag-server/internal/analysis"
	"github.com/bull/medrag-server/internal/app"
	"github.com/bull/medrag-server/internal/config"
	"github.com/bull/medrag-server/internal/docstore"
	"github.com/bull/medrag-server/internal/inbox"
	"github.com/bull/medrag-server/internal/ingest"
)

var (
	configPath   string
	userID       string
	patientID    string
	documentType string
	waitTimeout  time.Duration
	docIDs       []string
	analysisType string
	historyLimit int
)

var rootCmd = &cobra.Command{
	Use:   "medrag",
	Short: "Medical document ingestion and analysis tool",
	Long: `CLI for submitting medical documents for extraction and indexing, and
asking questions about them.

Environment variables (also read from .env):
  STORE_DRIVER     sqlite, redis or memory (default: sqlite)
  VECTOR_DRIVER    qdrant, chroma or memory (default: qdrant)
  QDRANT_HOST      Qdrant hostname (default: localhost)
  QDRANT_PORT      Qdrant gRPC port (default: 6334)
  OLLAMA_BASE_URL  Ollama server (default: http://localhost:11434)
  OPENAI_API_KEY   Enables the OpenAI provider (optional)
  GEMINI_API_KEY   Enables the Gemini provider (optional)`,
	SilenceUsage: true,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Submit documents and wait for processing to finish",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

var statusCmd = &cobra.Command{
	Use:   "status DOCUMENT_ID",
	Short: "Show the processing status of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze QUERY",
	Short: "Answer a question from the indexed documents",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent analyses for --user, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var watchCmd = &cobra.Command{
	Use:   "watch DIR",
	Short: "Submit every document dropped into a directory",
	Long: `Submits the supported files already in DIR, then watches it and submits
new or changed .pdf, .txt and .md files until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("MEDRAG_CONFIG"), "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "cli", "user id owning submitted documents and analyses")

	for _, cmd := range []*cobra.Command{ingestCmd, watchCmd} {
		cmd.Flags().StringVar(&patientID, "patient", "", "patient id (defaults to --user)")
		cmd.Flags().StringVar(&documentType, "type", "", "document type (default medical_record)")
	}
	ingestCmd.Flags().DurationVar(&waitTimeout, "timeout", 10*time.Minute, "how long to wait for processing")

	analyzeCmd.Flags().StringSliceVar(&docIDs, "doc", nil, "restrict retrieval to this document id (repeatable)")
	analyzeCmd.Flags().StringVar(&analysisType, "type", "", "analysis type tag (default general)")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of analyses to list")

	rootCmd.AddCommand(ingestCmd, statusCmd, analyzeCmd, historyCmd, watchCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp builds the application, runs fn and drains the ingestion queue.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.Logging, cmd.ErrOrStderr())

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("Error during shutdown", "error", err)
		}
	}()

	return fn(ctx, a)
}

func runIngest(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		out := cmd.OutOrStdout()
		start := time.Now()

		ids := make(map[string]string, len(args))
		for _, path := range args {
			data, err := os.ReadFile(filepath.Clean(path))
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			id, err := a.Ingest.SubmitDocument(ctx, ingest.Upload{
				Filename:     filepath.Base(path),
				UserID:       userID,
				PatientID:    patientID,
				DocumentType: documentType,
				Data:         data,
			})
			if err != nil {
				return fmt.Errorf("submit %s: %w", path, err)
			}
			fmt.Fprintf(out, "Submitted %s as %s\n", path, id)
			ids[id] = path
		}

		waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
		defer cancel()

		failed := 0
		for id, path := range ids {
			state, err := waitForTerminal(waitCtx, a.Ingest, id)
			if err != nil {
				return fmt.Errorf("wait for %s: %w", path, err)
			}
			if state.Status == docstore.StatusFailed {
				failed++
				fmt.Fprintf(out, "  ✗ %s failed: %s\n", path, state.Error)
				continue
			}
			fmt.Fprintf(out, "  ✓ %s completed (%d pages)\n", path, state.PageCount)
		}

		fmt.Fprintf(out, "\nProcessed %d documents in %s\n", len(ids), time.Since(start).Round(time.Millisecond))
		if failed > 0 {
			return fmt.Errorf("%d of %d documents failed", failed, len(ids))
		}
		return nil
	})
}

// statusGetter is the part of the ingestion service the CLI polls.
type statusGetter interface {
	GetDocumentStatus(ctx context.Context, id string) (docstore.JobState, error)
}

func waitForTerminal(ctx context.Context, svc statusGetter, id string) (docstore.JobState, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, err := svc.GetDocumentStatus(ctx, id)
		if err != nil {
			return docstore.JobState{}, err
		}
		if state.Status.IsTerminal() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		state, err := a.Ingest.GetDocumentStatus(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), state)
	})
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		rec, err := a.Analysis.Analyze(ctx, analysis.Request{
			UserID:       userID,
			Query:        args[0],
			DocumentIDs:  docIDs,
			AnalysisType: analysisType,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	})
}

func runHistory(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		recs, err := a.Analysis.List(ctx, userID, historyLimit)
		if err != nil {
			return err
		}
		if recs == nil {
			recs = []*docstore.AnalysisRecord{}
		}
		return printJSON(cmd.OutOrStdout(), recs)
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		out := cmd.OutOrStdout()
		w := inbox.New(args[0], a.Ingest, inbox.Options{
			UserID:       userID,
			PatientID:    patientID,
			DocumentType: documentType,
			OnSubmit: func(path, id string) {
				fmt.Fprintf(out, "Submitted %s as %s\n", path, id)
			},
		}, a.Logger)

		fmt.Fprintf(out, "Watching %s (Ctrl-C to stop)...\n", args[0])
		return w.Run(ctx)
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
