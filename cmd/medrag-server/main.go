// Package main provides the MCP server entry point for medical document analysis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bull/medrag-server/internal/app"
	"github.com/bull/medrag-server/internal/config"
	"github.com/bull/medrag-server/internal/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("MEDRAG_CONFIG"), "path to YAML config file")
	flag.Parse()

	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "medrag-server:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// stdout carries the MCP protocol in stdio mode.
	logger := app.NewLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	logger.Info("Starting medrag server",
		"version", version.Version,
		"commit", version.Commit,
		"server_mode", cfg.HTTP.ServerMode,
		"store", cfg.Store.Driver,
		"vector_store", cfg.Vector.Driver,
	)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", "error", err)
		}
	}()

	server := a.MCPServer()
	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", cfg.HTTP.Port),
		Handler:           newRouter(a, server.HTTPHandler(false), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cfg.HTTP.ServerMode {
		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
		}
	} else {
		// Stdio mode: MCP over stdin/stdout, HTTP kept for health and metrics.
		if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", "error", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}
