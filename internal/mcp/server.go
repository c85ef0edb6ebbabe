package mcp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
	logger *slog.Logger
}

// Config holds server dependencies.
type Config struct {
	Ingest   Ingestor
	Analysis Analyzer
	Version  string
	Logger   *slog.Logger
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = "v0.1.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "medrag-server",
		Version: cfg.Version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "submit_document",
		Description: "Upload a medical document (PDF, text or markdown, base64 encoded) for extraction and indexing. Returns a document id immediately; processing runs in the background.",
	}, makeSubmitHandler(cfg.Ingest))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_document_status",
		Description: "Get the processing status of a submitted document: pending, processing, completed or failed, with extracted entities once completed.",
	}, makeStatusHandler(cfg.Ingest))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_documents",
		Description: "List a user's submitted documents, newest first.",
	}, makeListHandler(cfg.Ingest))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "analyze_query",
		Description: "Answer a question from the indexed medical documents. Optionally restrict to document_ids. Always returns an answer; when no model is reachable the answer is a fixed fallback.",
	}, makeAnalyzeHandler(cfg.Analysis))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_analysis",
		Description: "Fetch a stored analysis by id, including the original query, answer and source document ids.",
	}, makeGetAnalysisHandler(cfg.Analysis))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_analyses",
		Description: "List a user's recent analyses, newest first.",
	}, makeListAnalysesHandler(cfg.Analysis))

	return &Server{server: server, logger: cfg.Logger}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}

// HTTPHandler serves the MCP server over Streamable HTTP. Stateless disables
// session management.
func (s *Server) HTTPHandler(stateless bool) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, &mcp.StreamableHTTPOptions{Stateless: stateless})
}
