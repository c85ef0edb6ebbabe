package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bull/medrag-server/internal/app"
	"github.com/bull/medrag-server/internal/mcp"
	"github.com/bull/medrag-server/internal/metrics"
)

// newRouter mounts the landing page, health, metrics and the MCP endpoint.
func newRouter(a *app.App, mcpHandler http.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(metrics.Middleware())
	r.Use(requestLogger(logger))

	r.Get("/", mcp.NewLandingHandler())
	r.Get("/health", mcp.NewHealthHandler(a.HealthChecks(), a.Config.PingTimeout()))
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/mcp", mcpHandler)
	return r
}

// requestLogger emits one debug line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", chiMiddleware.GetReqID(r.Context()),
			)
		})
	}
}
