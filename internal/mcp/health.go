package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// DefaultHealthTimeout bounds each check.
const DefaultHealthTimeout = 5 * time.Second

// HealthResponse represents the JSON response from the health check endpoint.
type HealthResponse struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Timestamp string            `json:"timestamp"`
}

// HealthChecker is implemented by every checked dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

// Health calls f.
func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }

// Check is one checked dependency. A failing optional check degrades the
// service without failing it.
type Check struct {
	Name     string
	Checker  HealthChecker
	Optional bool
}

// NewHealthHandler creates an HTTP handler for the /health endpoint.
// Checks run concurrently, each bounded by timeout. Any failing required
// check answers 503.
func NewHealthHandler(checks []Check, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		errs := make([]error, len(checks))
		var wg sync.WaitGroup
		for i, c := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = c.Checker.Health(ctx)
			}()
		}
		wg.Wait()

		response := HealthResponse{
			Status:    "healthy",
			Services:  make(map[string]string, len(checks)),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		code := http.StatusOK
		for i, c := range checks {
			if errs[i] == nil {
				response.Services[c.Name] = "connected"
				continue
			}
			response.Services[c.Name] = "disconnected"
			if c.Optional {
				if response.Status == "healthy" {
					response.Status = "degraded"
				}
				continue
			}
			response.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(response)
	}
}
