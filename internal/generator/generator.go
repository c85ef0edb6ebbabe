// Package generator answers queries from retrieved context through an ordered
// chain of language-model providers, ending in a deterministic fallback.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bull/medrag-server/internal/metrics"
	"github.com/bull/medrag-server/internal/retriever"
)

var (
	// ErrGeneration marks a suppressed provider failure carried in Attempt.Err.
	ErrGeneration    = errors.New("generation failed")
	ErrEmptyResponse = errors.New("empty response")
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 500

	// MaxContextChunks caps how many retrieved chunks go into the prompt.
	MaxContextChunks = 3

	// FallbackProvider names the deterministic answer in Answer.Provider.
	FallbackProvider = "fallback"
)

// SystemPrompt is sent to hosted chat providers.
const SystemPrompt = "You are a medical AI assistant. Provide helpful, accurate responses based on medical information."

// Request is one provider call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Provider is one link of the chain.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Attempt records one provider call.
type Attempt struct {
	Provider string
	Duration time.Duration
	Err      error // nil for the attempt that produced the answer
}

// Answer is the generated text and how it was produced.
type Answer struct {
	Text     string
	Provider string
	Fallback bool
	Attempts []Attempt
}

// Config bounds each provider attempt.
type Config struct {
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// Generator tries providers in order until one returns a usable answer.
type Generator struct {
	providers []Provider
	cfg       Config
	logger    *slog.Logger
}

// New creates a Generator over providers, tried in the given order.
func New(providers []Provider, cfg Config, logger *slog.Logger) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{providers: providers, cfg: cfg, logger: logger}
}

// Providers lists the chain in order, without the fallback.
func (g *Generator) Providers() []string {
	names := make([]string, len(g.providers))
	for i, p := range g.providers {
		names[i] = p.Name()
	}
	return names
}

// Generate never fails: when every provider errors, times out, panics or
// returns blank text, the answer is FallbackText(len(chunks)).
func (g *Generator) Generate(ctx context.Context, query string, chunks []retriever.Chunk) Answer {
	req := Request{
		System:      SystemPrompt,
		Prompt:      BuildPrompt(query, chunks),
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}

	var attempts []Attempt
	for _, p := range g.providers {
		start := time.Now()
		text, err := g.attempt(ctx, p, req)
		attempt := Attempt{Provider: p.Name(), Duration: time.Since(start), Err: err}
		attempts = append(attempts, attempt)

		if err == nil {
			metrics.GenerationAttemptsTotal.WithLabelValues(p.Name(), "success").Inc()
			return Answer{Text: text, Provider: p.Name(), Attempts: attempts}
		}

		metrics.GenerationAttemptsTotal.WithLabelValues(p.Name(), "failure").Inc()
		g.logger.Warn("provider failed, trying next", "provider", p.Name(), "error", err, "duration", attempt.Duration)
	}

	metrics.GenerationAttemptsTotal.WithLabelValues(FallbackProvider, "success").Inc()
	return Answer{
		Text:     FallbackText(len(chunks)),
		Provider: FallbackProvider,
		Fallback: true,
		Attempts: attempts,
	}
}

type outcome struct {
	text string
	err  error
}

// attempt runs one provider under its own deadline. The call runs in its own
// goroutine so a provider ignoring ctx still cannot hold the chain past the deadline.
func (g *Generator) attempt(ctx context.Context, p Provider, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		text, err := p.Generate(ctx, req)
		done <- outcome{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s: %w", ErrGeneration, p.Name(), ctx.Err())
	case out := <-done:
		if out.err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrGeneration, p.Name(), out.err)
		}
		text := strings.TrimSpace(out.text)
		if text == "" {
			return "", fmt.Errorf("%w: %s: %w", ErrGeneration, p.Name(), ErrEmptyResponse)
		}
		return text, nil
	}
}

// BuildPrompt renders the fixed template over the first MaxContextChunks chunks.
func BuildPrompt(query string, chunks []retriever.Chunk) string {
	n := min(len(chunks), MaxContextChunks)
	parts := make([]string, n)
	for i := range n {
		parts[i] = chunks[i].Content
	}

	return "You are a medical AI assistant. Based on the following medical documents, answer the query.\n\n" +
		"Medical Context:\n" + strings.Join(parts, "\n") + "\n\n" +
		"Query: " + query + "\n\n" +
		"Please provide a helpful, accurate response based on the provided medical information. " +
		"If the information is insufficient, say so clearly."
}

// FallbackText is the deterministic answer when no provider succeeds.
func FallbackText(sources int) string {
	return fmt.Sprintf("Based on the available medical documents, I found %d relevant sources. "+
		"However, I'm unable to provide a detailed analysis at this time. "+
		"Please consult with a healthcare professional for proper medical advice.", sources)
}
