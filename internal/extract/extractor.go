// Package extract turns uploaded document bytes into plain text, falling back
// to OCR when a PDF carries no usable text layer.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

var (
	ErrExtraction         = errors.New("text extraction failed")
	ErrUnsupportedContent = errors.New("unsupported content type")
)

// Content types accepted by Extract.
const (
	ContentTypePDF      = "application/pdf"
	ContentTypeText     = "text/plain"
	ContentTypeMarkdown = "text/markdown"
)

// DefaultMinChars is the trimmed text length below which a PDF is sent to OCR.
const DefaultMinChars = 100

// Method records which strategy produced the text.
type Method string

const (
	MethodDirect Method = "direct"
	MethodOCR    Method = "ocr"
	MethodPlain  Method = "plain"
)

// Result is the outcome of one extraction. Err is set only when Success is false.
type Result struct {
	Text      string
	PageCount int
	Method    Method
	Success   bool
	Err       error
}

// TextLayer reads the embedded text of a PDF.
type TextLayer interface {
	// PageTexts returns the text of each page in order.
	PageTexts(ctx context.Context, data []byte) ([]string, error)
	// PageCount reads the page tree only.
	PageCount(data []byte) (int, error)
}

// OCR recognises the text of a rendered PDF.
type OCR interface {
	Recognize(ctx context.Context, data []byte) (string, error)
}

// Extractor chooses between direct extraction and OCR.
type Extractor struct {
	pdf      TextLayer
	ocr      OCR
	minChars int
	logger   *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMinChars overrides DefaultMinChars.
func WithMinChars(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.minChars = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Extractor over the given text layer reader and OCR engine.
func New(pdf TextLayer, ocr OCR, opts ...Option) *Extractor {
	e := &Extractor{
		pdf:      pdf,
		ocr:      ocr,
		minChars: DefaultMinChars,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supported reports whether Extract can handle contentType.
func Supported(contentType string) bool {
	switch NormalizeContentType(contentType) {
	case ContentTypePDF, ContentTypeText, ContentTypeMarkdown:
		return true
	}
	return false
}

// Extract never panics and never returns a Go error: failures are reported
// through Result.Success and Result.Err.
func (e *Extractor) Extract(ctx context.Context, data []byte, contentType string) (res Result) {
	// progress keeps what is known so far for the panic result.
	var progress Result
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				PageCount: progress.PageCount,
				Method:    progress.Method,
				Err:       fmt.Errorf("%w: panic: %v", ErrExtraction, r),
			}
		}
	}()

	switch NormalizeContentType(contentType) {
	case ContentTypePDF:
		return e.extractPDF(ctx, data, &progress)
	case ContentTypeText, ContentTypeMarkdown:
		return Result{Text: string(data), PageCount: 1, Method: MethodPlain, Success: true}
	default:
		return Result{Err: fmt.Errorf("%w: %w: %q", ErrExtraction, ErrUnsupportedContent, contentType)}
	}
}

func (e *Extractor) extractPDF(ctx context.Context, data []byte, progress *Result) Result {
	pageCount, err := e.pdf.PageCount(data)
	if err != nil {
		e.logger.Warn("Failed to read page count", "error", err)
		pageCount = 0
	}
	progress.PageCount = pageCount
	progress.Method = MethodDirect

	pages, err := e.pdf.PageTexts(ctx, data)
	if err != nil {
		e.logger.Warn("Direct text extraction failed", "error", err)
	}
	text := joinPages(pages)

	if err == nil && usableLength(text) >= e.minChars {
		return Result{Text: text, PageCount: pageCount, Method: MethodDirect, Success: true}
	}

	e.logger.Info("Falling back to OCR", "direct_chars", usableLength(text), "min_chars", e.minChars)
	progress.Method = MethodOCR
	if e.ocr == nil {
		return Result{PageCount: pageCount, Method: MethodOCR, Err: fmt.Errorf("%w: ocr engine not configured", ErrExtraction)}
	}

	ocrText, err := e.ocr.Recognize(ctx, data)
	if err != nil {
		return Result{PageCount: pageCount, Method: MethodOCR, Err: fmt.Errorf("%w: ocr: %w", ErrExtraction, err)}
	}
	return Result{Text: ocrText, PageCount: pageCount, Method: MethodOCR, Success: true}
}

// joinPages terminates every page with a newline.
func joinPages(pages []string) string {
	var sb strings.Builder
	for _, p := range pages {
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	return sb.String()
}

func usableLength(text string) int {
	return utf8.RuneCountInString(strings.TrimSpace(text))
}

// NormalizeContentType lowercases the media type and drops parameters.
func NormalizeContentType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}
