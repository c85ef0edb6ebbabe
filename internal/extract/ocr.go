package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CommandRunner executes external commands. Abstracted for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run returns stdout, folding stderr into the error on failure.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stderr.Len() > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// TesseractConfig configures the OCR pipeline.
type TesseractConfig struct {
	PdftoppmPath  string
	TesseractPath string
	Language      string
	DPI           int
	Timeout       time.Duration
}

// TesseractOCR renders pages with pdftoppm, binarises them and runs tesseract per page.
type TesseractOCR struct {
	runner CommandRunner
	cfg    TesseractConfig
	logger *slog.Logger
}

var _ OCR = (*TesseractOCR)(nil)

// NewTesseractOCR creates an OCR engine. A nil runner uses ExecRunner.
func NewTesseractOCR(runner CommandRunner, cfg TesseractConfig, logger *slog.Logger) *TesseractOCR {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.PdftoppmPath == "" {
		cfg.PdftoppmPath = "pdftoppm"
	}
	if cfg.TesseractPath == "" {
		cfg.TesseractPath = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TesseractOCR{runner: runner, cfg: cfg, logger: logger}
}

// Recognize returns the page texts concatenated in page order, each followed by a newline.
// The scratch directory is removed on every return path.
func (o *TesseractOCR) Recognize(ctx context.Context, data []byte) (string, error) {
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", "medrag-ocr-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	pdfPath := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(pdfPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write scratch pdf: %w", err)
	}

	prefix := filepath.Join(dir, "page")
	if _, err := o.runner.Run(ctx, o.cfg.PdftoppmPath,
		"-r", strconv.Itoa(o.cfg.DPI), "-png", pdfPath, prefix); err != nil {
		return "", fmt.Errorf("render pages: %w", err)
	}

	pages, err := renderedPages(prefix)
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("render pages: no images produced")
	}

	var sb strings.Builder
	for i, page := range pages {
		input := page
		binarized := strings.TrimSuffix(page, ".png") + "-bin.png"
		if err := BinarizeFile(page, binarized); err != nil {
			o.logger.Warn("Image preprocessing failed, using original", "page", i+1, "error", err)
		} else {
			input = binarized
		}

		out, err := o.runner.Run(ctx, o.cfg.TesseractPath, input, "stdout", "-l", o.cfg.Language)
		if err != nil {
			return "", fmt.Errorf("recognize page %d: %w", i+1, err)
		}
		sb.Write(out)
		sb.WriteString("\n")
	}

	o.logger.Debug("OCR complete", "pages", len(pages), "chars", sb.Len())
	return sb.String(), nil
}

// renderedPages lists pdftoppm output (prefix-1.png or zero-padded prefix-01.png)
// in numeric page order.
func renderedPages(prefix string) ([]string, error) {
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("list rendered pages: %w", err)
	}

	type page struct {
		path string
		num  int
	}
	var pages []page
	for _, m := range matches {
		numStr := strings.TrimSuffix(strings.TrimPrefix(m, prefix+"-"), ".png")
		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		pages = append(pages, page{path: m, num: n})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].num < pages[j].num })

	paths := make([]string, len(pages))
	for i, p := range pages {
		paths[i] = p.path
	}
	return paths, nil
}
