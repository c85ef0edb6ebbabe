package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
)

// ErrLicenseRequired is returned by NewPDFTextLayer without a licence key.
// unipdf refuses text extraction when unlicensed.
var ErrLicenseRequired = errors.New("unidoc license key required for text extraction")

// PDFTextLayer reads PDFs with unipdf.
type PDFTextLayer struct{}

var _ TextLayer = PDFTextLayer{}

// NewPDFTextLayer registers the unidoc metered licence key.
func NewPDFTextLayer(licenseKey string) (PDFTextLayer, error) {
	if licenseKey == "" {
		return PDFTextLayer{}, ErrLicenseRequired
	}
	if err := license.SetMeteredKey(licenseKey); err != nil {
		return PDFTextLayer{}, fmt.Errorf("set unidoc license key: %w", err)
	}
	return PDFTextLayer{}, nil
}

// PageCount reads the page tree. It does not need a licence.
func (PDFTextLayer) PageCount(data []byte) (int, error) {
	reader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	n, err := reader.GetNumPages()
	if err != nil {
		return 0, fmt.Errorf("read page tree: %w", err)
	}
	return n, nil
}

func (PDFTextLayer) PageTexts(_ context.Context, data []byte) ([]string, error) {
	reader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	numPages, err := reader.GetNumPages()
	if err != nil {
		return nil, fmt.Errorf("read page tree: %w", err)
	}

	pages := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page, err := reader.GetPage(i)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}

		ex, err := extractor.New(page)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}

		text, err := ex.ExtractText()
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}

	return pages, nil
}

// PopplerTextLayer extracts the text layer with poppler's pdftotext and
// counts pages with unipdf. It is used when no unidoc licence is configured.
type PopplerTextLayer struct {
	runner  CommandRunner
	path    string
	timeout time.Duration
}

var _ TextLayer = (*PopplerTextLayer)(nil)

// NewPopplerTextLayer creates a pdftotext reader. A nil runner uses ExecRunner.
func NewPopplerTextLayer(runner CommandRunner, path string, timeout time.Duration) *PopplerTextLayer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if path == "" {
		path = "pdftotext"
	}
	return &PopplerTextLayer{runner: runner, path: path, timeout: timeout}
}

func (l *PopplerTextLayer) PageCount(data []byte) (int, error) {
	return PDFTextLayer{}.PageCount(data)
}

// PageTexts runs pdftotext once and splits its output at form feeds,
// which pdftotext writes after every page.
func (l *PopplerTextLayer) PageTexts(ctx context.Context, data []byte) ([]string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", "medrag-text-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	pdfPath := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(pdfPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write scratch pdf: %w", err)
	}

	out, err := l.runner.Run(ctx, l.path, "-layout", "-enc", "UTF-8", pdfPath, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w", err)
	}

	pages := strings.Split(string(out), "\f")
	if n := len(pages); n > 0 && strings.TrimSpace(pages[n-1]) == "" {
		pages = pages[:n-1]
	}
	return pages, nil
}
