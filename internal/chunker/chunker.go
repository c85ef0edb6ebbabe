// Package chunker segments extracted document text into overlapping chunks
// sized for embedding.
package chunker

import (
	"fmt"
	"maps"
	"strings"

	"github.com/bull/medrag-server/internal/markdown"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// DefaultSeparators are tried in order, coarsest boundary first.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Chunk is one segment of a document before indexing.
type Chunk struct {
	Index    int            // Position in document (0, 1, 2...)
	Content  string         // At most ChunkSize characters
	Metadata map[string]any // Caller metadata plus chunk_index (and header_path for markdown)
}

// Options configures a Chunker. Zero values fall back to the defaults.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// Chunker splits text with a recursive character splitter.
type Chunker struct {
	splitter  textsplitter.RecursiveCharacter
	sectioner *markdown.Sectioner
	size      int
	overlap   int
}

// New creates a Chunker.
func New(opts Options) (*Chunker, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = min(DefaultChunkOverlap, opts.ChunkSize/5)
	}
	if opts.ChunkOverlap >= opts.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", opts.ChunkOverlap, opts.ChunkSize)
	}
	if len(opts.Separators) == 0 {
		opts.Separators = DefaultSeparators
	}

	return &Chunker{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(opts.ChunkSize),
			textsplitter.WithChunkOverlap(opts.ChunkOverlap),
			textsplitter.WithSeparators(opts.Separators),
		),
		sectioner: markdown.NewSectioner(),
		size:      opts.ChunkSize,
		overlap:   opts.ChunkOverlap,
	}, nil
}

// Size returns the configured chunk size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured chunk overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split segments text in document order. Empty or whitespace-only text yields
// no chunks. The same input always yields the same chunks.
func (c *Chunker) Split(text string, metadata map[string]any) ([]Chunk, error) {
	pieces, err := c.pieces(text)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(pieces))
	for _, p := range pieces {
		chunks = append(chunks, newChunk(len(chunks), p, metadata))
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks, nil
}

// SplitMarkdown splits at H1/H2 sections first, then recursively within each
// section. Chunk indexes stay contiguous across sections.
func (c *Chunker) SplitMarkdown(source string, metadata map[string]any) ([]Chunk, error) {
	sections, err := c.sectioner.Split([]byte(source))
	if err != nil {
		return nil, fmt.Errorf("split markdown sections: %w", err)
	}

	var chunks []Chunk
	for _, section := range sections {
		pieces, err := c.pieces(section.Content)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", section.Index, err)
		}
		for _, p := range pieces {
			chunk := newChunk(len(chunks), p, metadata)
			if section.HeaderPath != "" {
				chunk.Metadata["header_path"] = section.HeaderPath
			}
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

func (c *Chunker) pieces(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	parts, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}

	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func newChunk(index int, content string, metadata map[string]any) Chunk {
	md := make(map[string]any, len(metadata)+1)
	maps.Copy(md, metadata)
	md["chunk_index"] = index
	return Chunk{Index: index, Content: content, Metadata: md}
}
