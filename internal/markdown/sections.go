// Package markdown splits markdown uploads into heading-delimited sections.
package markdown

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// Section is the text between one H1/H2 heading and the next.
type Section struct {
	Index      int    // Position in document (0, 1, 2...)
	HeaderPath string // Hierarchy: "# Discharge Summary > ## Medications"
	Content    string // Section text including its heading line
}

// Sectioner splits markdown at H1 and H2 boundaries.
type Sectioner struct {
	md goldmark.Markdown
}

// NewSectioner creates a sectioner with auto heading IDs enabled, which toc needs.
func NewSectioner() *Sectioner {
	return &Sectioner{
		md: goldmark.New(goldmark.WithParserOptions(parser.WithAutoHeadingID())),
	}
}

// boundary is where a section starts in the source.
type boundary struct {
	offset int
	path   []string
}

// Split returns sections in document order. Text before the first heading is
// its own section with an empty header path; sections never overlap.
func (s *Sectioner) Split(source []byte) ([]Section, error) {
	doc := s.md.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}

	nodes := headingsByID(doc)
	var bounds []boundary
	flattenTOC(tree.Items, nil, func(id string, path []string) {
		node, ok := nodes[id]
		if !ok || node.Lines().Len() == 0 {
			return
		}
		bounds = append(bounds, boundary{
			offset: lineStart(source, node.Lines().At(0).Start),
			path:   path,
		})
	})

	if len(bounds) == 0 {
		body := strings.TrimSpace(string(source))
		if body == "" {
			return nil, nil
		}
		return []Section{{Index: 0, Content: body}}, nil
	}

	var sections []Section
	add := func(path []string, content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		sections = append(sections, Section{
			Index:      len(sections),
			HeaderPath: formatHeaderPath(path),
			Content:    content,
		})
	}

	add(nil, string(source[:bounds[0].offset]))
	for i, b := range bounds {
		end := len(source)
		if i+1 < len(bounds) {
			end = bounds[i+1].offset
		}
		add(b.path, string(source[b.offset:end]))
	}

	return sections, nil
}

// flattenTOC visits items depth-first, which is document order.
func flattenTOC(items toc.Items, ancestors []string, visit func(id string, path []string)) {
	for _, item := range items {
		path := append(append([]string(nil), ancestors...), string(item.Title))
		if len(item.ID) > 0 {
			visit(string(item.ID), path)
		}
		flattenTOC(item.Items, path, visit)
	}
}

// headingsByID indexes H1/H2 nodes by their auto-generated id attribute.
func headingsByID(root ast.Node) map[string]ast.Node {
	found := make(map[string]ast.Node)
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		heading := n.(*ast.Heading)
		if heading.Level > 2 {
			return ast.WalkContinue, nil
		}
		if id, ok := heading.AttributeString("id"); ok {
			if b, ok := id.([]byte); ok {
				found[string(b)] = n
			}
		}
		return ast.WalkContinue, nil
	})
	return found
}

// lineStart moves offset back to the start of its line so the "#" marker is kept.
func lineStart(source []byte, offset int) int {
	for offset > 0 && source[offset-1] != '\n' {
		offset--
	}
	return offset
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Discharge", "Medications"] -> "# Discharge > ## Medications"
func formatHeaderPath(path []string) string {
	if len(path) == 0 {
		return ""
	}

	parts := make([]string, len(path))
	for i, segment := range path {
		parts[i] = fmt.Sprintf("%s %s", strings.Repeat("#", i+1), segment)
	}
	return strings.Join(parts, " > ")
}
