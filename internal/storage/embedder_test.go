package storage

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
)

const testDimension = 64

// wordEmbedder hashes lowercase words into a fixed-size count vector, so
// texts sharing words are close.
type wordEmbedder struct {
	err   error
	calls int
}

func (e *wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, testDimension)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[h.Sum32()%testDimension]++
		}
		out[i] = vec
	}
	return out, nil
}

func (e *wordEmbedder) Dimension() int { return testDimension }

var errEmbed = errors.New("embedding service down")
