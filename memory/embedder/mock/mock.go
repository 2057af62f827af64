package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/becomeliminal/nim-memory/memory"
)

// DefaultDimensions matches all-MiniLM-L6-v2 so mock and onnx indexes are
// interchangeable in tests.
const DefaultDimensions = 384

// MockEmbedder is a deterministic embedder for testing and offline use.
// It hashes lower-cased words into buckets (feature hashing), so texts that
// share words are similar and texts that share none score near zero. All
// components are non-negative, which keeps cosine similarity in [0, 1].
type MockEmbedder struct {
	dimensions int
	maxChars   int
}

// Option configures the mock embedder.
type Option func(*MockEmbedder)

// WithDimensions sets the vector size.
func WithDimensions(n int) Option {
	return func(m *MockEmbedder) {
		if n > 0 {
			m.dimensions = n
		}
	}
}

// WithMaxChars sets the input limit. Zero disables it.
func WithMaxChars(n int) Option {
	return func(m *MockEmbedder) {
		m.maxChars = n
	}
}

// New creates a new mock embedder.
func New(opts ...Option) *MockEmbedder {
	m := &MockEmbedder{
		dimensions: DefaultDimensions,
		maxChars:   10000,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ memory.Embedder = (*MockEmbedder)(nil)

// Embed creates a deterministic embedding from text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := memory.CheckLength(text, m.maxChars); err != nil {
		return nil, err
	}

	embedding := make([]float32, m.dimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		embedding[h.Sum64()%uint64(m.dimensions)]++
	}

	if len(words) == 0 {
		// Whitespace or punctuation only: a fixed direction instead of
		// the zero vector, which has no cosine.
		embedding[0] = 1
	}

	return normalize(embedding), nil
}

// EmbedBatch embeds texts in order.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the embedding size.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}

	return vec
}
