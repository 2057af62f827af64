// Package openai embeds text through an OpenAI-compatible embeddings API.
package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/becomeliminal/nim-memory/memory"
)

// Config configures the remote embedder.
type Config struct {
	APIKey string

	// BaseURL points at an OpenAI-compatible endpoint. Empty uses the
	// OpenAI API.
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions requests a reduced vector size. Default: 1536.
	Dimensions int

	// MaxChars rejects longer input with memory.ErrContentTooLarge.
	// Default: 10000.
	MaxChars int

	// Timeout bounds one request. Default: 30s.
	Timeout time.Duration
}

// Embedder calls the embeddings endpoint. Batches are sent as one request.
type Embedder struct {
	client openai.Client
	cfg    Config
}

var _ memory.Embedder = (*Embedder)(nil)

// New creates a remote embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	if cfg.MaxChars == 0 {
		cfg.MaxChars = 10000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		// Retries are the caller's decision.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")+"/"))
	}

	return &Embedder{
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

// Embed converts a single text to embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in one request. Results are placed by the index
// the API reports, not by response order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, text := range texts {
		if err := memory.CheckLength(text, e.cfg.MaxChars); err != nil {
			return nil, err
		}
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(e.cfg.Model),
		Dimensions:     openai.Int(int64(e.cfg.Dimensions)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embeddings request: %w", memory.ErrBackendUnavailable, err)
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		i := int(item.Index)
		if i < 0 || i >= len(out) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", memory.ErrBackendUnavailable, i)
		}
		if len(item.Embedding) != e.cfg.Dimensions {
			return nil, fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(item.Embedding), e.cfg.Dimensions)
		}
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	for i, vec := range out {
		if vec == nil {
			return nil, fmt.Errorf("%w: no embedding returned for input %d", memory.ErrBackendUnavailable, i)
		}
	}
	return out, nil
}

// Dimensions returns embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}
