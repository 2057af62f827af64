// Package cache memoizes embeddings in front of any memory.Embedder.
//
// Keys are SHA-256 digests of the input, so cached entries never hold text.
// Concurrent requests for the same text share one backend call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/becomeliminal/nim-memory/memory"
)

// Embedder wraps a backend embedder with a bounded LRU/LFU cache.
type Embedder struct {
	next  memory.Embedder
	cache *ristretto.Cache
	group singleflight.Group
}

var _ memory.Embedder = (*Embedder)(nil)

// New wraps next with a cache holding up to maxEntries vectors.
func New(next memory.Embedder, maxEntries int64) (*Embedder, error) {
	if next == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be positive")
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Embedder{next: next, cache: c}, nil
}

func key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns a cached vector or computes and caches it.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	k := key(text)
	if v, ok := e.cache.Get(k); ok {
		return clone(v.([]float32)), nil
	}

	v, err, _ := e.group.Do(k, func() (interface{}, error) {
		vec, err := e.next.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		e.cache.Set(k, clone(vec), 1)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]float32)), nil
}

// EmbedBatch serves cached entries and sends only misses to the backend,
// preserving input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if v, ok := e.cache.Get(key(text)); ok {
			out[i] = clone(v.([]float32))
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := e.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for %d texts",
			memory.ErrBackendUnavailable, len(vecs), len(missTexts))
	}
	for j, vec := range vecs {
		e.cache.Set(key(missTexts[j]), clone(vec), 1)
		out[missIdx[j]] = vec
	}
	return out, nil
}

// Dimensions returns the backend's embedding size.
func (e *Embedder) Dimensions() int {
	return e.next.Dimensions()
}

// Wait blocks until pending cache writes are applied.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache.
func (e *Embedder) Close() error {
	e.cache.Close()
	return nil
}

func clone(v []float32) []float32 {
	return append([]float32(nil), v...)
}
