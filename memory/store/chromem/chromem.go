// Package chromem implements memory.VectorIndex on chromem-go, a pure Go
// embedded vector database. It is the default index: no external service,
// optional on-disk persistence.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-memory/memory"
)

const collectionName = "memories"

// Metadata keys stored alongside each embedding.
const (
	keyOwnerScope = "owner_scope"
	keyCreatedAt  = "created_at"
	keyTags       = "tags"
	keyMetadata   = "metadata"
)

// Index wraps a chromem-go collection.
type Index struct {
	db        *chromem.DB
	col       *chromem.Collection
	dimension int
	logger    *log.Logger
}

var _ memory.VectorIndex = (*Index)(nil)

// Option configures the index.
type Option func(*options)

type options struct {
	path     string
	compress bool
	logger   *log.Logger
}

// WithPersistence stores the collection under path. Without it the index
// lives in memory only.
func WithPersistence(path string, compress bool) Option {
	return func(o *options) {
		o.path = path
		o.compress = compress
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New creates an index for vectors of the given dimension.
func New(dimension int, opts ...Option) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", memory.ErrInvalidInput)
	}
	o := options{logger: log.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var db *chromem.DB
	if o.path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(o.path, o.compress)
		if err != nil {
			return nil, fmt.Errorf("%w: open chromem db: %w", memory.ErrBackendUnavailable, err)
		}
	}

	// Embeddings are always supplied, so no embedding func.
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create collection: %w", memory.ErrBackendUnavailable, err)
	}

	idx := &Index{
		db:        db,
		col:       col,
		dimension: dimension,
		logger:    o.logger.WithPrefix("chromem"),
	}
	idx.logger.Debug("opened index", "persistent", o.path != "", "documents", col.Count())
	return idx, nil
}

// Dimension returns the vector size.
func (i *Index) Dimension() int {
	return i.dimension
}

// Upsert writes or replaces the entry.
func (i *Index) Upsert(ctx context.Context, entry memory.VectorEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("%w: empty id", memory.ErrInvalidInput)
	}
	if len(entry.Vector) != i.dimension {
		return fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(entry.Vector), i.dimension)
	}
	meta, err := encodeMetadata(entry)
	if err != nil {
		return err
	}

	// Content stays empty: the index never holds memory text.
	doc := chromem.Document{
		ID:        entry.ID,
		Embedding: append([]float32(nil), entry.Vector...),
		Metadata:  meta,
	}
	if err := i.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("%w: add document: %w", memory.ErrBackendUnavailable, err)
	}
	return nil
}

// Delete removes the entry. Absent IDs are ignored.
func (i *Index) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", memory.ErrInvalidInput)
	}
	if err := i.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("%w: delete document: %w", memory.ErrBackendUnavailable, err)
	}
	return nil
}

// Has reports whether the entry exists.
func (i *Index) Has(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	_, err := i.col.GetByID(ctx, id)
	if err == nil {
		return true, nil
	}
	if isNotFoundError(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: get document: %w", memory.ErrBackendUnavailable, err)
}

// Query ranks every entry of the filter's owner scope and applies the rest
// of the filter before cutting to topK. chromem-go scans exhaustively, so
// asking it for all scope documents costs the same as asking for k.
func (i *Index) Query(ctx context.Context, vector []float32, topK int, filter memory.Filter) ([]memory.Match, error) {
	if len(vector) != i.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(vector), i.dimension)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive", memory.ErrInvalidInput)
	}
	n := i.col.Count()
	if n == 0 {
		return nil, nil
	}

	var where map[string]string
	if filter.OwnerScope != "" {
		where = map[string]string{keyOwnerScope: filter.OwnerScope}
	}

	results, err := i.col.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil && isInsufficientDocsError(err) {
		// A concurrent delete shrank the collection between Count and
		// the query.
		n = i.col.Count()
		if n == 0 {
			return nil, nil
		}
		results, err = i.col.QueryEmbedding(ctx, vector, n, where, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: chromem query: %w", memory.ErrBackendUnavailable, err)
	}

	matches := make([]memory.Match, 0, min(topK, len(results)))
	for _, r := range results {
		entry, err := decodeMetadata(r.Metadata)
		if err != nil {
			i.logger.Warn("skipping entry with unreadable metadata", "id", r.ID, "err", err)
			continue
		}
		if !filter.Matches(entry.OwnerScope, entry.Tags, entry.CreatedAt, entry.Metadata) {
			continue
		}
		matches = append(matches, memory.Match{
			ID:         r.ID,
			Similarity: r.Similarity,
			CreatedAt:  entry.CreatedAt,
		})
	}

	sortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Count returns the number of entries.
func (i *Index) Count(_ context.Context) (int, error) {
	return i.col.Count(), nil
}

// Close releases resources. Persistent databases write every change
// immediately, so there is nothing to flush.
func (i *Index) Close() error {
	return nil
}

// sortMatches orders by similarity, then newer first, then ID.
func sortMatches(matches []memory.Match) {
	sort.Slice(matches, func(a, b int) bool {
		x, y := matches[a], matches[b]
		if x.Similarity != y.Similarity {
			return x.Similarity > y.Similarity
		}
		if !x.CreatedAt.Equal(y.CreatedAt) {
			return x.CreatedAt.After(y.CreatedAt)
		}
		return x.ID < y.ID
	})
}

// encodeMetadata flattens filterable fields into chromem's string map.
func encodeMetadata(entry memory.VectorEntry) (map[string]string, error) {
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal tags: %w", memory.ErrInvalidInput, err)
	}
	meta := map[string]string{
		keyOwnerScope: entry.OwnerScope,
		keyCreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		keyTags:       string(tags),
	}
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal metadata: %w", memory.ErrInvalidInput, err)
		}
		meta[keyMetadata] = string(b)
	}
	return meta, nil
}

func decodeMetadata(meta map[string]string) (memory.VectorEntry, error) {
	var entry memory.VectorEntry
	entry.OwnerScope = meta[keyOwnerScope]

	createdAt, err := time.Parse(time.RFC3339Nano, meta[keyCreatedAt])
	if err != nil {
		return entry, fmt.Errorf("parse created_at: %w", err)
	}
	entry.CreatedAt = createdAt

	if raw := meta[keyTags]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.Tags); err != nil {
			return entry, fmt.Errorf("parse tags: %w", err)
		}
	}
	if raw := meta[keyMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.Metadata); err != nil {
			return entry, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return entry, nil
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "nResults must be") || strings.Contains(errStr, "number of documents")
}

func isNotFoundError(err error) bool {
	return strings.Contains(err.Error(), "not found")
}
