// Package qdrant implements memory.VectorIndex on a Qdrant server.
//
// Owner scope, tags and the creation time are pushed down as payload
// filters so Qdrant applies them before ranking. Qdrant ranges are float64,
// so the pushed-down time range uses whole milliseconds, rounded outward.
// The exact creation time is kept in the payload as RFC 3339 text and the
// precise range check runs client-side together with metadata predicates,
// widening the query window until enough candidates pass.
package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	sdk "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/becomeliminal/nim-memory/memory"
)

// Payload fields.
const (
	fieldOwnerScope   = "owner_scope"
	fieldTags         = "tags"
	fieldCreatedAt    = "created_at_ms"
	fieldCreatedExact = "created_at"
	fieldMetadata     = "metadata"
)

// maxWindow caps client-side widening for metadata predicates.
const maxWindow = 10000

// Config configures the Qdrant connection.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int

	// Timeout bounds collection setup. Default: 10s.
	Timeout time.Duration

	Logger *log.Logger
}

// Index stores vectors as Qdrant points keyed by the record UUID.
type Index struct {
	client     *sdk.Client
	collection string
	dimension  int
	logger     *log.Logger
}

var _ memory.VectorIndex = (*Index)(nil)

// New connects to Qdrant and creates the collection and its payload
// indexes when missing.
func New(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", memory.ErrInvalidInput)
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "memories"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	client, err := sdk.NewClient(&sdk.Config{
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		APIKey:                 cfg.APIKey,
		UseTLS:                 cfg.UseTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create qdrant client: %w", memory.ErrBackendUnavailable, err)
	}

	idx := &Index{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		logger:     cfg.Logger.WithPrefix("qdrant"),
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := idx.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return idx, nil
}

// ensureCollection creates the collection if it doesn't exist.
func (i *Index) ensureCollection(ctx context.Context) error {
	exists, err := i.client.CollectionExists(ctx, i.collection)
	if err != nil {
		return wrap("check collection", err)
	}
	if exists {
		info, err := i.client.GetCollectionInfo(ctx, i.collection)
		if err != nil {
			return wrap("get collection info", err)
		}
		if size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize(); size != 0 && int(size) != i.dimension {
			return fmt.Errorf("%w: collection %s stores %d, want %d",
				memory.ErrDimensionMismatch, i.collection, size, i.dimension)
		}
		return nil
	}

	err = i.client.CreateCollection(ctx, &sdk.CreateCollection{
		CollectionName: i.collection,
		VectorsConfig: sdk.NewVectorsConfig(&sdk.VectorParams{
			Size:     uint64(i.dimension),
			Distance: sdk.Distance_Cosine,
		}),
	})
	if err != nil {
		return wrap("create collection", err)
	}

	for field, typ := range map[string]sdk.FieldType{
		fieldOwnerScope: sdk.FieldType_FieldTypeKeyword,
		fieldTags:       sdk.FieldType_FieldTypeKeyword,
		fieldCreatedAt:  sdk.FieldType_FieldTypeInteger,
	} {
		wait := true
		_, err := i.client.CreateFieldIndex(ctx, &sdk.CreateFieldIndexCollection{
			CollectionName: i.collection,
			Wait:           &wait,
			FieldName:      field,
			FieldType:      typ.Enum(),
		})
		if err != nil {
			return wrap("create payload index "+field, err)
		}
	}
	i.logger.Info("created collection", "collection", i.collection, "dimension", i.dimension)
	return nil
}

// Dimension returns the vector size.
func (i *Index) Dimension() int {
	return i.dimension
}

// Upsert writes or replaces the point for entry.ID.
func (i *Index) Upsert(ctx context.Context, entry memory.VectorEntry) error {
	if len(entry.Vector) != i.dimension {
		return fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(entry.Vector), i.dimension)
	}
	payload, err := buildPayload(entry)
	if err != nil {
		return err
	}

	wait := true
	_, err = i.client.Upsert(ctx, &sdk.UpsertPoints{
		CollectionName: i.collection,
		Wait:           &wait,
		Points: []*sdk.PointStruct{{
			Id:      sdk.NewID(entry.ID),
			Vectors: sdk.NewVectors(entry.Vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return wrap("upsert point", err)
	}
	return nil
}

// Delete removes the point. Absent IDs are ignored by Qdrant.
func (i *Index) Delete(ctx context.Context, id string) error {
	wait := true
	_, err := i.client.Delete(ctx, &sdk.DeletePoints{
		CollectionName: i.collection,
		Wait:           &wait,
		Points:         sdk.NewPointsSelector(sdk.NewID(id)),
	})
	if err != nil {
		return wrap("delete point", err)
	}
	return nil
}

// Has reports whether a point exists for id.
func (i *Index) Has(ctx context.Context, id string) (bool, error) {
	points, err := i.client.Get(ctx, &sdk.GetPoints{
		CollectionName: i.collection,
		Ids:            []*sdk.PointId{sdk.NewID(id)},
	})
	if err != nil {
		return false, wrap("get point", err)
	}
	return len(points) > 0, nil
}

// Query returns up to topK matches passing filter, best first.
func (i *Index) Query(ctx context.Context, vector []float32, topK int, filter memory.Filter) ([]memory.Match, error) {
	if len(vector) != i.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(vector), i.dimension)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive", memory.ErrInvalidInput)
	}

	qf := buildFilter(filter)
	clientSide := filter.Metadata != nil || !filter.From.IsZero() || !filter.To.IsZero()
	for limit := topK; ; limit = min(limit*2, maxWindow) {
		n := uint64(limit)
		points, err := i.client.Query(ctx, &sdk.QueryPoints{
			CollectionName: i.collection,
			Query:          sdk.NewQuery(vector...),
			Filter:         qf,
			Limit:          &n,
			WithPayload:    sdk.NewWithPayload(true),
		})
		if err != nil {
			return nil, wrap("query points", err)
		}

		matches := make([]memory.Match, 0, len(points))
		for _, p := range points {
			m, meta, err := decodePoint(p)
			if err != nil {
				i.logger.Warn("skipping point with unreadable payload", "err", err)
				continue
			}
			if !accept(filter, m, meta) {
				continue
			}
			matches = append(matches, m)
		}

		if len(matches) >= topK || len(points) < limit || limit >= maxWindow || !clientSide {
			sortMatches(matches)
			if len(matches) > topK {
				matches = matches[:topK]
			}
			return matches, nil
		}
	}
}

// Count returns the exact number of points.
func (i *Index) Count(ctx context.Context) (int, error) {
	exact := true
	n, err := i.client.Count(ctx, &sdk.CountPoints{
		CollectionName: i.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, wrap("count points", err)
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (i *Index) Close() error {
	return i.client.Close()
}

// accept applies the parts of filter Qdrant cannot evaluate exactly.
func accept(f memory.Filter, m memory.Match, meta map[string]any) bool {
	return f.MatchesTime(m.CreatedAt) && f.MatchesMetadata(meta)
}

// buildFilter translates the pushdown part of a memory.Filter. Time bounds
// are widened to whole milliseconds; accept trims the excess.
func buildFilter(f memory.Filter) *sdk.Filter {
	var must []*sdk.Condition
	if f.OwnerScope != "" {
		must = append(must, sdk.NewMatch(fieldOwnerScope, f.OwnerScope))
	}
	if len(f.Tags) > 0 {
		if f.TagMatch == memory.TagMatchAll {
			for _, tag := range f.Tags {
				must = append(must, sdk.NewMatch(fieldTags, tag))
			}
		} else {
			must = append(must, sdk.NewMatchKeywords(fieldTags, f.Tags...))
		}
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		r := &sdk.Range{}
		if !f.From.IsZero() {
			from := float64(f.From.UnixMilli())
			r.Gte = &from
		}
		if !f.To.IsZero() {
			to := float64(f.To.UnixMilli())
			r.Lte = &to
		}
		must = append(must, sdk.NewRange(fieldCreatedAt, r))
	}
	if len(must) == 0 {
		return nil
	}
	return &sdk.Filter{Must: must}
}

func buildPayload(entry memory.VectorEntry) (map[string]*sdk.Value, error) {
	tags := make([]any, len(entry.Tags))
	for j, t := range entry.Tags {
		tags[j] = t
	}
	fields := map[string]any{
		fieldOwnerScope:   entry.OwnerScope,
		fieldTags:         tags,
		fieldCreatedAt:    entry.CreatedAt.UnixMilli(),
		fieldCreatedExact: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal metadata: %w", memory.ErrInvalidInput, err)
		}
		fields[fieldMetadata] = string(b)
	}
	payload, err := sdk.TryValueMap(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: build payload: %w", memory.ErrInvalidInput, err)
	}
	return payload, nil
}

func decodePoint(p *sdk.ScoredPoint) (memory.Match, map[string]any, error) {
	id := p.GetId().GetUuid()
	if id == "" {
		return memory.Match{}, nil, errors.New("point without uuid")
	}
	m := memory.Match{
		ID:         id,
		Similarity: p.GetScore(),
		CreatedAt:  time.UnixMilli(p.GetPayload()[fieldCreatedAt].GetIntegerValue()).UTC(),
	}
	// Points written before the exact field existed fall back to milliseconds.
	if raw := p.GetPayload()[fieldCreatedExact].GetStringValue(); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return m, nil, fmt.Errorf("point %s created_at: %w", id, err)
		}
		m.CreatedAt = t.UTC()
	}
	var meta map[string]any
	if raw := p.GetPayload()[fieldMetadata].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return m, nil, fmt.Errorf("point %s metadata: %w", id, err)
		}
	}
	return m, meta, nil
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

// wrap maps transport failures to ErrBackendUnavailable.
func wrap(op string, err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return fmt.Errorf("%w: %s: %w", memory.ErrInvalidInput, op, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %s: %w", memory.ErrNotFound, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", memory.ErrBackendUnavailable, op, err)
	}
}
