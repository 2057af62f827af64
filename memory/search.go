package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/becomeliminal/nim-memory/memory/filter"
)

// SearchMode tells the caller which retrieval path served a search.
type SearchMode string

const (
	// SearchSemantic ranks by similarity to the query text.
	SearchSemantic SearchMode = "semantic"

	// SearchMetadata lists matching records newest first.
	SearchMetadata SearchMode = "metadata"
)

// SearchRequest describes a search. A Query that is empty or only
// whitespace selects metadata-only search; the response reports which mode
// ran.
type SearchRequest struct {
	Query      string
	TopK       int
	OwnerScope string
	Tags       []string
	TagMatch   TagMatch

	// From and To bound CreatedAt inclusively. Zero values are open.
	From time.Time
	To   time.Time

	// MinSimilarity overrides Config.MinSimilarity for semantic searches.
	MinSimilarity *float64

	// MetadataFilter is an optional CEL expression over `metadata`,
	// e.g. `metadata.source == "import" && metadata.priority > 2`.
	MetadataFilter string
}

// SearchResponse holds ranked results.
type SearchResponse struct {
	Mode    SearchMode `json:"mode"`
	Results []Result   `json:"results"`
}

// Search returns memories of req.OwnerScope ranked by similarity, or newest
// first when no query text is given. Records that fail to decrypt are logged
// and left out rather than failing the search.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	e.maint.RLock()
	defer e.maint.RUnlock()

	f, topK, err := e.buildFilter(req)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.Query) == "" {
		results, err := e.searchMetadata(ctx, f, topK)
		if err != nil {
			return nil, err
		}
		return &SearchResponse{Mode: SearchMetadata, Results: results}, nil
	}

	if err := CheckLength(req.Query, e.config.MaxContentLength); err != nil {
		return nil, err
	}
	threshold := e.config.MinSimilarity
	if req.MinSimilarity != nil {
		threshold = *req.MinSimilarity
	}
	if threshold < -1 || threshold > 1 {
		return nil, invalidf("similarity threshold must be within [-1, 1]")
	}
	results, err := e.searchSemantic(ctx, req.Query, f, topK, threshold)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{Mode: SearchSemantic, Results: results}, nil
}

func (e *Engine) buildFilter(req SearchRequest) (Filter, int, error) {
	if err := e.config.validateScope(req.OwnerScope); err != nil {
		return Filter{}, 0, err
	}
	topK := req.TopK
	if topK == 0 {
		topK = e.config.DefaultTopK
	}
	if topK < 1 || topK > e.config.MaxTopK {
		return Filter{}, 0, invalidf("top_k must be within [1, %d]", e.config.MaxTopK)
	}
	tags, err := e.config.normalizeTags(req.Tags)
	if err != nil {
		return Filter{}, 0, err
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.From.After(req.To) {
		return Filter{}, 0, invalidf("date range start is after its end")
	}
	f := Filter{
		OwnerScope: req.OwnerScope,
		Tags:       tags,
		TagMatch:   req.TagMatch,
		From:       req.From,
		To:         req.To,
	}
	if req.MetadataFilter != "" {
		p, err := filter.Compile(req.MetadataFilter)
		if err != nil {
			return Filter{}, 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		f.Metadata = p
	}
	return f, topK, nil
}

// searchSemantic queries the index and widens the candidate window when
// ranked candidates are dropped after the fact (pending, orphaned or
// undecryptable), so callers still get topK results when enough exist.
func (e *Engine) searchSemantic(ctx context.Context, query string, f Filter, topK int, threshold float64) ([]Result, error) {
	vector, err := e.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	seen := make(map[string]struct{})
	var results []Result
	for k := topK; ; k = min(k*2, e.config.MaxCandidates) {
		matches, err := e.index.Query(ctx, vector, k, f)
		if err != nil {
			return nil, fmt.Errorf("query index: %w", Unavailable(err))
		}

		belowThreshold := false
		for _, m := range matches {
			if float64(m.Similarity) < threshold {
				belowThreshold = true
				break
			}
			if _, done := seen[m.ID]; done {
				continue
			}
			seen[m.ID] = struct{}{}

			res, err := e.fetch(ctx, m.ID, f.OwnerScope)
			if err != nil {
				return nil, err
			}
			if res == nil {
				continue
			}
			res.Similarity = m.Similarity
			results = append(results, *res)
		}

		if len(results) >= topK || belowThreshold || len(matches) < k || k >= e.config.MaxCandidates {
			break
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	e.logger.Debug("semantic search", "scope", f.OwnerScope, "results", len(results))
	return results, nil
}

// fetch reads and decrypts one index candidate. It returns (nil, nil) for
// candidates that must be skipped.
func (e *Engine) fetch(ctx context.Context, id string, ownerScope string) (*Result, error) {
	rec, err := e.readRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		if ok, _ := e.recordExists(ctx, id); !ok {
			e.markSuspect(id)
		}
		return nil, nil
	}
	if rec.OwnerScope != ownerScope {
		e.logger.Warn("index scope disagrees with record", "id", id)
		e.markSuspect(id)
		return nil, nil
	}
	res, err := e.open(rec)
	if err != nil {
		e.logger.Warn("excluded unreadable memory", "id", id, "err", err)
		return nil, nil
	}
	return res, nil
}

// recordExists distinguishes a missing record (orphaned vector) from a
// pending one, which the sweep already knows about.
func (e *Engine) recordExists(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.rlock(id)
	defer unlock()
	_, err := e.records.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return true, nil
}

// searchMetadata serves query-less searches straight from the record store.
func (e *Engine) searchMetadata(ctx context.Context, f Filter, topK int) ([]Result, error) {
	recs, err := e.records.ListByScope(ctx, f.OwnerScope, f)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", Unavailable(err))
	}

	active := recs[:0]
	for _, rec := range recs {
		if rec.State == StateActive && rec.OwnerScope == f.OwnerScope {
			active = append(active, rec)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	results := make([]Result, 0, min(topK, len(active)))
	for _, rec := range active {
		if len(results) == topK {
			break
		}
		res, err := e.open(rec)
		if err != nil {
			e.logger.Warn("excluded unreadable memory", "id", rec.ID, "err", err)
			continue
		}
		results = append(results, *res)
	}
	e.logger.Debug("metadata search", "scope", f.OwnerScope, "results", len(results))
	return results, nil
}
