package memory

import (
	"time"
)

// TagMatch selects how Filter.Tags is applied.
type TagMatch int

const (
	// TagMatchAny keeps records carrying at least one of the tags.
	TagMatchAny TagMatch = iota

	// TagMatchAll keeps records carrying every tag.
	TagMatchAll
)

func (m TagMatch) String() string {
	if m == TagMatchAll {
		return "all"
	}
	return "any"
}

// MetadataPredicate decides whether a record's metadata matches.
// The filter package compiles CEL expressions into predicates.
type MetadataPredicate interface {
	Match(metadata map[string]any) bool
}

// Filter narrows the candidate set of a query or listing.
// Zero-valued fields do not constrain.
type Filter struct {
	OwnerScope string
	Tags       []string
	TagMatch   TagMatch

	// From and To bound CreatedAt inclusively.
	From time.Time
	To   time.Time

	Metadata MetadataPredicate
}

// Matches applies every constraint of the filter.
func (f Filter) Matches(ownerScope string, tags []string, createdAt time.Time, metadata map[string]any) bool {
	if f.OwnerScope != "" && ownerScope != f.OwnerScope {
		return false
	}
	return f.MatchesTags(tags) && f.MatchesTime(createdAt) && f.MatchesMetadata(metadata)
}

// MatchesRecord applies the filter to a stored record.
func (f Filter) MatchesRecord(rec *Record) bool {
	return f.Matches(rec.OwnerScope, rec.Tags, rec.CreatedAt, rec.Metadata)
}

// MatchesTags applies the tag constraint.
func (f Filter) MatchesTags(tags []string) bool {
	if len(f.Tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		have[t] = struct{}{}
	}
	for _, want := range f.Tags {
		_, ok := have[want]
		if ok && f.TagMatch == TagMatchAny {
			return true
		}
		if !ok && f.TagMatch == TagMatchAll {
			return false
		}
	}
	return f.TagMatch == TagMatchAll
}

// MatchesTime applies the inclusive date range.
func (f Filter) MatchesTime(t time.Time) bool {
	if !f.From.IsZero() && t.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.After(f.To) {
		return false
	}
	return true
}

// MatchesMetadata applies the metadata predicate.
func (f Filter) MatchesMetadata(metadata map[string]any) bool {
	if f.Metadata == nil {
		return true
	}
	return f.Metadata.Match(metadata)
}
