// Package memstore is an in-process memory.RecordStore for tests and
// ephemeral engines.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/becomeliminal/nim-memory/memory"
)

// Store keeps records in a map. Records are copied on the way in and out.
type Store struct {
	mu      sync.RWMutex
	records map[string]*memory.Record
}

var _ memory.RecordStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[string]*memory.Record)}
}

func (s *Store) Put(_ context.Context, rec *memory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("put %s: %w", rec.ID, memory.ErrDuplicateID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) Update(_ context.Context, rec *memory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("update %s: %w", rec.ID, memory.ErrNotFound)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, memory.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	delete(s.records, id)
	return ok, nil
}

func (s *Store) ListByScope(ctx context.Context, ownerScope string, filter memory.Filter) ([]*memory.Record, error) {
	filter.OwnerScope = ownerScope
	var out []*memory.Record
	err := s.Scan(ctx, func(rec *memory.Record) error {
		if filter.MatchesRecord(rec) {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Scan visits a snapshot of the records, so fn may call back into the
// store.
func (s *Store) Scan(ctx context.Context, fn func(*memory.Record) error) error {
	s.mu.RLock()
	snapshot := make([]*memory.Record, 0, len(s.records))
	for _, rec := range s.records {
		snapshot = append(snapshot, rec.Clone())
	}
	s.mu.RUnlock()

	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, memory.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error {
	return nil
}
