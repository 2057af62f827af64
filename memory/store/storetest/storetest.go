// Package storetest holds a conformance suite shared by the
// memory.RecordStore implementations.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) memory.RecordStore

var base = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// NewRecord builds an active record for tests.
func NewRecord(id, scope string, age int, tags ...string) *memory.Record {
	return &memory.Record{
		ID:           id,
		OwnerScope:   scope,
		Ciphertext:   []byte{1, 2, 3, byte(age)},
		KeyID:        "0011223344556677",
		Tags:         tags,
		Metadata:     map[string]any{"n": float64(age)},
		CreatedAt:    base.Add(time.Duration(age) * time.Minute),
		UpdatedAt:    base.Add(time.Duration(age) * time.Minute),
		EmbeddingDim: 8,
		State:        memory.StateActive,
	}
}

// Run exercises the RecordStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGet", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		rec := NewRecord("r1", "alice", 1, "work")
		require.NoError(t, s.Put(ctx, rec))

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.OwnerScope, got.OwnerScope)
		assert.Equal(t, rec.Ciphertext, got.Ciphertext)
		assert.Equal(t, rec.KeyID, got.KeyID)
		assert.Equal(t, rec.Tags, got.Tags)
		assert.Equal(t, rec.Metadata, got.Metadata)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))
		assert.Equal(t, rec.EmbeddingDim, got.EmbeddingDim)
		assert.Equal(t, memory.StateActive, got.State)

		// Mutating the result does not reach the store.
		got.Ciphertext[0] = 99
		again, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, byte(1), again.Ciphertext[0])
	})

	t.Run("Duplicate", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, NewRecord("r1", "alice", 1)))
		assert.ErrorIs(t, s.Put(ctx, NewRecord("r1", "alice", 2)), memory.ErrDuplicateID)
	})

	t.Run("Update", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		assert.ErrorIs(t, s.Update(ctx, NewRecord("missing", "alice", 1)), memory.ErrNotFound)

		rec := NewRecord("r1", "alice", 1)
		rec.State = memory.StatePending
		require.NoError(t, s.Put(ctx, rec))
		rec.State = memory.StateActive
		rec.KeyID = "8899aabbccddeeff"
		require.NoError(t, s.Update(ctx, rec))

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, memory.StateActive, got.State)
		assert.Equal(t, "8899aabbccddeeff", got.KeyID)
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, NewRecord("r1", "alice", 1)))

		ok, err := s.Delete(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.Delete(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Get(ctx, "r1")
		assert.ErrorIs(t, err, memory.ErrNotFound)

		// The ID can be reused afterwards.
		require.NoError(t, s.Put(ctx, NewRecord("r1", "alice", 1)))
	})

	t.Run("ListByScope", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		for i := 0; i < 5; i++ {
			tag := "even"
			if i%2 == 1 {
				tag = "odd"
			}
			require.NoError(t, s.Put(ctx, NewRecord(fmt.Sprintf("a%d", i), "alice", i, tag)))
		}
		require.NoError(t, s.Put(ctx, NewRecord("b0", "bob", 0, "even")))

		all, err := s.ListByScope(ctx, "alice", memory.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 5)
		for _, rec := range all {
			assert.Equal(t, "alice", rec.OwnerScope)
		}

		even, err := s.ListByScope(ctx, "alice", memory.Filter{Tags: []string{"even"}})
		require.NoError(t, err)
		assert.Len(t, even, 3)

		ranged, err := s.ListByScope(ctx, "alice", memory.Filter{
			From: base.Add(time.Minute),
			To:   base.Add(3 * time.Minute),
		})
		require.NoError(t, err)
		assert.Len(t, ranged, 3)

		none, err := s.ListByScope(ctx, "carol", memory.Filter{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Scan", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		for i := 0; i < 4; i++ {
			require.NoError(t, s.Put(ctx, NewRecord(fmt.Sprintf("r%d", i), fmt.Sprintf("s%d", i%2), i)))
		}

		seen := map[string]bool{}
		require.NoError(t, s.Scan(ctx, func(rec *memory.Record) error {
			seen[rec.ID] = true
			return nil
		}))
		assert.Len(t, seen, 4)

		visited := 0
		require.NoError(t, s.Scan(ctx, func(*memory.Record) error {
			visited++
			return memory.ErrStopScan
		}))
		assert.Equal(t, 1, visited)

		boom := fmt.Errorf("boom")
		assert.ErrorIs(t, s.Scan(ctx, func(*memory.Record) error { return boom }), boom)
	})
}
