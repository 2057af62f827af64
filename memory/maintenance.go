package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// RotateKey re-encrypts every active record with next and makes it the
// active key. It blocks all other operations while it runs.
//
// Records already sealed with next are skipped, so an interrupted rotation
// can be resumed by calling RotateKey again. Until it completes the previous
// key stays in the keyring. Records that no longer decrypt are logged and
// counted in the returned skip total; they are not rewritten.
func (e *Engine) RotateKey(ctx context.Context, next Sealer) (rotated int, skipped int, err error) {
	if next == nil {
		return 0, 0, invalidf("next key is required")
	}
	e.maint.Lock()
	defer e.maint.Unlock()

	ids, err := e.activeIDs(ctx)
	if err != nil {
		return 0, 0, err
	}
	e.keyring[next.KeyID()] = next

	type outcome struct{ rotated, skipped bool }
	outcomes := make([]outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaintenanceWorkers)
	for i, id := range ids {
		g.Go(func() error {
			rec, err := e.records.Get(gctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("get record %s: %w", id, Unavailable(err))
			}
			if rec.KeyID == next.KeyID() || rec.State != StateActive {
				return nil
			}
			res, err := e.open(rec)
			if err != nil {
				e.logger.Warn("rotation skipped unreadable memory", "id", id, "err", err)
				outcomes[i].skipped = true
				return nil
			}
			blob, err := next.Seal([]byte(res.Content), []byte(id))
			if err != nil {
				return fmt.Errorf("seal record %s: %w", id, err)
			}
			rec.Ciphertext = blob
			rec.KeyID = next.KeyID()
			rec.UpdatedAt = e.monotonic(rec.UpdatedAt)
			if err := e.records.Update(gctx, rec); err != nil {
				return fmt.Errorf("update record %s: %w", id, Unavailable(err))
			}
			outcomes[i].rotated = true
			return nil
		})
	}
	waitErr := g.Wait()

	for _, o := range outcomes {
		if o.rotated {
			rotated++
		}
		if o.skipped {
			skipped++
		}
	}
	if waitErr != nil {
		e.logger.Error("key rotation interrupted", "rotated", rotated, "err", waitErr)
		return rotated, skipped, waitErr
	}

	previous := e.sealer
	e.sealer = next
	if skipped == 0 && previous.KeyID() != next.KeyID() {
		delete(e.keyring, previous.KeyID())
	}
	e.logger.Info("rotated key", "key_id", next.KeyID(), "rotated", rotated, "skipped", skipped)
	return rotated, skipped, nil
}

// Reembed migrates every active record to a new embedding backend. Vectors
// are written to index, which must be empty and share the embedder's
// dimension; only after every record is re-embedded does the engine switch
// to the new pair. The old index is left for the caller to close.
//
// If some records cannot be updated with the new dimension after the switch,
// Reembed returns ErrPartialWrite along with the migrated count. The engine
// already serves from the new pair and Reconcile finishes the update.
func (e *Engine) Reembed(ctx context.Context, embedder Embedder, index VectorIndex) (int, error) {
	if embedder == nil || index == nil {
		return 0, invalidf("embedder and index are required")
	}
	if embedder.Dimensions() != index.Dimension() {
		return 0, fmt.Errorf("%w: embedder produces %d, index stores %d",
			ErrDimensionMismatch, embedder.Dimensions(), index.Dimension())
	}
	if n, err := index.Count(ctx); err != nil {
		return 0, fmt.Errorf("count target index: %w", Unavailable(err))
	} else if n > 0 {
		return 0, invalidf("target index already holds %d entries", n)
	}
	e.maint.Lock()
	defer e.maint.Unlock()

	ids, err := e.activeIDs(ctx)
	if err != nil {
		return 0, err
	}

	var migrated []string
	for start := 0; start < len(ids); start += e.config.ReembedBatchSize {
		batch := ids[start:min(start+e.config.ReembedBatchSize, len(ids))]
		done, err := e.reembedBatch(ctx, embedder, index, batch)
		if err != nil {
			return len(migrated), err
		}
		migrated = append(migrated, done...)
	}

	e.embedder = embedder
	e.index = index

	// The swap is done; records still carrying the old dimension are
	// repaired by Reconcile.
	var stale atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaintenanceWorkers)
	for _, id := range migrated {
		g.Go(func() error {
			if err := e.setDimension(gctx, id, index.Dimension()); err != nil {
				e.logger.Warn("reembed could not update record dimension", "id", id, "err", err)
				stale.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := stale.Load(); n > 0 {
		return len(migrated), fmt.Errorf("%w: %d of %d records kept the old dimension",
			ErrPartialWrite, n, len(migrated))
	}
	e.logger.Info("reembedded memories", "count", len(migrated), "dimension", index.Dimension())
	return len(migrated), nil
}

// setDimension records the embedding dimension of an active record.
func (e *Engine) setDimension(ctx context.Context, id string, dim int) error {
	rec, err := e.records.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get record: %w", Unavailable(err))
	}
	if rec.EmbeddingDim == dim {
		return nil
	}
	rec.EmbeddingDim = dim
	rec.UpdatedAt = e.monotonic(rec.UpdatedAt)
	if err := e.records.Update(ctx, rec); err != nil {
		return fmt.Errorf("update record: %w", Unavailable(err))
	}
	return nil
}

func (e *Engine) reembedBatch(ctx context.Context, embedder Embedder, index VectorIndex, ids []string) ([]string, error) {
	recs := make([]*Record, 0, len(ids))
	texts := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, err := e.records.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get record %s: %w", id, Unavailable(err))
		}
		res, err := e.open(rec)
		if err != nil {
			e.logger.Warn("reembed skipped unreadable memory", "id", id, "err", err)
			continue
		}
		recs = append(recs, rec)
		texts = append(texts, res.Content)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", Unavailable(err))
	}
	if len(vectors) != len(recs) {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for %d texts", ErrBackendUnavailable, len(vectors), len(recs))
	}

	done := make([]string, 0, len(recs))
	for i, rec := range recs {
		err := index.Upsert(ctx, VectorEntry{
			ID:         rec.ID,
			Vector:     vectors[i],
			OwnerScope: rec.OwnerScope,
			Tags:       rec.Tags,
			CreatedAt:  rec.CreatedAt,
			Metadata:   rec.Metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert vector %s: %w", rec.ID, Unavailable(err))
		}
		done = append(done, rec.ID)
	}
	return done, nil
}

// activeIDs lists IDs of active records.
func (e *Engine) activeIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := e.records.Scan(ctx, func(rec *Record) error {
		if rec.State == StateActive {
			ids = append(ids, rec.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", Unavailable(err))
	}
	return ids, nil
}
