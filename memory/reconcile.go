package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	// Pending is the number of pending records found.
	Pending int
	// RolledBack counts pending records removed from both stores.
	RolledBack int
	// OrphanVectors counts vector entries removed because no record exists.
	OrphanVectors int
	// DimensionsFixed counts active records whose stored embedding
	// dimension was brought in line with the index after a Reembed.
	DimensionsFixed int
	// Failed counts entries left for the next sweep.
	Failed int
}

// Reconcile removes records left in StatePending and vector entries known to
// have no record. It also finishes an interrupted Reembed by updating the
// stored dimension of active records already present in the index. A pending record never had its ID returned to a caller (a
// failed Add) or was already hidden by Delete, so removal is always the
// correct resolution. Each ID is handled under the same lock as regular
// operations.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	e.maint.RLock()
	defer e.maint.RUnlock()

	var report ReconcileReport
	var pending, stale []string
	dim := e.index.Dimension()
	err := e.records.Scan(ctx, func(rec *Record) error {
		switch {
		case rec.State == StatePending:
			pending = append(pending, rec.ID)
		case rec.EmbeddingDim != dim:
			stale = append(stale, rec.ID)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("scan records: %w", Unavailable(err))
	}
	report.Pending = len(pending)

	for _, id := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		removed, err := e.resolvePending(ctx, id)
		switch {
		case err != nil:
			report.Failed++
			e.logger.Error("reconcile pending record", "id", id, "err", err)
		case removed:
			report.RolledBack++
		}
	}

	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fixed, err := e.resolveDimension(ctx, id)
		switch {
		case err != nil:
			report.Failed++
			e.logger.Error("reconcile record dimension", "id", id, "err", err)
		case fixed:
			report.DimensionsFixed++
		}
	}

	e.suspectsMu.Lock()
	suspects := make([]string, 0, len(e.suspects))
	for id := range e.suspects {
		suspects = append(suspects, id)
	}
	e.suspectsMu.Unlock()

	for _, id := range suspects {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		removed, err := e.resolveOrphan(ctx, id)
		if err != nil {
			report.Failed++
			e.logger.Error("reconcile orphan vector", "id", id, "err", err)
			continue
		}
		e.suspectsMu.Lock()
		delete(e.suspects, id)
		e.suspectsMu.Unlock()
		if removed {
			report.OrphanVectors++
		}
	}

	if report.Pending > 0 || report.OrphanVectors > 0 || report.DimensionsFixed > 0 || report.Failed > 0 {
		e.logger.Info("reconciled", "pending", report.Pending, "rolled_back", report.RolledBack,
			"orphans", report.OrphanVectors, "dimensions_fixed", report.DimensionsFixed, "failed", report.Failed)
	}
	return report, nil
}

func (e *Engine) resolvePending(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	rec, err := e.records.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.State != StatePending {
		return false, nil
	}
	if err := e.index.Delete(ctx, id); err != nil {
		return false, fmt.Errorf("delete vector: %w", err)
	}
	if _, err := e.records.Delete(ctx, id); err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	return true, nil
}

// resolveDimension updates the stored dimension of an active record whose
// vector is already in the current index. Records without a vector are left
// alone: they predate a Reembed that never reached them.
func (e *Engine) resolveDimension(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	rec, err := e.records.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	dim := e.index.Dimension()
	if rec.State != StateActive || rec.EmbeddingDim == dim {
		return false, nil
	}
	ok, err := e.index.Has(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	rec.EmbeddingDim = dim
	rec.UpdatedAt = e.monotonic(rec.UpdatedAt)
	if err := e.records.Update(ctx, rec); err != nil {
		return false, fmt.Errorf("update record: %w", err)
	}
	return true, nil
}

func (e *Engine) resolveOrphan(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	_, err := e.records.Get(ctx, id)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	ok, err := e.index.Has(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if err := e.index.Delete(ctx, id); err != nil {
		return false, fmt.Errorf("delete vector: %w", err)
	}
	return true, nil
}

// Start runs Reconcile every Config.ReconcileInterval until Close.
// It is a no-op when the interval is zero or the loop already runs.
func (e *Engine) Start(ctx context.Context) {
	if e.config.ReconcileInterval <= 0 {
		return
	}
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(e.config.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := e.Reconcile(ctx); err != nil && !isContextErr(err) {
					e.logger.Error("reconcile sweep", "err", err)
				}
			}
		}
	}(e.stop, e.done)
}

// Close stops the background sweep. Stores are owned by the caller.
func (e *Engine) Close() error {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.stop == nil {
		return nil
	}
	close(e.stop)
	<-e.done
	e.stop, e.done = nil, nil
	return nil
}
