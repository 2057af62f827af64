package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Compensating actions run even when the caller's context is already
// cancelled, bounded by compensationTimeout.
const (
	compensationTimeout = 10 * time.Second
	compensationRetries = 3
	compensationBackoff = 25 * time.Millisecond
)

// Engine orchestrates the Embedder, Sealer, RecordStore and VectorIndex into
// atomic add, search and delete operations.
//
// The Engine is the only writer of both stores and keeps them in agreement:
// every active record has exactly one vector entry and vice versa. Writes
// that fail half way leave the record in StatePending, where it is invisible
// to readers until Reconcile removes it.
type Engine struct {
	config Config
	logger *log.Logger
	now    func() time.Time
	locks  lockSet

	// maint is held shared by regular operations and exclusively by
	// RotateKey and Reembed, which swap the fields below.
	maint    sync.RWMutex
	sealer   Sealer
	keyring  map[string]Sealer
	embedder Embedder
	records  RecordStore
	index    VectorIndex

	suspectsMu sync.Mutex
	suspects   map[string]struct{}

	loopMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to log.Default().
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithPreviousKeys registers sealers able to open records written before a
// key rotation that did not finish.
func WithPreviousKeys(sealers ...Sealer) Option {
	return func(e *Engine) {
		for _, s := range sealers {
			if s != nil {
				e.keyring[s.KeyID()] = s
			}
		}
	}
}

// New creates an Engine. A nil config uses DefaultConfig.
//
// The embedder and index must agree on dimension, and existing records must
// have been written with that dimension; otherwise ErrDimensionMismatch is
// returned and the data needs a Reembed migration with the previous backend.
func New(ctx context.Context, config *Config, sealer Sealer, embedder Embedder, records RecordStore, index VectorIndex, opts ...Option) (*Engine, error) {
	if sealer == nil || embedder == nil || records == nil || index == nil {
		return nil, fmt.Errorf("%w: sealer, embedder, record store and index are required", ErrInvalidInput)
	}
	if config == nil {
		config = DefaultConfig()
	}
	e := &Engine{
		config:   config.withDefaults(),
		logger:   log.Default(),
		now:      time.Now,
		sealer:   sealer,
		keyring:  map[string]Sealer{sealer.KeyID(): sealer},
		embedder: embedder,
		records:  records,
		index:    index,
		suspects: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithPrefix("memory")

	if embedder.Dimensions() != index.Dimension() {
		return nil, fmt.Errorf("%w: embedder produces %d, index stores %d",
			ErrDimensionMismatch, embedder.Dimensions(), index.Dimension())
	}
	if err := e.checkStoredDimension(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// checkStoredDimension compares the first active record with the index,
// skipping records whose vector the index already holds.
func (e *Engine) checkStoredDimension(ctx context.Context) error {
	dim := e.index.Dimension()
	var mismatch error
	err := e.records.Scan(ctx, func(rec *Record) error {
		if rec.State != StateActive {
			return nil
		}
		if rec.EmbeddingDim == dim {
			return ErrStopScan
		}
		// A Reembed whose write-back was cut short leaves records with the
		// old dimension but vectors in this index.
		ok, err := e.index.Has(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("check vector %s: %w", rec.ID, err)
		}
		if ok {
			return nil
		}
		mismatch = fmt.Errorf("%w: record %s stored with %d, index stores %d",
			ErrDimensionMismatch, rec.ID, rec.EmbeddingDim, dim)
		return ErrStopScan
	})
	if err != nil {
		return fmt.Errorf("scan records: %w", Unavailable(err))
	}
	return mismatch
}

// AddRequest describes a memory to store.
type AddRequest struct {
	Text       string
	Tags       []string
	Metadata   map[string]any
	OwnerScope string
}

// Add stores a new memory and returns its ID.
//
// Embedding and encryption run before any store is touched, so a failure or
// timeout there leaves nothing behind. The ID is returned only after the
// record and its vector entry are both durable.
func (e *Engine) Add(ctx context.Context, req AddRequest) (string, error) {
	e.maint.RLock()
	defer e.maint.RUnlock()

	if err := e.config.validateText(req.Text); err != nil {
		return "", err
	}
	if err := e.config.validateScope(req.OwnerScope); err != nil {
		return "", err
	}
	tags, err := e.config.normalizeTags(req.Tags)
	if err != nil {
		return "", err
	}
	metadata, err := e.config.normalizeMetadata(req.Metadata)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()

	vector, err := e.embed(ctx, req.Text)
	if err != nil {
		return "", fmt.Errorf("embed memory %s: %w", id, err)
	}
	blob, err := e.sealer.Seal([]byte(req.Text), []byte(id))
	if err != nil {
		return "", fmt.Errorf("seal memory %s: %w", id, err)
	}

	now := e.now().UTC()
	rec := &Record{
		ID:           id,
		OwnerScope:   req.OwnerScope,
		Ciphertext:   blob,
		KeyID:        e.sealer.KeyID(),
		Tags:         tags,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
		EmbeddingDim: len(vector),
		State:        StatePending,
	}
	entry := VectorEntry{
		ID:         id,
		Vector:     vector,
		OwnerScope: req.OwnerScope,
		Tags:       tags,
		CreatedAt:  now,
		Metadata:   metadata,
	}

	unlock := e.locks.lock(id)
	defer unlock()

	if err := e.records.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("put record %s: %w", id, Unavailable(err))
	}
	if err := e.index.Upsert(ctx, entry); err != nil {
		e.rollbackAdd(ctx, id)
		return "", fmt.Errorf("%w: index write for %s: %w", ErrPartialWrite, id, err)
	}

	active := rec.Clone()
	active.State = StateActive
	active.UpdatedAt = e.monotonic(rec.CreatedAt)
	if err := e.records.Update(ctx, active); err != nil {
		e.rollbackAdd(ctx, id)
		return "", fmt.Errorf("%w: activate record %s: %w", ErrPartialWrite, id, err)
	}

	e.logger.Info("stored memory", "id", id, "scope", req.OwnerScope, "tags", len(tags))
	return id, nil
}

// rollbackAdd is the compensating action for a failed Add. Anything it
// cannot undo stays pending for the reconciliation sweep.
//
// The vector is always deleted, even when Upsert reported failure: a remote
// index may have applied a write whose response was lost. Deleting an absent
// entry is a no-op.
func (e *Engine) rollbackAdd(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := compensate(ctx, func(ctx context.Context) error {
		return e.index.Delete(ctx, id)
	}); err != nil {
		e.logger.Error("rollback vector failed, left pending", "id", id, "err", err)
		return
	}
	if err := compensate(ctx, func(ctx context.Context) error {
		_, err := e.records.Delete(ctx, id)
		return err
	}); err != nil {
		e.logger.Error("rollback record failed, left pending", "id", id, "err", err)
		return
	}
	e.logger.Warn("rolled back partial write", "id", id)
}

// compensate retries op with Fibonacci backoff.
func compensate(ctx context.Context, op func(context.Context) error) error {
	b := retry.WithMaxRetries(compensationRetries, retry.NewFibonacci(compensationBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Get returns one memory of ownerScope. Records of other scopes are reported
// as ErrNotFound so existence does not leak across scopes.
func (e *Engine) Get(ctx context.Context, id string, ownerScope string) (*Result, error) {
	e.maint.RLock()
	defer e.maint.RUnlock()

	rec, err := e.readRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.OwnerScope != ownerScope {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	res, err := e.open(rec)
	if err != nil {
		e.logger.Warn("excluded unreadable memory", "id", id, "err", err)
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return res, nil
}

// Delete removes a memory of ownerScope from both stores. It returns false,
// without error, when the ID does not exist or belongs to another scope.
func (e *Engine) Delete(ctx context.Context, id string, ownerScope string) (bool, error) {
	e.maint.RLock()
	defer e.maint.RUnlock()

	unlock := e.locks.lock(id)
	defer unlock()

	rec, err := e.records.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get record %s: %w", id, Unavailable(err))
	}
	if rec.State != StateActive || rec.OwnerScope != ownerScope {
		return false, nil
	}

	// Hide the record first so readers never see it without its vector.
	pending := rec.Clone()
	pending.State = StatePending
	pending.UpdatedAt = e.monotonic(rec.UpdatedAt)
	if err := e.records.Update(ctx, pending); err != nil {
		return false, fmt.Errorf("mark record %s: %w", id, Unavailable(err))
	}
	if err := e.index.Delete(ctx, id); err != nil {
		e.logger.Error("delete vector failed, left pending", "id", id, "err", err)
		return false, fmt.Errorf("%w: delete vector %s: %w", ErrPartialWrite, id, err)
	}
	if _, err := e.records.Delete(ctx, id); err != nil {
		e.logger.Error("delete record failed, left pending", "id", id, "err", err)
		return false, fmt.Errorf("%w: delete record %s: %w", ErrPartialWrite, id, err)
	}

	e.logger.Info("deleted memory", "id", id, "scope", ownerScope)
	return true, nil
}

// Count returns the number of active memories in ownerScope. Unreadable
// records are counted; they still occupy the scope until deleted.
func (e *Engine) Count(ctx context.Context, ownerScope string) (int, error) {
	if err := e.config.validateScope(ownerScope); err != nil {
		return 0, err
	}
	e.maint.RLock()
	defer e.maint.RUnlock()

	recs, err := e.records.ListByScope(ctx, ownerScope, Filter{OwnerScope: ownerScope})
	if err != nil {
		return 0, fmt.Errorf("list records: %w", Unavailable(err))
	}
	n := 0
	for _, rec := range recs {
		if rec.State == StateActive && rec.OwnerScope == ownerScope {
			n++
		}
	}
	return n, nil
}

// Stats summarizes the engine state.
type Stats struct {
	ActiveRecords  int    `json:"active_records"`
	PendingRecords int    `json:"pending_records"`
	VectorEntries  int    `json:"vector_entries"`
	EmbeddingDim   int    `json:"embedding_dim"`
	KeyID          string `json:"key_id"`
}

// Stats counts records by state and vector entries.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	e.maint.RLock()
	defer e.maint.RUnlock()

	s := &Stats{
		EmbeddingDim: e.index.Dimension(),
		KeyID:        e.sealer.KeyID(),
	}
	err := e.records.Scan(ctx, func(rec *Record) error {
		if rec.State == StateActive {
			s.ActiveRecords++
		} else {
			s.PendingRecords++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", Unavailable(err))
	}
	n, err := e.index.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count vectors: %w", Unavailable(err))
	}
	s.VectorEntries = n
	return s, nil
}

// embed runs the embedder under EmbedTimeout and checks the dimension.
func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if e.config.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.EmbedTimeout)
		defer cancel()
	}
	vector, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, Unavailable(err)
	}
	if len(vector) != e.index.Dimension() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), e.index.Dimension())
	}
	return vector, nil
}

// readRecord fetches an active record under the read lock. A missing or
// pending record yields (nil, nil).
func (e *Engine) readRecord(ctx context.Context, id string) (*Record, error) {
	unlock := e.locks.rlock(id)
	defer unlock()

	rec, err := e.records.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, Unavailable(err))
	}
	if rec.State != StateActive {
		return nil, nil
	}
	return rec, nil
}

// open decrypts a record into a Result. This is the only place content is
// turned back into plaintext.
func (e *Engine) open(rec *Record) (*Result, error) {
	sealer, ok := e.keyring[rec.KeyID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key for record %s", ErrTamperedOrCorrupted, rec.ID)
	}
	plain, err := sealer.Open(rec.Ciphertext, []byte(rec.ID))
	if err != nil {
		if !errors.Is(err, ErrTamperedOrCorrupted) {
			err = fmt.Errorf("%w: %w", ErrTamperedOrCorrupted, err)
		}
		return nil, err
	}
	return &Result{
		ID:         rec.ID,
		OwnerScope: rec.OwnerScope,
		Content:    string(plain),
		Tags:       append([]string(nil), rec.Tags...),
		Metadata:   rec.Clone().Metadata,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}

// monotonic returns now, or prev when the clock went backwards.
func (e *Engine) monotonic(prev time.Time) time.Time {
	now := e.now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

// markSuspect records an index hit without a record for the next sweep.
func (e *Engine) markSuspect(id string) {
	e.suspectsMu.Lock()
	e.suspects[id] = struct{}{}
	e.suspectsMu.Unlock()
}
