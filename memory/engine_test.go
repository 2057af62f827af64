package memory_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
	"github.com/becomeliminal/nim-memory/memory/encryption"
	"github.com/becomeliminal/nim-memory/memory/store/chromem"
	"github.com/becomeliminal/nim-memory/memory/store/memstore"
)

const dims = 64

// flakyIndex fails selected operations on demand. With lostAck set, Upsert
// writes the entry and then reports failure, as a remote index does when the
// response is lost.
type flakyIndex struct {
	memory.VectorIndex
	failUpsert atomic.Bool
	failDelete atomic.Bool
	lostAck    atomic.Bool
}

var errInjected = errors.New("injected failure")

func (f *flakyIndex) Upsert(ctx context.Context, e memory.VectorEntry) error {
	if f.failUpsert.Load() {
		return errInjected
	}
	if f.lostAck.Load() {
		if err := f.VectorIndex.Upsert(ctx, e); err != nil {
			return err
		}
		return errInjected
	}
	return f.VectorIndex.Upsert(ctx, e)
}

func (f *flakyIndex) Delete(ctx context.Context, id string) error {
	if f.failDelete.Load() {
		return errInjected
	}
	return f.VectorIndex.Delete(ctx, id)
}

// flakyStore fails Update on demand.
type flakyStore struct {
	memory.RecordStore
	failUpdate atomic.Bool
}

func (f *flakyStore) Update(ctx context.Context, rec *memory.Record) error {
	if f.failUpdate.Load() {
		return errInjected
	}
	return f.RecordStore.Update(ctx, rec)
}

// stepClock advances one second per call so creation order is strict.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	engine   *memory.Engine
	records  *flakyStore
	store    *memstore.Store
	index    *flakyIndex
	cipher   *encryption.Cipher
	embedder memory.Embedder
}

func newCipher(t *testing.T) *encryption.Cipher {
	t.Helper()
	encoded, err := encryption.GenerateKey()
	require.NoError(t, err)
	key, err := encryption.DecodeKey(encoded)
	require.NoError(t, err)
	c, err := encryption.NewCipher(key)
	require.NoError(t, err)
	return c
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(&strings.Builder{}, log.Options{Level: log.DebugLevel})
}

func newHarness(t *testing.T, cfg *memory.Config, embedder memory.Embedder) *harness {
	t.Helper()
	if embedder == nil {
		embedder = mock.New(mock.WithDimensions(dims))
	}
	idx, err := chromem.New(embedder.Dimensions())
	require.NoError(t, err)

	h := &harness{
		store:    memstore.New(),
		index:    &flakyIndex{VectorIndex: idx},
		cipher:   newCipher(t),
		embedder: embedder,
	}
	h.records = &flakyStore{RecordStore: h.store}

	clock := &stepClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	h.engine, err = memory.New(context.Background(), cfg, h.cipher, embedder, h.records, h.index,
		memory.WithLogger(quietLogger()),
		memory.WithClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { h.engine.Close() })
	return h
}

func (h *harness) add(t *testing.T, scope, text string, tags ...string) string {
	t.Helper()
	id, err := h.engine.Add(context.Background(), memory.AddRequest{Text: text, Tags: tags, OwnerScope: scope})
	require.NoError(t, err)
	return id
}

func ids(results []memory.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	text := "Remember: the spare key is under the blue pot 🌱"
	id, err := h.engine.Add(ctx, memory.AddRequest{
		Text:       text,
		Tags:       []string{" Home ", "keys", "home"},
		Metadata:   map[string]any{"source": "chat", "priority": 3},
		OwnerScope: "alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := h.engine.Get(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, text, got.Content)
	assert.Equal(t, []string{"home", "keys"}, got.Tags)
	assert.Equal(t, map[string]any{"source": "chat", "priority": float64(3)}, got.Metadata)
	assert.Equal(t, "alice", got.OwnerScope)

	resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: text, OwnerScope: "alice"})
	require.NoError(t, err)
	assert.Equal(t, memory.SearchSemantic, resp.Mode)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, id, resp.Results[0].ID)
	assert.Equal(t, text, resp.Results[0].Content)
	assert.InDelta(t, 1.0, resp.Results[0].Similarity, 1e-4)

	// Content never reaches the record store in the clear.
	rec, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, string(rec.Ciphertext), "spare key")
	assert.Equal(t, h.cipher.KeyID(), rec.KeyID)
	assert.Equal(t, memory.StateActive, rec.State)
	assert.Equal(t, dims, rec.EmbeddingDim)
}

func TestEngine_GetOtherScopeIsNotFound(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := h.add(t, "alice", "private note")

	_, err := h.engine.Get(context.Background(), id, "bob")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	_, err = h.engine.Get(context.Background(), "no-such-id", "alice")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	deleted, err := h.engine.Delete(context.Background(), id, "bob")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestEngine_WrongKeyIsTampered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	id := h.add(t, "alice", "launch codes are 0000")

	rec, err := h.store.Get(ctx, id)
	require.NoError(t, err)

	other := newCipher(t)
	plain, err := other.Open(rec.Ciphertext, []byte(id))
	assert.ErrorIs(t, err, memory.ErrTamperedOrCorrupted)
	assert.Nil(t, plain)

	// An engine holding only the wrong key refuses the record.
	wrong, err := memory.New(ctx, nil, other, h.embedder, h.records, h.index, memory.WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = wrong.Get(ctx, id, "alice")
	assert.ErrorIs(t, err, memory.ErrTamperedOrCorrupted)

	resp, err := wrong.Search(ctx, memory.SearchRequest{Query: "launch codes", OwnerScope: "alice"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestEngine_MetadataSearchScopeIsolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	a1 := h.add(t, "alice", "first")
	a2 := h.add(t, "alice", "second")
	a3 := h.add(t, "alice", "third")
	// Newer records from another scope.
	for i := 0; i < 5; i++ {
		h.add(t, "bob", fmt.Sprintf("bob note %d", i))
	}

	resp, err := h.engine.Search(ctx, memory.SearchRequest{OwnerScope: "alice"})
	require.NoError(t, err)
	assert.Equal(t, memory.SearchMetadata, resp.Mode)
	assert.Equal(t, []string{a3, a2, a1}, ids(resp.Results))
	for _, r := range resp.Results {
		assert.Equal(t, "alice", r.OwnerScope)
		assert.Zero(t, r.Similarity)
	}

	resp, err = h.engine.Search(ctx, memory.SearchRequest{OwnerScope: "alice", TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{a3, a2}, ids(resp.Results))

	resp, err = h.engine.Search(ctx, memory.SearchRequest{Query: "bob note", OwnerScope: "alice"})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.Equal(t, "alice", r.OwnerScope)
	}
}

func TestEngine_DeleteHidesAndReaddGetsNewID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	text := "dentist appointment on friday"
	id := h.add(t, "alice", text)

	deleted, err := h.engine.Delete(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = h.engine.Get(ctx, id, "alice")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: text, OwnerScope: "alice"})
	require.NoError(t, err)
	assert.NotContains(t, ids(resp.Results), id)

	resp, err = h.engine.Search(ctx, memory.SearchRequest{OwnerScope: "alice"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	again := h.add(t, "alice", text)
	assert.NotEqual(t, id, again)

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveRecords)
	assert.Equal(t, 1, stats.VectorEntries)
}

func TestEngine_DeleteTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	id := h.add(t, "alice", "temporary")

	deleted, err := h.engine.Delete(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = h.engine.Delete(ctx, id, "alice")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestEngine_FilterBeforeRank(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	for i := 0; i < 30; i++ {
		h.add(t, "alice", "alpha beta gamma")
	}
	var tagged []string
	for i := 0; i < 4; i++ {
		tagged = append(tagged, h.add(t, "alice", fmt.Sprintf("unrelated words %d", i), "work"))
	}

	resp, err := h.engine.Search(ctx, memory.SearchRequest{
		Query:      "alpha beta gamma",
		OwnerScope: "alice",
		Tags:       []string{"WORK"},
		TopK:       3,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	for _, r := range resp.Results {
		assert.Contains(t, tagged, r.ID)
		assert.Contains(t, r.Tags, "work")
	}
}

func TestEngine_TagMatchAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	both := h.add(t, "alice", "note one", "work", "urgent")
	h.add(t, "alice", "note two", "work")

	resp, err := h.engine.Search(ctx, memory.SearchRequest{
		OwnerScope: "alice",
		Tags:       []string{"work", "urgent"},
		TagMatch:   memory.TagMatchAll,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{both}, ids(resp.Results))

	resp, err = h.engine.Search(ctx, memory.SearchRequest{
		OwnerScope: "alice",
		Tags:       []string{"work", "urgent"},
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

// conceptEmbedder maps words onto three concept axes: finance, social and
// everything else.
type conceptEmbedder struct{}

var concepts = map[string]int{
	"budget": 0, "money": 0, "allocation": 0, "quarterly": 0,
	"team": 1, "lunch": 1, "plans": 1,
}

func (conceptEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 3)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		axis, ok := concepts[w]
		if !ok {
			axis = 2
		}
		vec[axis]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		return []float32{0, 0, 1}, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / math.Sqrt(norm))
	}
	return vec, nil
}

func (c conceptEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = c.Embed(ctx, t)
	}
	return out, nil
}

func (conceptEmbedder) Dimensions() int { return 3 }

func TestEngine_BudgetScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, conceptEmbedder{})

	budget := h.add(t, "alice", "quarterly budget review", "finance")
	lunch := h.add(t, "alice", "team lunch plans", "social")
	// Closer to the query than the budget record, but in the wrong tag.
	decoy := h.add(t, "alice", "money money allocation", "social")

	threshold := 0.5
	resp, err := h.engine.Search(ctx, memory.SearchRequest{
		Query:         "money allocation",
		OwnerScope:    "alice",
		Tags:          []string{"finance"},
		MinSimilarity: &threshold,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, budget, resp.Results[0].ID)
	assert.Greater(t, float64(resp.Results[0].Similarity), threshold)
	assert.NotContains(t, ids(resp.Results), lunch)
	assert.NotContains(t, ids(resp.Results), decoy)
}

func TestEngine_ThresholdStopsRanking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, conceptEmbedder{})

	budget := h.add(t, "alice", "quarterly budget review")
	h.add(t, "alice", "team lunch plans")

	threshold := 0.5
	resp, err := h.engine.Search(ctx, memory.SearchRequest{
		Query:         "money allocation",
		OwnerScope:    "alice",
		MinSimilarity: &threshold,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{budget}, ids(resp.Results))
}

func TestEngine_EmptyTextInvalid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	for _, text := range []string{"", "   \n\t"} {
		_, err := h.engine.Add(ctx, memory.AddRequest{Text: text, OwnerScope: "alice"})
		assert.ErrorIs(t, err, memory.ErrInvalidInput)
	}
	_, err := h.engine.Add(ctx, memory.AddRequest{Text: "valid", OwnerScope: ""})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ActiveRecords)
	assert.Zero(t, stats.PendingRecords)
	assert.Zero(t, stats.VectorEntries)
}

func TestEngine_AddValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &memory.Config{MaxContentLength: 10, MaxTags: 2}, nil)

	_, err := h.engine.Add(ctx, memory.AddRequest{Text: strings.Repeat("é", 11), OwnerScope: "alice"})
	assert.ErrorIs(t, err, memory.ErrContentTooLarge)

	_, err = h.engine.Add(ctx, memory.AddRequest{Text: strings.Repeat("é", 10), OwnerScope: "alice"})
	assert.NoError(t, err)

	_, err = h.engine.Add(ctx, memory.AddRequest{Text: "ok", OwnerScope: "alice", Tags: []string{"a", "b", "c"}})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	_, err = h.engine.Add(ctx, memory.AddRequest{Text: "ok", OwnerScope: "alice", Metadata: map[string]any{"nested": map[string]any{"x": 1}}})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	_, err = h.engine.Add(ctx, memory.AddRequest{Text: "ok", OwnerScope: "alice", Metadata: map[string]any{"n": math.NaN()}})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	_, err = h.engine.Add(ctx, memory.AddRequest{Text: "bad \xff utf8", OwnerScope: "alice"})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestEngine_CorruptedByteExcluded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	bad := h.add(t, "alice", "project alpha notes")
	good := h.add(t, "alice", "project alpha summary")

	rec, err := h.store.Get(ctx, bad)
	require.NoError(t, err)
	rec.Ciphertext[len(rec.Ciphertext)/2] ^= 0x01
	require.NoError(t, h.store.Update(ctx, rec))

	resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: "project alpha", OwnerScope: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{good}, ids(resp.Results))

	resp, err = h.engine.Search(ctx, memory.SearchRequest{OwnerScope: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{good}, ids(resp.Results))

	_, err = h.engine.Get(ctx, bad, "alice")
	assert.ErrorIs(t, err, memory.ErrTamperedOrCorrupted)
}

func TestEngine_IndexFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.index.failUpsert.Store(true)

	_, err := h.engine.Add(ctx, memory.AddRequest{Text: "will fail", OwnerScope: "alice"})
	assert.ErrorIs(t, err, memory.ErrPartialWrite)
	assert.Zero(t, h.store.Len())

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.VectorEntries)
}

func TestEngine_LostUpsertAckRollsBackVector(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.index.lostAck.Store(true)

	_, err := h.engine.Add(ctx, memory.AddRequest{Text: "applied but unacknowledged", OwnerScope: "alice"})
	assert.ErrorIs(t, err, memory.ErrPartialWrite)
	assert.Zero(t, h.store.Len())

	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.index.lostAck.Store(false)
	report, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, memory.ReconcileReport{}, report)
}

func TestEngine_ActivateFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.records.failUpdate.Store(true)

	_, err := h.engine.Add(ctx, memory.AddRequest{Text: "will fail", OwnerScope: "alice"})
	assert.ErrorIs(t, err, memory.ErrPartialWrite)
	assert.Zero(t, h.store.Len())

	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_FailedRollbackLeftForSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.records.failUpdate.Store(true)
	h.index.failDelete.Store(true)

	_, err := h.engine.Add(ctx, memory.AddRequest{Text: "stuck write", OwnerScope: "alice"})
	assert.ErrorIs(t, err, memory.ErrPartialWrite)

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingRecords)
	assert.Equal(t, 1, stats.VectorEntries)

	// Pending records stay invisible.
	resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: "stuck write", OwnerScope: "alice"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	resp, err = h.engine.Search(ctx, memory.SearchRequest{OwnerScope: "alice"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	h.records.failUpdate.Store(false)
	h.index.failDelete.Store(false)
	report, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, 1, report.RolledBack)

	stats, err = h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingRecords)
	assert.Zero(t, stats.VectorEntries)
}

func TestEngine_DeletePartialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	id := h.add(t, "alice", "half deleted")
	h.index.failDelete.Store(true)

	deleted, err := h.engine.Delete(ctx, id, "alice")
	assert.ErrorIs(t, err, memory.ErrPartialWrite)
	assert.False(t, deleted)

	_, err = h.engine.Get(ctx, id, "alice")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	h.index.failDelete.Store(false)
	report, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RolledBack)

	has, err := h.index.Has(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestEngine_OrphanVectorRemoved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	kept := h.add(t, "alice", "orphan candidate text")

	vec, err := h.embedder.Embed(ctx, "orphan candidate text")
	require.NoError(t, err)
	require.NoError(t, h.index.Upsert(ctx, memory.VectorEntry{
		ID:         "orphan",
		Vector:     vec,
		OwnerScope: "alice",
		CreatedAt:  time.Now().UTC(),
	}))

	resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: "orphan candidate text", OwnerScope: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{kept}, ids(resp.Results))

	report, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanVectors)

	has, err := h.index.Has(ctx, "orphan")
	require.NoError(t, err)
	assert.False(t, has)

	// The sweep forgets resolved suspects.
	report, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.OrphanVectors)
}

func TestEngine_StartRunsSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &memory.Config{ReconcileInterval: 10 * time.Millisecond}, nil)

	require.NoError(t, h.store.Put(ctx, &memory.Record{
		ID:         "crashed",
		OwnerScope: "alice",
		State:      memory.StatePending,
		CreatedAt:  time.Now().UTC(),
	}))

	h.engine.Start(ctx)
	h.engine.Start(ctx)
	assert.Eventually(t, func() bool { return h.store.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.engine.Close())
	require.NoError(t, h.engine.Close())
}

func TestEngine_RotateKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	var added []string
	for i := 0; i < 5; i++ {
		added = append(added, h.add(t, "alice", fmt.Sprintf("secret number %d", i)))
	}

	next := newCipher(t)
	rotated, skipped, err := h.engine.RotateKey(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 5, rotated)
	assert.Zero(t, skipped)

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.KeyID(), stats.KeyID)

	for i, id := range added {
		rec, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, next.KeyID(), rec.KeyID)

		got, err := h.engine.Get(ctx, id, "alice")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("secret number %d", i), got.Content)
	}

	// Running again is a no-op.
	rotated, _, err = h.engine.RotateKey(ctx, next)
	require.NoError(t, err)
	assert.Zero(t, rotated)

	// The old key alone no longer opens anything.
	stale, err := memory.New(ctx, nil, h.cipher, h.embedder, h.records, h.index, memory.WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = stale.Get(ctx, added[0], "alice")
	assert.ErrorIs(t, err, memory.ErrTamperedOrCorrupted)

	// New writes use the new key.
	id := h.add(t, "alice", "after rotation")
	rec, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, next.KeyID(), rec.KeyID)
}

func TestEngine_ResumesRotationWithPreviousKeys(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	id := h.add(t, "alice", "written under the old key")

	next := newCipher(t)
	resumed, err := memory.New(ctx, nil, next, h.embedder, h.records, h.index,
		memory.WithLogger(quietLogger()),
		memory.WithPreviousKeys(h.cipher),
	)
	require.NoError(t, err)

	got, err := resumed.Get(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "written under the old key", got.Content)

	rotated, _, err := resumed.RotateKey(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 1, rotated)
}

func TestEngine_Reembed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &memory.Config{ReembedBatchSize: 2}, nil)

	var added []string
	for i := 0; i < 5; i++ {
		added = append(added, h.add(t, "alice", fmt.Sprintf("migrating memory %d", i)))
	}

	next := mock.New(mock.WithDimensions(256))
	idx, err := chromem.New(256)
	require.NoError(t, err)

	n, err := h.engine.Reembed(ctx, next, idx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 256, stats.EmbeddingDim)

	rec, err := h.store.Get(ctx, added[0])
	require.NoError(t, err)
	assert.Equal(t, 256, rec.EmbeddingDim)

	resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: "migrating memory 3", OwnerScope: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, added[3], resp.Results[0].ID)

	// Mismatched pair is rejected.
	_, err = h.engine.Reembed(ctx, mock.New(mock.WithDimensions(16)), idx)
	assert.ErrorIs(t, err, memory.ErrDimensionMismatch)
}

func TestEngine_ReembedWriteBackFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &memory.Config{ReembedBatchSize: 2}, nil)

	var added []string
	for i := 0; i < 5; i++ {
		added = append(added, h.add(t, "alice", fmt.Sprintf("half migrated %d", i)))
	}

	next := mock.New(mock.WithDimensions(256))
	idx, err := chromem.New(256)
	require.NoError(t, err)

	h.records.failUpdate.Store(true)
	n, err := h.engine.Reembed(ctx, next, idx)
	assert.ErrorIs(t, err, memory.ErrPartialWrite)
	assert.Equal(t, 5, n)

	// The switch already happened; searches use the new index.
	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 256, stats.EmbeddingDim)
	rec, err := h.store.Get(ctx, added[0])
	require.NoError(t, err)
	assert.Equal(t, dims, rec.EmbeddingDim)

	// Reopening before the sweep tolerates records whose vector is present.
	_, err = memory.New(ctx, nil, h.cipher, next, h.store, idx, memory.WithLogger(quietLogger()))
	require.NoError(t, err)

	h.records.failUpdate.Store(false)
	report, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.DimensionsFixed)
	assert.Zero(t, report.Failed)

	for _, id := range added {
		rec, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 256, rec.EmbeddingDim)
	}

	report, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.DimensionsFixed)
}

func TestEngine_ReembedRejectsPopulatedIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	id := h.add(t, "alice", "stays put")

	idx, err := chromem.New(dims)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, memory.VectorEntry{
		ID:         "leftover",
		Vector:     make([]float32, dims),
		OwnerScope: "bob",
		CreatedAt:  time.Now(),
	}))

	_, err = h.engine.Reembed(ctx, mock.New(mock.WithDimensions(dims)), idx)
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	// Nothing moved.
	resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: "stays put", OwnerScope: "alice"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, id, resp.Results[0].ID)
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNew_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx, err := chromem.New(8)
	require.NoError(t, err)

	_, err = memory.New(ctx, nil, newCipher(t), mock.New(mock.WithDimensions(16)), memstore.New(), idx)
	assert.ErrorIs(t, err, memory.ErrDimensionMismatch)

	// Existing records written with another dimension.
	store := memstore.New()
	require.NoError(t, store.Put(ctx, &memory.Record{ID: "old", OwnerScope: "a", EmbeddingDim: 384, State: memory.StateActive}))
	_, err = memory.New(ctx, nil, newCipher(t), mock.New(mock.WithDimensions(8)), store, idx)
	assert.ErrorIs(t, err, memory.ErrDimensionMismatch)

	_, err = memory.New(ctx, nil, nil, mock.New(), store, idx)
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestEngine_EqualSimilarityNewestFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	a := h.add(t, "alice", "water the plants")
	b := h.add(t, "alice", "water the plants")
	c := h.add(t, "alice", "water the plants")

	resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: "water the plants", OwnerScope: "alice"})
	require.NoError(t, err)
	assert.Equal(t, memory.SearchSemantic, resp.Mode)
	assert.Equal(t, []string{c, b, a}, ids(resp.Results))
	for _, r := range resp.Results {
		assert.InDelta(t, resp.Results[0].Similarity, r.Similarity, 1e-9)
	}
}

func TestEngine_WhitespaceQueryIsMetadataSearch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	first := h.add(t, "alice", "first note")
	second := h.add(t, "alice", "second note")

	for _, q := range []string{" ", "\t\n", "   \r\n  "} {
		resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: q, OwnerScope: "alice"})
		require.NoError(t, err, "query %q", q)
		assert.Equal(t, memory.SearchMetadata, resp.Mode, "query %q", q)
		assert.Equal(t, []string{second, first}, ids(resp.Results))
	}
}

func TestEngine_Count(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	n, err := h.engine.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)

	first := h.add(t, "alice", "one")
	h.add(t, "alice", "two")
	h.add(t, "bob", "three")

	n, err = h.engine.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = h.engine.Count(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.engine.Delete(ctx, first, "alice")
	require.NoError(t, err)
	n, err = h.engine.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Pending writes are not counted.
	h.records.failUpdate.Store(true)
	h.index.failDelete.Store(true)
	_, err = h.engine.Add(ctx, memory.AddRequest{Text: "stuck", OwnerScope: "alice"})
	require.Error(t, err)
	n, err = h.engine.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.engine.Count(ctx, "")
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestEngine_SearchValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.add(t, "alice", "something")

	cases := []struct {
		name string
		req  memory.SearchRequest
		want error
	}{
		{"no scope", memory.SearchRequest{Query: "x"}, memory.ErrInvalidInput},
		{"negative top k", memory.SearchRequest{Query: "x", OwnerScope: "alice", TopK: -1}, memory.ErrInvalidInput},
		{"top k too large", memory.SearchRequest{Query: "x", OwnerScope: "alice", TopK: 101}, memory.ErrInvalidInput},
		{"bad cel", memory.SearchRequest{OwnerScope: "alice", MetadataFilter: "metadata.("}, memory.ErrInvalidInput},
		{"inverted range", memory.SearchRequest{OwnerScope: "alice", From: time.Now(), To: time.Now().Add(-time.Hour)}, memory.ErrInvalidInput},
		{"query too large", memory.SearchRequest{Query: strings.Repeat("a", 10001), OwnerScope: "alice"}, memory.ErrContentTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Search(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	bad := 1.5
	_, err := h.engine.Search(ctx, memory.SearchRequest{Query: "x", OwnerScope: "alice", MinSimilarity: &bad})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: "x", OwnerScope: "alice", TopK: 100})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
}

func TestEngine_MetadataFilter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	hi, err := h.engine.Add(ctx, memory.AddRequest{Text: "ship the release", OwnerScope: "alice",
		Metadata: map[string]any{"priority": 5, "source": "import"}})
	require.NoError(t, err)
	_, err = h.engine.Add(ctx, memory.AddRequest{Text: "ship the docs", OwnerScope: "alice",
		Metadata: map[string]any{"priority": 1, "source": "import"}})
	require.NoError(t, err)
	_, err = h.engine.Add(ctx, memory.AddRequest{Text: "ship nothing", OwnerScope: "alice"})
	require.NoError(t, err)

	filter := `metadata.source == "import" && metadata.priority > 2`
	resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: "ship", OwnerScope: "alice", MetadataFilter: filter})
	require.NoError(t, err)
	assert.Equal(t, []string{hi}, ids(resp.Results))

	resp, err = h.engine.Search(ctx, memory.SearchRequest{OwnerScope: "alice", MetadataFilter: filter})
	require.NoError(t, err)
	assert.Equal(t, []string{hi}, ids(resp.Results))
}

func TestEngine_DateRange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	first := h.add(t, "alice", "one")
	second := h.add(t, "alice", "two")
	h.add(t, "alice", "three")

	r1, err := h.engine.Get(ctx, first, "alice")
	require.NoError(t, err)
	r2, err := h.engine.Get(ctx, second, "alice")
	require.NoError(t, err)

	resp, err := h.engine.Search(ctx, memory.SearchRequest{OwnerScope: "alice", From: r1.CreatedAt, To: r2.CreatedAt})
	require.NoError(t, err)
	assert.Equal(t, []string{second, first}, ids(resp.Results))
}

func TestEngine_CancelledContextLeavesNothing(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Add(ctx, memory.AddRequest{Text: "never stored", OwnerScope: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.store.Len())
}

func TestEngine_Concurrent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var added []string
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				scope := fmt.Sprintf("user-%d", w%2)
				id, err := h.engine.Add(ctx, memory.AddRequest{Text: fmt.Sprintf("note %d from %d", i, w), OwnerScope: scope})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				added = append(added, id)
				mu.Unlock()

				resp, err := h.engine.Search(ctx, memory.SearchRequest{Query: "note", OwnerScope: scope, TopK: 5})
				if assert.NoError(t, err) {
					for _, r := range resp.Results {
						assert.Equal(t, scope, r.OwnerScope)
					}
				}
				if i%3 == 0 {
					_, err := h.engine.Delete(ctx, id, scope)
					assert.NoError(t, err)
				}
			}
		}(w)
	}
	wg.Wait()

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.ActiveRecords, stats.VectorEntries)
	assert.Zero(t, stats.PendingRecords)
	assert.Len(t, added, 80)
}
