package memory

import (
	"context"
	"time"
)

// RecordState tracks where a record is in its write lifecycle.
type RecordState string

const (
	// StateActive records are visible to Get and Search.
	StateActive RecordState = "active"

	// StatePending marks a record whose cross-store write or delete did not
	// complete. Pending records are invisible to readers and are removed by
	// the reconciliation sweep.
	StatePending RecordState = "pending_reconciliation"
)

// Record is the unit of storage in a RecordStore.
//
// Ciphertext is a sealed blob produced by a Sealer; stores never see the
// plaintext or the key. A record is self-contained: it can be decrypted with
// nothing but itself and the key identified by KeyID.
type Record struct {
	ID           string         `json:"id"`
	OwnerScope   string         `json:"owner_scope"`
	Ciphertext   []byte         `json:"content_ciphertext"`
	KeyID        string         `json:"key_id"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	EmbeddingDim int            `json:"embedding_dim"`
	State        RecordState    `json:"state"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Ciphertext = append([]byte(nil), r.Ciphertext...)
	c.Tags = append([]string(nil), r.Tags...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// VectorEntry pairs an embedding with the record fields needed to filter
// candidates inside the index.
type VectorEntry struct {
	ID         string
	Vector     []float32
	OwnerScope string
	Tags       []string
	CreatedAt  time.Time
	Metadata   map[string]any
}

// Match is a single Vector Index hit.
type Match struct {
	ID         string
	Similarity float32
	CreatedAt  time.Time
}

// Result is a decrypted memory returned to callers.
type Result struct {
	ID         string         `json:"id"`
	OwnerScope string         `json:"owner_scope"`
	Content    string         `json:"content"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`

	// Similarity is the cosine similarity to the query. Zero for
	// metadata-only searches.
	Similarity float32 `json:"similarity"`
}

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local model), openai (remote API).
//
// Implementations must be deterministic for a fixed backend and reject text
// longer than their configured limit with ErrContentTooLarge.
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one call. Output order matches input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// VectorIndex stores embeddings keyed by record ID and answers filtered
// k-nearest-neighbour queries by cosine similarity.
// Implementations: chromem (embedded), qdrant (external ANN service).
type VectorIndex interface {
	// Dimension is fixed for the lifetime of the index.
	Dimension() int

	// Upsert writes or replaces the entry for entry.ID.
	Upsert(ctx context.Context, entry VectorEntry) error

	// Delete removes the entry. Deleting an absent ID is not an error.
	Delete(ctx context.Context, id string) error

	// Has reports whether an entry exists for id.
	Has(ctx context.Context, id string) (bool, error)

	// Query returns up to topK matches ordered by similarity (highest first),
	// newer CreatedAt first on ties, then ID. Entries outside filter are
	// excluded before ranking.
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// RecordStore persists Records. It has no knowledge of encryption keys.
// Implementations: filestore (default), memstore (in-process), redisstore.
type RecordStore interface {
	// Put inserts a new record. An existing ID yields ErrDuplicateID.
	Put(ctx context.Context, rec *Record) error

	// Update overwrites an existing record. A missing ID yields ErrNotFound.
	Update(ctx context.Context, rec *Record) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// ListByScope returns records of one owner scope matching filter, in no
	// particular order.
	ListByScope(ctx context.Context, ownerScope string, filter Filter) ([]*Record, error)

	// Scan calls fn for every record in every scope. Returning ErrStopScan
	// from fn ends the scan without error.
	Scan(ctx context.Context, fn func(*Record) error) error

	// Close releases resources.
	Close() error
}

// Sealer encrypts and authenticates record content.
// The encryption package provides the AES-256-GCM implementation.
type Sealer interface {
	// Seal encrypts plaintext, binding it to aad.
	Seal(plaintext, aad []byte) ([]byte, error)

	// Open reverses Seal. Any integrity failure wraps ErrTamperedOrCorrupted.
	Open(blob, aad []byte) ([]byte, error)

	// KeyID fingerprints the key without revealing it.
	KeyID() string
}
