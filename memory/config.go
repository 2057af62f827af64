package memory

import "time"

// Config holds Engine limits and tuning.
type Config struct {
	// MaxContentLength caps memory text, in characters.
	// Default: 10000.
	MaxContentLength int

	// MaxTags caps the number of tags per memory. Default: 20.
	MaxTags int

	// MaxTagLength caps a single tag, in bytes. Default: 64.
	MaxTagLength int

	// MaxMetadataKeys caps metadata entries per memory. Default: 32.
	MaxMetadataKeys int

	// MaxMetadataKeyLength caps metadata key size, in bytes. Default: 64.
	MaxMetadataKeyLength int

	// MaxMetadataValueLength caps string metadata values, in bytes.
	// Default: 1024.
	MaxMetadataValueLength int

	// MaxScopeLength caps owner scope size, in bytes. Default: 128.
	MaxScopeLength int

	// DefaultTopK is used when a search does not set TopK. Default: 10.
	DefaultTopK int

	// MaxTopK bounds TopK. Default: 100.
	MaxTopK int

	// MaxCandidates bounds how far a semantic search widens its index query
	// when candidates are dropped after ranking (pending or tampered
	// records). Default: 400.
	MaxCandidates int

	// MinSimilarity is the default similarity threshold [-1.0, 1.0].
	// Default: -1 (permissive).
	// Note: Tiny models (all-MiniLM-L6-v2) score ~0.35 for similar text.
	MinSimilarity float64

	// EmbedTimeout bounds a single embedding call. Zero disables.
	// Default: 30s.
	EmbedTimeout time.Duration

	// ReconcileInterval is the period of the background sweep started by
	// Engine.Start. Zero disables the loop. Default: 5m.
	ReconcileInterval time.Duration

	// MaintenanceWorkers bounds parallelism of RotateKey and Reembed.
	// Default: 4.
	MaintenanceWorkers int

	// ReembedBatchSize is the EmbedBatch size used by Reembed. Default: 32.
	ReembedBatchSize int
}

// DefaultConfig returns sensible defaults for a local deployment.
func DefaultConfig() *Config {
	return &Config{
		MaxContentLength:       10000,
		MaxTags:                20,
		MaxTagLength:           64,
		MaxMetadataKeys:        32,
		MaxMetadataKeyLength:   64,
		MaxMetadataValueLength: 1024,
		MaxScopeLength:         128,
		DefaultTopK:            10,
		MaxTopK:                100,
		MaxCandidates:          400,
		MinSimilarity:          -1,
		EmbedTimeout:           30 * time.Second,
		ReconcileInterval:      5 * time.Minute,
		MaintenanceWorkers:     4,
		ReembedBatchSize:       32,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = d.MaxContentLength
	}
	if c.MaxTags <= 0 {
		c.MaxTags = d.MaxTags
	}
	if c.MaxTagLength <= 0 {
		c.MaxTagLength = d.MaxTagLength
	}
	if c.MaxMetadataKeys <= 0 {
		c.MaxMetadataKeys = d.MaxMetadataKeys
	}
	if c.MaxMetadataKeyLength <= 0 {
		c.MaxMetadataKeyLength = d.MaxMetadataKeyLength
	}
	if c.MaxMetadataValueLength <= 0 {
		c.MaxMetadataValueLength = d.MaxMetadataValueLength
	}
	if c.MaxScopeLength <= 0 {
		c.MaxScopeLength = d.MaxScopeLength
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = d.MaxTopK
	}
	if c.DefaultTopK <= 0 || c.DefaultTopK > c.MaxTopK {
		c.DefaultTopK = min(d.DefaultTopK, c.MaxTopK)
	}
	if c.MaxCandidates < c.MaxTopK {
		c.MaxCandidates = max(d.MaxCandidates, c.MaxTopK)
	}
	if c.MaintenanceWorkers <= 0 {
		c.MaintenanceWorkers = d.MaintenanceWorkers
	}
	if c.ReembedBatchSize <= 0 {
		c.ReembedBatchSize = d.ReembedBatchSize
	}
	return c
}
