// Package memory is an encrypted, local semantic memory engine.
//
// An Engine stores short texts for an owner scope and retrieves them by
// meaning. Each memory lives in two places joined by its ID:
//   - RecordStore: the sealed content, tags, metadata and timestamps.
//   - VectorIndex: the embedding plus the fields needed to filter before
//     ranking.
//
// Content is sealed by a Sealer (see package encryption) before it reaches
// any store and opened only when returned to a caller. Tags and metadata
// stay in the clear so they can be filtered without a key.
//
// Writes use a pending state instead of a distributed transaction. Add puts
// the record as pending, writes the vector, then activates the record; a
// failure is compensated immediately, and anything left pending is removed
// by Reconcile, which Start runs periodically.
//
// Backends:
//   - Embedders: embedder/mock, embedder/onnx (build tag onnx),
//     embedder/openai, and embedder/cache in front of any of them.
//   - Indexes: store/chromem (embedded) and store/qdrant.
//   - Record stores: store/filestore, store/memstore and store/redisstore.
package memory
