// Package sandbox defines the isolated compute unit that owns a single ANN
// index, and an in-process implementation of it. The manager talks to a
// sandbox only through the Contract; embeddings are always computed on the
// manager side and passed in as ready-made vectors.
package sandbox

import (
	"context"
)

// Document is the unit stored in a sandbox: an id, its vector, and the
// optional text/metadata side data.
type Document struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata map[string]any
}

// InitOptions configures a sandbox before first use.
type InitOptions struct {
	// ID names the index the sandbox hosts; used for logging only.
	ID string
	// Dimension fixes the embedding dimension up front. Zero means the
	// dimension is fixed by the first accepted document.
	Dimension int
	// M is the HNSW max connections per layer (0 = default).
	M int
	// EfSearch is the HNSW query-time search width (0 = default).
	EfSearch int
}

// QueryOptions control a similarity query.
type QueryOptions struct {
	// K bounds the number of results. Zero means all stored documents.
	K int
	// Threshold, when set, drops results scoring below it.
	Threshold *float32
	// IncludeMetadata attaches document metadata to each result.
	IncludeMetadata bool
}

// QueryResult is a single similarity match with score in [0,1],
// higher is more similar.
type QueryResult struct {
	ID       string
	Score    float32
	Text     string
	Metadata map[string]any
}

// Contract is the full RPC surface the manager consumes. Calls against one
// sandbox are serialized by the sandbox; callers enforce outer deadlines via
// ctx. A deadline expiry returns a typed error and leaves the sandbox alive.
type Contract interface {
	// Initialize constructs the in-memory index. It must complete before
	// any other operation.
	Initialize(ctx context.Context, opts InitOptions) error

	// AddDocuments appends documents. Every document must carry a vector.
	// Duplicate ids, within the batch or against stored documents, are an
	// error and the whole batch is rejected.
	AddDocuments(ctx context.Context, docs []Document) error

	// Query returns up to K results sorted by decreasing score.
	Query(ctx context.Context, vector []float32, opts QueryOptions) ([]QueryResult, error)

	// RemoveDocuments removes documents by id. Unknown ids are silently
	// ignored; the count of documents actually removed is returned.
	RemoveDocuments(ctx context.Context, ids []string) (int, error)

	// GetDocuments returns every stored document with its vector, in
	// insertion order. Used by the manager during offload.
	GetDocuments(ctx context.Context) ([]Document, error)

	// Destroy releases all resources. Idempotent.
	Destroy()
}

// Factory spawns a fresh sandbox. The manager takes one so tests can
// substitute failing or instrumented sandboxes.
type Factory func() Contract

// DefaultFactory spawns in-process sandboxes.
func DefaultFactory() Contract {
	return NewInProcess()
}
