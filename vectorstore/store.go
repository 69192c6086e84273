// Package vectorstore abstracts the vector database used by the discovery
// index. The Qdrant adapter speaks the REST API directly; the in-memory
// store serves tests and single-process deployments.
package vectorstore

import (
	"context"
	"io"
)

// Document is a vector point with its payload.
type Document struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SearchResult is a scored document returned from a similarity search.
type SearchResult struct {
	DocID   string         `json:"doc_id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Filter restricts a search to documents whose payload matches every
// Must entry exactly and, for each Any entry, at least one of the listed
// values.
type Filter struct {
	Must map[string]string
	Any  map[string][]string
}

// IsEmpty reports whether the filter imposes no constraints.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.Any) == 0)
}

// VectorStore stores embedding vectors with payloads and performs
// similarity search over them.
type VectorStore interface {
	// Upsert inserts or replaces documents by ID.
	Upsert(ctx context.Context, docs []Document) error

	// Delete removes documents by ID. Missing IDs are not an error.
	Delete(ctx context.Context, ids []string) error

	// DeleteByField removes every document whose payload field equals value.
	// Returns the number of documents removed when the backend reports it.
	DeleteByField(ctx context.Context, field, value string) (int, error)

	// Search returns up to limit documents ordered by descending
	// similarity to vector, dropping results below scoreThreshold.
	Search(ctx context.Context, vector []float64, filter *Filter, limit int, scoreThreshold float64) ([]SearchResult, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	// SnapshotSave writes a snapshot of the collection to w.
	SnapshotSave(ctx context.Context, w io.Writer) error

	// SnapshotLoad restores the collection from a snapshot read from r.
	SnapshotLoad(ctx context.Context, r io.Reader) error

	// Close releases resources held by the store.
	Close() error
}
