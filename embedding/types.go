// Package embedding provides the embedding generator for the discovery
// engine: an OpenAI-compatible HTTP provider, a lexical fallback for degraded
// operation, and a Redis read-through cache.
package embedding

import (
	"context"
	"time"
)

// Request represents a request to generate embeddings.
type Request struct {
	Input      []string  `json:"input"`                // Text inputs to embed
	Model      string    `json:"model,omitempty"`      // Model to use
	Dimensions int       `json:"dimensions,omitempty"` // Output dimensions (for models that support it)
	InputType  InputType `json:"input_type,omitempty"` // query or document
}

// InputType specifies the input type for embedding optimization.
type InputType string

const (
	InputTypeQuery    InputType = "query"    // For search queries
	InputTypeDocument InputType = "document" // For documents to be indexed
)

// Response represents the response to an embedding request.
type Response struct {
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Embeddings []Data    `json:"embeddings"`
	Usage      Usage     `json:"usage"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Data represents a single embedding result.
type Data struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// Usage represents token usage for an embedding request.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Provider defines a unified embedding provider interface.
//
// Implementations must be deterministic: identical input under identical
// model configuration yields identical vectors.
type Provider interface {
	// Embed generates embeddings for the given inputs.
	Embed(ctx context.Context, req *Request) (*Response, error)

	// EmbedQuery is a convenience method to embed a single query.
	EmbedQuery(ctx context.Context, query string) ([]float64, error)

	// EmbedDocuments is a convenience method to embed multiple documents.
	EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error)

	// Name returns the provider name.
	Name() string

	// Model returns the default model identifier.
	Model() string

	// Dimensions returns the default embedding dimensions.
	Dimensions() int

	// MaxBatchSize returns the maximum supported batch size.
	MaxBatchSize() int
}

// Scorer computes a similarity score between a query and a candidate text.
// Both the vector path and the lexical fallback implement it, so ranking
// logic stays identical regardless of which backend produced the scores.
type Scorer interface {
	// Name returns the scorer name.
	Name() string

	// Score returns a similarity in [0, 1] (cosine may dip below 0 for
	// anti-correlated vectors).
	Score(ctx context.Context, query, candidate string) (float64, error)
}
