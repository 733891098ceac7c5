// Package embed produces dense vectors for documents and queries.
// The default backend is a deterministic hash embedder so the core stays
// network-free; the interface leaves room for model-backed embedders.
package embed

import "context"

// Embedder generates dense embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier; the cached embedder mixes it
	// into its cache key.
	ModelName() string

	// Close releases resources.
	Close() error
}
