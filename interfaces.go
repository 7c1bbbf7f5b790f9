package kaiseki

import (
	"context"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the OpenAI/noop provider
// selected from config. Uses []float32 (not pgvector.Vector) to avoid forcing
// the pgvector dependency on external consumers. New() wraps it in an adapter
// for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Searcher is a vector search index over embedded code chunks.
// When provided via WithSearcher, replaces the Qdrant index for retrieval.
// Returns chunk IDs + scores; the server hydrates chunk rows from Postgres.
// Implementations must be safe for concurrent use.
type Searcher interface {
	FindSimilar(ctx context.Context, projectID string, embedding []float32, limit int) ([]SearchMatch, error)
	Healthy(ctx context.Context) error
}

// ModelTransport performs raw LLM calls for the analysis pipeline.
// When provided via WithModelTransport, replaces the Gemini client; the
// resilience layer (circuit breaking, retry, fallback chains) still wraps it.
// Errors may be returned verbatim; rate-limit and server-fault classification
// falls back to generic handling for transports that do not expose status codes.
type ModelTransport interface {
	Call(ctx context.Context, model string, req ModelRequest) (ModelResponse, error)
}
