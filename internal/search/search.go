// Package search keeps a vector index of embedded code chunks in sync with
// Postgres and serves nearest-neighbor retrieval for section generation.
// Postgres is the source of truth; the index holds IDs plus filter payload,
// and callers hydrate chunk details from storage.
package search

import (
	"context"

	"github.com/google/uuid"
)

// Match holds a chunk ID and its raw similarity score from the search
// index. The caller hydrates chunk details from Postgres.
type Match struct {
	ChunkID uuid.UUID
	Score   float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// FindSimilar returns chunk IDs similar to the embedding within a project.
	FindSimilar(ctx context.Context, projectID string, embedding []float32, limit int) ([]Match, error)

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}
