package kaiseki

import (
	"time"

	"github.com/google/uuid"
)

// Run lifecycle states, as reported by the API and SSE stream.
const (
	RunAnalyzing = "analyzing"
	RunAnalyzed  = "analyzed"
	RunError     = "error"
)

// SearchMatch holds a chunk ID and its similarity score from a Searcher.
// The server hydrates chunk details from Postgres.
type SearchMatch struct {
	ChunkID uuid.UUID
	Score   float32
}

// ModelMessage is one chat turn sent to a model.
type ModelMessage struct {
	Role    string
	Content string
}

// ModelRequest is one outbound model call.
type ModelRequest struct {
	Messages []ModelMessage
	// Timeout bounds this single call; zero means the caller's context
	// deadline applies alone.
	Timeout time.Duration
	// JSONMode asks the model for a machine-parseable JSON response.
	JSONMode bool
}

// ModelResponse carries the content and token usage of a successful call.
type ModelResponse struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}
