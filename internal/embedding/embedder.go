package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/resilience"
)

const (
	// MinEmbedTokens filters out fragments too small to carry meaning.
	MinEmbedTokens = 10

	// MaxChunkTokens keeps each text under the embedding model's input
	// limit (text-embedding-3-small caps at 8191).
	MaxChunkTokens = 8000

	// maxBatchTokens keeps each API call under the provider's per-request
	// budget (OpenAI allows roughly 300K).
	maxBatchTokens = 250_000

	// SnippetChars bounds the chunk text stored alongside a vector.
	SnippetChars = 2000
)

// ChunkEmbedding pairs a chunk with its vector, ready for persistence.
type ChunkEmbedding struct {
	Chunk  model.CodeChunk
	Vector pgvector.Vector
}

// Snippet returns the bounded chunk text to store with the vector.
func (e ChunkEmbedding) Snippet() string {
	if len(e.Chunk.Content) > SnippetChars {
		return e.Chunk.Content[:SnippetChars]
	}
	return e.Chunk.Content
}

// Embedder turns code chunks into vectors behind a circuit breaker.
// Embedding is enrichment: callers skip it when the breaker is open or a
// batch fails rather than failing the run.
type Embedder struct {
	provider    Provider
	breaker     *resilience.Breaker
	logger      *slog.Logger
	batchBudget int
}

// NewEmbedder wraps a provider with the embedding breaker tuning.
func NewEmbedder(provider Provider, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{
		provider:    provider,
		breaker:     resilience.NewBreaker("embedding", resilience.EmbedFailureThreshold, resilience.EmbedRecoveryTimeout),
		logger:      logger,
		batchBudget: maxBatchTokens,
	}
}

// Dimensions reports the provider's vector size.
func (e *Embedder) Dimensions() int {
	return e.provider.Dimensions()
}

// EmbedQuery embeds a single search query.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) (pgvector.Vector, error) {
	if err := e.breaker.Allow(); err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: query: %w", err)
	}
	vec, err := e.provider.Embed(ctx, e.truncate(text))
	if err != nil {
		e.breaker.RecordFailure()
		return pgvector.Vector{}, err
	}
	e.breaker.RecordSuccess()
	return vec, nil
}

// EmbedChunks embeds every chunk large enough to matter, preserving input
// order. Chunks under MinEmbedTokens are dropped; oversized ones are
// truncated. Texts are grouped into sub-batches that fit the API budget.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []model.CodeChunk) ([]ChunkEmbedding, error) {
	var eligible []model.CodeChunk
	for _, c := range chunks {
		if model.EstimateTokens(c.Content) >= MinEmbedTokens {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	texts := make([]string, len(eligible))
	for i, c := range eligible {
		texts[i] = e.truncate(c.Content)
	}

	vectors := make([]pgvector.Vector, len(eligible))
	for _, batch := range batchTexts(texts, e.batchBudget) {
		if err := e.breaker.Allow(); err != nil {
			return nil, fmt.Errorf("embedding: batch: %w", err)
		}

		batchInput := make([]string, len(batch))
		for i, item := range batch {
			batchInput[i] = item.text
		}

		vecs, err := e.provider.EmbedBatch(ctx, batchInput)
		if err != nil {
			e.breaker.RecordFailure()
			return nil, err
		}
		if len(vecs) != len(batch) {
			e.breaker.RecordFailure()
			return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(vecs), len(batch))
		}
		e.breaker.RecordSuccess()

		for i, item := range batch {
			vectors[item.idx] = vecs[i]
		}
	}

	out := make([]ChunkEmbedding, len(eligible))
	for i, c := range eligible {
		if len(vectors[i].Slice()) == 0 {
			return nil, fmt.Errorf("embedding: missing vector for %s:%d", c.FilePath, c.StartLine)
		}
		out[i] = ChunkEmbedding{Chunk: c, Vector: vectors[i]}
	}
	return out, nil
}

func (e *Embedder) truncate(text string) string {
	maxChars := MaxChunkTokens * model.CharsPerToken
	if len(text) <= maxChars {
		return text
	}
	e.logger.Warn("embedding: truncating oversized text",
		"original_len", len(text),
		"max_chars", maxChars,
	)
	return text[:maxChars]
}

type indexedText struct {
	idx  int
	text string
}

// batchTexts splits texts into sub-batches whose combined token estimate
// stays within budget. Original indices ride along so results can be
// reassembled in input order.
func batchTexts(texts []string, budget int) [][]indexedText {
	var batches [][]indexedText
	var current []indexedText
	currentTokens := 0
	for i, text := range texts {
		est := model.EstimateTokens(text)
		if len(current) > 0 && currentTokens+est > budget {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, indexedText{idx: i, text: text})
		currentTokens += est
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
