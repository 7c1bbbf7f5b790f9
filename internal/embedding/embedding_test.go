package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// embedServer answers the OpenAI embeddings endpoint with one tiny vector
// per input, reporting indices in reverse to prove reassembly ordering.
func embedServer(t *testing.T, requests *[][]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if requests != nil {
			*requests = append(*requests, req.Input)
		}
		var sb strings.Builder
		sb.WriteString(`{"data":[`)
		for i := len(req.Input) - 1; i >= 0; i-- {
			if i < len(req.Input)-1 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, `{"embedding":[%d.0,1.0],"index":%d}`, i, i)
		}
		sb.WriteString(`],"usage":{"prompt_tokens":1,"total_tokens":1}}`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sb.String()))
	}))
}

func chunkOfSize(path string, chars int) model.CodeChunk {
	return model.CodeChunk{
		FilePath:  path,
		Language:  "go",
		ChunkType: "function",
		StartLine: 1,
		EndLine:   10,
		Content:   strings.Repeat("x", chars),
	}
}

func TestEmbedBatchPreservesInputOrder(t *testing.T) {
	srv := embedServer(t, nil)
	defer srv.Close()

	p := NewOpenAIProvider("key", "", srv.URL)
	vecs, err := p.EmbedBatch(context.Background(), []string{"alpha", "beta", "gamma"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if got := v.Slice()[0]; got != float32(i) {
			t.Errorf("vecs[%d][0] = %v, want %v", i, got, i)
		}
	}
}

func TestEmbedBatchWrapsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", "", srv.URL)
	_, err := p.EmbedBatch(context.Background(), []string{"text"})
	if err == nil {
		t.Fatal("expected error")
	}

	var serr *resilience.StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if serr.Code != http.StatusTooManyRequests {
		t.Errorf("Code = %d, want 429", serr.Code)
	}
	if !resilience.IsRateLimit(err) {
		t.Error("429 should classify as rate limit")
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	p := NewOpenAIProvider("key", "", "http://unreachable.invalid")
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("empty input should be a no-op, got %v, %v", vecs, err)
	}
}

func TestEmbedderSkipsShortChunks(t *testing.T) {
	var requests [][]string
	srv := embedServer(t, &requests)
	defer srv.Close()

	e := NewEmbedder(NewOpenAIProvider("key", "", srv.URL), testLogger())
	chunks := []model.CodeChunk{
		chunkOfSize("tiny.go", 12), // 3 estimated tokens, below minimum
		chunkOfSize("real.go", 400),
	}

	out, err := e.EmbedChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("EmbedChunks: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d embeddings, want 1", len(out))
	}
	if out[0].Chunk.FilePath != "real.go" {
		t.Errorf("embedded %q, want real.go", out[0].Chunk.FilePath)
	}
	if len(requests) != 1 || len(requests[0]) != 1 {
		t.Errorf("requests = %v, want one request with one text", requests)
	}
}

func TestEmbedderTruncatesOversizedChunks(t *testing.T) {
	var requests [][]string
	srv := embedServer(t, &requests)
	defer srv.Close()

	e := NewEmbedder(NewOpenAIProvider("key", "", srv.URL), testLogger())
	huge := chunkOfSize("huge.go", MaxChunkTokens*model.CharsPerToken+5000)

	if _, err := e.EmbedChunks(context.Background(), []model.CodeChunk{huge}); err != nil {
		t.Fatalf("EmbedChunks: %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(requests))
	}
	if got := len(requests[0][0]); got != MaxChunkTokens*model.CharsPerToken {
		t.Errorf("sent %d chars, want %d", got, MaxChunkTokens*model.CharsPerToken)
	}
}

func TestEmbedderSplitsBatchesByBudget(t *testing.T) {
	var requests [][]string
	srv := embedServer(t, &requests)
	defer srv.Close()

	e := NewEmbedder(NewOpenAIProvider("key", "", srv.URL), testLogger())
	e.batchBudget = 200 // two 100-token chunks per batch at most

	chunks := []model.CodeChunk{
		chunkOfSize("a.go", 400),
		chunkOfSize("b.go", 400),
		chunkOfSize("c.go", 400),
	}
	out, err := e.EmbedChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("EmbedChunks: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d embeddings, want 3", len(out))
	}
	if len(requests) != 2 {
		t.Fatalf("requests = %d, want 2 batches", len(requests))
	}
	if len(requests[0]) != 2 || len(requests[1]) != 1 {
		t.Errorf("batch sizes = %d, %d, want 2, 1", len(requests[0]), len(requests[1]))
	}
	for i, want := range []string{"a.go", "b.go", "c.go"} {
		if out[i].Chunk.FilePath != want {
			t.Errorf("out[%d] = %q, want %q", i, out[i].Chunk.FilePath, want)
		}
	}
}

func TestEmbedderBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewEmbedder(NewOpenAIProvider("key", "", srv.URL), testLogger())
	chunks := []model.CodeChunk{chunkOfSize("a.go", 400)}

	for i := 0; i < resilience.EmbedFailureThreshold; i++ {
		if _, err := e.EmbedChunks(context.Background(), chunks); err == nil {
			t.Fatalf("call %d should fail", i+1)
		}
	}
	if hits != resilience.EmbedFailureThreshold {
		t.Fatalf("hits = %d, want %d", hits, resilience.EmbedFailureThreshold)
	}

	_, err := e.EmbedChunks(context.Background(), chunks)
	if !resilience.IsBreakerOpen(err) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if hits != resilience.EmbedFailureThreshold {
		t.Errorf("open breaker should not reach the API, hits = %d", hits)
	}
}

func TestEmbedderNoEligibleChunks(t *testing.T) {
	e := NewEmbedder(NewOpenAIProvider("key", "", "http://unreachable.invalid"), testLogger())
	out, err := e.EmbedChunks(context.Background(), []model.CodeChunk{chunkOfSize("t.go", 8)})
	if err != nil || out != nil {
		t.Errorf("all-short input should be a no-op, got %v, %v", out, err)
	}
}

func TestChunkEmbeddingSnippetIsBounded(t *testing.T) {
	ce := ChunkEmbedding{Chunk: chunkOfSize("a.go", SnippetChars+500)}
	if got := len(ce.Snippet()); got != SnippetChars {
		t.Errorf("snippet len = %d, want %d", got, SnippetChars)
	}
	small := ChunkEmbedding{Chunk: chunkOfSize("b.go", 40)}
	if got := len(small.Snippet()); got != 40 {
		t.Errorf("small snippet len = %d, want 40", got)
	}
}

func TestNoopProviderReturnsZeroVectors(t *testing.T) {
	p := NewNoopProvider(4)
	vec, err := p.Embed(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got := len(vec.Slice()); got != 4 {
		t.Errorf("dims = %d, want 4", got)
	}
	for _, v := range vec.Slice() {
		if v != 0 {
			t.Errorf("expected zero vector, got %v", vec.Slice())
			break
		}
	}
}

func TestBatchTextsKeepsOriginalIndices(t *testing.T) {
	texts := []string{
		strings.Repeat("a", 400),
		strings.Repeat("b", 400),
		strings.Repeat("c", 400),
	}
	batches := batchTexts(texts, 150)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3 (each text alone exceeds budget)", len(batches))
	}
	for i, b := range batches {
		if len(b) != 1 || b[0].idx != i {
			t.Errorf("batch %d = %+v", i, b)
		}
	}
}
