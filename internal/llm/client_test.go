package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"github.com/ashita-ai/kaiseki/internal/resilience"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewClient(context.Background(), "", logger)
	if err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestSplitMessages(t *testing.T) {
	system, parts := splitMessages([]resilience.Message{
		{Role: "system", Content: "You are a code analyst."},
		{Role: "user", Content: "Analyze this chunk."},
		{Role: "user", Content: "And this one."},
	})

	if system != "You are a code analyst." {
		t.Errorf("system = %q", system)
	}
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	if got := string(parts[0].(genai.Text)); got != "Analyze this chunk." {
		t.Errorf("parts[0] = %q", got)
	}
}

func TestSplitMessagesJoinsMultipleSystemPrompts(t *testing.T) {
	system, parts := splitMessages([]resilience.Message{
		{Role: "system", Content: "First."},
		{Role: "system", Content: "Second."},
	})
	if system != "First.\n\nSecond." {
		t.Errorf("system = %q", system)
	}
	if len(parts) != 0 {
		t.Errorf("parts = %d, want 0", len(parts))
	}
}

func TestWrapCallErrorMapsHTTPStatus(t *testing.T) {
	gerr := &googleapi.Error{Code: 429, Message: "quota exceeded"}
	err := wrapCallError("gemini-2.5-flash", gerr)

	var serr *resilience.StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StatusError in chain, got %v", err)
	}
	if serr.Code != 429 {
		t.Errorf("Code = %d, want 429", serr.Code)
	}
	if !resilience.IsRateLimit(err) {
		t.Error("429 should classify as rate limit")
	}
	if resilience.Classify(err) != resilience.ClassTransient {
		t.Errorf("Classify = %v, want transient", resilience.Classify(err))
	}
}

func TestWrapCallErrorPassesThroughPlainErrors(t *testing.T) {
	plain := errors.New("connection refused")
	err := wrapCallError("gemini-2.5-flash", plain)

	var serr *resilience.StatusError
	if errors.As(err, &serr) {
		t.Fatalf("plain error should not gain a status, got %v", serr)
	}
	if !errors.Is(err, plain) {
		t.Error("wrapped error should preserve the cause")
	}
	if resilience.Classify(err) != resilience.ClassTransient {
		t.Errorf("Classify = %v, want transient", resilience.Classify(err))
	}
}

func TestExtractText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text("first "),
				genai.Text("second"),
			}},
		}},
	}
	got, err := extractText(resp)
	if err != nil {
		t.Fatalf("extractText: %v", err)
	}
	if got != "first second" {
		t.Errorf("text = %q", got)
	}
}

func TestExtractTextRejectsEmptyResponses(t *testing.T) {
	if _, err := extractText(nil); err == nil {
		t.Error("nil response should error")
	}
	if _, err := extractText(&genai.GenerateContentResponse{}); err == nil {
		t.Error("no candidates should error")
	}
	blocked := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
	}
	if _, err := extractText(blocked); err == nil {
		t.Error("candidate without content should error")
	}
}
