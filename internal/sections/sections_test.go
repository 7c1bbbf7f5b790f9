package sections

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/quality"
	"github.com/ashita-ai/kaiseki/internal/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu      sync.Mutex
	content string
	err     error
	calls   int
}

func (f *fakeTransport) Call(_ context.Context, modelName string, _ resilience.Request) (resilience.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return resilience.Response{}, f.err
	}
	return resilience.Response{Content: f.content, Model: modelName, InputTokens: 200, OutputTokens: 120}, nil
}

func newTestGenerator(transport resilience.Transport) *Generator {
	caller := resilience.NewCaller(transport, []string{"model-a"},
		resilience.NewRegistry(5, 30*time.Second), ValidateMarkdown, testLogger())
	return NewGenerator(caller, testLogger())
}

// richInput has enough items in every commonly used list to cross the
// rich-context threshold.
func richInput() Input {
	return Input{
		Intelligence: model.Intelligence{Languages: []string{"python"}},
		Static: model.StaticResult{
			Entities: []model.CodeEntity{
				{Name: "create_user", EntityType: "function", FilePath: "api/users.py",
					StartLine: 10, EndLine: 42, Language: "python", Signature: "def create_user(req):"},
				{Name: "UserService", EntityType: "type", FilePath: "services/user.py",
					StartLine: 1, EndLine: 80, Language: "python", Signature: "class UserService:"},
				{Name: "validate_token", EntityType: "function", FilePath: "auth/token.py",
					StartLine: 5, EndLine: 30, Language: "python", Signature: "def validate_token(tok):"},
			},
			Endpoints: []model.Endpoint{
				{Method: "POST", Path: "/users", HandlerFile: "api/users.py",
					HandlerFunction: "create_user", HandlerLine: 10},
			},
			Dependencies: []model.DependencyEdge{
				{SourceFile: "api/users.py", Target: "services.user", ImportType: "module"},
			},
		},
		Semantic: model.SemanticResult{
			Narratives: []model.ModuleNarrative{
				{FilePath: "api/users.py", Purpose: "Handles user signup requests",
					Confidence: model.ConfidenceHigh,
					Behaviors: []model.Behavior{
						{Description: "creates a user record", Trigger: "a signup request arrives"},
					}},
				{FilePath: "services/user.py", Purpose: "Persists user accounts",
					Confidence: model.ConfidenceMedium},
			},
			Rules: []model.BusinessRule{
				{RuleText: "Email must be unique", RuleType: model.RuleValidation,
					Confidence: model.ConfidenceHigh},
			},
			ChunksAnalyzed: 2,
		},
	}
}

const sampleMarkdown = "# System Overview\n\nThis service exposes a small HTTP API for managing user accounts and sessions."

func TestGenerateRichContext(t *testing.T) {
	ft := &fakeTransport{content: sampleMarkdown}
	g := newTestGenerator(ft)

	sec, err := g.Generate(context.Background(), model.SectionSystemOverview, richInput(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if sec.Kind != model.SectionSystemOverview {
		t.Errorf("Kind = %q", sec.Kind)
	}
	if sec.Title != "System Overview" {
		t.Errorf("Title = %q", sec.Title)
	}
	if sec.Content != sampleMarkdown {
		t.Errorf("Content = %q", sec.Content)
	}
	if sec.Confidence != quality.SectionRich {
		t.Errorf("Confidence = %v, want %v", sec.Confidence, quality.SectionRich)
	}
	if sec.Degraded {
		t.Error("Degraded = true for a synthesized section")
	}
}

func TestGenerateSparseContext(t *testing.T) {
	ft := &fakeTransport{content: sampleMarkdown}
	g := newTestGenerator(ft)

	sparse := Input{Static: model.StaticResult{
		Entities: []model.CodeEntity{{Name: "main", EntityType: "function", FilePath: "main.go"}},
	}}
	sec, err := g.Generate(context.Background(), model.SectionSystemOverview, sparse, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if sec.Confidence != quality.SectionSparse {
		t.Errorf("Confidence = %v, want %v", sec.Confidence, quality.SectionSparse)
	}
}

func TestGenerateAttachesSnippetCitations(t *testing.T) {
	ft := &fakeTransport{content: sampleMarkdown}
	g := newTestGenerator(ft)

	in := richInput()
	in.Snippets = []Snippet{
		{FilePath: "api/users.py", StartLine: 10, EndLine: 42, SymbolName: "create_user",
			Content: "def create_user(req): ...", Score: 0.91},
		{FilePath: "services/order.py", StartLine: 1, EndLine: 25,
			Content: "class OrderService: ...", Score: 0.74},
	}
	sec, err := g.Generate(context.Background(), model.SectionSystemOverview, in, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(sec.Citations) != 2 {
		t.Fatalf("Citations = %d, want 2", len(sec.Citations))
	}
	c := sec.Citations[0]
	if c.FilePath != "api/users.py" || c.LineStart != 10 || c.LineEnd != 42 {
		t.Errorf("citation = %+v, want excerpt bounds carried over", c)
	}
	if c.FunctionName != "create_user" {
		t.Errorf("FunctionName = %q", c.FunctionName)
	}
	if c.Confidence != 0.91 {
		t.Errorf("Confidence = %v, want the retrieval score", c.Confidence)
	}
}

func TestGenerateNoSnippetsNoCitations(t *testing.T) {
	ft := &fakeTransport{content: sampleMarkdown}
	g := newTestGenerator(ft)

	sec, err := g.Generate(context.Background(), model.SectionSystemOverview, richInput(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if sec.Citations != nil {
		t.Errorf("Citations = %v, want none without retrieval", sec.Citations)
	}
}

func TestGenerateStripsWrappingFence(t *testing.T) {
	body := "# Overview\n\nLong enough body text to clear the minimum length check."
	ft := &fakeTransport{content: "```markdown\n" + body + "\n```"}
	g := newTestGenerator(ft)

	sec, err := g.Generate(context.Background(), model.SectionSystemOverview, richInput(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if sec.Content != body {
		t.Errorf("Content = %q, want fence stripped", sec.Content)
	}
}

func TestGenerateFallsBackToTemplate(t *testing.T) {
	ft := &fakeTransport{err: errors.New("model unavailable")}
	g := newTestGenerator(ft)

	in := richInput()
	in.Snippets = []Snippet{{FilePath: "api/users.py", StartLine: 1, EndLine: 5, Content: "x", Score: 0.8}}
	sec, err := g.Generate(context.Background(), model.SectionUserStories, in, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if sec.Citations != nil {
		t.Errorf("Citations = %v, want none on the template path", sec.Citations)
	}
	if !strings.Contains(sec.Content, "# User Stories") {
		t.Errorf("Content = %q, want template heading", sec.Content)
	}
	want := "**As a** user, **I want** email must be unique, **so that** data is validated correctly."
	if !strings.Contains(sec.Content, want) {
		t.Errorf("Content = %q, want story %q", sec.Content, want)
	}
	if sec.Confidence != quality.FromLevel(model.ConfidenceHigh) {
		t.Errorf("Confidence = %v", sec.Confidence)
	}
	if sec.Degraded {
		t.Error("template fallback must not be marked degraded")
	}
}

func TestGenerateShortResponseFallsBack(t *testing.T) {
	ft := &fakeTransport{content: "# Stub"}
	g := newTestGenerator(ft)

	sec, err := g.Generate(context.Background(), model.SectionUserStories, richInput(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
	if !strings.Contains(sec.Content, "# User Stories") {
		t.Errorf("Content = %q, want template fallback", sec.Content)
	}
}

func TestGenerateUnknownKind(t *testing.T) {
	g := newTestGenerator(&fakeTransport{content: sampleMarkdown})
	_, err := g.Generate(context.Background(), model.SectionKind("bogus"), Input{}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown section kind") {
		t.Fatalf("err = %v, want unknown kind error", err)
	}
}

func TestGenerateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := newTestGenerator(&fakeTransport{content: sampleMarkdown})
	_, err := g.Generate(ctx, model.SectionFeatures, richInput(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDegraded(t *testing.T) {
	sec := Degraded(model.SectionPersonas, strings.Repeat("x", 250))
	if !sec.Degraded {
		t.Error("Degraded = false")
	}
	if sec.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", sec.Confidence)
	}
	if !strings.Contains(sec.Content, "# User Personas") {
		t.Errorf("Content = %q, want title heading", sec.Content)
	}
	if !strings.Contains(sec.Content, "*This section could not be generated. Error: ") {
		t.Errorf("Content = %q, want placeholder text", sec.Content)
	}
	if got := strings.Count(sec.Content, "x"); got != model.ErrorTruncationChars {
		t.Errorf("error text carries %d chars, want %d", got, model.ErrorTruncationChars)
	}
}

func TestValidateMarkdown(t *testing.T) {
	if err := ValidateMarkdown(resilience.Response{Content: strings.Repeat("a", minSectionLength)}); err != nil {
		t.Errorf("exact minimum rejected: %v", err)
	}
	if err := ValidateMarkdown(resilience.Response{Content: "short"}); err == nil {
		t.Error("short content accepted")
	}
	if err := ValidateMarkdown(resilience.Response{Content: ""}); err == nil {
		t.Error("empty content accepted")
	}
	if err := ValidateMarkdown(resilience.Response{Content: "```markdown\nhi\n```"}); err == nil {
		t.Error("fenced short content accepted")
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "# Title\n\nBody.", "# Title\n\nBody."},
		{"whitespace trimmed", "  # Title  ", "# Title"},
		{"markdown fence", "```markdown\n# Title\n\nBody.\n```", "# Title\n\nBody."},
		{"md fence", "```md\n# Title\n```", "# Title"},
		{"bare fence", "```\n# Title\n```", "# Title"},
		{"other label kept", "```json\n{\"a\": 1}\n```", "```json\n{\"a\": 1}\n```"},
		{"unclosed fence kept", "```markdown\n# Title", "```markdown\n# Title"},
		{"inner fence survives", "```markdown\n# T\n\n```go\ncode\n```\n```", "# T\n\n```go\ncode\n```"},
		{"trailing newlines", "```markdown\n# Title\n```\n\n", "# Title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripFences(tt.in); got != tt.want {
				t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTitle(t *testing.T) {
	if got := Title(model.SectionAPISpecs); got != "API Specifications" {
		t.Errorf("Title = %q", got)
	}
	if got := Title(model.SectionKind("custom_thing")); got != "Custom Thing" {
		t.Errorf("Title for unknown kind = %q", got)
	}
}
