package static

import (
	"io"
	"log/slog"
	"testing"

	"github.com/ashita-ai/kaiseki/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEntitiesFromChunkMetadata(t *testing.T) {
	chunks := model.ChunkSet{Chunks: []model.CodeChunk{
		{
			FilePath:   "svc/user.go",
			Language:   "go",
			ChunkType:  "function",
			StartLine:  12,
			EndLine:    30,
			Content:    "func CreateUser(ctx context.Context) error {\n\treturn nil\n}",
			SymbolName: "CreateUser",
		},
		{
			FilePath:   "svc/user.go",
			Language:   "go",
			ChunkType:  "type",
			StartLine:  5,
			EndLine:    10,
			Content:    "// User is a registered account.\ntype User struct {\n\tID string\n}",
			SymbolName: "User",
		},
		{
			FilePath:  "svc/user.go",
			Language:  "go",
			ChunkType: "block",
			StartLine: 1,
			EndLine:   4,
			Content:   "package svc",
		},
	}}

	got := Entities(chunks)
	if len(got) != 2 {
		t.Fatalf("got %d entities, want 2", len(got))
	}
	if got[0].Name != "CreateUser" || got[0].EntityType != "function" || got[0].StartLine != 12 {
		t.Errorf("entity 0 = %+v", got[0])
	}
	if got[0].Signature != "func CreateUser(ctx context.Context) error {" {
		t.Errorf("signature = %q", got[0].Signature)
	}
	// The doc comment above the type is attached content, not the signature.
	if got[1].Signature != "type User struct {" {
		t.Errorf("signature = %q", got[1].Signature)
	}
}

func TestSignatureLineSkipsDecorators(t *testing.T) {
	content := "@lru_cache(maxsize=64)\n@retry\ndef compute(n):\n    return n * 2"
	if got := signatureLine(content); got != "def compute(n):" {
		t.Errorf("signature = %q", got)
	}
}

func TestAnalyzeAggregatesAllExtractors(t *testing.T) {
	chunks := model.ChunkSet{Chunks: []model.CodeChunk{
		{
			FilePath:   "api/routes.py",
			Language:   "python",
			ChunkType:  "function",
			StartLine:  3,
			EndLine:    6,
			Content:    "@app.get(\"/ping\")\ndef ping():\n    return \"pong\"",
			SymbolName: "ping",
		},
		{
			FilePath:  "api/routes.py",
			Language:  "python",
			ChunkType: "block",
			StartLine: 1,
			EndLine:   2,
			Content:   "from fastapi import FastAPI",
		},
	}}

	got := Analyze(testLogger(), chunks)
	if len(got.Entities) != 1 || got.Entities[0].Name != "ping" {
		t.Errorf("entities = %+v", got.Entities)
	}
	if len(got.Endpoints) != 1 || got.Endpoints[0].Path != "/ping" {
		t.Errorf("endpoints = %+v", got.Endpoints)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0].Target != "fastapi" {
		t.Errorf("dependencies = %+v", got.Dependencies)
	}
}

func TestAnalyzeEmptyChunkSet(t *testing.T) {
	got := Analyze(testLogger(), model.ChunkSet{})
	if len(got.Entities) != 0 || len(got.Endpoints) != 0 || len(got.Dependencies) != 0 {
		t.Fatalf("got %+v, want empty result", got)
	}
}

func TestExtractRecoversFromPanic(t *testing.T) {
	got := extract(testLogger(), "boom", func() []int {
		panic("malformed chunk")
	})
	if got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}
