// Package static extracts structural facts from chunked source with
// language-aware heuristics: declared entities, HTTP endpoints, and
// import edges. The extractors are regex-based and deliberately
// permissive; they trade occasional false positives for zero build
// requirements on the analyzed repository.
//
// Extractors never fail the stage. A panic in one is recovered and
// yields an empty result for that extractor only.
package static

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// Analyze runs every extractor over the chunk set concurrently.
func Analyze(logger *slog.Logger, chunks model.ChunkSet) model.StaticResult {
	var (
		wg        sync.WaitGroup
		entities  []model.CodeEntity
		endpoints []model.Endpoint
		deps      []model.DependencyEdge
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		entities = extract(logger, "entities", func() []model.CodeEntity { return Entities(chunks) })
	}()
	go func() {
		defer wg.Done()
		endpoints = extract(logger, "endpoints", func() []model.Endpoint { return Endpoints(chunks) })
	}()
	go func() {
		defer wg.Done()
		deps = extract(logger, "imports", func() []model.DependencyEdge { return Imports(chunks) })
	}()
	wg.Wait()

	logger.Info("static: analysis complete",
		"entities", len(entities), "endpoints", len(endpoints), "imports", len(deps))

	return model.StaticResult{
		Entities:     entities,
		Endpoints:    endpoints,
		Dependencies: deps,
	}
}

// extract runs one extractor, turning a panic into an empty result so a
// malformed chunk cannot take down the whole stage.
func extract[T any](logger *slog.Logger, name string, fn func() []T) (out []T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("static: extractor panicked", "extractor", name, "panic", r)
			out = nil
		}
	}()
	return fn()
}

// Entities lifts the declaration metadata recorded by the chunker into
// typed entities. Block chunks carry no symbol and are skipped.
func Entities(chunks model.ChunkSet) []model.CodeEntity {
	var out []model.CodeEntity
	for _, c := range chunks.Chunks {
		if c.SymbolName == "" {
			continue
		}
		out = append(out, model.CodeEntity{
			Name:       c.SymbolName,
			EntityType: c.ChunkType,
			FilePath:   c.FilePath,
			StartLine:  c.StartLine,
			EndLine:    c.EndLine,
			Language:   c.Language,
			Signature:  signatureLine(c.Content),
		})
	}
	return out
}

// signatureLine returns the first declaration-looking line of content,
// skipping decorators, attributes, and comments attached above it.
func signatureLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		if strings.HasPrefix(t, "@") || strings.HasPrefix(t, "#") ||
			strings.HasPrefix(t, "//") || strings.HasPrefix(t, "/*") ||
			strings.HasPrefix(t, "*") {
			continue
		}
		return t
	}
	return ""
}
