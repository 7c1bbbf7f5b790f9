// Package sections turns analysis results into the thirteen Markdown
// documentation sections. Each section is synthesized by a model from a
// capped JSON context; when every model in the chain fails, a
// deterministic template renders the same data directly so the pipeline
// still produces output.
package sections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	llmclient "github.com/ashita-ai/kaiseki/internal/llm"
	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/quality"
	"github.com/ashita-ai/kaiseki/internal/resilience"
	"github.com/ashita-ai/kaiseki/internal/trace"
)

const (
	// minSectionLength is the shortest synthesized body accepted from a
	// model before the chain advances.
	minSectionLength = 50
	// minContextItems separates rich from sparse synthesis context.
	minContextItems = 3
	// DefaultCallTimeout bounds a single synthesis call.
	DefaultCallTimeout = 120 * time.Second
)

var titles = map[model.SectionKind]string{
	model.SectionExecutiveOverview:      "Executive Overview",
	model.SectionFeatures:               "Main Application Features",
	model.SectionPersonas:               "User Personas",
	model.SectionUserStories:            "User Stories",
	model.SectionSecurityRequirements:   "Security Requirements",
	model.SectionSystemOverview:         "System Overview",
	model.SectionDataModels:             "Data Models",
	model.SectionInterfaces:             "Interface Specifications",
	model.SectionUISpecs:                "UI Specifications",
	model.SectionAPISpecs:               "API Specifications",
	model.SectionIntegrations:           "Integration Points",
	model.SectionTechStories:            "Technical User Stories",
	model.SectionSecurityConsiderations: "Security Considerations",
}

// Title returns the display title for a section kind. Unknown kinds get
// a title-cased rendering of the kind itself.
func Title(kind model.SectionKind) string {
	if t, ok := titles[kind]; ok {
		return t
	}
	words := strings.Split(string(kind), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Snippet is one retrieved code excerpt attached to the synthesis
// context. Line bounds refer to the excerpt's position in FilePath.
type Snippet struct {
	FilePath   string  `json:"file_path"`
	StartLine  int     `json:"start_line"`
	EndLine    int     `json:"end_line"`
	Language   string  `json:"language,omitempty"`
	SymbolName string  `json:"symbol_name,omitempty"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Input carries everything the generators may draw on: the merged
// intelligence model, the raw structural and semantic results, and any
// code excerpts retrieval surfaced for this run.
type Input struct {
	Intelligence model.Intelligence
	Static       model.StaticResult
	Semantic     model.SemanticResult
	Snippets     []Snippet
}

// Generator synthesizes documentation sections through a resilient
// model caller.
type Generator struct {
	caller  *resilience.Caller
	timeout time.Duration
	logger  *slog.Logger
}

func NewGenerator(caller *resilience.Caller, logger *slog.Logger) *Generator {
	return &Generator{caller: caller, timeout: DefaultCallTimeout, logger: logger}
}

// Generate produces one section. The model chain is tried first; an
// exhausted chain falls back to the template renderer rather than
// failing, so only context cancellation or an unknown kind surfaces as
// an error. Synthesized confidence reflects how much context backed the
// generation, not the quality gate (the caller applies that separately).
func (g *Generator) Generate(ctx context.Context, kind model.SectionKind, in Input, emitter *trace.Emitter) (model.Section, error) {
	title, ok := titles[kind]
	if !ok {
		return model.Section{}, fmt.Errorf("sections: unknown section kind %q", kind)
	}

	contextStr, items := buildContext(kind, in, title)
	req := resilience.Request{
		Messages: []resilience.Message{
			{Role: "system", Content: systemPrompts[kind]},
			{Role: "user", Content: contextStr},
		},
		Timeout: g.timeout,
	}

	start := time.Now()
	resp, err := g.caller.CallWithFallback(ctx, req)
	if err != nil {
		if !errors.Is(err, resilience.ErrNoResult) {
			return model.Section{}, fmt.Errorf("sections: synthesize %s: %w", kind, err)
		}
		g.logger.Info("sections: falling back to template", "section", kind)
		return fallbackSection(kind, in), nil
	}

	if emitter != nil {
		cost := llmclient.EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens)
		emitter.ModelCall(ctx, resp.Model, resp.InputTokens, resp.OutputTokens, time.Since(start), cost)
	}

	base := quality.SectionSparse
	if items >= minContextItems {
		base = quality.SectionRich
	}
	g.logger.Info("sections: synthesized",
		"section", kind, "model", resp.Model, "tokens", resp.InputTokens+resp.OutputTokens)

	return model.Section{
		Kind:       kind,
		Title:      title,
		Content:    StripFences(resp.Content),
		Citations:  snippetCitations(in.Snippets),
		Confidence: base,
	}, nil
}

// snippetCitations turns the retrieval excerpts that backed a synthesis
// into verifiable source references. Template fallbacks carry none: the
// renderer never saw the excerpts.
func snippetCitations(snips []Snippet) []model.Citation {
	if len(snips) == 0 {
		return nil
	}
	cites := make([]model.Citation, 0, len(snips))
	for _, sn := range capSlice(snips, maxSnippets) {
		cites = append(cites, model.Citation{
			FilePath:     sn.FilePath,
			FunctionName: sn.SymbolName,
			LineStart:    sn.StartLine,
			LineEnd:      sn.EndLine,
			Confidence:   sn.Score,
		})
	}
	return cites
}

// Degraded builds the placeholder emitted when a section stage fails
// outright. The reason is truncated the same way run errors are.
func Degraded(kind model.SectionKind, reason string) model.Section {
	title := Title(kind)
	return model.Section{
		Kind:  kind,
		Title: title,
		Content: fmt.Sprintf("# %s\n\n*This section could not be generated. Error: %s*\n",
			title, model.TruncateError(reason)),
		Degraded: true,
	}
}

// ValidateMarkdown is the response check wired into the synthesis
// caller: a response whose stripped body is shorter than the section
// minimum is rejected so the chain advances to the next model. Empty
// responses fail the same check.
func ValidateMarkdown(resp resilience.Response) error {
	content := StripFences(resp.Content)
	if len(content) < minSectionLength {
		return fmt.Errorf("sections: content too short: %d chars (min %d)", len(content), minSectionLength)
	}
	return nil
}

// StripFences removes a wrapping Markdown code fence from model output.
// Only a fence that encloses the entire response is stripped, and only
// when unlabelled or labelled markdown/md; anything else comes back
// merely whitespace-trimmed.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	rest := trimmed[len("```"):]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return trimmed
	}
	label := strings.TrimSpace(rest[:nl])
	if label != "" && label != "markdown" && label != "md" {
		return trimmed
	}
	body := strings.TrimSpace(rest[nl+1:])
	if !strings.HasSuffix(body, "```") {
		return trimmed
	}
	return strings.TrimSpace(strings.TrimSuffix(body, "```"))
}
