package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/service/analysis"
	"github.com/ashita-ai/kaiseki/internal/storage"
)

func (s *Server) registerTools() {
	// kaiseki_analyze — launch an analysis run for a repository.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiseki_analyze",
			mcplib.WithDescription(`Analyze a code repository and generate its documentation.

WHEN TO USE: when you need structured documentation for a codebase —
architecture overview, API specs, data models, security requirements.

The analysis runs in the background. This tool returns immediately with
a run_id; poll kaiseki_run_status until the run leaves "analyzing", then
fetch the generated documentation with kaiseki_sections.

If path is omitted, the first file:// workspace root advertised by your
client is analyzed. Only one run executes per project at a time — if a
run is already in progress you get that run back instead of a new one.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("path",
				mcplib.Description("Absolute path to the repository to analyze. Defaults to your client's first file:// workspace root."),
			),
			mcplib.WithString("project_id",
				mcplib.Description("Stable project identifier. Defaults to the repository directory name. Reuse the same id across runs of the same project so history and checkpoints accumulate."),
			),
			mcplib.WithString("branch",
				mcplib.Description("Branch name to record on the run (informational)"),
			),
			mcplib.WithString("sections",
				mcplib.Description("Comma-separated section kinds to generate (e.g. \"executive_overview,api_specs\"). Omit to generate all thirteen."),
			),
		),
		s.handleAnalyze,
	)

	// kaiseki_run_status — check how a run is doing.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiseki_run_status",
			mcplib.WithDescription(`Check the status of an analysis run.

WHEN TO USE: after kaiseki_analyze. Poll this until status is "analyzed"
or "error". A finished run reports its per-stage outcomes; the partial
flag means some non-critical stage failed and was degraded rather than
aborting the run.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("Run identifier returned by kaiseki_analyze"),
				mcplib.Required(),
			),
		),
		s.handleRunStatus,
	)

	// kaiseki_sections — list what a run generated.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiseki_sections",
			mcplib.WithDescription(`List the documentation sections an analysis run generated.

WHEN TO USE: after kaiseki_run_status reports "analyzed". Returns every
section with its confidence score and a content preview. Section content
is truncated for scanning — read the kaiseki://run/{id}/sections
resource for full text.

Low-confidence sections are prefixed with a disclaimer; degraded
sections were rendered from templates because the model chain was
exhausted. Treat both as drafts needing review.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("Run identifier returned by kaiseki_analyze"),
				mcplib.Required(),
			),
			mcplib.WithString("kind",
				mcplib.Description("Optional: only return the section of this kind (e.g. \"api_specs\")"),
			),
		),
		s.handleSections,
	)
}

func (s *Server) handleAnalyze(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	path := request.GetString("path", "")
	if path == "" {
		// Fall back to the client's workspace roots.
		path = firstLocalRoot(s.requestRoots(ctx))
	}
	if path == "" {
		return errorResult("path is required (client advertised no file:// workspace root to default to)"), nil
	}

	projectID := request.GetString("project_id", "")
	if projectID == "" {
		projectID = filepath.Base(path)
	}

	var kinds []model.SectionKind
	if raw := request.GetString("sections", ""); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			kind := model.SectionKind(strings.TrimSpace(part))
			if kind == "" {
				continue
			}
			if !model.ValidSectionKind(kind) {
				return errorResult(fmt.Sprintf("unknown section kind %q", kind)), nil
			}
			kinds = append(kinds, kind)
		}
	}

	run, started, err := s.svc.Start(ctx, analysis.Request{
		ProjectID: projectID,
		Path:      path,
		Branch:    request.GetString("branch", ""),
		Sections:  kinds,
	})
	if err != nil {
		if errors.Is(err, analysis.ErrNoProject) || errors.Is(err, analysis.ErrNoPath) {
			return errorResult(err.Error()), nil
		}
		return errorResult(fmt.Sprintf("failed to start analysis: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"run_id":     run.ID,
		"project_id": run.ProjectID,
		"status":     run.Status,
		"started":    started,
	})

	contents := []mcplib.Content{
		mcplib.TextContent{Type: "text", Text: string(resultData)},
	}
	if !started {
		contents = append(contents, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: An analysis was already running for this project; returning the run in progress instead of starting a new one.",
		})
	}

	return &mcplib.CallToolResult{Content: contents}, nil
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.db == nil {
		return errorResult("storage not configured"), nil
	}

	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}

	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return errorResult(fmt.Sprintf("failed to load run: %v", err)), nil
	}

	m := compactRun(run)

	if run.Status == model.RunAnalyzed {
		result, err := s.db.RunResultByID(ctx, runID)
		if err != nil {
			return errorResult(fmt.Sprintf("failed to load run result: %v", err)), nil
		}
		m["stages"] = result.Stages
		m["section_count"] = len(result.Sections)
		if result.Intelligence != nil {
			m["finding_count"] = len(result.Intelligence.Findings)
		}
		m["summary"] = generateRunSummary(result)
	}

	resultData, _ := json.MarshalIndent(m, "", "  ")
	contents := []mcplib.Content{
		mcplib.TextContent{Type: "text", Text: string(resultData)},
	}
	if run.Status == model.RunAnalyzing {
		contents = append(contents, mcplib.TextContent{
			Type: "text",
			Text: "Run is still analyzing. Poll kaiseki_run_status again in a few seconds.",
		})
	}

	return &mcplib.CallToolResult{Content: contents}, nil
}

func (s *Server) handleSections(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.db == nil {
		return errorResult("storage not configured"), nil
	}

	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}

	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return errorResult(fmt.Sprintf("failed to load run: %v", err)), nil
	}

	sections, err := s.db.SectionsByRun(ctx, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load sections: %v", err)), nil
	}

	kindFilter := model.SectionKind(request.GetString("kind", ""))
	compacted := make([]map[string]any, 0, len(sections))
	for _, sec := range sections {
		if kindFilter != "" && sec.Kind != kindFilter {
			continue
		}
		compacted = append(compacted, compactSection(sec))
	}

	if len(compacted) == 0 && run.Status == model.RunAnalyzing {
		return errorResult("run has not produced sections yet (status: analyzing)"), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"run_id":   runID,
		"status":   run.Status,
		"total":    len(compacted),
		"sections": compacted,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}
