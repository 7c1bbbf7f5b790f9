package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// kaiseki://runs/recent — recent analysis runs across all projects.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kaiseki://runs/recent",
			"Recent Runs",
			mcplib.WithResourceDescription("Recent analysis runs across all projects"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsRecent,
	)

	// kaiseki://run/{id}/sections — full section text for one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kaiseki://run/{id}/sections",
			"Run Sections",
			mcplib.WithTemplateDescription("Full documentation sections generated by a specific run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunSections,
	)

	// kaiseki://project/{id}/sections — latest documentation for a project.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kaiseki://project/{id}/sections",
			"Project Documentation",
			mcplib.WithTemplateDescription("Latest generated documentation sections for a project"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleProjectSections,
	)
}

func (s *Server) handleRunsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, err := s.db.RecentRuns(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}

	compacted := make([]map[string]any, len(runs))
	for i, r := range runs {
		compacted[i] = compactRun(r)
	}

	data, err := json.MarshalIndent(compacted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kaiseki://runs/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRunSections(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runID, ok := resourceID(uri, "kaiseki://run/", "/sections")
	if !ok {
		return nil, fmt.Errorf("mcp: invalid run sections URI: %s", uri)
	}

	sections, err := s.db.SectionsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run sections: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"run_id":   runID,
		"sections": sections,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal sections: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleProjectSections(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	projectID, ok := resourceID(uri, "kaiseki://project/", "/sections")
	if !ok {
		return nil, fmt.Errorf("mcp: invalid project sections URI: %s", uri)
	}

	runID, sections, err := s.db.LatestSectionsByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("mcp: project sections: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"project_id": projectID,
		"run_id":     runID,
		"sections":   sections,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal sections: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// resourceID extracts the single template parameter between a URI prefix
// and suffix. Rejects empty values and values spanning path segments.
func resourceID(uri, prefix, suffix string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, prefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, suffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
