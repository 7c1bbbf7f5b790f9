package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// document-repo — walks the agent through the analyze/poll/fetch workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("document-repo",
			mcplib.WithPromptDescription("Analyze a repository and collect its generated documentation"),
			mcplib.WithArgument("path",
				mcplib.ArgumentDescription("Absolute path to the repository to document"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDocumentRepoPrompt,
	)

	// agent-setup — system prompt snippet explaining the kaiseki workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the kaiseki analysis workflow (analyze, poll, fetch)"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleDocumentRepoPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	path := request.Params.Arguments["path"]
	if path == "" {
		return nil, fmt.Errorf("path argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Document the repository at %s", path),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Generate documentation for the repository at %s by following these steps:

1. LAUNCH the analysis by calling kaiseki_analyze with path="%s".
   Note the run_id in the response. If started is false, a run was
   already in progress — use that run_id instead.

2. POLL kaiseki_run_status with the run_id every few seconds until the
   status leaves "analyzing":
   - "analyzed": the run finished. Check the partial flag — true means
     some non-critical stage failed and the output is incomplete.
   - "error": the run aborted. The error field says why (usually a bad
     path or an unreadable repository).

3. FETCH the results with kaiseki_sections. Each section carries a
   confidence score; content there is truncated for scanning.

4. READ the full text from the kaiseki://run/{run_id}/sections resource
   when you need complete section content.

5. REVIEW before presenting: sections marked degraded were rendered
   from templates without model synthesis, and sections below 0.5
   confidence carry a low-confidence disclaimer. Flag both to the user
   rather than presenting them as authoritative.`, path, path),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "kaiseki analysis workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to kaiseki, a code analysis service that turns a
repository into structured documentation: architecture overviews, API
specs, data models, security requirements, and more. It combines static
structure extraction with LLM analysis, cross-validates the two, and
scores every output with a confidence value.

## The Pattern: Analyze, Poll, Fetch

### Launch:
Call kaiseki_analyze with the repository path. Analysis runs in the
background and the tool returns a run_id immediately. One run executes
per project at a time; launching against a busy project returns the run
already in progress.

### Poll:
Call kaiseki_run_status with the run_id until the status leaves
"analyzing". Runs on large repositories take minutes.

### Fetch:
Call kaiseki_sections for a scannable list, then read the
kaiseki://run/{id}/sections resource for full section text.

## Available Tools

- kaiseki_analyze: Launch an analysis run (returns immediately)
- kaiseki_run_status: Check run state and stage outcomes (poll this)
- kaiseki_sections: List generated sections with confidence scores

## Available Resources

- kaiseki://runs/recent: Recent runs across all projects
- kaiseki://run/{id}/sections: Full section text for one run
- kaiseki://project/{id}/sections: Latest documentation for a project

## Run States

- analyzing: In progress, keep polling
- analyzed: Finished. partial=true means a non-critical stage failed
  and its output was degraded rather than aborting the run.
- error: Aborted. The error field explains why.

## Reading Confidence

Every section and finding carries a confidence score:
- 0.9-1.0: Cross-validated by both static and LLM analysis
- 0.7-0.8: Single-source but well-supported
- 0.5-0.6: Plausible, verify before relying on it
- Below 0.5: Carries an explicit low-confidence disclaimer

Sections marked degraded were rendered from deterministic templates
because the model chain was exhausted; treat them as skeletons.`,
				},
			},
		},
	}, nil
}
