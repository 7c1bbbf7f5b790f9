package mcp

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
)

const (
	maxCompactError   = 200
	maxCompactContent = 500
)

// compactRun returns a minimal representation of a run for MCP responses.
// Drops the stages/quality/intelligence snapshots the row may carry;
// handlers attach what the caller needs explicitly.
func compactRun(r model.Run) map[string]any {
	m := map[string]any{
		"id":         r.ID,
		"project_id": r.ProjectID,
		"status":     r.Status,
		"partial":    r.Partial,
		"started_at": r.StartedAt,
	}
	if r.CommitSHA != "" {
		m["commit_sha"] = r.CommitSHA
	}
	if r.Branch != "" {
		m["branch"] = r.Branch
	}
	if r.Error != "" {
		m["error"] = truncate(r.Error, maxCompactError)
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt
		m["duration_ms"] = r.CompletedAt.Sub(r.StartedAt).Milliseconds()
	}
	return m
}

// compactSection returns a section with its content truncated for
// scanning. Full text is served by the run sections resource.
func compactSection(s model.Section) map[string]any {
	m := map[string]any{
		"kind":       s.Kind,
		"title":      s.Title,
		"confidence": s.Confidence,
		"content":    truncate(s.Content, maxCompactContent),
	}
	if s.Degraded {
		m["degraded"] = true
	}
	if s.Gated {
		m["gated"] = true
	}
	if len(s.Citations) > 0 {
		m["citation_count"] = len(s.Citations)
	}
	return m
}

// generateRunSummary creates a 1-3 sentence human-readable synthesis of
// a completed run. Template-based, no LLM dependency.
func generateRunSummary(result model.RunResult) string {
	var parts []string

	failed := make([]string, 0, len(result.Stages))
	for _, st := range result.Stages {
		if !st.OK {
			failed = append(failed, st.Name)
		}
	}
	switch {
	case len(result.Stages) == 0:
		parts = append(parts, "No stage records.")
	case len(failed) == 0:
		parts = append(parts, fmt.Sprintf("All %d stages completed.", len(result.Stages)))
	default:
		parts = append(parts, fmt.Sprintf("%d of %d stages failed: %s.",
			len(failed), len(result.Stages), strings.Join(failed, ", ")))
	}

	if len(result.Sections) > 0 {
		low := 0
		for _, sec := range result.Sections {
			if sec.Confidence < 0.5 {
				low++
			}
		}
		line := fmt.Sprintf("Generated %d section(s)", len(result.Sections))
		if low > 0 {
			line += fmt.Sprintf(", %d below 0.5 confidence", low)
		}
		parts = append(parts, line+".")
	}

	if result.Intelligence != nil && len(result.Intelligence.Findings) > 0 {
		parts = append(parts, fmt.Sprintf("%d validated finding(s).", len(result.Intelligence.Findings)))
	}

	return strings.Join(parts, " ")
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
