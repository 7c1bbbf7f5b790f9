package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kaiseki/internal/llm"
	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/service/analysis"
	"github.com/ashita-ai/kaiseki/internal/storage"
	"github.com/ashita-ai/kaiseki/internal/testutil"
)

var (
	testDB     *storage.DB
	testSvc    *analysis.Service
	testServer *Server
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close()

	// No transport: semantic analysis is skipped and sections fall back
	// to templates, which is all the tool surface needs.
	testSvc = analysis.New(analysis.Deps{
		Models: llm.Config{Models: map[llm.Tier]string{llm.TierStandard: "model-a"}},
		Logger: logger,
		DB:     testDB,
	}, analysis.Config{})
	testServer = New(testDB, testSvc, logger, "test")

	return m.Run()
}

// callRequest builds a CallToolRequest with the given arguments.
func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

// parseToolJSON unmarshals the first TextContent into a generic map.
func parseToolJSON(t *testing.T, result *mcplib.CallToolResult) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &m))
	return m
}

// seedAnalyzedRun inserts a completed run with the given sections and
// findings, the way a finished pipeline would.
func seedAnalyzedRun(t *testing.T, projectID string, sections []model.Section, findings []model.Finding) model.Run {
	t.Helper()
	ctx := context.Background()

	run, err := testDB.CreateRun(ctx, projectID, "abc123", "main")
	require.NoError(t, err)

	err = testDB.SaveRunResults(ctx, storage.RunResults{
		RunID:      run.ID,
		ProjectID:  projectID,
		Status:     model.RunAnalyzed,
		DurationMs: 1200,
		Stages: []model.StageStatus{
			{Name: "ingestion_resolve", OK: true, DurationMs: 40},
			{Name: "persistence", OK: true, DurationMs: 12},
		},
		Intelligence: &model.Intelligence{
			ProjectID: projectID,
			Findings:  findings,
			Summary:   "seeded for tool tests",
		},
		Findings: findings,
		Sections: sections,
	})
	require.NoError(t, err)
	return run
}

func uniqueProject(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestHandleAnalyzeRequiresPath(t *testing.T) {
	// No path argument and no MCP session in the context, so there are
	// no workspace roots to fall back to.
	result, err := testServer.handleAnalyze(context.Background(), callRequest("kaiseki_analyze", nil))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "path is required")
}

func TestHandleAnalyzeUnknownSectionKind(t *testing.T) {
	result, err := testServer.handleAnalyze(context.Background(), callRequest("kaiseki_analyze", map[string]any{
		"path":     "/tmp/somewhere",
		"sections": "executive_overview, nope",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), `unknown section kind "nope"`)
}

func TestAnalyzeLifecycle(t *testing.T) {
	ctx := context.Background()
	projectID := uniqueProject("mcp-lifecycle")

	result, err := testServer.handleAnalyze(ctx, callRequest("kaiseki_analyze", map[string]any{
		"path":       "/nonexistent/checkout/for/this/test",
		"project_id": projectID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "launch should succeed even though the run will fail")

	launched := parseToolJSON(t, result)
	runID, _ := launched["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, projectID, launched["project_id"])
	assert.Equal(t, string(model.RunAnalyzing), launched["status"])
	assert.Equal(t, true, launched["started"])

	// Drain the progress channel to wait for the detached pipeline. The
	// bogus path makes the resolve stage fail, so the run lands in error.
	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	events, ok := testSvc.Hub().Subscribe(drainCtx, projectID)
	require.True(t, ok, "progress channel should exist while the run is live")
	for range events {
	}
	require.NoError(t, drainCtx.Err(), "pipeline did not finish in time")

	status, err := testServer.handleRunStatus(ctx, callRequest("kaiseki_run_status", map[string]any{
		"run_id": runID,
	}))
	require.NoError(t, err)
	require.False(t, status.IsError)

	parsed := parseToolJSON(t, status)
	assert.Equal(t, string(model.RunError), parsed["status"])
	assert.NotEmpty(t, parsed["error"], "failed run should carry its abort error")
	assert.Len(t, status.Content, 1, "terminal run should not carry the poll-again nudge")
}

func TestHandleRunStatusRequiresRunID(t *testing.T) {
	result, err := testServer.handleRunStatus(context.Background(), callRequest("kaiseki_run_status", nil))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "run_id is required")
}

func TestHandleRunStatusNotFound(t *testing.T) {
	result, err := testServer.handleRunStatus(context.Background(), callRequest("kaiseki_run_status", map[string]any{
		"run_id": model.NewID(),
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "run not found")
}

func TestHandleRunStatusAnalyzed(t *testing.T) {
	projectID := uniqueProject("mcp-status")
	run := seedAnalyzedRun(t, projectID,
		[]model.Section{
			{Kind: model.SectionExecutiveOverview, Title: "Executive Overview", Content: "High level.", Confidence: 0.92},
			{Kind: model.SectionAPISpecs, Title: "API Specs", Content: "Endpoints.", Confidence: 0.4, Degraded: true},
		},
		[]model.Finding{
			{
				Kind:       model.FindingEndpoint,
				Name:       "GET /v1/things",
				FilePath:   "internal/server/routes.go",
				Source:     model.SourceCrossValidated,
				Confidence: model.ConfidenceScore{Value: 0.95, Source: model.SourceCrossValidated},
			},
		},
	)

	result, err := testServer.handleRunStatus(context.Background(), callRequest("kaiseki_run_status", map[string]any{
		"run_id": run.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	parsed := parseToolJSON(t, result)
	assert.Equal(t, string(model.RunAnalyzed), parsed["status"])
	assert.EqualValues(t, 2, parsed["section_count"])
	assert.EqualValues(t, 1, parsed["finding_count"])
	assert.NotNil(t, parsed["stages"])
	assert.Contains(t, parsed, "completed_at")

	summary, _ := parsed["summary"].(string)
	assert.Contains(t, summary, "All 2 stages completed.")
	assert.Contains(t, summary, "Generated 2 section(s), 1 below 0.5 confidence.")
	assert.Contains(t, summary, "1 validated finding(s).")

	assert.Len(t, result.Content, 1, "analyzed run should not carry the poll-again nudge")
}

func TestHandleRunStatusAnalyzingAdvisory(t *testing.T) {
	ctx := context.Background()
	run, err := testDB.CreateRun(ctx, uniqueProject("mcp-advisory"), "", "")
	require.NoError(t, err)

	result, err := testServer.handleRunStatus(ctx, callRequest("kaiseki_run_status", map[string]any{
		"run_id": run.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	parsed := parseToolJSON(t, result)
	assert.Equal(t, string(model.RunAnalyzing), parsed["status"])

	require.Len(t, result.Content, 2, "in-flight run should carry the poll-again nudge")
	nudge, ok := result.Content[1].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, nudge.Text, "still analyzing")
}

func TestHandleSectionsValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("missing run_id", func(t *testing.T) {
		result, err := testServer.handleSections(ctx, callRequest("kaiseki_sections", nil))
		require.NoError(t, err)
		require.True(t, result.IsError)
		assert.Contains(t, parseToolText(t, result), "run_id is required")
	})

	t.Run("unknown run", func(t *testing.T) {
		result, err := testServer.handleSections(ctx, callRequest("kaiseki_sections", map[string]any{
			"run_id": model.NewID(),
		}))
		require.NoError(t, err)
		require.True(t, result.IsError)
		assert.Contains(t, parseToolText(t, result), "run not found")
	})

	t.Run("run still analyzing", func(t *testing.T) {
		run, err := testDB.CreateRun(ctx, uniqueProject("mcp-sections-pending"), "", "")
		require.NoError(t, err)

		result, err := testServer.handleSections(ctx, callRequest("kaiseki_sections", map[string]any{
			"run_id": run.ID,
		}))
		require.NoError(t, err)
		require.True(t, result.IsError)
		assert.Contains(t, parseToolText(t, result), "has not produced sections yet")
	})
}

func TestHandleSectionsKindFilter(t *testing.T) {
	projectID := uniqueProject("mcp-sections")
	run := seedAnalyzedRun(t, projectID,
		[]model.Section{
			{Kind: model.SectionExecutiveOverview, Title: "Executive Overview", Content: "Overview text.", Confidence: 0.9},
			{Kind: model.SectionAPISpecs, Title: "API Specs", Content: "Endpoint table.", Confidence: 0.8},
		},
		nil,
	)

	ctx := context.Background()

	all, err := testServer.handleSections(ctx, callRequest("kaiseki_sections", map[string]any{
		"run_id": run.ID,
	}))
	require.NoError(t, err)
	require.False(t, all.IsError)
	parsed := parseToolJSON(t, all)
	assert.EqualValues(t, 2, parsed["total"])

	filtered, err := testServer.handleSections(ctx, callRequest("kaiseki_sections", map[string]any{
		"run_id": run.ID,
		"kind":   "api_specs",
	}))
	require.NoError(t, err)
	require.False(t, filtered.IsError)

	parsed = parseToolJSON(t, filtered)
	assert.EqualValues(t, 1, parsed["total"])
	sections, ok := parsed["sections"].([]any)
	require.True(t, ok)
	require.Len(t, sections, 1)
	sec, ok := sections[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "api_specs", sec["kind"])
	assert.Equal(t, "API Specs", sec["title"])
}

func TestHandleSectionsTruncatesContent(t *testing.T) {
	long := strings.Repeat("x", 600)
	run := seedAnalyzedRun(t, uniqueProject("mcp-truncate"),
		[]model.Section{
			{Kind: model.SectionDataModels, Title: "Data Models", Content: long, Confidence: 0.7},
		},
		nil,
	)

	result, err := testServer.handleSections(context.Background(), callRequest("kaiseki_sections", map[string]any{
		"run_id": run.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	parsed := parseToolJSON(t, result)
	sections, ok := parsed["sections"].([]any)
	require.True(t, ok)
	require.Len(t, sections, 1)
	sec, ok := sections[0].(map[string]any)
	require.True(t, ok)

	content, _ := sec["content"].(string)
	assert.Equal(t, strings.Repeat("x", 500)+"...", content,
		"tool output should truncate; the run sections resource serves full text")
}
