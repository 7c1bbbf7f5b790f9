package mcp

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kaiseki/internal/model"
)

func TestResourceID(t *testing.T) {
	tests := []struct {
		name   string
		uri    string
		wantID string
		wantOK bool
	}{
		{
			name:   "valid run URI",
			uri:    "kaiseki://run/abc123/sections",
			wantID: "abc123",
			wantOK: true,
		},
		{
			name:   "id containing sections substring",
			uri:    "kaiseki://run/sections-test/sections",
			wantID: "sections-test",
			wantOK: true,
		},
		{
			name: "empty id between slashes",
			uri:  "kaiseki://run//sections",
		},
		{
			name: "id spanning path segments",
			uri:  "kaiseki://run/a/b/sections",
		},
		{
			name: "wrong prefix",
			uri:  "other://run/abc/sections",
		},
		{
			name: "missing suffix",
			uri:  "kaiseki://run/abc",
		},
		{
			name: "empty string",
			uri:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := resourceID(tt.uri, "kaiseki://run/", "/sections")
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func readResourceRequest(uri string) mcplib.ReadResourceRequest {
	return mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	}
}

// resourceText extracts the single TextResourceContents from a read result.
func resourceText(t *testing.T, contents []mcplib.ResourceContents) mcplib.TextResourceContents {
	t.Helper()
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "resource contents should be text")
	return text
}

func TestRunsRecentResource(t *testing.T) {
	run := seedAnalyzedRun(t, uniqueProject("mcp-recent"),
		[]model.Section{
			{Kind: model.SectionFeatures, Title: "Features", Content: "Feature list.", Confidence: 0.85},
		},
		nil,
	)

	contents, err := testServer.handleRunsRecent(context.Background(), readResourceRequest("kaiseki://runs/recent"))
	require.NoError(t, err)

	text := resourceText(t, contents)
	assert.Equal(t, "kaiseki://runs/recent", text.URI)
	assert.Equal(t, "application/json", text.MIMEType)
	assert.Contains(t, text.Text, run.ID, "recent runs should include the just-seeded run")
}

func TestRunSectionsResource(t *testing.T) {
	long := strings.Repeat("y", 600)
	run := seedAnalyzedRun(t, uniqueProject("mcp-run-resource"),
		[]model.Section{
			{Kind: model.SectionSystemOverview, Title: "System Overview", Content: long, Confidence: 0.75},
		},
		nil,
	)

	uri := "kaiseki://run/" + run.ID + "/sections"
	contents, err := testServer.handleRunSections(context.Background(), readResourceRequest(uri))
	require.NoError(t, err)

	text := resourceText(t, contents)
	assert.Equal(t, uri, text.URI)
	assert.Contains(t, text.Text, long, "resource should carry full section text, not the tool preview")
	assert.Contains(t, text.Text, run.ID)
}

func TestRunSectionsResourceInvalidURI(t *testing.T) {
	_, err := testServer.handleRunSections(context.Background(), readResourceRequest("kaiseki://run//sections"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run sections URI")
}

func TestProjectSectionsResource(t *testing.T) {
	projectID := uniqueProject("mcp-project-resource")

	seedAnalyzedRun(t, projectID,
		[]model.Section{
			{Kind: model.SectionFeatures, Title: "First Pass Features", Content: "v1", Confidence: 0.6},
		},
		nil,
	)
	latest := seedAnalyzedRun(t, projectID,
		[]model.Section{
			{Kind: model.SectionFeatures, Title: "Second Pass Features", Content: "v2", Confidence: 0.9},
		},
		nil,
	)

	uri := "kaiseki://project/" + projectID + "/sections"
	contents, err := testServer.handleProjectSections(context.Background(), readResourceRequest(uri))
	require.NoError(t, err)

	text := resourceText(t, contents)
	assert.Contains(t, text.Text, latest.ID, "should serve the latest analyzed run")
	assert.Contains(t, text.Text, "Second Pass Features")
	assert.NotContains(t, text.Text, "First Pass Features")
}

func TestProjectSectionsResourceUnknownProject(t *testing.T) {
	uri := "kaiseki://project/never-analyzed-project/sections"
	_, err := testServer.handleProjectSections(context.Background(), readResourceRequest(uri))
	require.Error(t, err)
}
