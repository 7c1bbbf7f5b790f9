// Package mcp implements the Model Context Protocol server for kaiseki.
//
// The MCP server exposes the analysis pipeline to MCP-compatible AI
// agents: tools launch runs and inspect their outcomes, resources carry
// the full generated documentation, and prompts teach the
// analyze/poll/fetch workflow. Resources are storage-backed and only
// registered when a database is configured; tools degrade in-handler.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kaiseki/internal/service/analysis"
	"github.com/ashita-ai/kaiseki/internal/storage"
)

// Server wraps the MCP server with kaiseki's service layer.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	db         *storage.DB
	svc        *analysis.Service
	logger     *slog.Logger
	rootsCache *rootsCache
}

// New creates and configures an MCP server with all tools, prompts, and
// (when db is non-nil) resources registered.
func New(db *storage.DB, svc *analysis.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:         db,
		svc:        svc,
		logger:     logger,
		rootsCache: newRootsCache(),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kaiseki",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerTools()
	s.registerPrompts()
	if db != nil {
		s.registerResources()
	}

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
