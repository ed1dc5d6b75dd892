// Package mcp exposes the activity history to coding agents as read-only
// MCP tools.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/ziadkadry99/devtrail/internal/query"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Server wraps an MCP server that answers tool calls from the query service.
type Server struct {
	query *query.Service
	mcp   *server.MCPServer
}

// NewServer creates a new MCP server over q.
func NewServer(q *query.Service) *Server {
	s := &Server{query: q}

	s.mcp = server.NewMCPServer(
		"devtrail",
		Version,
		server.WithToolCapabilities(false),
	)

	s.registerTools()

	return s
}

// registerTools adds all tool definitions and their handlers to the MCP server.
func (s *Server) registerTools() {
	s.mcp.AddTool(recentActivityTool, s.handleRecentActivity)
	s.mcp.AddTool(searchPromptsTool, s.handleSearchPrompts)
	s.mcp.AddTool(fileUsageTool, s.handleFileUsage)
	s.mcp.AddTool(listMotifsTool, s.handleListMotifs)
	s.mcp.AddTool(promptContextTool, s.handlePromptContext)
	s.mcp.AddTool(listWorkspacesTool, s.handleListWorkspaces)
}

// Serve starts the MCP server on stdio. Stdout is used for MCP protocol
// messages; all logging must go to stderr.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}
