// Package mcp exposes recorded fuzmon logs to AI tooling over the Model
// Context Protocol, in stdio mode.
package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server instance.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP server with registered tools. defaultDir is
// where the sampler writes logs when no path argument is given.
func NewServer(version, defaultDir string) *Server {
	s := server.NewMCPServer("fuzmon", version, server.WithLogging())
	registerTools(s, defaultDir)
	return &Server{mcpServer: s}
}

// Start runs the server in stdio mode (blocking).
func (s *Server) Start(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.mcpServer)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools adds all supported tools to the server.
func registerTools(s *server.MCPServer, defaultDir string) {
	h := &handlers{defaultDir: defaultDir}

	listTool := mcp.NewTool("list_pids",
		mcp.WithDescription("List the PIDs with recorded logs under a fuzmon output directory, with per-PID runtime, average CPU, and peak RSS."),
		mcp.WithString("path",
			mcp.Description("Log directory (defaults to the configured output directory)"),
		),
	)
	s.AddTool(listTool, h.handleListPids)

	dumpTool := mcp.NewTool("dump_log",
		mcp.WithDescription("Return the parsed entries of one log file (jsonl/msgpacks, optionally zstd-compressed) as JSON."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the log file"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of entries to return, newest last (default 50)"),
			mcp.DefaultNumber(50),
		),
	)
	s.AddTool(dumpTool, h.handleDumpLog)

	summaryTool := mcp.NewTool("log_summary",
		mcp.WithDescription("Summarize a log file or directory: per-PID command line, runtime, CPU seconds, average CPU, peak RSS, hottest first."),
		mcp.WithString("path",
			mcp.Description("Log file or directory (defaults to the configured output directory)"),
		),
	)
	s.AddTool(summaryTool, h.handleLogSummary)
}
