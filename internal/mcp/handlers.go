package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/baikal/fuzmon/internal/logfile"
	"github.com/baikal/fuzmon/internal/report"
)

type handlers struct {
	defaultDir string
}

// pidSummary is the per-PID row returned by list_pids and log_summary.
type pidSummary struct {
	PID        uint32  `json:"pid"`
	Cmd        string  `json:"cmd"`
	RuntimeSec int64   `json:"runtime_sec"`
	CPUSec     float64 `json:"cpu_sec"`
	AvgCPU     float64 `json:"avg_cpu_percent"`
	PeakRssKB  uint64  `json:"peak_rss_kb"`
	Path       string  `json:"path"`
}

func summaries(input string) ([]pidSummary, error) {
	stats, err := report.Summarize(input)
	if err != nil {
		return nil, err
	}
	// Ensure an array, never null, for easier consumption by AI agents.
	rows := make([]pidSummary, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, pidSummary{
			PID:        s.PID,
			Cmd:        s.Cmd,
			RuntimeSec: s.RuntimeSec,
			CPUSec:     s.CPUSec,
			AvgCPU:     s.AvgCPU,
			PeakRssKB:  s.PeakRssKB,
			Path:       s.Path,
		})
	}
	return rows, nil
}

// handleListPids lists recorded PIDs under a log directory.
func (h *handlers) handleListPids(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	path := stringArg(args, "path", h.defaultDir)

	rows, err := summaries(path)
	if err != nil {
		return errResult(fmt.Sprintf("failed to read %s: %v", path, err)), nil
	}
	jsonData, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err)), nil
	}
	return newTextResult(string(jsonData)), nil
}

// handleDumpLog returns the parsed entries of one log file.
func (h *handlers) handleDumpLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	path := stringArg(args, "path", "")
	if path == "" {
		return errResult("path is required"), nil
	}
	limit := intArg(args, "limit", 50)

	entries, err := logfile.ReadFile(path)
	if err != nil {
		return errResult(fmt.Sprintf("failed to read %s: %v", path, err)), nil
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	jsonData, err := json.Marshal(entries)
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err)), nil
	}
	return newTextResult(string(jsonData)), nil
}

// handleLogSummary summarizes a log file or directory.
func (h *handlers) handleLogSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	path := stringArg(args, "path", h.defaultDir)

	rows, err := summaries(path)
	if err != nil {
		return errResult(fmt.Sprintf("failed to summarize %s: %v", path, err)), nil
	}
	jsonData, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err)), nil
	}
	return newTextResult(string(jsonData)), nil
}

// getArgs safely extracts the arguments map from a CallToolRequest.
// Returns an empty map if Arguments is nil or not a map.
func getArgs(request mcp.CallToolRequest) map[string]interface{} {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return args
}

// stringArg extracts a string argument with a default value.
func stringArg(args map[string]interface{}, key, defaultVal string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultVal
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}

// intArg extracts a numeric argument with a default value. JSON numbers
// arrive as float64.
func intArg(args map[string]interface{}, key string, defaultVal int) int {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultVal
	}
	f, ok := val.(float64)
	if !ok {
		return defaultVal
	}
	return int(f)
}

// newTextResult creates a successful MCP tool result with text content.
func newTextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

// errResult creates an MCP tool error result (IsError=true).
// This is returned as a tool-level error, not a transport-level JSON-RPC error.
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
	}
}
