// Package mcp exposes agent status over the Model Context Protocol so
// AI tooling can interrogate a tracer deployment: run state, tool
// aggregations, and stage drop counters.
package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Tracer-Cloud/tracer-client/internal/model"
)

// StatusProvider supplies the live (or last persisted) agent state.
type StatusProvider interface {
	// Status returns daemon identity and stage counters.
	Status() Status
	// RunSnapshot returns the current run row, nil before new_run.
	RunSnapshot() *model.Run
	// ToolSnapshots returns the current tool aggregation rows.
	ToolSnapshots() []model.ToolAggregation
}

// Status is the get_status document.
type Status struct {
	Identity     model.RunIdentity  `json:"identity"`
	DaemonPID    int                `json:"daemon_pid,omitempty"`
	DashboardURL string             `json:"dashboard_url,omitempty"`
	Counters     map[string]float64 `json:"counters"`
}

// Server wraps the MCP server instance.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer creates an MCP server with the agent's tools registered.
func NewServer(version string, provider StatusProvider) *Server {
	s := server.NewMCPServer("tracer", version, server.WithLogging())
	registerTools(s, provider)
	return &Server{mcpServer: s}
}

// Start runs the server in stdio mode (blocking).
func (s *Server) Start(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.mcpServer)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools adds all supported tools to the server.
func registerTools(s *server.MCPServer, provider StatusProvider) {
	h := &handlers{provider: provider}

	statusTool := mcp.NewTool("get_status",
		mcp.WithDescription("Daemon status: run identity, dashboard URL, and per-stage drop/retry counters. Fast, no side effects."),
	)
	s.AddTool(statusTool, h.handleGetStatus)

	runTool := mcp.NewTool("get_run",
		mcp.WithDescription("Current pipeline run row: status, max/avg RAM and CPU, dataset count, cost, exit code and reasons."),
	)
	s.AddTool(runTool, h.handleGetRun)

	toolsTool := mcp.NewTool("list_tools",
		mcp.WithDescription("Tool aggregations for the current run: times called, max/avg CPU/mem/disk, first/last seen, exit reasons."),
	)
	s.AddTool(toolsTool, h.handleListTools)

	countersTool := mcp.NewTool("list_drop_counters",
		mcp.WithDescription("Per-stage drop, reject, and retry counters. Nonzero kernel drops mean consumer lag."),
	)
	s.AddTool(countersTool, h.handleListCounters)
}
