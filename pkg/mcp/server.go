// Package mcp exposes nodeflow runs as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Invoker runs a trigger event to completion. Satisfied by *engine.Invoker.
type Invoker interface {
	Invoke(ctx context.Context, ev schema.TriggerEvent) (*engine.RunResult, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Invoker Invoker
	Store   store.Store
	Logger  *slog.Logger
	Version string
}

// Server wraps an MCP server with nodeflow's tool handlers.
type Server struct {
	invoker   Invoker
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		invoker: deps.Invoker,
		store:   deps.Store,
		logger:  logging.OrDefault(deps.Logger),
	}

	mcpSrv := server.NewMCPServer(
		"nodeflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("nodeflow runs user-defined workflows. Use nodeflow.trigger to run a workflow and wait for the result, nodeflow.run to inspect one run and its events, and nodeflow.runs to list runs."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("nodeflow.trigger",
		mcp.WithDescription("Run a workflow and wait for its result"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("correlation_id", mcp.Description("Idempotency key; reusing one resumes the same run")),
		mcp.WithObject("context", mcp.Description("Initial context variables")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("nodeflow.run",
		mcp.WithDescription("Get a run and its event log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("nodeflow.runs",
		mcp.WithDescription("List runs, newest first"),
		mcp.WithString("workflow_id", mcp.Description("Only runs of this workflow")),
		mcp.WithString("status", mcp.Enum("NOT_STARTED", "RUNNING", "SUCCESS", "FAILED"), mcp.Description("Only runs in this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 50)")),
	)
}
