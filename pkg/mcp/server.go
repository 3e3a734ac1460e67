package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowcron/internal/graph"
	"github.com/rendis/flowcron/internal/scheduler"
	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/internal/tasks"
)

// TaskScheduler is the part of the scheduler the tools drive.
type TaskScheduler interface {
	RunNow(ctx context.Context, taskName string) (*scheduler.Outcome, error)
	Retry(ctx context.Context, activityLogID string, sourceIDs []string) (*scheduler.Outcome, error)
	Tasks() []tasks.Spec
	OnTransition(hook scheduler.TransitionHook)
}

// WorkflowLoader resolves a stored workflow into its parsed graph.
type WorkflowLoader interface {
	Load(ctx context.Context, id string) (*graph.Definition, error)
}

// Deps holds the dependencies for creating a Server.
type Deps struct {
	Scheduler TaskScheduler
	Store     store.Store
	Workflows WorkflowLoader
	Logger    *slog.Logger
}

// Server wraps an MCP server with the flowcron operator tools.
type Server struct {
	scheduler TaskScheduler
	store     store.Store
	workflows WorkflowLoader
	logger    *slog.Logger
	watches   *WatchRegistry
	notifier  *TransitionNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered. When a scheduler is
// given, its activity log transitions are pushed to watching sessions.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		scheduler: deps.Scheduler,
		store:     deps.Store,
		workflows: deps.Workflows,
		logger:    logger,
		watches:   NewWatchRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.watches.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"flowcron",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Flowcron runs scheduled workflow tasks. Use flowcron.run_now to fire a task for the current cron bucket, flowcron.retry to re-run the failed sources of an activity log, flowcron.query to list activity logs, audits, workflows or tasks, flowcron.diagram to render a workflow, and flowcron.watch to receive activity log transitions for a task."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewTransitionNotifier(mcpSrv, s.watches, logger)

	if s.scheduler != nil {
		s.scheduler.OnTransition(s.notifier.Hook)
	}
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
		{Tool: runNowTool(), Handler: s.handleRunNow},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func runNowTool() mcp.Tool {
	return mcp.NewTool("flowcron.run_now",
		mcp.WithDescription("Fire a task for the current cron bucket"),
		mcp.WithString("task", mcp.Required(), mcp.Description("Name of the configured task")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("flowcron.retry",
		mcp.WithDescription("Retry the failed sources of an activity log"),
		mcp.WithString("activity_log_id", mcp.Required(), mcp.Description("ID of a finished activity log")),
		mcp.WithArray("source_ids",
			mcp.WithStringItems(),
			mcp.Description("Sources to retry (default: every source whose latest attempt failed)"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flowcron.query",
		mcp.WithDescription("Query activity logs, audits, workflows, or tasks"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("activity_logs", "audits", "workflows", "tasks"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (task_name, status, since, task_id, source_id, failed_only, limit, offset)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flowcron.diagram",
		mcp.WithDescription("Render a stored workflow as ASCII art or a Mermaid flowchart"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the stored workflow")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("flowcron.watch",
		mcp.WithDescription("Receive activity log transitions of a task as notifications"),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task name, or * for every task")),
		mcp.WithBoolean("stop", mcp.Description("Stop watching instead")),
	)
}
