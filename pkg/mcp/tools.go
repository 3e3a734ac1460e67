package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowcron/internal/diagram"
	"github.com/rendis/flowcron/internal/scheduler"
	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/pkg/schema"
)

// handleRunNow fires a task at the current instant.
func (s *Server) handleRunNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError("task is required"), nil
	}
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not configured"), nil
	}

	out, runErr := s.scheduler.RunNow(ctx, task)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	return marshalResult(outcomeResult(out))
}

// handleRetry re-runs the given sources of a finished activity log, or every
// source whose latest attempt failed.
func (s *Server) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logID, err := req.RequireString("activity_log_id")
	if err != nil {
		return mcp.NewToolResultError("activity_log_id is required"), nil
	}
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not configured"), nil
	}
	sourceIDs, err := stringSlice(mcp.ParseArgument(req, "source_ids", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, retryErr := s.scheduler.Retry(ctx, logID, sourceIDs)
	if retryErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retry failed: %v", retryErr)), nil
	}
	return marshalResult(outcomeResult(out))
}

// handleQuery lists one resource type.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "activity_logs":
		return s.queryActivityLogs(ctx, filter)
	case "audits":
		return s.queryAudits(ctx, filter)
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "tasks":
		if s.scheduler == nil {
			return mcp.NewToolResultError("scheduler is not configured"), nil
		}
		return marshalResult(map[string]any{"tasks": s.scheduler.Tasks()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryActivityLogs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.ActivityLogFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if name, ok := filter["task_name"].(string); ok {
		f.TaskName = name
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		f.Status = schema.ActivityStatus(status)
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		f.Since = &t
	}

	logs, err := s.store.ListActivityLogs(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"activity_logs": logs})
}

// queryAudits lists audit rows. With failed_only it returns the retryable
// set of task_id instead: the latest row of every source that failed.
func (s *Server) queryAudits(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.AuditFilter{Limit: extractInt(filter, "limit", 100)}
	if id, ok := filter["task_id"].(string); ok {
		f.TaskID = id
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		f.Status = schema.AuditStatus(status)
	}
	if src, ok := filter["source_id"].(string); ok {
		f.SourceID = src
	}

	if failedOnly, _ := filter["failed_only"].(bool); failedOnly {
		if f.TaskID == "" {
			return mcp.NewToolResultError("failed_only requires task_id in filter"), nil
		}
		all, err := s.store.ListAudits(ctx, store.AuditFilter{TaskID: f.TaskID})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		latest := store.LatestBySource(all)
		failed := make([]*store.TaskExecutionAudit, 0)
		for _, id := range store.FailedSourceIDs(all) {
			failed = append(failed, latest[id])
		}
		return marshalResult(map[string]any{"audits": failed})
	}

	audits, err := s.store.ListAudits(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"audits": audits})
}

func (s *Server) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// handleDiagram renders a stored workflow.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format := req.GetString("format", "mermaid")
	if format != "ascii" && format != "mermaid" {
		return mcp.NewToolResultError("format must be ascii or mermaid"), nil
	}
	if s.workflows == nil {
		return mcp.NewToolResultError("workflow loader is not configured"), nil
	}

	def, loadErr := s.workflows.Load(ctx, workflowID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", loadErr)), nil
	}

	model := diagram.Build(def, nil)
	if format == "ascii" {
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// handleWatch subscribes the calling session to a task's transitions.
func (s *Server) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError("task is required"), nil
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch needs a client session"), nil
	}

	if mcp.ParseBoolean(req, "stop", false) {
		s.watches.Unwatch(task, session.SessionID())
		return mcp.NewToolResultText(fmt.Sprintf("stopped watching %s", task)), nil
	}
	s.watches.Watch(task, session.SessionID())
	return mcp.NewToolResultText(fmt.Sprintf("watching %s", task)), nil
}

// --- Internal helpers ---

// outcomeResult flattens an Outcome, whose executor error does not marshal.
func outcomeResult(out *scheduler.Outcome) map[string]any {
	res := map[string]any{
		"decision":     out.Decision,
		"activity_log": out.Log,
	}
	if out.Report != nil {
		res["report"] = out.Report
	}
	if out.Err != nil {
		res["error"] = out.Err.Error()
	}
	return res
}

// stringSlice accepts a JSON array of strings as decoded by the transport.
func stringSlice(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("source_ids must contain strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("source_ids must be an array, got %T", v)
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
