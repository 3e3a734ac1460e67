package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcron/internal/graph"
	"github.com/rendis/flowcron/internal/scheduler"
	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/internal/tasks"
	"github.com/rendis/flowcron/pkg/schema"
)

// --- Mocks ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	logs      []*store.ActivityLog
	audits    []*store.TaskExecutionAudit
	workflows []*store.WorkflowRecord

	lastLogFilter   store.ActivityLogFilter
	lastAuditFilter store.AuditFilter
}

func (m *mockStore) ListActivityLogs(_ context.Context, f store.ActivityLogFilter) ([]*store.ActivityLog, error) {
	m.lastLogFilter = f
	out := make([]*store.ActivityLog, 0)
	for _, l := range m.logs {
		if f.TaskName != "" && l.TaskName != f.TaskName {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *mockStore) ListAudits(_ context.Context, f store.AuditFilter) ([]*store.TaskExecutionAudit, error) {
	m.lastAuditFilter = f
	out := make([]*store.TaskExecutionAudit, 0)
	for _, a := range m.audits {
		if f.TaskID != "" && a.TaskID != f.TaskID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *mockStore) ListWorkflows(_ context.Context, _ store.WorkflowFilter) ([]*store.WorkflowRecord, error) {
	return m.workflows, nil
}

type mockScheduler struct {
	outcome  *scheduler.Outcome
	err      error
	lastTask string
	lastLog  string
	lastIDs  []string
	hooks    []scheduler.TransitionHook
}

func (m *mockScheduler) RunNow(_ context.Context, task string) (*scheduler.Outcome, error) {
	m.lastTask = task
	return m.outcome, m.err
}

func (m *mockScheduler) Retry(_ context.Context, id string, ids []string) (*scheduler.Outcome, error) {
	m.lastLog, m.lastIDs = id, ids
	return m.outcome, m.err
}

func (m *mockScheduler) Tasks() []tasks.Spec {
	return []tasks.Spec{{Name: "purge", Type: tasks.TypeAuditPurge, Granularity: schema.Weekly}}
}

func (m *mockScheduler) OnTransition(hook scheduler.TransitionHook) {
	m.hooks = append(m.hooks, hook)
}

type mockLoader struct {
	defs map[string]*graph.Definition
}

func (m *mockLoader) Load(_ context.Context, id string) (*graph.Definition, error) {
	if def, ok := m.defs[id]; ok {
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
}

type sentNotification struct {
	session string
	method  string
	params  map[string]any
}

type mockSender struct {
	sent []sentNotification
	err  error
}

func (m *mockSender) SendNotificationToSpecificClient(sid, method string, params map[string]any) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentNotification{sid, method, params})
	return nil
}

// --- Helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func finishedLog() *store.ActivityLog {
	return &store.ActivityLog{
		ID:              "log-1",
		TaskName:        "reminders",
		Status:          schema.ActivitySucceeded,
		StatusMessage:   "processed 3, succeeded 3, failed 0",
		CronProfileID:   "1710460800",
		CronProfileType: schema.Daily,
	}
}

// --- run_now / retry ---

func TestRunNowTool(t *testing.T) {
	sched := &mockScheduler{outcome: &scheduler.Outcome{
		Decision: scheduler.DecisionRun,
		Log:      finishedLog(),
		Report:   &tasks.Report{Processed: 3, Succeeded: 3},
	}}
	s := NewServer(Deps{Scheduler: sched})

	result, err := s.handleRunNow(context.Background(), buildRequest("flowcron.run_now", map[string]any{"task": "reminders"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "reminders", sched.lastTask)

	var got map[string]any
	unmarshalResult(t, result, &got)
	assert.Equal(t, "RUN", got["decision"])
	assert.Equal(t, float64(3), got["report"].(map[string]any)["processed"])
	assert.NotContains(t, got, "error")
}

func TestRunNowTool_ExecutorErrorIsReported(t *testing.T) {
	log := finishedLog()
	log.Status = schema.ActivityFailed
	sched := &mockScheduler{outcome: &scheduler.Outcome{
		Decision: scheduler.DecisionRun,
		Log:      log,
		Err:      errors.New("boom"),
	}}
	s := NewServer(Deps{Scheduler: sched})

	result, err := s.handleRunNow(context.Background(), buildRequest("flowcron.run_now", map[string]any{"task": "reminders"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var got map[string]any
	unmarshalResult(t, result, &got)
	assert.Equal(t, "boom", got["error"])
}

func TestRunNowTool_Errors(t *testing.T) {
	s := NewServer(Deps{Scheduler: &mockScheduler{err: schema.NewError(schema.ErrCodeNotFound, "unknown task")}})

	result, err := s.handleRunNow(context.Background(), buildRequest("flowcron.run_now", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRunNow(context.Background(), buildRequest("flowcron.run_now", map[string]any{"task": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "unknown task")

	bare := NewServer(Deps{})
	result, err = bare.handleRunNow(context.Background(), buildRequest("flowcron.run_now", map[string]any{"task": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRetryTool(t *testing.T) {
	sched := &mockScheduler{outcome: &scheduler.Outcome{Decision: scheduler.DecisionRun, Log: finishedLog()}}
	s := NewServer(Deps{Scheduler: sched})

	result, err := s.handleRetry(context.Background(), buildRequest("flowcron.retry", map[string]any{
		"activity_log_id": "log-1",
		"source_ids":      []any{"user-2", "user-3"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "log-1", sched.lastLog)
	assert.Equal(t, []string{"user-2", "user-3"}, sched.lastIDs)
}

func TestRetryTool_DefaultsToFailedSet(t *testing.T) {
	sched := &mockScheduler{outcome: &scheduler.Outcome{Decision: scheduler.DecisionNoop, Log: finishedLog()}}
	s := NewServer(Deps{Scheduler: sched})

	result, err := s.handleRetry(context.Background(), buildRequest("flowcron.retry", map[string]any{"activity_log_id": "log-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Nil(t, sched.lastIDs)

	var got map[string]any
	unmarshalResult(t, result, &got)
	assert.Equal(t, "NOOP", got["decision"])
}

func TestRetryTool_Errors(t *testing.T) {
	tests := []struct {
		name  string
		args  map[string]any
		sched *mockScheduler
		want  string
	}{
		{"missing id", map[string]any{}, &mockScheduler{}, "activity_log_id is required"},
		{"bad source ids", map[string]any{"activity_log_id": "l", "source_ids": "user-1"}, &mockScheduler{}, "must be an array"},
		{"non-string id", map[string]any{"activity_log_id": "l", "source_ids": []any{1.0}}, &mockScheduler{}, "must contain strings"},
		{"conflict", map[string]any{"activity_log_id": "l"},
			&mockScheduler{err: schema.NewError(schema.ErrCodeConflict, "activity log is still RUNNING")}, "still RUNNING"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(Deps{Scheduler: tc.sched})
			result, err := s.handleRetry(context.Background(), buildRequest("flowcron.retry", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

// --- query ---

func TestQueryActivityLogs(t *testing.T) {
	failed := finishedLog()
	failed.ID, failed.Status = "log-2", schema.ActivityFailed
	ms := &mockStore{logs: []*store.ActivityLog{finishedLog(), failed}}
	s := NewServer(Deps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("flowcron.query", map[string]any{
		"resource": "activity_logs",
		"filter":   map[string]any{"status": "FAILED", "since": "2024-03-01T00:00:00Z", "limit": float64(10)},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var got struct {
		ActivityLogs []*store.ActivityLog `json:"activity_logs"`
	}
	unmarshalResult(t, result, &got)
	require.Len(t, got.ActivityLogs, 1)
	assert.Equal(t, "log-2", got.ActivityLogs[0].ID)

	assert.Equal(t, 10, ms.lastLogFilter.Limit)
	require.NotNil(t, ms.lastLogFilter.Since)
	assert.True(t, ms.lastLogFilter.Since.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestQueryActivityLogs_BadSince(t *testing.T) {
	s := NewServer(Deps{Store: &mockStore{}})
	result, err := s.handleQuery(context.Background(), buildRequest("flowcron.query", map[string]any{
		"resource": "activity_logs",
		"filter":   map[string]any{"since": "yesterday"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryAudits(t *testing.T) {
	ms := &mockStore{audits: []*store.TaskExecutionAudit{
		{ID: "a1", TaskID: "log-1", Status: schema.AuditFailed, SourceID: "user-1", Attempt: 1},
		{ID: "a2", TaskID: "log-1", Status: schema.AuditSucceeded, SourceID: "user-1", Attempt: 2},
		{ID: "a3", TaskID: "log-1", Status: schema.AuditFailed, SourceID: "user-2", Attempt: 1},
		{ID: "a4", TaskID: "log-9", Status: schema.AuditFailed, SourceID: "user-1", Attempt: 1},
	}}
	s := NewServer(Deps{Store: ms})

	t.Run("all rows of a log", func(t *testing.T) {
		result, err := s.handleQuery(context.Background(), buildRequest("flowcron.query", map[string]any{
			"resource": "audits",
			"filter":   map[string]any{"task_id": "log-1"},
		}))
		require.NoError(t, err)
		var got struct {
			Audits []*store.TaskExecutionAudit `json:"audits"`
		}
		unmarshalResult(t, result, &got)
		assert.Len(t, got.Audits, 3)
		assert.Equal(t, 100, ms.lastAuditFilter.Limit)
	})

	t.Run("failed only keeps the latest failing attempt", func(t *testing.T) {
		result, err := s.handleQuery(context.Background(), buildRequest("flowcron.query", map[string]any{
			"resource": "audits",
			"filter":   map[string]any{"task_id": "log-1", "failed_only": true},
		}))
		require.NoError(t, err)
		var got struct {
			Audits []*store.TaskExecutionAudit `json:"audits"`
		}
		unmarshalResult(t, result, &got)
		require.Len(t, got.Audits, 1)
		assert.Equal(t, "a3", got.Audits[0].ID)
	})

	t.Run("failed only needs a log", func(t *testing.T) {
		result, err := s.handleQuery(context.Background(), buildRequest("flowcron.query", map[string]any{
			"resource": "audits",
			"filter":   map[string]any{"failed_only": true},
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestQueryWorkflowsAndTasks(t *testing.T) {
	ms := &mockStore{workflows: []*store.WorkflowRecord{{ID: "renewals", StartNode: "start_node"}}}
	s := NewServer(Deps{Store: ms, Scheduler: &mockScheduler{}})

	result, err := s.handleQuery(context.Background(), buildRequest("flowcron.query", map[string]any{"resource": "workflows"}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), `"renewals"`)

	result, err = s.handleQuery(context.Background(), buildRequest("flowcron.query", map[string]any{"resource": "tasks"}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), `"purge"`)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewServer(Deps{Store: &mockStore{}})
	result, err := s.handleQuery(context.Background(), buildRequest("flowcron.query", map[string]any{"resource": "events"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "unknown resource type")
}

// --- diagram ---

func TestDiagramTool(t *testing.T) {
	def, err := graph.Parse(map[string]json.RawMessage{
		"start_node": json.RawMessage(`{"prebuiltKey": "fetch.users", "routing": [{"type": "goto", "targetNodeId": "done"}]}`),
		"done":       json.RawMessage(`{"prebuiltKey": "log"}`),
	}, "")
	require.NoError(t, err)
	s := NewServer(Deps{Workflows: &mockLoader{defs: map[string]*graph.Definition{"renewals": def}}})

	result, err := s.handleDiagram(context.Background(), buildRequest("flowcron.diagram", map[string]any{"workflow_id": "renewals"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "start_node --> done")

	result, err = s.handleDiagram(context.Background(), buildRequest("flowcron.diagram", map[string]any{"workflow_id": "renewals", "format": "ascii"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "start_node")
}

func TestDiagramTool_Errors(t *testing.T) {
	s := NewServer(Deps{Workflows: &mockLoader{}})

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing id", map[string]any{}, "workflow_id is required"},
		{"bad format", map[string]any{"workflow_id": "w", "format": "image"}, "format must be"},
		{"unknown workflow", map[string]any{"workflow_id": "w"}, "not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleDiagram(context.Background(), buildRequest("flowcron.diagram", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

// --- watch ---

func TestWatchTool_NeedsSession(t *testing.T) {
	s := NewServer(Deps{})
	result, err := s.handleWatch(context.Background(), buildRequest("flowcron.watch", map[string]any{"task": "reminders"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWatchRegistry(t *testing.T) {
	r := NewWatchRegistry()
	r.Watch("reminders", "s1")
	r.Watch("reminders", "s1")
	r.Watch("reminders", "s2")
	r.Watch(WatchAll, "s2")
	r.Watch(WatchAll, "s3")

	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, r.SessionsFor("reminders"))
	assert.ElementsMatch(t, []string{"s2", "s3"}, r.SessionsFor("purge"))

	r.Unwatch("reminders", "s1")
	assert.ElementsMatch(t, []string{"s2", "s3"}, r.SessionsFor("reminders"))

	r.Remove("s2")
	assert.Equal(t, []string{"s3"}, r.SessionsFor("reminders"))
}

func TestTransitionNotifier(t *testing.T) {
	watches := NewWatchRegistry()
	watches.Watch("reminders", "s1")
	sender := &mockSender{}
	n := NewTransitionNotifier(sender, watches, newTestLogger())

	log := finishedLog()
	log.Status = schema.ActivityFailed
	log.StatusMessage = "boom"
	n.Hook(context.Background(), log, schema.ActivityRunning)

	other := finishedLog()
	other.TaskName = "purge"
	n.Hook(context.Background(), other, schema.ActivityRunning)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "s1", msg.session)
	assert.Equal(t, "notifications/message", msg.method)
	assert.Equal(t, "error", msg.params["level"])
	data := msg.params["data"].(map[string]any)
	assert.Equal(t, "log-1", data["activity_log_id"])
	assert.Equal(t, "RUNNING", data["from"])
	assert.Equal(t, "FAILED", data["to"])
	assert.Equal(t, "boom", data["message"])
}

func TestTransitionNotifier_DropsGoneSessions(t *testing.T) {
	watches := NewWatchRegistry()
	watches.Watch(WatchAll, "gone")
	n := NewTransitionNotifier(&mockSender{err: server.ErrSessionNotFound}, watches, newTestLogger())

	n.Hook(context.Background(), finishedLog(), schema.ActivityRunning)
	assert.Empty(t, watches.SessionsFor("reminders"))
}

// --- helpers ---

func TestExtractInt(t *testing.T) {
	f := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(f, "a", 0))
	assert.Equal(t, 4, extractInt(f, "b", 0))
	assert.Equal(t, 5, extractInt(f, "c", 0))
	assert.Equal(t, 9, extractInt(f, "d", 9))
	assert.Equal(t, 9, extractInt(nil, "a", 9))
}
