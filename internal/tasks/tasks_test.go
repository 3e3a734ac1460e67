package tasks

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/flowcron/internal/engine"
	"github.com/rendis/flowcron/internal/graph"
	"github.com/rendis/flowcron/internal/operations"
	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore keeps audit rows in memory and, like a SQL store, refuses work on a
// done context. Methods the executors never call panic through the nil
// embedded interface.
type memStore struct {
	store.Store

	mu       sync.Mutex
	audits   []*store.TaskExecutionAudit
	purged   []time.Time
	keepID   string
	purgeN   int64
	purgeErr error
}

func (m *memStore) CreateAudit(ctx context.Context, a *store.TaskExecutionAudit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Attempt == 0 {
		a.Attempt = 1
		for _, prev := range m.audits {
			if prev.TaskID == a.TaskID && prev.SourceID == a.SourceID && prev.Attempt >= a.Attempt {
				a.Attempt = prev.Attempt + 1
			}
		}
	}
	cp := *a
	m.audits = append(m.audits, &cp)
	return nil
}

func (m *memStore) ListAudits(ctx context.Context, f store.AuditFilter) ([]*store.TaskExecutionAudit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.TaskExecutionAudit
	for _, a := range m.audits {
		if f.TaskID != "" && a.TaskID != f.TaskID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) PurgeActivityLogs(ctx context.Context, before time.Time, keepID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged = append(m.purged, before)
	m.keepID = keepID
	return m.purgeN, m.purgeErr
}

// attempts returns source id to the audit statuses written for it, in order.
func (m *memStore) attempts() map[string][]schema.AuditStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]schema.AuditStatus)
	for _, a := range m.audits {
		out[a.SourceID] = append(out[a.SourceID], a.Status)
	}
	return out
}

type staticDefs map[string]*graph.Definition

func (s staticDefs) Load(_ context.Context, id string) (*graph.Definition, error) {
	def, ok := s[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return def, nil
}

func mustParse(t *testing.T, nodes map[string]string) *graph.Definition {
	t.Helper()
	raw := make(map[string]json.RawMessage, len(nodes))
	for id, body := range nodes {
		raw[id] = json.RawMessage(body)
	}
	def, err := graph.Parse(raw, "")
	require.NoError(t, err)
	return def
}

// notifyWorkflow sends one message per user; "broken" addresses fail.
var notifyWorkflow = map[string]string{
	"start_node": `{
		"outputKey": "notify",
		"dataProcessor": {
			"operation": "ITERATOR",
			"on": "#users",
			"sourceId": "#item.id",
			"sourceType": "USER",
			"forEach": {"prebuiltKey": "send", "params": {"to": "#item.email"}}
		}
	}`,
}

type sendLog struct {
	mu sync.Mutex
	to []string
}

func (s *sendLog) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.to...)
	sort.Strings(out)
	return out
}

type fixture struct {
	store *memStore
	exec  *WorkflowExecutor
	sends *sendLog
	ops   *operations.Registry
	// broken holds addresses the send operation rejects.
	broken map[string]bool
	mu     sync.Mutex
	// hold makes send block until its context is done.
	hold atomic.Bool
}

func (f *fixture) setBroken(addrs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = make(map[string]bool)
	for _, a := range addrs {
		f.broken[a] = true
	}
}

func newFixture(t *testing.T, nodes map[string]string) *fixture {
	t.Helper()
	mem := &memStore{}
	f := newFixtureOn(t, nodes, mem)
	f.store = mem
	return f
}

// newFixtureOn builds the executor on st; f.store stays nil.
func newFixtureOn(t *testing.T, nodes map[string]string, st store.Store) *fixture {
	t.Helper()
	f := &fixture{sends: &sendLog{}, ops: operations.NewRegistry()}
	require.NoError(t, f.ops.RegisterFunc("send", "", func(ctx context.Context, params map[string]any) (any, error) {
		if f.hold.Load() {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		to, _ := params["to"].(string)
		f.mu.Lock()
		bad := f.broken[to]
		f.mu.Unlock()
		if bad {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "mailbox %s rejected", to)
		}
		f.sends.mu.Lock()
		f.sends.to = append(f.sends.to, to)
		f.sends.mu.Unlock()
		return nil, nil
	}))

	in, err := engine.NewInterpreter(f.ops, engine.Config{})
	require.NoError(t, err)
	defs := staticDefs{"wf-notify": mustParse(t, nodes)}
	f.exec = NewWorkflowExecutor(st, defs, in, f.ops, WorkflowExecutorConfig{SourceConcurrency: 3})
	return f
}

func testLog() *store.ActivityLog {
	return &store.ActivityLog{
		ID:              "log-1",
		TaskName:        "notify-users",
		Status:          schema.ActivityRunning,
		ExecutionTime:   time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		CronProfileID:   "1710460800",
		CronProfileType: schema.Daily,
	}
}

var users = []any{
	map[string]any{"id": "X", "email": "x@mail"},
	map[string]any{"id": "Y", "email": "y@mail"},
	map[string]any{"id": "Z", "email": "z@mail"},
}

func itemsSpec() Spec {
	return Spec{
		Name:       "notify-users",
		Type:       TypeWorkflow,
		WorkflowID: "wf-notify",
		Mode:       ModeItems,
		Inputs:     map[string]any{"users": users},
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	ms := &memStore{}
	require.NoError(t, reg.Register(NewPurgeExecutor(ms, nil)))

	err := reg.Register(NewPurgeExecutor(ms, nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	err = reg.Register(nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = reg.Get(TypeWorkflow)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutorUnavailable))

	exec, err := reg.Get(TypeAuditPurge)
	require.NoError(t, err)
	assert.Equal(t, TypeAuditPurge, exec.TaskType())
	assert.Equal(t, []string{TypeAuditPurge}, reg.Types())
}

func TestReportSummary(t *testing.T) {
	r := &Report{}
	r.record("b", schema.AuditFailed)
	r.record("a", schema.AuditFailed)
	r.record("c", schema.AuditSucceeded)
	r.finish()
	assert.Equal(t, "processed 3, succeeded 1, failed 2", r.Summary())
	assert.Equal(t, []string{"a", "b"}, r.FailedSourceIDs)
	assert.Equal(t, "", (*Report)(nil).Summary())
}

func TestWorkflowExecutor_ItemsAuditEachItem(t *testing.T) {
	f := newFixture(t, notifyWorkflow)
	f.setBroken("x@mail", "y@mail")

	report, err := f.exec.Execute(context.Background(), testLog(), itemsSpec())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, []string{"X", "Y"}, report.FailedSourceIDs)
	assert.Equal(t, []string{"z@mail"}, f.sends.sent())

	audits, err := f.store.ListAudits(context.Background(), store.AuditFilter{TaskID: "log-1"})
	require.NoError(t, err)
	require.Len(t, audits, 3)
	for _, a := range audits {
		assert.Equal(t, "USER", a.Source)
		assert.Equal(t, 1, a.Attempt)
	}
	assert.Equal(t, []string{"X", "Y"}, store.FailedSourceIDs(audits))
}

func TestWorkflowExecutor_RetryOnlyFailedItems(t *testing.T) {
	f := newFixture(t, notifyWorkflow)
	f.setBroken("x@mail", "y@mail")
	ctx := context.Background()

	_, err := f.exec.Execute(ctx, testLog(), itemsSpec())
	require.NoError(t, err)

	f.setBroken()
	report, err := f.exec.RetryTask(ctx, testLog(), []string{"X", "Y"}, itemsSpec())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Succeeded)

	// Z was sent once, by the first execution only.
	assert.Equal(t, []string{"x@mail", "y@mail", "z@mail"}, f.sends.sent())
	assert.Equal(t, map[string][]schema.AuditStatus{
		"X": {schema.AuditFailed, schema.AuditSucceeded},
		"Y": {schema.AuditFailed, schema.AuditSucceeded},
		"Z": {schema.AuditSucceeded},
	}, f.store.attempts())

	audits, err := f.store.ListAudits(ctx, store.AuditFilter{TaskID: "log-1"})
	require.NoError(t, err)
	assert.Empty(t, store.FailedSourceIDs(audits))
}

func TestWorkflowExecutor_RetryEmptyIsNoop(t *testing.T) {
	f := newFixture(t, notifyWorkflow)
	report, err := f.exec.RetryTask(context.Background(), testLog(), nil, itemsSpec())
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Empty(t, f.store.attempts())
}

func TestWorkflowExecutor_NodeFailureAndWholeRetry(t *testing.T) {
	// A node after the iterator fails until "healthy" is set.
	nodes := map[string]string{
		"start_node": `{
			"outputKey": "notify",
			"dataProcessor": {
				"operation": "ITERATOR",
				"on": "#users",
				"sourceId": "#item.id",
				"forEach": {"prebuiltKey": "send", "params": {"to": "#item.email"}}
			},
			"routing": [{"type": "goto", "targetNodeId": "finish"}]
		}`,
		"finish": `{"prebuiltKey": "finish"}`,
	}
	f := newFixture(t, nodes)
	healthy := false
	require.NoError(t, f.ops.RegisterFunc("finish", "", func(ctx context.Context, params map[string]any) (any, error) {
		if !healthy {
			return nil, schema.NewError(schema.ErrCodeExecution, "downstream offline")
		}
		return "ok", nil
	}))
	f.setBroken("y@mail")
	ctx := context.Background()
	spec := itemsSpec()

	report, err := f.exec.Execute(ctx, testLog(), spec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeFailed))
	assert.Equal(t, []string{"Y", "wf-notify"}, report.FailedSourceIDs)

	audits, err := f.store.ListAudits(ctx, store.AuditFilter{TaskID: "log-1"})
	require.NoError(t, err)
	latest := store.LatestBySource(audits)
	require.Contains(t, latest, "wf-notify")
	assert.Equal(t, SourceWorkflow, latest["wf-notify"].Source)
	assert.Contains(t, latest["wf-notify"].StatusMessage, "downstream offline")
	// Items that succeeded before the node failed keep their audit.
	assert.Equal(t, schema.AuditSucceeded, latest["X"].Status)

	healthy = true
	f.setBroken()
	failed := store.FailedSourceIDs(audits)
	report, err = f.exec.RetryTask(ctx, testLog(), failed, spec)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Failed)

	// X and Z are skipped, Y is re-sent, the whole-run row is closed.
	assert.Equal(t, []string{"x@mail", "y@mail", "z@mail"}, f.sends.sent())
	att := f.store.attempts()
	assert.Len(t, att["X"], 1)
	assert.Len(t, att["Z"], 1)
	assert.Equal(t, []schema.AuditStatus{schema.AuditFailed, schema.AuditSucceeded}, att["Y"])
	assert.Equal(t, []schema.AuditStatus{schema.AuditFailed, schema.AuditSucceeded}, att["wf-notify"])
}

func TestWorkflowExecutor_PerSource(t *testing.T) {
	nodes := map[string]string{
		"start_node": `{"prebuiltKey": "send", "params": {"to": "#source.email"}}`,
	}
	f := newFixture(t, nodes)
	require.NoError(t, f.ops.RegisterFunc("list.users", "", func(ctx context.Context, params map[string]any) (any, error) {
		assert.Equal(t, "log-1", params["activityLogId"])
		return users, nil
	}))
	f.setBroken("y@mail")
	ctx := context.Background()
	spec := Spec{
		Name:       "notify-users",
		Type:       TypeWorkflow,
		WorkflowID: "wf-notify",
		Mode:       ModePerSource,
		SourcesKey: "list.users",
	}

	report, err := f.exec.Execute(ctx, testLog(), spec)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, []string{"Y"}, report.FailedSourceIDs)

	audits, err := f.store.ListAudits(ctx, store.AuditFilter{TaskID: "log-1"})
	require.NoError(t, err)
	require.Len(t, audits, 3)
	for _, a := range audits {
		assert.Equal(t, defaultSourceType, a.Source)
	}

	f.setBroken()
	report, err = f.exec.RetryTask(ctx, testLog(), []string{"Y"}, spec)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, []string{"x@mail", "y@mail", "z@mail"}, f.sends.sent())
}

func TestWorkflowExecutor_PerSourceRejectsScalarListing(t *testing.T) {
	f := newFixture(t, map[string]string{"start_node": `{"prebuiltKey": "send"}`})
	require.NoError(t, f.ops.RegisterFunc("list.bad", "", func(ctx context.Context, params map[string]any) (any, error) {
		return 42, nil
	}))
	_, err := f.exec.Execute(context.Background(), testLog(), Spec{
		Name: "t", Type: TypeWorkflow, WorkflowID: "wf-notify", Mode: ModePerSource, SourcesKey: "list.bad",
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestWorkflowExecutor_UnknownWorkflow(t *testing.T) {
	f := newFixture(t, notifyWorkflow)
	spec := itemsSpec()
	spec.WorkflowID = "missing"
	_, err := f.exec.Execute(context.Background(), testLog(), spec)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestPurgeExecutor(t *testing.T) {
	ms := &memStore{purgeN: 4}
	p := NewPurgeExecutor(ms, nil)
	log := testLog()

	report, err := p.Execute(context.Background(), log, Spec{Name: "purge", Type: TypeAuditPurge, Retention: 72 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	require.Len(t, ms.purged, 1)
	assert.Equal(t, time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC), ms.purged[0])
	assert.Equal(t, "log-1", ms.keepID)

	require.Len(t, ms.audits, 1)
	assert.Equal(t, purgeSourceID, ms.audits[0].SourceID)
	assert.Contains(t, ms.audits[0].StatusMessage, "deleted 4")
}

func TestPurgeExecutor_Failures(t *testing.T) {
	ms := &memStore{purgeErr: schema.NewError(schema.ErrCodeStore, "disk full")}
	p := NewPurgeExecutor(ms, nil)

	_, err := p.Execute(context.Background(), testLog(), Spec{Name: "purge", Retention: 0})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	report, err := p.Execute(context.Background(), testLog(), Spec{Name: "purge", Retention: time.Hour})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Equal(t, []string{purgeSourceID}, report.FailedSourceIDs)
	assert.Equal(t, map[string][]schema.AuditStatus{purgeSourceID: {schema.AuditFailed}}, ms.attempts())

	ms.purgeErr = nil
	report, err = p.RetryTask(context.Background(), testLog(), []string{"other"}, Spec{Name: "purge", Retention: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
}

func newLibSQLStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestWorkflowExecutor_TimedOutSourcesStayRetryable(t *testing.T) {
	st := newLibSQLStore(t)
	f := newFixtureOn(t, map[string]string{
		"start_node": `{"prebuiltKey": "send", "params": {"to": "#source.email"}}`,
	}, st)
	require.NoError(t, f.ops.RegisterFunc("list.users", "", func(ctx context.Context, params map[string]any) (any, error) {
		return users, nil
	}))
	spec := Spec{
		Name:       "notify-users",
		Type:       TypeWorkflow,
		WorkflowID: "wf-notify",
		Mode:       ModePerSource,
		SourcesKey: "list.users",
	}

	ctx := context.Background()
	seed := testLog()
	seed.ID = ""
	log, created, err := st.ClaimActivityLog(ctx, seed)
	require.NoError(t, err)
	require.True(t, created)

	f.hold.Store(true)
	execCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	report, err := f.exec.Execute(execCtx, log, spec)
	cancel()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout), err.Error())
	assert.Equal(t, 3, report.Failed)

	// Every timed-out source has a FAILED row despite the expired context.
	audits, err := st.ListAudits(ctx, store.AuditFilter{TaskID: log.ID})
	require.NoError(t, err)
	require.Len(t, audits, 3)
	for _, a := range audits {
		assert.Equal(t, schema.AuditFailed, a.Status, a.SourceID)
	}
	failed := store.FailedSourceIDs(audits)
	assert.Equal(t, []string{"X", "Y", "Z"}, failed)

	f.hold.Store(false)
	report, err = f.exec.RetryTask(ctx, log, failed, spec)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, []string{"x@mail", "y@mail", "z@mail"}, f.sends.sent())

	audits, err = st.ListAudits(ctx, store.AuditFilter{TaskID: log.ID})
	require.NoError(t, err)
	assert.Len(t, audits, 6)
	assert.Empty(t, store.FailedSourceIDs(audits))
}

func TestWorkflowExecutor_TimedOutItemsAreAudited(t *testing.T) {
	f := newFixture(t, notifyWorkflow)
	spec := itemsSpec()
	ctx := context.Background()

	f.hold.Store(true)
	execCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	report, _ := f.exec.Execute(execCtx, testLog(), spec)
	cancel()
	require.NotNil(t, report)

	audits, err := f.store.ListAudits(ctx, store.AuditFilter{TaskID: "log-1"})
	require.NoError(t, err)
	failed := store.FailedSourceIDs(audits)
	assert.Subset(t, failed, []string{"X", "Y", "Z"})
	assert.Subset(t, report.FailedSourceIDs, []string{"X", "Y", "Z"})

	f.hold.Store(false)
	_, err = f.exec.RetryTask(ctx, testLog(), failed, spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"x@mail", "y@mail", "z@mail"}, f.sends.sent())

	audits, err = f.store.ListAudits(ctx, store.AuditFilter{TaskID: "log-1"})
	require.NoError(t, err)
	assert.Empty(t, store.FailedSourceIDs(audits))
}
