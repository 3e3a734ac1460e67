package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowcron/internal/engine"
	"github.com/rendis/flowcron/internal/expressions"
	"github.com/rendis/flowcron/internal/graph"
	"github.com/rendis/flowcron/internal/logging"
	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/pkg/schema"
)

// SourceWorkflow is the audit source of a whole-run failure in items mode; its
// source id is the workflow id.
const SourceWorkflow = "WORKFLOW"

// defaultSourceType labels per-source audit rows when the task sets none.
const defaultSourceType = "SOURCE"

// DefinitionLoader returns parsed workflow definitions. Satisfied by *graph.Loader.
type DefinitionLoader interface {
	Load(ctx context.Context, id string) (*graph.Definition, error)
}

// Runner runs a workflow definition. Satisfied by *engine.Interpreter.
type Runner interface {
	Run(ctx context.Context, def *graph.Definition, startNodeID string, initialVars map[string]any, opts ...engine.RunOption) (*engine.RunResult, error)
}

// WorkflowExecutorConfig configures a WorkflowExecutor.
type WorkflowExecutorConfig struct {
	SourceConcurrency int           // per_source runs in flight at once
	RunTimeout        time.Duration // bound on each workflow run; zero means none
	Logger            *slog.Logger
}

// WorkflowExecutor runs a stored workflow for a scheduled task.
type WorkflowExecutor struct {
	store  store.Store
	defs   DefinitionLoader
	runner Runner
	ops    engine.Invoker
	cfg    WorkflowExecutorConfig
	logger *slog.Logger
}

// NewWorkflowExecutor creates the WORKFLOW executor. ops lists sources in
// per_source mode.
func NewWorkflowExecutor(s store.Store, defs DefinitionLoader, runner Runner, ops engine.Invoker, cfg WorkflowExecutorConfig) *WorkflowExecutor {
	if cfg.SourceConcurrency <= 0 {
		cfg.SourceConcurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowExecutor{store: s, defs: defs, runner: runner, ops: ops, cfg: cfg, logger: logger}
}

func (w *WorkflowExecutor) TaskType() string { return TypeWorkflow }

// Execute runs the task's workflow and writes one audit row per unit of work.
func (w *WorkflowExecutor) Execute(ctx context.Context, log *store.ActivityLog, spec Spec) (*Report, error) {
	ctx = logging.WithWorkflowID(ctx, spec.WorkflowID)
	def, err := w.defs.Load(ctx, spec.WorkflowID)
	if err != nil {
		return nil, err
	}

	if spec.Mode == ModePerSource {
		return w.runPerSource(ctx, log, spec, def, nil)
	}
	return w.runItems(ctx, log, spec, def, false)
}

// RetryTask re-processes only failedSourceIDs. In per_source mode the listed
// sources are re-run. In items mode the listed items are re-run; when the
// whole-run audit is among them, the workflow is re-run skipping every item
// whose latest attempt already succeeded.
func (w *WorkflowExecutor) RetryTask(ctx context.Context, log *store.ActivityLog, failedSourceIDs []string, spec Spec) (*Report, error) {
	if len(failedSourceIDs) == 0 {
		return &Report{}, nil
	}

	ctx = logging.WithWorkflowID(ctx, spec.WorkflowID)
	def, err := w.defs.Load(ctx, spec.WorkflowID)
	if err != nil {
		return nil, err
	}

	only := make(map[string]struct{}, len(failedSourceIDs))
	for _, id := range failedSourceIDs {
		only[id] = struct{}{}
	}

	if spec.Mode == ModePerSource {
		return w.runPerSource(ctx, log, spec, def, only)
	}

	if _, whole := only[spec.WorkflowID]; whole {
		audits, err := w.store.ListAudits(ctx, store.AuditFilter{TaskID: log.ID})
		if err != nil {
			return nil, err
		}
		var done []string
		for id, a := range store.LatestBySource(audits) {
			if a.Status == schema.AuditSucceeded && a.Source != SourceWorkflow {
				done = append(done, id)
			}
		}
		return w.runItems(ctx, log, spec, def, true, engine.WithSkipSourceIDs(done...))
	}

	return w.runItems(ctx, log, spec, def, false, engine.WithOnlySourceIDs(failedSourceIDs...))
}

// runItems runs the workflow once, auditing every ITERATOR item. A node
// failure writes a FAILED whole-run row and fails the execution; when
// auditWhole is set a successful run also writes a SUCCEEDED whole-run row.
func (w *WorkflowExecutor) runItems(ctx context.Context, log *store.ActivityLog, spec Spec, def *graph.Definition, auditWhole bool, opts ...engine.RunOption) (*Report, error) {
	report := &Report{}
	var mu sync.Mutex
	var auditErr error

	observe := func(ctx context.Context, o engine.ItemOutcome) {
		source := o.SourceType
		if source == "" {
			source = spec.SourceType
		}
		if source == "" {
			source = defaultSourceType
		}
		err := w.audit(ctx, log, source, o.SourceID, o.Status, itemMessage(o))

		mu.Lock()
		defer mu.Unlock()
		report.record(o.SourceID, o.Status)
		if err != nil && auditErr == nil {
			auditErr = err
		}
	}

	opts = append(opts, engine.WithItemObserver(observe))
	if w.cfg.RunTimeout > 0 {
		opts = append(opts, engine.WithRunTimeout(w.cfg.RunTimeout))
	}

	_, runErr := w.runner.Run(ctx, def, spec.StartNode, runVars(log, spec), opts...)
	if runErr != nil {
		if err := w.audit(ctx, log, SourceWorkflow, spec.WorkflowID, schema.AuditFailed, runErr.Error()); err != nil {
			w.logger.ErrorContext(ctx, "write workflow audit", slog.String("error", err.Error()))
		}
		report.record(spec.WorkflowID, schema.AuditFailed)
		return report.finish(), runErr
	}
	if auditWhole {
		if err := w.audit(ctx, log, SourceWorkflow, spec.WorkflowID, schema.AuditSucceeded, ""); err != nil && auditErr == nil {
			auditErr = err
		}
		report.record(spec.WorkflowID, schema.AuditSucceeded)
	}
	return report.finish(), auditErr
}

// runPerSource lists the task's sources and runs the workflow once per source
// with its own variables. A nil only runs every source.
func (w *WorkflowExecutor) runPerSource(ctx context.Context, log *store.ActivityLog, spec Spec, def *graph.Definition, only map[string]struct{}) (*Report, error) {
	sources, err := w.listSources(ctx, log, spec)
	if err != nil {
		return nil, err
	}

	type unit struct {
		id     string
		source any
	}
	var units []unit
	for _, src := range sources {
		id := sourceID(src)
		if only != nil {
			if _, ok := only[id]; !ok {
				continue
			}
		}
		units = append(units, unit{id: id, source: src})
	}

	sourceType := spec.SourceType
	if sourceType == "" {
		sourceType = defaultSourceType
	}

	var mu sync.Mutex
	var auditErr error
	statuses := make([]schema.AuditStatus, len(units))
	errs := engine.Each(ctx, w.cfg.SourceConcurrency, len(units), func(ctx context.Context, i int) error {
		u := units[i]
		vars := runVars(log, spec)
		vars["source"] = expressions.DeepCopy(u.source)
		vars["sourceId"] = u.id

		var opts []engine.RunOption
		if w.cfg.RunTimeout > 0 {
			opts = append(opts, engine.WithRunTimeout(w.cfg.RunTimeout))
		}
		res, runErr := w.runner.Run(ctx, def, spec.StartNode, vars, opts...)

		status, msg := schema.AuditSucceeded, ""
		if runErr != nil {
			status, msg = schema.AuditFailed, runErr.Error()
		} else if failed := failedItems(res); failed > 0 {
			msg = fmt.Sprintf("%d of %d items failed", failed, len(res.Items))
		}
		statuses[i] = status
		if err := w.audit(ctx, log, sourceType, u.id, status, msg); err != nil {
			mu.Lock()
			if auditErr == nil {
				auditErr = err
			}
			mu.Unlock()
		}
		return runErr
	})

	report := &Report{}
	for i, u := range units {
		if statuses[i] == "" {
			// Never started, or panicked before recording a status.
			statuses[i] = schema.AuditFailed
			if err := w.audit(ctx, log, sourceType, u.id, schema.AuditFailed, errs[i].Error()); err != nil && auditErr == nil {
				auditErr = err
			}
		}
		report.record(u.id, statuses[i])
	}
	if auditErr == nil && ctx.Err() != nil {
		return report.finish(), schema.NewErrorf(schema.ErrCodeTimeout,
			"execution interrupted: %s", ctx.Err().Error()).WithCause(ctx.Err())
	}
	return report.finish(), auditErr
}

// listSources invokes the task's sources operation and returns its items.
func (w *WorkflowExecutor) listSources(ctx context.Context, log *store.ActivityLog, spec Spec) ([]any, error) {
	if spec.SourcesKey == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "task %q: per_source mode requires sources_key", spec.Name)
	}
	if w.ops == nil {
		return nil, schema.NewError(schema.ErrCodeOperationUnavailable, "no operation registry for source listing")
	}

	out, err := w.ops.Invoke(ctx, spec.SourcesKey, runVars(log, spec))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "list sources via %q: %s", spec.SourcesKey, err.Error()).WithCause(err)
	}
	if out == nil {
		return nil, nil
	}
	items, ok := engine.Sequence(out)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sources operation %q returned %T, want a list", spec.SourcesKey, out)
	}
	return items, nil
}

// audit appends one audit row. The write is detached from ctx so units that
// failed on an expired or cancelled execution are still recorded as retryable.
func (w *WorkflowExecutor) audit(ctx context.Context, log *store.ActivityLog, source, sourceID string, status schema.AuditStatus, msg string) error {
	return w.store.CreateAudit(context.WithoutCancel(ctx), &store.TaskExecutionAudit{
		TaskID:        log.ID,
		Status:        status,
		StatusMessage: msg,
		Source:        source,
		SourceID:      sourceID,
	})
}

// runVars seeds a run: the task's inputs plus identifiers of the execution.
func runVars(log *store.ActivityLog, spec Spec) map[string]any {
	vars := expressions.DeepCopyMap(spec.Inputs)
	if vars == nil {
		vars = make(map[string]any)
	}
	vars["workflowId"] = spec.WorkflowID
	vars["taskName"] = spec.Name
	if log != nil {
		vars["activityLogId"] = log.ID
		vars["cronProfileId"] = log.CronProfileID
		vars["executionTime"] = log.ExecutionTime.UTC().Format(time.RFC3339)
	}
	return vars
}

// sourceID identifies a listed source: its "id" or "sourceId" field for
// objects, the value itself for scalars.
func sourceID(src any) string {
	if m, ok := src.(map[string]any); ok {
		for _, k := range []string{"id", "sourceId", "source_id"} {
			if v, ok := m[k]; ok {
				return expressions.ToKey(v)
			}
		}
	}
	return expressions.ToKey(src)
}

func itemMessage(o engine.ItemOutcome) string {
	if o.Error != "" {
		return o.Error
	}
	if len(o.Emitted) == 0 {
		return ""
	}
	b, err := json.Marshal(o.Emitted)
	if err != nil {
		return ""
	}
	return string(b)
}

func failedItems(res *engine.RunResult) int {
	if res == nil {
		return 0
	}
	n := 0
	for _, item := range res.Items {
		if item.Status == schema.AuditFailed {
			n++
		}
	}
	return n
}
