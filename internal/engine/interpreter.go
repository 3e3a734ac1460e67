// Package engine runs parsed workflow definitions: a fetch, execute and branch
// loop over the node arena with a step budget, ITERATOR fan-out and
// GOTO/SWITCH routing.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/flowcron/internal/expressions"
	"github.com/rendis/flowcron/internal/graph"
	"github.com/rendis/flowcron/internal/logging"
	"github.com/rendis/flowcron/pkg/schema"
)

// DefaultMaxSteps is the step budget used when Config.MaxSteps is unset.
const DefaultMaxSteps = 1000

// Invoker dispatches a named operation. Satisfied by *operations.Registry.
type Invoker interface {
	Invoke(ctx context.Context, key string, params map[string]any) (any, error)
}

// Config holds interpreter limits.
type Config struct {
	MaxSteps         int           // node visits per run before RUNAWAY_WORKFLOW
	ItemConcurrency  int           // default ITERATOR concurrency
	OperationTimeout time.Duration // per invocation; zero means none
	Breaker          *BreakerConfig
	Logger           *slog.Logger
}

// NodeTrace records one node visit.
type NodeTrace struct {
	NodeID     string            `json:"node_id"`
	Status     schema.NodeStatus `json:"status"`
	Next       string            `json:"next,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Error      string            `json:"error,omitempty"`
	Breaker    string            `json:"breaker,omitempty"` // state of the operation's breaker after a failure, when not closed
	DurationMs int64             `json:"duration_ms"`
}

// ItemOutcome is the result of processing one ITERATOR item.
type ItemOutcome struct {
	NodeID     string             `json:"node_id"`
	Index      int                `json:"index"`
	SourceID   string             `json:"source_id"`
	SourceType string             `json:"source_type,omitempty"`
	Status     schema.AuditStatus `json:"status"`
	Error      string             `json:"error,omitempty"`
	Emitted    map[string]any     `json:"emitted,omitempty"`
}

// RunResult is the outcome of one run. On failure it holds the partial state
// reached before the failing node.
type RunResult struct {
	Vars     map[string]any           `json:"vars"`
	Trace    []NodeTrace              `json:"trace"`
	Items    []ItemOutcome            `json:"items,omitempty"`
	Status   schema.RunStatus         `json:"status"`
	Steps    int                      `json:"steps"`
	Breakers map[string]BreakerStatus `json:"breakers,omitempty"` // breakers not closed when the run ended
}

// Path returns the visited node ids in order.
func (r *RunResult) Path() []string {
	ids := make([]string, len(r.Trace))
	for i, t := range r.Trace {
		ids[i] = t.NodeID
	}
	return ids
}

// ItemObserver is called once per processed ITERATOR item, in item order,
// after the iterator's items have all finished.
type ItemObserver func(ctx context.Context, outcome ItemOutcome)

// RunOption customizes a single run.
type RunOption func(*runOptions)

type runOptions struct {
	only     map[string]struct{}
	skip     map[string]struct{}
	observer ItemObserver
	timeout  time.Duration
}

// WithOnlySourceIDs restricts every ITERATOR in the run to items whose source
// id is listed. Used to retry a failed subset.
func WithOnlySourceIDs(ids ...string) RunOption {
	return func(o *runOptions) {
		o.only = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			o.only[id] = struct{}{}
		}
	}
}

// WithSkipSourceIDs makes every ITERATOR in the run pass over items whose
// source id is listed. Used to resume a run without repeating finished items.
func WithSkipSourceIDs(ids ...string) RunOption {
	return func(o *runOptions) {
		o.skip = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			o.skip[id] = struct{}{}
		}
	}
}

// WithItemObserver registers a callback for ITERATOR item outcomes.
func WithItemObserver(obs ItemObserver) RunOption {
	return func(o *runOptions) { o.observer = obs }
}

// WithRunTimeout bounds the whole run.
func WithRunTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// Interpreter executes workflow definitions. It holds no per-run state and is
// safe for concurrent runs.
type Interpreter struct {
	ops      Invoker
	eval     *expressions.Evaluator
	cel      *expressions.CELEngine
	jq       *expressions.GoJQEngine
	breakers *Breakers
	cfg      Config
	logger   *slog.Logger
}

// NewInterpreter creates an interpreter dispatching operations through ops.
func NewInterpreter(ops Invoker, cfg Config) (*Interpreter, error) {
	if ops == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "interpreter requires an operation invoker")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.ItemConcurrency <= 0 {
		cfg.ItemConcurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	in := &Interpreter{
		ops:    ops,
		eval:   expressions.NewEvaluator(),
		cel:    celEngine,
		jq:     expressions.NewGoJQEngine(),
		cfg:    cfg,
		logger: logger,
	}
	if cfg.Breaker != nil {
		in.breakers = NewBreakers(*cfg.Breaker, in.logBreakerMove)
	}
	return in, nil
}

// run is the mutable state of one workflow run.
type run struct {
	def    *graph.Definition
	vars   map[string]any
	opts   runOptions
	result *RunResult
}

// Run executes def from startNodeID (def.Start when empty) with a private copy
// of initialVars. The returned result is never nil; on failure it carries the
// partial trace and the error is returned alongside.
func (in *Interpreter) Run(ctx context.Context, def *graph.Definition, startNodeID string, initialVars map[string]any, opts ...RunOption) (*RunResult, error) {
	r := &run{def: def}
	for _, opt := range opts {
		opt(&r.opts)
	}

	r.vars = expressions.DeepCopyMap(initialVars)
	if r.vars == nil {
		r.vars = make(map[string]any)
	}
	r.result = &RunResult{Vars: r.vars, Status: schema.RunSucceeded}

	if def == nil {
		return in.fail(r, schema.NewError(schema.ErrCodeValidation, "nil workflow definition"))
	}
	if startNodeID == "" {
		startNodeID = def.Start
	}
	start, ok := def.Node(startNodeID)
	if !ok {
		return in.fail(r, schema.NewErrorf(schema.ErrCodeNotFound, "start node %q not found", startNodeID).WithNode(startNodeID))
	}

	if r.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.timeout)
		defer cancel()
	}
	if def.ID != "" {
		ctx = logging.WithWorkflowID(ctx, def.ID)
	}

	current := start.Index
	for current != graph.NoTarget {
		if err := ctx.Err(); err != nil {
			return in.fail(r, contextError(err, "workflow run interrupted"))
		}

		r.result.Steps++
		if r.result.Steps > in.cfg.MaxSteps {
			node := def.NodeAt(current)
			return in.fail(r, schema.NewErrorf(schema.ErrCodeRunaway,
				"runaway workflow: step budget of %d exceeded", in.cfg.MaxSteps).
				WithNode(node.ID).
				WithDetails(map[string]any{"max_steps": in.cfg.MaxSteps}))
		}

		next, err := in.visit(ctx, r, def.NodeAt(current))
		if err != nil {
			return in.fail(r, err)
		}
		current = next
	}

	in.logger.DebugContext(ctx, "workflow run completed",
		slog.Int("steps", r.result.Steps),
		slog.Int("items", len(r.result.Items)))
	in.reportBreakers(r)
	return r.result, nil
}

func (in *Interpreter) fail(r *run, err error) (*RunResult, error) {
	r.result.Status = schema.RunFailed
	in.reportBreakers(r)
	return r.result, err
}

func (in *Interpreter) reportBreakers(r *run) {
	if in.breakers != nil {
		r.result.Breakers = in.breakers.Unhealthy()
	}
}

// breakerState names the state of operation's breaker, or "" when it is closed
// or breakers are disabled.
func (in *Interpreter) breakerState(operation string) string {
	if in.breakers == nil {
		return ""
	}
	if st := in.breakers.State(operation); st != BreakerClosed {
		return st.String()
	}
	return ""
}

func (in *Interpreter) logBreakerMove(operation string, from, to BreakerState) {
	level := slog.LevelInfo
	if to == BreakerOpen {
		level = slog.LevelWarn
	}
	in.logger.Log(context.Background(), level, "operation breaker changed state",
		slog.String("operation", operation),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// visit executes one node and returns the index of the next node, or
// graph.NoTarget when the run should end.
func (in *Interpreter) visit(ctx context.Context, r *run, n *graph.Node) (int, error) {
	ctx = logging.WithNodeID(ctx, n.ID)
	started := time.Now()
	trace := NodeTrace{NodeID: n.ID, Status: schema.NodeCompleted}

	finish := func(next int, err error) (int, error) {
		trace.DurationMs = time.Since(started).Milliseconds()
		if err != nil {
			trace.Status = schema.NodeFailed
			trace.Error = err.Error()
			in.logger.WarnContext(ctx, "node failed", slog.String("error", err.Error()))
		} else if next != graph.NoTarget {
			trace.Next = r.def.NodeAt(next).ID
		}
		r.result.Trace = append(r.result.Trace, trace)
		return next, err
	}

	execute := true
	if n.Condition != "" {
		ok, err := in.cel.EvaluateBool(ctx, n.Condition, r.vars)
		if err != nil {
			return finish(graph.NoTarget, nodeFailure(n.ID, "condition", err))
		}
		if !ok {
			execute = false
			trace.Status = schema.NodeSkipped
		}
	}

	if execute {
		if n.Operation != "" {
			attempts, err := in.executeOperation(ctx, r, n)
			trace.Attempts = attempts
			if err != nil {
				trace.Breaker = in.breakerState(n.Operation)
				return finish(graph.NoTarget, err)
			}
		}
		if n.Iterator != nil {
			if err := in.iterate(ctx, r, n); err != nil {
				return finish(graph.NoTarget, err)
			}
		}
	}

	next, err := in.route(ctx, r, n)
	return finish(next, err)
}

// executeOperation resolves params, invokes the node's operation with retries,
// applies the transform and stores the result under the node's output key.
func (in *Interpreter) executeOperation(ctx context.Context, r *run, n *graph.Node) (int, error) {
	params, missing := in.eval.ResolveParams(n.Params, r.vars)
	if absent := missingRequired(n.Required, missing); len(absent) > 0 {
		return 0, schema.NewErrorf(schema.ErrCodeNodeFailed,
			"required params did not resolve: %s", strings.Join(absent, ", ")).
			WithNode(n.ID).
			WithDetails(map[string]any{"missing": absent})
	}
	if len(missing) > 0 {
		in.logger.DebugContext(ctx, "params omitted", slog.Any("missing", missing))
	}

	out, attempts, err := in.invoke(ctx, n.Operation, params, n.Retry)
	if err != nil {
		return attempts, nodeFailure(n.ID, "operation "+n.Operation, err)
	}

	if n.Transform != "" {
		out, err = in.jq.Transform(ctx, n.Transform, out)
		if err != nil {
			return attempts, nodeFailure(n.ID, "transform", err)
		}
	}

	r.vars[n.OutputKey] = out
	return attempts, nil
}

// invoke calls a named operation honouring the per-invocation timeout, the
// breaker and the retry policy. It returns the number of attempts made.
func (in *Interpreter) invoke(ctx context.Context, operation string, params map[string]any, policy *schema.RetryPolicy) (any, int, error) {
	limit := maxAttempts(policy)
	var lastErr error
	for attempt := 0; attempt < limit; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt-1)); err != nil {
				return nil, attempt, contextError(err, "retry of "+operation+" interrupted")
			}
			in.logger.DebugContext(ctx, "retrying operation",
				slog.String("operation", operation),
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()))
		}

		out, err := in.invokeOnce(ctx, operation, params)
		if err == nil {
			return out, attempt + 1, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryableError(err) {
			return nil, attempt + 1, err
		}
	}
	return nil, limit, lastErr
}

func (in *Interpreter) invokeOnce(ctx context.Context, operation string, params map[string]any) (any, error) {
	if in.breakers == nil {
		return in.call(ctx, operation, params)
	}
	var out any
	err := in.breakers.Call(operation, func() error {
		var err error
		out, err = in.call(ctx, operation, params)
		return err
	})
	return out, err
}

// call performs one invocation under the per-operation timeout, converting
// panics into EXECUTION_ERROR.
func (in *Interpreter) call(ctx context.Context, operation string, params map[string]any) (out any, err error) {
	opCtx := ctx
	if in.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, in.cfg.OperationTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "operation %q panicked: %v", operation, rec)
		}
	}()

	out, err = in.ops.Invoke(opCtx, operation, params)
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"operation %q timed out after %s", operation, in.cfg.OperationTimeout).WithCause(err)
	}
	return out, err
}

// missingRequired returns the required param names that did not resolve.
func missingRequired(required, missing []string) []string {
	var absent []string
	for _, name := range required {
		for _, m := range missing {
			if m == name || strings.HasPrefix(m, name+".") || strings.HasPrefix(m, name+"[") {
				absent = append(absent, name)
				break
			}
		}
	}
	return absent
}

func nodeFailure(nodeID, what string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Code == schema.ErrCodeNodeFailed {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeNodeFailed, "%s failed: %s", what, err.Error()).
		WithNode(nodeID).
		WithCause(err)
}

func contextError(err error, msg string) error {
	code := schema.ErrCodeExecution
	if errors.Is(err, context.DeadlineExceeded) {
		code = schema.ErrCodeTimeout
	}
	return schema.NewErrorf(code, "%s: %s", msg, err.Error()).WithCause(err)
}
