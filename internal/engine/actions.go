package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/flowcron/internal/expressions"
	"github.com/rendis/flowcron/internal/graph"
	"github.com/rendis/flowcron/pkg/schema"
)

// route evaluates n.Routing in order. The first goto wins unconditionally; the
// first SWITCH decides alone, following the matching case or the default, and
// ends the run when neither applies or the chosen branch has no goto.
func (in *Interpreter) route(ctx context.Context, r *run, n *graph.Node) (int, error) {
	for i := range n.Routing {
		a := &n.Routing[i]
		switch a.Kind {
		case schema.ActionTypeGoto:
			return a.Target, nil
		case schema.OperationSwitch:
			next, err := in.perform(ctx, r.vars, in.selectCase(a, r.vars), true, nil)
			if err != nil {
				return graph.NoTarget, nodeFailure(n.ID, "routing", err)
			}
			return next, nil
		}
	}
	return graph.NoTarget, nil
}

// selectCase returns the branch of a SWITCH for the current vars. A value that
// does not resolve, or matches no case, selects the default (possibly empty).
func (in *Interpreter) selectCase(a *graph.Action, vars map[string]any) []graph.Action {
	if v, ok := in.eval.Eval(a.On, vars); ok {
		if branch, hit := a.Cases[expressions.ToKey(v)]; hit {
			return branch
		}
	}
	return a.Default
}

// perform executes actions in order against vars. With follow set, the first
// goto reached stops execution and its target is returned; otherwise gotos are
// ignored. Emitted values are written to vars and, when emitted is non-nil,
// recorded there as well.
func (in *Interpreter) perform(ctx context.Context, vars map[string]any, actions []graph.Action, follow bool, emitted map[string]any) (int, error) {
	for i := range actions {
		a := &actions[i]
		switch a.Kind {
		case schema.ActionTypeGoto:
			if follow {
				return a.Target, nil
			}

		case schema.ActionTypeEmit:
			v, ok := in.resolve(a.Value, vars)
			if !ok {
				in.logger.DebugContext(ctx, "emit value did not resolve", slog.String("key", a.Key))
				continue
			}
			vars[a.Key] = v
			if emitted != nil {
				emitted[a.Key] = v
			}

		case schema.ActionTypeInvoke:
			params, missing := in.eval.ResolveParams(a.Params, vars)
			if len(missing) > 0 {
				in.logger.DebugContext(ctx, "action params omitted",
					slog.String("operation", a.Operation),
					slog.Any("missing", missing))
			}
			if _, _, err := in.invoke(ctx, a.Operation, params, nil); err != nil {
				return graph.NoTarget, err
			}

		case schema.OperationSwitch:
			next, err := in.perform(ctx, vars, in.selectCase(a, vars), follow, emitted)
			if err != nil || next != graph.NoTarget {
				return next, err
			}
		}
	}
	return graph.NoTarget, nil
}

// resolve evaluates a single emit value: expression strings are evaluated,
// literals and nested structures resolve like params.
func (in *Interpreter) resolve(value any, vars map[string]any) (any, bool) {
	if expressions.IsExpression(value) {
		return in.eval.Eval(value.(string), vars)
	}
	resolved, _ := in.eval.ResolveParams(map[string]any{"value": value}, vars)
	v, ok := resolved["value"]
	return v, ok
}
