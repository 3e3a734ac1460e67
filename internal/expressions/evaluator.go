package expressions

import (
	"context"
	"strings"
)

// Sentinel marks a parameter value as an expression rather than a literal.
const Sentinel = "#"

// ContextVar is the variable bound to the whole execution context.
const ContextVar = "ctx"

// Evaluator evaluates the restricted expression language used by node params,
// SWITCH `on` clauses and ITERATOR `on` clauses. It accepts variable paths,
// literals and comparisons. Calls, builtins, closures, pointers and variable
// declarations are rejected when the expression is compiled.
//
// Eval never panics and never returns an error: anything that cannot produce a
// value yields ok=false.
type Evaluator struct {
	engine *ExprEngine
}

// NewEvaluator creates an Evaluator backed by a fresh ExprEngine.
func NewEvaluator() *Evaluator {
	return &Evaluator{engine: NewExprEngine()}
}

// IsExpression reports whether v is a string carrying the expression sentinel.
func IsExpression(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(strings.TrimSpace(s), Sentinel)
}

// Strip removes the sentinel and surrounding whitespace.
func Strip(expression string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(expression), Sentinel))
}

// Eval evaluates expression against vars. Every entry of vars is available as a
// top-level variable, and the whole mapping is available as ctx, so
// `#ctx['a']['b']` and `#a.b` are equivalent.
func (ev *Evaluator) Eval(expression string, vars map[string]any) (value any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			value, ok = nil, false
		}
	}()

	src := Strip(expression)
	if src == "" {
		return nil, false
	}
	out, err := ev.engine.Evaluate(context.Background(), src, environment(vars))
	if err != nil || out == nil {
		return nil, false
	}
	return out, true
}

// Check compiles the expression and verifies it only uses the allowed subset.
func (ev *Evaluator) Check(expression string) error {
	_, err := ev.engine.Compile(Strip(expression))
	return err
}

func environment(vars map[string]any) map[string]any {
	env := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		env[k] = v
	}
	if vars == nil {
		vars = map[string]any{}
	}
	env[ContextVar] = vars
	return env
}
