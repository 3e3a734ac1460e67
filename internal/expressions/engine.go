package expressions

import "context"

// Engine evaluates expressions attached to workflow nodes.
// Three implementations: Expr (params, SWITCH and ITERATOR `on`), CEL (node
// conditions), GoJQ (result transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
