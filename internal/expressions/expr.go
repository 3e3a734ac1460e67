package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/flowcron/pkg/schema"
)

// allowedBinary lists the binary operators an expression may use.
var allowedBinary = map[string]bool{
	"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
	"&&": true, "||": true, "and": true, "or": true,
	"in": true, "??": true, "+": true, "-": true,
	"contains": true, "startsWith": true, "endsWith": true,
}

// allowedUnary lists the unary operators an expression may use.
var allowedUnary = map[string]bool{"!": true, "not": true, "-": true}

// ExprEngine evaluates the restricted path-and-comparison subset of
// expr-lang/expr. Calls, builtins, closures, pointers and variable declarations
// are rejected while compiling.
//
// Programs are compiled against an untyped environment, so one program serves
// every run whatever the shape of the context. The outcome of compiling each
// expression is cached, rejections included.
type ExprEngine struct {
	programs sync.Map // expression -> compiled
}

// compiled is a program, or the reason the expression was rejected.
type compiled struct {
	program *vm.Program
	err     error
}

// NewExprEngine creates an expression engine with an empty program cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs expression with every key of data bound as a top-level
// variable. Rejected or malformed expressions return VALIDATION_ERROR.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// Compile returns the cached program for expression, compiling it on first use.
func (e *ExprEngine) Compile(expression string) (*vm.Program, error) {
	if c, ok := e.programs.Load(expression); ok {
		return c.(compiled).program, c.(compiled).err
	}
	c := compile(expression)
	actual, _ := e.programs.LoadOrStore(expression, c)
	return actual.(compiled).program, actual.(compiled).err
}

func compile(expression string) (c compiled) {
	if expression == "" {
		return compiled{err: schema.NewError(schema.ErrCodeValidation, "empty expr expression")}
	}
	defer func() {
		if r := recover(); r != nil {
			c = compiled{err: rejected(expression, fmt.Errorf("%v", r))}
		}
	}()

	guard := &allowList{}
	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.Patch(guard),
	)
	if guard.err != nil {
		err = guard.err
	}
	if err != nil {
		return compiled{err: rejected(expression, err)}
	}
	return compiled{program: prg}
}

func rejected(expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"expr compile error in %q: %s", expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// allowList is a patch visitor that records the first disallowed node.
type allowList struct {
	err error
}

func (a *allowList) Visit(node *ast.Node) {
	if a.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.IdentifierNode, *ast.MemberNode, *ast.ChainNode,
		*ast.StringNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode,
		*ast.NilNode, *ast.ConstantNode,
		*ast.ArrayNode, *ast.MapNode, *ast.PairNode,
		*ast.ConditionalNode:
	case *ast.UnaryNode:
		if !allowedUnary[n.Operator] {
			a.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.BinaryNode:
		if !allowedBinary[n.Operator] {
			a.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	default:
		a.err = fmt.Errorf("%T is not allowed in expressions", n)
	}
}

var _ Engine = (*ExprEngine)(nil)
