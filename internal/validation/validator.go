package validation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rendis/flowcron/pkg/schema"
)

// OperationLookup reports whether a named operation is registered.
type OperationLookup interface {
	Has(key string) bool
}

// ExpressionChecker compiles an expression without evaluating it.
type ExpressionChecker interface {
	Check(expression string) error
}

// Checkers groups the syntax checkers for the three expression dialects.
// A nil checker skips that dialect.
type Checkers struct {
	Expressions ExpressionChecker // #-prefixed params, SWITCH and ITERATOR `on`
	Conditions  ExpressionChecker // CEL node conditions
	Transforms  ExpressionChecker // jq node transforms
}

// WorkflowValidator runs the three-stage definition pipeline:
// 1. Structural (malformed JSON, node JSON Schema)
// 2. Semantic (action shapes, iterator directives, operations, expressions)
// 3. Graph (start node, goto targets, reachability)
type WorkflowValidator struct {
	nodeSchema *NodeSchemaValidator
	operations OperationLookup
	checks     Checkers
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip operation existence checks.
func NewWorkflowValidator(lookup OperationLookup, checks Checkers) (*WorkflowValidator, error) {
	nsv, err := NewNodeSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		nodeSchema: nsv,
		operations: lookup,
		checks:     checks,
	}, nil
}

// Validate decodes and validates every raw node. Structural errors
// short-circuit: semantic and graph stages are skipped and no nodes are returned.
func (wv *WorkflowValidator) Validate(raw map[string]json.RawMessage, start string) (map[string]*schema.NodeSpec, *schema.ValidationResult) {
	result := &schema.ValidationResult{}
	if len(raw) == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no nodes")
		return nil, result
	}

	// Stage 1: Structural.
	nodes := make(map[string]*schema.NodeSpec, len(raw))
	for _, id := range sortedRawIDs(raw) {
		if id == "" {
			result.AddError("nodes", schema.ErrCodeValidation, "node id must not be empty")
			continue
		}
		res := wv.nodeSchema.ValidateNode(id, raw[id])
		result.Merge(res)
		if !res.Valid() {
			continue
		}
		var spec schema.NodeSpec
		if err := json.Unmarshal(raw[id], &spec); err != nil {
			result.AddError(nodePath(id), schema.ErrCodeValidation,
				fmt.Sprintf("node %q: %s", id, err.Error()))
			continue
		}
		nodes[id] = &spec
	}
	if !result.Valid() {
		return nil, result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(nodes, wv.operations, wv.checks))

	// Stage 3: Graph.
	result.Merge(validateGraph(nodes, start))

	if !result.Valid() {
		return nil, result
	}
	return nodes, result
}

func sortedRawIDs(raw map[string]json.RawMessage) []string {
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
