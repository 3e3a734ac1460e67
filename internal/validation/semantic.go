package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/rendis/flowcron/internal/expressions"
	"github.com/rendis/flowcron/pkg/schema"
)

// validateSemantic checks what the JSON Schema cannot express: action shapes,
// iterator requirements, operation keys, expression syntax and duration strings.
func validateSemantic(nodes map[string]*schema.NodeSpec, lookup OperationLookup, checks Checkers) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for _, id := range sortedIDs(nodes) {
		node := nodes[id]
		path := nodePath(id)

		if node.PrebuiltKey != "" {
			checkOperation(path+".prebuiltKey", node.PrebuiltKey, lookup, result)
		}
		checkParams(path+".params", node.Params, checks, result)

		for _, name := range node.Required {
			if _, ok := node.Params[name]; !ok {
				result.AddError(path+".required", schema.ErrCodeValidation,
					fmt.Sprintf("node %q requires param %q which is not declared", id, name))
			}
		}
		if len(node.Params) > 0 && node.PrebuiltKey == "" {
			result.AddWarning(path+".params", schema.ErrCodeValidation,
				fmt.Sprintf("node %q declares params without a prebuiltKey", id))
		}

		if node.Condition != "" && checks.Conditions != nil {
			if err := checks.Conditions.Check(node.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeValidation,
					fmt.Sprintf("node %q: invalid condition: %s", id, err.Error()))
			}
		}
		if node.Transform != "" {
			if node.PrebuiltKey == "" {
				result.AddWarning(path+".transform", schema.ErrCodeValidation,
					fmt.Sprintf("node %q declares a transform without a prebuiltKey", id))
			}
			if checks.Transforms != nil {
				if err := checks.Transforms.Check(node.Transform); err != nil {
					result.AddError(path+".transform", schema.ErrCodeValidation,
						fmt.Sprintf("node %q: invalid transform: %s", id, err.Error()))
				}
			}
		}

		if node.Retry != nil {
			checkRetry(path+".retry", id, node.Retry, result)
		}

		if dp := node.DataProcessor; dp != nil && dp.Operation == schema.ProcessorIterator {
			if dp.On == "" {
				result.AddError(path+".dataProcessor.on", schema.ErrCodeValidation,
					fmt.Sprintf("node %q: ITERATOR requires an `on` expression", id))
			} else {
				checkExpression(path+".dataProcessor.on", dp.On, checks, result)
			}
			if dp.SourceID != "" {
				checkExpression(path+".dataProcessor.sourceId", dp.SourceID, checks, result)
			}
			if dp.ForEach == nil {
				result.AddError(path+".dataProcessor.forEach", schema.ErrCodeValidation,
					fmt.Sprintf("node %q: ITERATOR requires a forEach action", id))
			} else {
				checkAction(path+".dataProcessor.forEach", id, dp.ForEach, false, lookup, checks, result)
			}
		}

		for i := range node.Routing {
			rpath := fmt.Sprintf("%s.routing[%d]", path, i)
			action := &node.Routing[i]
			switch action.Kind() {
			case schema.ActionTypeGoto, schema.OperationSwitch:
			default:
				result.AddError(rpath, schema.ErrCodeValidation,
					fmt.Sprintf("node %q: routing entries must be goto or SWITCH", id))
				continue
			}
			checkAction(rpath, id, action, true, lookup, checks, result)
		}
	}

	return result
}

// checkAction validates one action and, for SWITCH, its nested case actions.
func checkAction(path, nodeID string, a *schema.ActionSpec, routing bool, lookup OperationLookup, checks Checkers, result *schema.ValidationResult) {
	switch a.Kind() {
	case schema.ActionTypeGoto:
		if a.TargetNodeID == "" {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q: goto requires targetNodeId", nodeID))
		}
		if !routing {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q: goto inside forEach has no effect", nodeID))
		}
	case schema.ActionTypeEmit:
		if a.Key == "" {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q: emit requires a key", nodeID))
		}
		if expressions.IsExpression(a.Value) {
			checkExpression(path+".value", a.Value.(string), checks, result)
		}
	case schema.ActionTypeInvoke:
		if a.PrebuiltKey == "" {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q: invoke requires a prebuiltKey", nodeID))
		} else {
			checkOperation(path+".prebuiltKey", a.PrebuiltKey, lookup, result)
		}
		checkParams(path+".params", a.Params, checks, result)
	case schema.OperationSwitch:
		if a.On == "" {
			result.AddError(path+".on", schema.ErrCodeValidation,
				fmt.Sprintf("node %q: SWITCH requires an `on` expression", nodeID))
		} else {
			checkExpression(path+".on", a.On, checks, result)
		}
		if len(a.Cases) == 0 && len(a.Default) == 0 {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q: SWITCH has no cases and no default", nodeID))
		}
		for _, key := range sortedCaseKeys(a.Cases) {
			for j := range a.Cases[key] {
				checkAction(fmt.Sprintf("%s.cases[%s][%d]", path, key, j), nodeID, &a.Cases[key][j], routing, lookup, checks, result)
			}
		}
		for j := range a.Default {
			checkAction(fmt.Sprintf("%s.default[%d]", path, j), nodeID, &a.Default[j], routing, lookup, checks, result)
		}
	default:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("node %q: unrecognized action shape", nodeID))
	}
}

func checkOperation(path, key string, lookup OperationLookup, result *schema.ValidationResult) {
	if lookup != nil && !lookup.Has(key) {
		result.AddError(path, schema.ErrCodeOperationUnavailable,
			fmt.Sprintf("operation %q not registered", key))
	}
}

func checkParams(path string, params map[string]any, checks Checkers, result *schema.ValidationResult) {
	for _, k := range sortedKeys(params) {
		walkExpressions(path+"."+k, params[k], func(p, expr string) {
			checkExpression(p, expr, checks, result)
		})
	}
}

func checkExpression(path, expr string, checks Checkers, result *schema.ValidationResult) {
	if checks.Expressions == nil {
		return
	}
	if err := checks.Expressions.Check(expr); err != nil {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("invalid expression %q: %s", expr, err.Error()))
	}
}

func checkRetry(path, nodeID string, r *schema.RetryPolicy, result *schema.ValidationResult) {
	if r.Delay == "" {
		return
	}
	if r.MaxDelay != "" && parseDurationOr(r.MaxDelay) < parseDurationOr(r.Delay) {
		result.AddWarning(path+".max_delay", schema.ErrCodeValidation,
			fmt.Sprintf("node %q: max_delay is shorter than delay", nodeID))
	}
}

// walkExpressions calls fn for every sentinel-prefixed string inside v.
func walkExpressions(path string, v any, fn func(path, expr string)) {
	switch val := v.(type) {
	case string:
		if expressions.IsExpression(val) {
			fn(path, val)
		}
	case map[string]any:
		for _, k := range sortedKeys(val) {
			walkExpressions(path+"."+k, val[k], fn)
		}
	case []any:
		for i, item := range val {
			walkExpressions(fmt.Sprintf("%s[%d]", path, i), item, fn)
		}
	}
}

func sortedIDs(nodes map[string]*schema.NodeSpec) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCaseKeys(m map[string][]schema.ActionSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseDurationOr(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
