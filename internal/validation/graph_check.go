package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/flowcron/pkg/schema"
)

// validateGraph checks that the start node exists, that every goto target
// (top-level routing, SWITCH cases and defaults, nested forEach trees) names an
// existing node, and warns about nodes unreachable from the start node.
// Cycles are legal; termination is enforced at run time by the step budget.
func validateGraph(nodes map[string]*schema.NodeSpec, start string) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if _, ok := nodes[start]; !ok {
		result.AddError("start", schema.ErrCodeNotFound,
			fmt.Sprintf("start node %q not found", start))
	}

	edges := make(map[string][]string, len(nodes))
	for _, id := range sortedIDs(nodes) {
		node := nodes[id]
		for i := range node.Routing {
			path := fmt.Sprintf("%s.routing[%d]", nodePath(id), i)
			collectTargets(path, &node.Routing[i], func(p, target string) {
				if _, ok := nodes[target]; !ok {
					result.AddError(p, schema.ErrCodeNotFound,
						fmt.Sprintf("node %q routes to unknown node %q", id, target))
					return
				}
				edges[id] = append(edges[id], target)
			})
		}
		if dp := node.DataProcessor; dp != nil && dp.ForEach != nil {
			collectTargets(nodePath(id)+".dataProcessor.forEach", dp.ForEach, func(p, target string) {
				if _, ok := nodes[target]; !ok {
					result.AddError(p, schema.ErrCodeNotFound,
						fmt.Sprintf("node %q routes to unknown node %q", id, target))
				}
			})
		}
	}

	if !result.Valid() {
		return result
	}

	// Reachability: BFS from the start node.
	reachable := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	var unreachable []string
	for id := range nodes {
		if !reachable[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	for _, id := range unreachable {
		result.AddWarning(nodePath(id), schema.ErrCodeValidation,
			fmt.Sprintf("node %q is unreachable from %q", id, start))
	}

	return result
}

// collectTargets calls fn for every goto target inside the action tree.
func collectTargets(path string, a *schema.ActionSpec, fn func(path, target string)) {
	switch a.Kind() {
	case schema.ActionTypeGoto:
		if a.TargetNodeID != "" {
			fn(path, a.TargetNodeID)
		}
	case schema.OperationSwitch:
		for _, key := range sortedCaseKeys(a.Cases) {
			for j := range a.Cases[key] {
				collectTargets(fmt.Sprintf("%s.cases[%s][%d]", path, key, j), &a.Cases[key][j], fn)
			}
		}
		for j := range a.Default {
			collectTargets(fmt.Sprintf("%s.default[%d]", path, j), &a.Default[j], fn)
		}
	}
}
