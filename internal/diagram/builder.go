package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/flowcron/internal/engine"
	"github.com/rendis/flowcron/internal/graph"
	"github.com/rendis/flowcron/pkg/schema"
)

// Build constructs a DiagramModel from a parsed definition and an optional run
// trace. Goto targets become edges, SWITCH cases become labelled edges, and a
// node with no goto out of some branch gets an edge to the end node.
func Build(def *graph.Definition, trace []engine.NodeTrace) *DiagramModel {
	model := &DiagramModel{Title: titleFromDef(def)}

	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range def.IDs() {
		n, _ := def.Node(id)
		node := &Node{ID: n.ID, Label: nodeLabel(n), Kind: nodeKind(n)}
		if n.Iterator != nil {
			node.Children = append(node.Children, forEachGraph(n))
		}
		model.Nodes = append(model.Nodes, node)
	}
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	model.Edges = append(model.Edges, Edge{From: StartID, To: def.Start})
	for _, id := range def.IDs() {
		n, _ := def.Node(id)
		model.Edges = append(model.Edges, routingEdges(n)...)
	}

	if len(trace) > 0 {
		overlay(model, trace, def.Start)
	}
	model.Levels = buildLevels(model, def.Start)
	return model
}

func titleFromDef(def *graph.Definition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}

func nodeKind(n *graph.Node) NodeKind {
	switch {
	case n.Iterator != nil:
		return NodeKindIterator
	case n.Operation != "":
		return NodeKindOperation
	}
	for _, a := range n.Routing {
		if a.Kind == schema.OperationSwitch {
			return NodeKindSwitch
		}
	}
	return NodeKindRoute
}

// nodeLabel is the node id, with the operation it invokes on a second line.
func nodeLabel(n *graph.Node) string {
	if n.Operation != "" {
		return fmt.Sprintf("%s\n(%s)", n.ID, n.Operation)
	}
	if n.Iterator != nil {
		return fmt.Sprintf("%s\n(each %s)", n.ID, n.Iterator.On)
	}
	return n.ID
}

// routingEdges mirrors route(): the first goto or the first SWITCH decides.
func routingEdges(n *graph.Node) []Edge {
	for _, a := range n.Routing {
		switch a.Kind {
		case schema.ActionTypeGoto:
			return []Edge{{From: n.ID, To: a.TargetID}}
		case schema.OperationSwitch:
			return switchEdges(n.ID, "", a)
		}
	}
	return []Edge{{From: n.ID, To: EndID}}
}

// switchEdges returns one edge per case key, in key order, plus the default.
// Nested SWITCHes prefix their labels with the outer case.
func switchEdges(from, prefix string, a graph.Action) []Edge {
	keys := make([]string, 0, len(a.Cases))
	for k := range a.Cases {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var edges []Edge
	for _, k := range keys {
		edges = append(edges, branchEdges(from, joinLabel(prefix, k), a.Cases[k])...)
	}
	edges = append(edges, branchEdges(from, joinLabel(prefix, "default"), a.Default)...)
	return edges
}

func branchEdges(from, label string, actions []graph.Action) []Edge {
	for _, a := range actions {
		switch a.Kind {
		case schema.ActionTypeGoto:
			return []Edge{{From: from, To: a.TargetID, Label: label}}
		case schema.OperationSwitch:
			if nested := switchEdges(from, label, a); len(nested) > 0 {
				return nested
			}
		}
	}
	return []Edge{{From: from, To: EndID, Label: label}}
}

func joinLabel(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// forEachGraph flattens an iterator's forEach action into a subgraph.
func forEachGraph(n *graph.Node) *SubGraph {
	sg := &SubGraph{Label: "forEach"}
	counter := 0
	var add func(parent, label string, a graph.Action)
	add = func(parent, label string, a graph.Action) {
		counter++
		id := fmt.Sprintf("%s.forEach.%d", n.ID, counter)
		node := &Node{ID: id}
		switch a.Kind {
		case schema.ActionTypeInvoke:
			node.Label, node.Kind = a.Operation, NodeKindOperation
		case schema.ActionTypeEmit:
			node.Label, node.Kind = "emit "+a.Key, NodeKindEmit
		case schema.OperationSwitch:
			node.Label, node.Kind = "switch "+a.On, NodeKindSwitch
		default:
			return
		}
		sg.Nodes = append(sg.Nodes, node)
		if parent != "" {
			sg.Edges = append(sg.Edges, Edge{From: parent, To: id, Label: label})
		}
		if a.Kind != schema.OperationSwitch {
			return
		}
		keys := make([]string, 0, len(a.Cases))
		for k := range a.Cases {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, child := range a.Cases[k] {
				add(id, k, child)
			}
		}
		for _, child := range a.Default {
			add(id, "default", child)
		}
	}
	add("", "", n.Iterator.ForEach)
	return sg
}

// overlay applies trace status to nodes and marks the edges the run took.
// A node visited more than once shows its last visit.
func overlay(model *DiagramModel, trace []engine.NodeTrace, start string) {
	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}

	taken := map[[2]string]bool{{StartID, start}: true}
	for _, t := range trace {
		node, ok := byID[t.NodeID]
		if !ok {
			continue
		}
		visits := 1
		if node.Status != nil {
			visits = node.Status.Visits + 1
		}
		retries := 0
		if t.Attempts > 1 {
			retries = t.Attempts - 1
		}
		node.Status = &StatusOverlay{
			Status:     strings.ToLower(string(t.Status)),
			DurationMs: t.DurationMs,
			RetryCount: retries,
			Visits:     visits,
			Error:      t.Error,
		}

		switch {
		case t.Next != "":
			taken[[2]string{t.NodeID, t.Next}] = true
		case t.Status != schema.NodeFailed:
			taken[[2]string{t.NodeID, EndID}] = true
		}
	}

	for i := range model.Edges {
		e := &model.Edges[i]
		e.Taken = taken[[2]string{e.From, e.To}]
	}
}

// buildLevels layers nodes breadth-first from the start. Unreachable nodes
// form a layer before End.
func buildLevels(model *DiagramModel, start string) [][]string {
	adj := make(map[string][]string)
	for _, e := range model.Edges {
		if e.To != EndID {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}

	seen := map[string]bool{StartID: true, EndID: true}
	levels := [][]string{{StartID}}
	frontier := []string{start}
	seen[start] = true
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			for _, to := range adj[id] {
				if !seen[to] {
					seen[to] = true
					next = append(next, to)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	var orphans []string
	for _, n := range model.Nodes {
		if !seen[n.ID] {
			orphans = append(orphans, n.ID)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return append(levels, []string{EndID})
}
