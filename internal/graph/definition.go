// Package graph compiles validated workflow node documents into an immutable,
// index-addressed Definition.
package graph

import (
	"sort"

	"github.com/rendis/flowcron/internal/expressions"
	"github.com/rendis/flowcron/pkg/schema"
)

// NoTarget marks an action without a goto target.
const NoTarget = -1

// Definition is a parsed workflow. Nodes live in a slice and are addressed by
// index; index maps node ids to positions. A Definition is never mutated after
// Parse returns and may be shared by concurrent runs.
type Definition struct {
	ID       string
	Name     string
	Start    string
	Warnings []schema.ValidationIssue

	nodes []Node
	index map[string]int
}

// Node is the compiled form of one workflow node.
type Node struct {
	ID          string
	Index       int
	Description string
	Operation   string // prebuiltKey; empty for pure routing nodes
	OutputKey   string // defaults to ID
	Params      map[string]any
	Required    []string
	Condition   string
	Transform   string
	Retry       *schema.RetryPolicy
	Iterator    *Iterator // nil unless dataProcessor is ITERATOR
	Routing     []Action
}

// Iterator is a compiled ITERATOR data processor.
type Iterator struct {
	On          string
	ItemKey     string
	SourceID    string
	SourceType  string
	Concurrency int
	ForEach     Action
}

// Action is a compiled routing rule or nested action.
type Action struct {
	Kind string // goto | SWITCH | invoke | emit

	// goto
	TargetID string
	Target   int

	// invoke
	Operation string
	Params    map[string]any

	// emit
	Key   string
	Value any

	// SWITCH
	On      string
	Cases   map[string][]Action
	Default []Action
}

// Node returns the node with the given id.
func (d *Definition) Node(id string) (*Node, bool) {
	i, ok := d.index[id]
	if !ok {
		return nil, false
	}
	return &d.nodes[i], true
}

// NodeAt returns the node at position i.
func (d *Definition) NodeAt(i int) *Node {
	return &d.nodes[i]
}

// Len returns the number of nodes.
func (d *Definition) Len() int {
	return len(d.nodes)
}

// IDs returns node ids in arena order (sorted).
func (d *Definition) IDs() []string {
	ids := make([]string, len(d.nodes))
	for i := range d.nodes {
		ids[i] = d.nodes[i].ID
	}
	return ids
}

// compile builds the arena from validated node specs. Node order is the sorted
// id order so that the same document always yields the same indices.
func compile(id, name, start string, specs map[string]*schema.NodeSpec) *Definition {
	ids := make([]string, 0, len(specs))
	for nodeID := range specs {
		ids = append(ids, nodeID)
	}
	sort.Strings(ids)

	def := &Definition{
		ID:    id,
		Name:  name,
		Start: start,
		nodes: make([]Node, len(ids)),
		index: make(map[string]int, len(ids)),
	}
	for i, nodeID := range ids {
		def.index[nodeID] = i
	}

	for i, nodeID := range ids {
		spec := specs[nodeID]
		n := Node{
			ID:          nodeID,
			Index:       i,
			Description: spec.Description,
			Operation:   spec.PrebuiltKey,
			OutputKey:   spec.OutputKey,
			Params:      spec.Params,
			Required:    spec.Required,
			Condition:   spec.Condition,
			Transform:   spec.Transform,
			Retry:       spec.Retry,
		}
		if n.OutputKey == "" {
			n.OutputKey = nodeID
		}
		if dp := spec.DataProcessor; dp != nil && dp.Operation == schema.ProcessorIterator && dp.ForEach != nil {
			n.Iterator = &Iterator{
				On:          dp.On,
				ItemKey:     dp.ItemKey,
				SourceID:    dp.SourceID,
				SourceType:  dp.SourceType,
				Concurrency: dp.Concurrency,
				ForEach:     def.compileAction(dp.ForEach),
			}
			if n.Iterator.ItemKey == "" {
				n.Iterator.ItemKey = expressions.DefaultItemKey
			}
		}
		for j := range spec.Routing {
			n.Routing = append(n.Routing, def.compileAction(&spec.Routing[j]))
		}
		def.nodes[i] = n
	}

	return def
}

func (d *Definition) compileAction(a *schema.ActionSpec) Action {
	out := Action{Kind: a.Kind(), Target: NoTarget}
	switch out.Kind {
	case schema.ActionTypeGoto:
		out.TargetID = a.TargetNodeID
		if i, ok := d.index[a.TargetNodeID]; ok {
			out.Target = i
		}
	case schema.ActionTypeInvoke:
		out.Operation = a.PrebuiltKey
		out.Params = a.Params
	case schema.ActionTypeEmit:
		out.Key = a.Key
		out.Value = a.Value
	case schema.OperationSwitch:
		out.On = a.On
		if len(a.Cases) > 0 {
			out.Cases = make(map[string][]Action, len(a.Cases))
			for key, actions := range a.Cases {
				compiled := make([]Action, len(actions))
				for j := range actions {
					compiled[j] = d.compileAction(&actions[j])
				}
				out.Cases[key] = compiled
			}
		}
		for j := range a.Default {
			out.Default = append(out.Default, d.compileAction(&a.Default[j]))
		}
	}
	return out
}
