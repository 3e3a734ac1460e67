package diagram

// NodeKind classifies a diagram node by what the workflow node does.
type NodeKind string

const (
	NodeKindOperation NodeKind = "operation" // invokes a prebuilt operation
	NodeKindSwitch    NodeKind = "switch"    // routes through a SWITCH
	NodeKindIterator  NodeKind = "iterator"  // runs an ITERATOR data processor
	NodeKindRoute     NodeKind = "route"     // routing only
	NodeKindEmit      NodeKind = "emit"      // forEach content emission
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // breadth-first layers from the start node
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // iterator forEach body
}

// SubGraph holds the actions an iterator runs per item.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node from a run trace.
type StatusOverlay struct {
	Status     string // lower-cased schema.NodeStatus
	DurationMs int64
	RetryCount int
	Visits     int
	Error      string
}

// Edge is a possible transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	Taken bool // followed during the overlaid run
}
