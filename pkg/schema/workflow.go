package schema

import "encoding/json"

// Directive names used in workflow node JSON.
const (
	ProcessorIterator = "ITERATOR"
	ProcessorNone     = "NONE"
	OperationSwitch   = "SWITCH"
	ActionTypeGoto    = "goto"
	ActionTypeEmit    = "emit"
	ActionTypeInvoke  = "invoke"
)

// DefaultStartNode is the conventional entry point of a workflow.
const DefaultStartNode = "start_node"

// NodeSpec is the JSON body of a single workflow node. A workflow is stored as a
// mapping from node id to one NodeSpec document.
type NodeSpec struct {
	Description   string             `json:"description,omitempty"`
	PrebuiltKey   string             `json:"prebuiltKey,omitempty"`   // named operation key
	OutputKey     string             `json:"outputKey,omitempty"`     // context key for the result (default: node id)
	Params        map[string]any     `json:"params,omitempty"`        // literals or #-prefixed expressions
	Required      []string           `json:"required,omitempty"`      // params that must resolve
	Condition     string             `json:"condition,omitempty"`     // CEL guard, evaluated before the operation
	Transform     string             `json:"transform,omitempty"`     // jq applied to the operation result
	Retry         *RetryPolicy       `json:"retry,omitempty"`         // retry policy for the operation
	DataProcessor *DataProcessorSpec `json:"dataProcessor,omitempty"` // NONE or ITERATOR
	Routing       []ActionSpec       `json:"routing,omitempty"`
}

// DataProcessorSpec is the optional data-processing directive of a node.
type DataProcessorSpec struct {
	Operation   string      `json:"operation"`             // ITERATOR | NONE
	On          string      `json:"on,omitempty"`          // expression producing the sequence
	ItemKey     string      `json:"itemKey,omitempty"`     // child-context key for the item (default: item)
	SourceID    string      `json:"sourceId,omitempty"`    // expression producing the item's source id
	SourceType  string      `json:"sourceType,omitempty"`  // audit source type for items
	Concurrency int         `json:"concurrency,omitempty"` // per-node override of the item concurrency
	ForEach     *ActionSpec `json:"forEach,omitempty"`
}

// ActionSpec is a routing rule or a nested action. Exactly one shape applies:
//   - {type: "goto", targetNodeId}
//   - {operation: "SWITCH", on, cases, default}
//   - {prebuiltKey, params} (invoke a named operation)
//   - {type: "emit", key, value} (write a value into the current context)
type ActionSpec struct {
	Type         string                  `json:"type,omitempty"`
	Operation    string                  `json:"operation,omitempty"`
	TargetNodeID string                  `json:"targetNodeId,omitempty"`
	PrebuiltKey  string                  `json:"prebuiltKey,omitempty"`
	Params       map[string]any          `json:"params,omitempty"`
	Key          string                  `json:"key,omitempty"`
	Value        any                     `json:"value,omitempty"`
	On           string                  `json:"on,omitempty"`
	Cases        map[string][]ActionSpec `json:"cases,omitempty"`
	Default      []ActionSpec            `json:"default,omitempty"`
}

// Kind classifies the action by its shape.
func (a *ActionSpec) Kind() string {
	switch {
	case a.Operation == OperationSwitch:
		return OperationSwitch
	case a.Type == ActionTypeGoto || (a.Type == "" && a.TargetNodeID != ""):
		return ActionTypeGoto
	case a.Type == ActionTypeEmit:
		return ActionTypeEmit
	case a.Type == ActionTypeInvoke || (a.Type == "" && a.PrebuiltKey != ""):
		return ActionTypeInvoke
	default:
		return ""
	}
}

// RetryPolicy configures retries of a node's named operation.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on the computed delay
}

// WorkflowNodes is the raw persisted form of a workflow: node id to JSON body.
type WorkflowNodes map[string]json.RawMessage
