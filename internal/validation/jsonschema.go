package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/flowcron/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// nodeSchemaJSON is the JSON Schema for a single workflow node body.
// Embedded as a constant to avoid filesystem dependencies.
const nodeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowcron.dev/schemas/node.json",
  "type": "object",
  "properties": {
    "description": { "type": "string" },
    "prebuiltKey": { "type": "string", "minLength": 1 },
    "outputKey": { "type": "string", "minLength": 1 },
    "params": { "type": "object" },
    "required": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "condition": { "type": "string", "minLength": 1 },
    "transform": { "type": "string", "minLength": 1 },
    "retry": { "$ref": "#/$defs/retry" },
    "dataProcessor": { "$ref": "#/$defs/dataProcessor" },
    "routing": {
      "type": "array",
      "items": { "$ref": "#/$defs/action" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "action": {
      "type": "object",
      "properties": {
        "type": { "type": "string", "enum": ["goto", "emit", "invoke"] },
        "operation": { "type": "string", "enum": ["SWITCH"] },
        "targetNodeId": { "type": "string", "minLength": 1 },
        "prebuiltKey": { "type": "string", "minLength": 1 },
        "params": { "type": "object" },
        "key": { "type": "string", "minLength": 1 },
        "value": {},
        "on": { "type": "string", "minLength": 1 },
        "cases": {
          "type": "object",
          "additionalProperties": {
            "type": "array",
            "items": { "$ref": "#/$defs/action" }
          }
        },
        "default": {
          "type": "array",
          "items": { "$ref": "#/$defs/action" }
        }
      },
      "additionalProperties": false
    },
    "dataProcessor": {
      "type": "object",
      "required": ["operation"],
      "properties": {
        "operation": { "type": "string", "enum": ["ITERATOR", "NONE"] },
        "on": { "type": "string" },
        "itemKey": { "type": "string", "minLength": 1 },
        "sourceId": { "type": "string" },
        "sourceType": { "type": "string" },
        "concurrency": { "type": "integer", "minimum": 0 },
        "forEach": { "$ref": "#/$defs/action" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

const nodeSchemaURL = "https://flowcron.dev/schemas/node.json"

// NodeSchemaValidator checks raw node bodies against the node JSON Schema
// (Draft 2020-12). It is safe for concurrent use.
type NodeSchemaValidator struct {
	nodeSchema *jsonschema.Schema
}

// NewNodeSchemaValidator compiles the embedded node schema.
func NewNodeSchemaValidator() (*NodeSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(nodeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal node schema: %w", err)
	}
	if err := c.AddResource(nodeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add node schema resource: %w", err)
	}

	compiled, err := c.Compile(nodeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile node schema: %w", err)
	}

	return &NodeSchemaValidator{nodeSchema: compiled}, nil
}

// ValidateNode validates one raw node body. Malformed JSON and schema
// violations are reported as errors located at nodes[<id>].
func (v *NodeSchemaValidator) ValidateNode(nodeID string, raw json.RawMessage) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	path := nodePath(nodeID)

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("node %q: malformed JSON: %s", nodeID, err.Error()))
		return result
	}

	if err := v.nodeSchema.Validate(doc); err != nil {
		for _, violation := range violations(err) {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q: %s", nodeID, violation))
		}
	}
	return result
}

// violations walks a ValidationError tree and collects leaf messages with
// their instance locations.
func violations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectViolations(verr)
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

func nodePath(nodeID string) string {
	return "nodes[" + nodeID + "]"
}
