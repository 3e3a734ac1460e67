package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowcron/pkg/schema"
)

// assertOperations fail the invoking node or item when data does not hold,
// so the item is audited FAILED and becomes retryable.
func assertOperations() []Operation {
	return []Operation{
		NewFunc("assert.equals", "Fails unless params.actual deeply equals params.expected.", assertEquals),
		NewFunc("assert.contains", "Fails unless params.haystack (string or array) contains params.needle.", assertContains),
		NewFunc("assert.matches", "Fails unless params.value matches the regular expression params.pattern.", assertMatches),
		NewFunc("assert.schema", "Fails unless params.data conforms to the JSON Schema params.schema.", assertSchema),
	}
}

// normalizeJSON round-trips v through JSON so ints and float64s compare equal.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func assertionFailed(params map[string]any, fallback string, details map[string]any) error {
	return schema.NewError(schema.ErrCodeValidation, stringParam(params, "message", fallback)).WithDetails(details)
}

func assertEquals(_ context.Context, params map[string]any) (any, error) {
	expected, ok := params["expected"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.equals: expected is required")
	}
	actual := params["actual"]
	if reflect.DeepEqual(normalizeJSON(expected), normalizeJSON(actual)) {
		return true, nil
	}
	return nil, assertionFailed(params, "assertion failed: values are not equal",
		map[string]any{"expected": expected, "actual": actual})
}

func assertContains(_ context.Context, params map[string]any) (any, error) {
	needle := params["needle"]
	switch hs := params["haystack"].(type) {
	case string:
		if strings.Contains(hs, fmt.Sprint(needle)) {
			return true, nil
		}
	case []any:
		want := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), want) {
				return true, nil
			}
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.contains: haystack must be string or array, got %T", params["haystack"])
	}
	return nil, assertionFailed(params, "assertion failed: value not found",
		map[string]any{"haystack": params["haystack"], "needle": needle})
}

func assertMatches(_ context.Context, params map[string]any) (any, error) {
	value, ok := params["value"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.matches: value must be a string")
	}
	re, err := regexp.Compile(stringParam(params, "pattern", ""))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.matches: invalid pattern: %s", err.Error())
	}
	if re.MatchString(value) {
		return re.FindString(value), nil
	}
	return nil, assertionFailed(params, "assertion failed: value does not match pattern",
		map[string]any{"value": value, "pattern": re.String()})
}

const inlineSchemaURL = "inline://assert.schema"

func assertSchema(_ context.Context, params map[string]any) (any, error) {
	schemaDoc, err := toSchemaDoc(params["schema"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: schema: %s", err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(inlineSchemaURL, schemaDoc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: %s", err.Error())
	}
	compiled, err := c.Compile(inlineSchemaURL)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: compile: %s", err.Error())
	}

	data, err := toSchemaDoc(params["data"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: data: %s", err.Error())
	}
	if err := compiled.Validate(data); err != nil {
		return nil, assertionFailed(params, "assertion failed: data does not match schema",
			map[string]any{"error": err.Error()})
	}
	return true, nil
}

// toSchemaDoc converts v into the value model the jsonschema package expects.
func toSchemaDoc(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
