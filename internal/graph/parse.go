package graph

import (
	"encoding/json"
	"sync"

	"github.com/rendis/flowcron/internal/expressions"
	"github.com/rendis/flowcron/internal/validation"
	"github.com/rendis/flowcron/pkg/schema"
)

// Parser validates and compiles workflow documents.
type Parser struct {
	validator *validation.WorkflowValidator
}

// NewParser creates a Parser. lookup may be nil to skip operation existence
// checks; nil checkers skip syntax checks for that dialect.
func NewParser(lookup validation.OperationLookup, checks validation.Checkers) (*Parser, error) {
	wv, err := validation.NewWorkflowValidator(lookup, checks)
	if err != nil {
		return nil, err
	}
	return &Parser{validator: wv}, nil
}

// DefaultCheckers returns syntax checkers for all three expression dialects.
func DefaultCheckers() (validation.Checkers, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return validation.Checkers{}, err
	}
	return validation.Checkers{
		Expressions: expressions.NewEvaluator(),
		Conditions:  cel,
		Transforms:  expressions.NewGoJQEngine(),
	}, nil
}

// Parse validates every node and compiles the definition. Any error (malformed
// JSON, schema violation, dangling target, missing start node) fails the whole
// definition; warnings are kept on the Definition.
func (p *Parser) Parse(id, name string, raw map[string]json.RawMessage, start string) (*Definition, error) {
	if start == "" {
		start = schema.DefaultStartNode
	}

	specs, result := p.validator.Validate(raw, start)
	if err := result.ToError(); err != nil {
		return nil, err
	}

	def := compile(id, name, start, specs)
	def.Warnings = result.Warnings
	return def, nil
}

var (
	defaultParserOnce sync.Once
	defaultParser     *Parser
	defaultParserErr  error
)

// Parse parses raw with a shared Parser that checks expression syntax but not
// operation keys.
func Parse(raw map[string]json.RawMessage, start string) (*Definition, error) {
	defaultParserOnce.Do(func() {
		checks, err := DefaultCheckers()
		if err != nil {
			defaultParserErr = err
			return
		}
		defaultParser, defaultParserErr = NewParser(nil, checks)
	})
	if defaultParserErr != nil {
		return nil, defaultParserErr
	}
	return defaultParser.Parse("", "", raw, start)
}
