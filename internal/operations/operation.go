// Package operations holds the named-operation registry nodes invoke through
// their prebuiltKey.
package operations

import "context"

// Operation fetches or produces data for a workflow node given resolved params.
type Operation interface {
	Name() string
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// Describer is implemented by operations that document themselves.
type Describer interface {
	Description() string
}

// Info is a summary of a registered operation for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Func adapts a function to the Operation interface.
type Func struct {
	Key  string
	Desc string
	Fn   func(ctx context.Context, params map[string]any) (any, error)
}

// NewFunc creates a Func operation.
func NewFunc(key, desc string, fn func(ctx context.Context, params map[string]any) (any, error)) *Func {
	return &Func{Key: key, Desc: desc, Fn: fn}
}

func (f *Func) Name() string        { return f.Key }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return f.Fn(ctx, params)
}
