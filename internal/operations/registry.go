package operations

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/flowcron/pkg/schema"
)

// Registry is a thread-safe map from prebuiltKey to Operation. It is
// populated at startup and read by the interpreter.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		ops: make(map[string]Operation),
	}
}

// Register adds an operation. Returns a CONFLICT error on duplicate name.
func (r *Registry) Register(op Operation) error {
	if op == nil {
		return schema.NewError(schema.ErrCodeValidation, "operation is nil")
	}
	name := op.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "operation name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "operation %q already registered", name)
	}

	r.ops[name] = op
	return nil
}

// RegisterFunc is shorthand for Register(NewFunc(...)).
func (r *Registry) RegisterFunc(key, desc string, fn func(ctx context.Context, params map[string]any) (any, error)) error {
	return r.Register(NewFunc(key, desc, fn))
}

// Get retrieves an operation by key.
func (r *Registry) Get(key string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeOperationUnavailable, "operation %q not registered", key)
	}
	return op, nil
}

// Has checks if an operation is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ops[key]
	return ok
}

// Invoke looks up key and calls the operation with params.
func (r *Registry) Invoke(ctx context.Context, key string, params map[string]any) (any, error) {
	op, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return op.Invoke(ctx, params)
}

// List returns info for all registered operations, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.ops))
	for name, op := range r.ops {
		info := Info{Name: name}
		if d, ok := op.(Describer); ok {
			info.Description = d.Description()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered operations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}
