package graph

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rendis/flowcron/internal/store"
)

// WorkflowStore is the subset of store.Store the Loader needs.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*store.WorkflowRecord, error)
	SaveWorkflow(ctx context.Context, wf *store.WorkflowRecord) error
}

// Loader loads workflow documents from the store and caches parsed
// definitions. A cached definition is reused while the stored document's
// UpdatedAt is unchanged.
type Loader struct {
	store  WorkflowStore
	parser *Parser

	mu    sync.RWMutex
	cache map[string]cachedDefinition
}

type cachedDefinition struct {
	def       *Definition
	updatedAt time.Time
}

// NewLoader creates a Loader.
func NewLoader(s WorkflowStore, parser *Parser) *Loader {
	return &Loader{
		store:  s,
		parser: parser,
		cache:  make(map[string]cachedDefinition),
	}
}

// Load returns the parsed definition of workflow id.
func (l *Loader) Load(ctx context.Context, id string) (*Definition, error) {
	rec, err := l.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	cached, ok := l.cache[id]
	l.mu.RUnlock()
	if ok && cached.updatedAt.Equal(rec.UpdatedAt) {
		return cached.def, nil
	}

	def, err := l.parser.Parse(rec.ID, rec.Name, rec.Nodes, rec.StartNode)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[id] = cachedDefinition{def: def, updatedAt: rec.UpdatedAt}
	l.mu.Unlock()
	return def, nil
}

// Save parses the document first and only persists it when it is valid.
func (l *Loader) Save(ctx context.Context, id, name, start string, nodes map[string]json.RawMessage) (*Definition, error) {
	def, err := l.parser.Parse(id, name, nodes, start)
	if err != nil {
		return nil, err
	}

	rec := &store.WorkflowRecord{ID: id, Name: name, StartNode: def.Start, Nodes: nodes}
	if err := l.store.SaveWorkflow(ctx, rec); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[id] = cachedDefinition{def: def, updatedAt: rec.UpdatedAt}
	l.mu.Unlock()
	return def, nil
}

// Invalidate drops the cached definition of id.
func (l *Loader) Invalidate(id string) {
	l.mu.Lock()
	delete(l.cache, id)
	l.mu.Unlock()
}
