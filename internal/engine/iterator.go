package engine

import (
	"context"
	"log/slog"
	"maps"
	"reflect"
	"sort"
	"strconv"

	"github.com/rendis/flowcron/internal/expressions"
	"github.com/rendis/flowcron/internal/graph"
	"github.com/rendis/flowcron/pkg/schema"
)

// iterationKeySuffix names the summary key of an ITERATOR on a node that also
// runs an operation, so the operation's output is not overwritten.
const iterationKeySuffix = "_iteration"

// iterate runs the node's forEach action once per element of the `on`
// sequence. Each item gets its own child scope; item failures are recorded and
// never abort the node.
func (in *Interpreter) iterate(ctx context.Context, r *run, n *graph.Node) error {
	it := n.Iterator

	var items []any
	raw, ok := in.eval.Eval(it.On, r.vars)
	if ok {
		seq, isSeq := Sequence(raw)
		if !isSeq {
			return schema.NewErrorf(schema.ErrCodeNodeFailed,
				"iterator source %q produced %T, want a list or map", it.On, raw).WithNode(n.ID)
		}
		items = seq
	} else {
		in.logger.DebugContext(ctx, "iterator source did not resolve", slog.String("on", it.On))
	}

	itemKey := it.ItemKey
	if itemKey == "" {
		itemKey = expressions.DefaultItemKey
	}

	type pending struct {
		index    int
		sourceID string
	}
	// Source ids are read from one shared lookup scope; item scopes are only
	// built once an item is dispatched.
	lookup := maps.Clone(r.vars)
	if lookup == nil {
		lookup = make(map[string]any, 1)
	}
	work := make([]pending, 0, len(items))
	for i, item := range items {
		lookup[itemKey] = item
		sourceID := in.sourceID(it, lookup, i)
		if r.opts.only != nil {
			if _, keep := r.opts.only[sourceID]; !keep {
				continue
			}
		}
		if _, done := r.opts.skip[sourceID]; done {
			continue
		}
		work = append(work, pending{index: i, sourceID: sourceID})
	}

	concurrency := it.Concurrency
	if concurrency <= 0 {
		concurrency = in.cfg.ItemConcurrency
	}

	outcomes := make([]ItemOutcome, len(work))
	errs := Each(ctx, concurrency, len(work), func(ctx context.Context, i int) error {
		w := work[i]
		scope := expressions.ChildScope(r.vars, itemKey, items[w.index])
		emitted := make(map[string]any)
		_, err := in.perform(ctx, scope, []graph.Action{it.ForEach}, false, emitted)
		outcomes[i] = ItemOutcome{
			NodeID:     n.ID,
			Index:      w.index,
			SourceID:   w.sourceID,
			SourceType: it.SourceType,
			Status:     schema.AuditSucceeded,
		}
		if len(emitted) > 0 {
			outcomes[i].Emitted = emitted
		}
		return err
	})

	succeeded, failed := 0, 0
	for i := range outcomes {
		if errs[i] != nil {
			// Items that never started or panicked have no outcome yet.
			outcomes[i].NodeID = n.ID
			outcomes[i].Index = work[i].index
			outcomes[i].SourceID = work[i].sourceID
			outcomes[i].SourceType = it.SourceType
			outcomes[i].Status = schema.AuditFailed
			outcomes[i].Error = errs[i].Error()
			failed++
		} else {
			succeeded++
		}
		if r.opts.observer != nil {
			r.opts.observer(ctx, outcomes[i])
		}
	}
	r.result.Items = append(r.result.Items, outcomes...)

	key := n.OutputKey
	if n.Operation != "" {
		key += iterationKeySuffix
	}
	r.vars[key] = map[string]any{"total": len(work), "succeeded": succeeded, "failed": failed}

	if failed > 0 {
		in.logger.InfoContext(ctx, "iterator finished with item failures",
			slog.Int("total", len(work)),
			slog.Int("failed", failed))
	}
	return nil
}

// sourceID evaluates the iterator's sourceId expression in the item scope,
// falling back to the item's position.
func (in *Interpreter) sourceID(it *graph.Iterator, scope map[string]any, index int) string {
	if it.SourceID != "" {
		if v, ok := in.eval.Eval(it.SourceID, scope); ok {
			if key := expressions.ToKey(v); key != "" {
				return key
			}
		}
	}
	return strconv.Itoa(index)
}

// Sequence converts an iterator source into an ordered slice. Maps yield
// their values in key order.
func Sequence(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = val[k]
		}
		return out, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}
