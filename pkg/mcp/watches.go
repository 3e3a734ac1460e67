package mcp

import "sync"

// WatchAll subscribes a session to every task.
const WatchAll = "*"

// WatchRegistry maps task names to the MCP sessions watching them.
type WatchRegistry struct {
	mu     sync.RWMutex
	byTask map[string]map[string]struct{} // task -> session ids
}

// NewWatchRegistry creates an empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{byTask: make(map[string]map[string]struct{})}
}

// Watch subscribes sessionID to task. Watching twice is a no-op.
func (r *WatchRegistry) Watch(task, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byTask[task]
	if !ok {
		set = make(map[string]struct{})
		r.byTask[task] = set
	}
	set[sessionID] = struct{}{}
}

// Unwatch removes one subscription.
func (r *WatchRegistry) Unwatch(task, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.byTask[task]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byTask, task)
		}
	}
}

// SessionsFor returns the sessions watching task, including wildcard
// watchers, each once.
func (r *WatchRegistry) SessionsFor(task string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, key := range []string{task, WatchAll} {
		for sid := range r.byTask[key] {
			if _, dup := seen[sid]; !dup {
				seen[sid] = struct{}{}
				out = append(out, sid)
			}
		}
	}
	return out
}

// Remove drops every subscription of a session. Called when it disconnects.
func (r *WatchRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for task, set := range r.byTask {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byTask, task)
		}
	}
}
