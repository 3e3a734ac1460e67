package scheduler

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/pkg/schema"
)

// Transitions maps a status to the statuses it may move to.
type Transitions map[schema.ActivityStatus][]schema.ActivityStatus

// SchedulerTransitions is the path of a freshly accepted bucket.
var SchedulerTransitions = Transitions{
	schema.ActivityPending: {schema.ActivityRunning, schema.ActivityFailed},
	schema.ActivityRunning: {schema.ActivitySucceeded, schema.ActivityFailed},
}

// RetryTransitions re-opens a finished log for an explicit retry. The retry
// then finishes through SchedulerTransitions.
var RetryTransitions = Transitions{
	schema.ActivitySucceeded: {schema.ActivityRunning},
	schema.ActivityFailed:    {schema.ActivityRunning},
}

// AbandonTransitions fails a log whose execution will never finish, such as
// one left RUNNING by a crashed instance, so it becomes retryable.
var AbandonTransitions = Transitions{
	schema.ActivityPending: {schema.ActivityFailed},
	schema.ActivityRunning: {schema.ActivityFailed},
}

func (t Transitions) allows(from, to schema.ActivityStatus) bool {
	return slices.Contains(t[from], to)
}

// ActivityUpdater is the subset of store.Store the FSM writes through.
type ActivityUpdater interface {
	UpdateActivityLog(ctx context.Context, id string, update store.ActivityLogUpdate) error
}

// TransitionHook is called after a transition has been persisted.
type TransitionHook func(ctx context.Context, log *store.ActivityLog, from schema.ActivityStatus)

// ActivityFSM validates and persists activity log transitions. Each write is
// conditional on the stored status still being the one the caller saw, so two
// instances racing on the same log cannot both move it.
type ActivityFSM struct {
	mu      sync.RWMutex
	updater ActivityUpdater
	after   []TransitionHook
}

// NewActivityFSM creates an FSM that persists through u.
func NewActivityFSM(u ActivityUpdater) *ActivityFSM {
	return &ActivityFSM{updater: u}
}

// OnAfter registers a hook called after every persisted transition.
func (f *ActivityFSM) OnAfter(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Transition moves log to status `to` under table, storing msg as the status
// message. On success log is updated in place.
func (f *ActivityFSM) Transition(ctx context.Context, table Transitions, log *store.ActivityLog, to schema.ActivityStatus, msg string) error {
	from := log.Status
	if !table.allows(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid activity transition: %s -> %s", from, to).
			WithDetails(map[string]any{"activity_log_id": log.ID, "from": string(from), "to": string(to)})
	}

	if err := f.updater.UpdateActivityLog(ctx, log.ID, store.ActivityLogUpdate{
		From:          &from,
		Status:        &to,
		StatusMessage: &msg,
	}); err != nil {
		return err
	}
	log.Status = to
	log.StatusMessage = msg

	f.mu.RLock()
	hooks := f.after
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, log, from)
	}
	return nil
}
