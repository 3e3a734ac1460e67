// Package tasks holds the executors that perform the side-effecting work of a
// scheduled task and record one audit row per unit of work.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/pkg/schema"
)

// Task types with a built-in executor.
const (
	TypeWorkflow   = "WORKFLOW"
	TypeAuditPurge = "AUDIT_PURGE"
)

// Workflow executor modes.
const (
	ModeItems     = "items"      // one run, one audit row per ITERATOR item
	ModePerSource = "per_source" // one run and one audit row per listed source
)

// Spec is the configuration of one scheduled task.
type Spec struct {
	Name        string             `mapstructure:"name" json:"name" validate:"required"`
	Type        string             `mapstructure:"type" json:"type" validate:"required"`
	Granularity schema.Granularity `mapstructure:"granularity" json:"granularity" validate:"required,oneof=HOURLY DAILY WEEKLY MONTHLY"`
	Cadences    []string           `mapstructure:"cadences" json:"cadences" validate:"required,min=1,dive,required,cron"`
	WorkflowID  string             `mapstructure:"workflow_id" json:"workflow_id,omitempty" validate:"required_if=Type WORKFLOW"`
	StartNode   string             `mapstructure:"start_node" json:"start_node,omitempty"`
	Inputs      map[string]any     `mapstructure:"inputs" json:"inputs,omitempty"`
	Mode        string             `mapstructure:"mode" json:"mode,omitempty" validate:"omitempty,oneof=items per_source"`
	SourcesKey  string             `mapstructure:"sources_key" json:"sources_key,omitempty" validate:"required_if=Mode per_source"`
	SourceType  string             `mapstructure:"source_type" json:"source_type,omitempty"`
	Retention   time.Duration      `mapstructure:"retention" json:"retention,omitempty" validate:"required_if=Type AUDIT_PURGE"`
}

// Report summarizes the units of work an execution or retry processed.
type Report struct {
	Processed       int      `json:"processed"`
	Succeeded       int      `json:"succeeded"`
	Failed          int      `json:"failed"`
	FailedSourceIDs []string `json:"failed_source_ids,omitempty"`
}

// Summary is the activity log status message for the report.
func (r *Report) Summary() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("processed %d, succeeded %d, failed %d", r.Processed, r.Succeeded, r.Failed)
}

func (r *Report) record(sourceID string, status schema.AuditStatus) {
	r.Processed++
	if status == schema.AuditSucceeded {
		r.Succeeded++
		return
	}
	r.Failed++
	r.FailedSourceIDs = append(r.FailedSourceIDs, sourceID)
}

func (r *Report) finish() *Report {
	sort.Strings(r.FailedSourceIDs)
	return r
}

// TaskExecutor performs the work of one task type.
type TaskExecutor interface {
	TaskType() string
	// Execute runs the task for an activity log that has just moved to RUNNING.
	Execute(ctx context.Context, log *store.ActivityLog, spec Spec) (*Report, error)
	// RetryTask re-processes only the given source ids of a finished log and
	// appends new audit rows for them.
	RetryTask(ctx context.Context, log *store.ActivityLog, failedSourceIDs []string, spec Spec) (*Report, error)
}

// Registry maps task types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]TaskExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]TaskExecutor)}
}

// Register adds an executor. A second executor for the same type is a CONFLICT.
func (r *Registry) Register(exec TaskExecutor) error {
	if exec == nil || exec.TaskType() == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor must declare a task type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[exec.TaskType()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for task type %q already registered", exec.TaskType())
	}
	r.executors[exec.TaskType()] = exec
	return nil
}

// Get returns the executor for taskType.
func (r *Registry) Get(taskType string) (TaskExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[taskType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecutorUnavailable, "no executor for task type %q", taskType)
	}
	return exec, nil
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
