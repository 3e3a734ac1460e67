package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rendis/flowcron/pkg/schema"
)

// ActivityLog records one accepted (task, cron bucket) pair. The unique
// (task_name, cron_profile_id, cron_profile_type) constraint is the
// idempotency guard of the scheduler.
type ActivityLog struct {
	ID              string                `json:"id"`
	TaskName        string                `json:"task_name"`
	Status          schema.ActivityStatus `json:"status"`
	StatusMessage   string                `json:"status_message,omitempty"`
	ExecutionTime   time.Time             `json:"execution_time"`
	CronProfileID   string                `json:"cron_profile_id"`   // bucket id: epoch seconds of the truncated instant
	CronProfileType schema.Granularity    `json:"cron_profile_type"` // bucket granularity
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// ActivityLogUpdate holds optional fields for updating an activity log.
// When From is set the update only applies if the stored status equals *From.
type ActivityLogUpdate struct {
	From          *schema.ActivityStatus
	Status        *schema.ActivityStatus
	StatusMessage *string
	ExecutionTime *time.Time
}

// ActivityLogFilter controls listing of activity logs.
type ActivityLogFilter struct {
	TaskName string
	Status   schema.ActivityStatus
	Since    *time.Time
	Limit    int
	Offset   int
}

// TaskExecutionAudit records the outcome of one unit of work under an
// activity log. Rows are never updated; a retry appends a new row with the
// next Attempt for the same source.
type TaskExecutionAudit struct {
	ID            string             `json:"id"`
	TaskID        string             `json:"task_id"` // activity log id
	Status        schema.AuditStatus `json:"status"`
	StatusMessage string             `json:"status_message,omitempty"`
	Source        string             `json:"source"`
	SourceID      string             `json:"source_id"`
	Attempt       int                `json:"attempt"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// AuditFilter controls listing of audit rows.
type AuditFilter struct {
	TaskID   string
	Status   schema.AuditStatus
	SourceID string
	Limit    int
}

// WorkflowRecord is a persisted workflow document: node id to JSON body.
type WorkflowRecord struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name,omitempty"`
	StartNode string                     `json:"start_node"`
	Nodes     map[string]json.RawMessage `json:"nodes"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// WorkflowFilter controls listing of workflows.
type WorkflowFilter struct {
	Limit  int
	Offset int
}

// LatestBySource returns the most recent audit row per source id
// (highest attempt, then latest creation time).
func LatestBySource(audits []*TaskExecutionAudit) map[string]*TaskExecutionAudit {
	latest := make(map[string]*TaskExecutionAudit, len(audits))
	for _, a := range audits {
		cur, ok := latest[a.SourceID]
		if !ok || a.Attempt > cur.Attempt ||
			(a.Attempt == cur.Attempt && a.CreatedAt.After(cur.CreatedAt)) {
			latest[a.SourceID] = a
		}
	}
	return latest
}

// FailedSourceIDs returns, sorted, the source ids whose latest attempt failed.
// This is the retryable set of an activity log.
func FailedSourceIDs(audits []*TaskExecutionAudit) []string {
	var ids []string
	for id, a := range LatestBySource(audits) {
		if a.Status == schema.AuditFailed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
