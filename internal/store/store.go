package store

import (
	"context"
	"time"

	"github.com/rendis/flowcron/pkg/schema"
)

// Store defines the persistence layer contract for the execution audit and
// workflow documents. All implementations must be safe for concurrent use.
type Store interface {
	// Activity logs

	// ClaimActivityLog atomically creates log unless a row already exists for
	// its (TaskName, CronProfileID, CronProfileType). It returns the stored row
	// and whether this call created it.
	ClaimActivityLog(ctx context.Context, log *ActivityLog) (*ActivityLog, bool, error)
	GetActivityLog(ctx context.Context, id string) (*ActivityLog, error)
	FindActivityLog(ctx context.Context, taskName, cronProfileID string, cronProfileType schema.Granularity) (*ActivityLog, error)
	UpdateActivityLog(ctx context.Context, id string, update ActivityLogUpdate) error
	ListActivityLogs(ctx context.Context, filter ActivityLogFilter) ([]*ActivityLog, error)
	// PurgeActivityLogs deletes terminal logs created before the cutoff, with
	// their audit rows, except keepID. It returns the number of logs deleted.
	PurgeActivityLogs(ctx context.Context, before time.Time, keepID string) (int64, error)

	// Execution audit (append-only)
	CreateAudit(ctx context.Context, audit *TaskExecutionAudit) error
	ListAudits(ctx context.Context, filter AuditFilter) ([]*TaskExecutionAudit, error)

	// Workflows
	SaveWorkflow(ctx context.Context, wf *WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
