package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/pkg/schema"
)

// purgeSourceID is the source id of the single audit row a purge writes.
const purgeSourceID = "purge"

// PurgeExecutor deletes terminal activity logs, and their audits, older than
// the task's retention.
type PurgeExecutor struct {
	store  store.Store
	logger *slog.Logger
}

// NewPurgeExecutor creates the AUDIT_PURGE executor.
func NewPurgeExecutor(s store.Store, logger *slog.Logger) *PurgeExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurgeExecutor{store: s, logger: logger}
}

func (p *PurgeExecutor) TaskType() string { return TypeAuditPurge }

// Execute purges logs created before the execution time minus the retention.
// The running log itself is never deleted.
func (p *PurgeExecutor) Execute(ctx context.Context, log *store.ActivityLog, spec Spec) (*Report, error) {
	if spec.Retention <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "task %q: retention must be positive", spec.Name)
	}

	cutoff := log.ExecutionTime.Add(-spec.Retention)
	deleted, err := p.store.PurgeActivityLogs(ctx, cutoff, log.ID)

	audit := &store.TaskExecutionAudit{
		TaskID:   log.ID,
		Source:   TypeAuditPurge,
		SourceID: purgeSourceID,
	}
	report := &Report{}
	if err != nil {
		audit.Status = schema.AuditFailed
		audit.StatusMessage = err.Error()
	} else {
		audit.Status = schema.AuditSucceeded
		audit.StatusMessage = fmt.Sprintf("deleted %d activity logs created before %s", deleted, cutoff.UTC().Format("2006-01-02T15:04:05Z"))
		p.logger.InfoContext(ctx, "purged activity logs", slog.Int64("deleted", deleted), slog.Time("before", cutoff))
	}
	report.record(purgeSourceID, audit.Status)

	if auditErr := p.store.CreateAudit(context.WithoutCancel(ctx), audit); auditErr != nil && err == nil {
		err = auditErr
	}
	return report.finish(), err
}

// RetryTask runs the purge again when its audit row is among the ids.
func (p *PurgeExecutor) RetryTask(ctx context.Context, log *store.ActivityLog, failedSourceIDs []string, spec Spec) (*Report, error) {
	for _, id := range failedSourceIDs {
		if id == purgeSourceID {
			return p.Execute(ctx, log, spec)
		}
	}
	return &Report{}, nil
}
