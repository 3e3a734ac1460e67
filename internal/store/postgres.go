package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/flowcron/pkg/schema"
)

// PostgresStore implements the Store interface on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and returns a Store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool. Close closes the pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate runs all pending database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return runPostgresMigrations(ctx, s.pool)
}

// --- Activity logs ---

func (s *PostgresStore) ClaimActivityLog(ctx context.Context, log *ActivityLog) (*ActivityLog, bool, error) {
	prepareActivityLog(log)
	stored, err := scanActivityLog(s.pool.QueryRow(ctx,
		`INSERT INTO scheduler_activity_logs (`+activityLogColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (task_name, cron_profile_id, cron_profile_type) DO NOTHING
		 RETURNING `+activityLogColumns,
		log.ID, log.TaskName, string(log.Status), nullStr(log.StatusMessage), log.ExecutionTime,
		log.CronProfileID, string(log.CronProfileType), log.CreatedAt, log.UpdatedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, storeError("claim activity log", err)
	}

	existing, err := s.FindActivityLog(ctx, log.TaskName, log.CronProfileID, log.CronProfileType)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetActivityLog(ctx context.Context, id string) (*ActivityLog, error) {
	log, err := scanActivityLog(s.pool.QueryRow(ctx,
		`SELECT `+activityLogColumns+` FROM scheduler_activity_logs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("activity log", id)
	}
	if err != nil {
		return nil, storeError("get activity log", err)
	}
	return log, nil
}

func (s *PostgresStore) FindActivityLog(ctx context.Context, taskName, cronProfileID string, cronProfileType schema.Granularity) (*ActivityLog, error) {
	log, err := scanActivityLog(s.pool.QueryRow(ctx,
		`SELECT `+activityLogColumns+` FROM scheduler_activity_logs
		 WHERE task_name = $1 AND cron_profile_id = $2 AND cron_profile_type = $3`,
		taskName, cronProfileID, string(cronProfileType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("activity log", taskName+"@"+cronProfileID)
	}
	if err != nil {
		return nil, storeError("find activity log", err)
	}
	return log, nil
}

func (s *PostgresStore) UpdateActivityLog(ctx context.Context, id string, update ActivityLogUpdate) error {
	var q pgQuery

	var sets []string
	if update.Status != nil {
		sets = append(sets, "status = "+q.arg(string(*update.Status)))
	}
	if update.StatusMessage != nil {
		sets = append(sets, "status_message = "+q.arg(nullStr(*update.StatusMessage)))
	}
	if update.ExecutionTime != nil {
		sets = append(sets, "execution_time = "+q.arg(update.ExecutionTime.UTC()))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = "+q.arg(time.Now().UTC()))

	query := "UPDATE scheduler_activity_logs SET " + strings.Join(sets, ", ") + " WHERE id = " + q.arg(id)
	if update.From != nil {
		query += " AND status = " + q.arg(string(*update.From))
	}

	tag, err := s.pool.Exec(ctx, query, q.args...)
	if err != nil {
		return storeError("update activity log", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := s.GetActivityLog(ctx, id)
	if err != nil {
		return err
	}
	return statusConflict(current, update.From)
}

func (s *PostgresStore) ListActivityLogs(ctx context.Context, filter ActivityLogFilter) ([]*ActivityLog, error) {
	var q pgQuery
	var where []string

	if filter.TaskName != "" {
		where = append(where, "task_name = "+q.arg(filter.TaskName))
	}
	if filter.Status != "" {
		where = append(where, "status = "+q.arg(string(filter.Status)))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= "+q.arg(filter.Since.UTC()))
	}

	query := `SELECT ` + activityLogColumns + ` FROM scheduler_activity_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, q.args...)
	if err != nil {
		return nil, storeError("list activity logs", err)
	}
	defer rows.Close()

	var out []*ActivityLog
	for rows.Next() {
		log, err := scanActivityLog(rows)
		if err != nil {
			return nil, storeError("scan activity log", err)
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PurgeActivityLogs(ctx context.Context, before time.Time, keepID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM scheduler_activity_logs
		 WHERE created_at < $1 AND id <> $2 AND status IN ($3, $4)`,
		before.UTC(), keepID, string(schema.ActivitySucceeded), string(schema.ActivityFailed))
	if err != nil {
		return 0, storeError("purge activity logs", err)
	}
	return tag.RowsAffected(), nil
}

// --- Execution audit ---

func (s *PostgresStore) CreateAudit(ctx context.Context, audit *TaskExecutionAudit) error {
	prepareAudit(audit)

	var err error
	if audit.Attempt == 0 {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO task_execution_audits (`+auditColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6,
			   (SELECT COALESCE(MAX(attempt), 0) + 1 FROM task_execution_audits WHERE task_id = $2 AND source_id = $6),
			   $7, $8)
			 RETURNING attempt`,
			audit.ID, audit.TaskID, string(audit.Status), nullStr(audit.StatusMessage),
			audit.Source, audit.SourceID, audit.CreatedAt, audit.UpdatedAt,
		).Scan(&audit.Attempt)
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO task_execution_audits (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			audit.ID, audit.TaskID, string(audit.Status), nullStr(audit.StatusMessage),
			audit.Source, audit.SourceID, audit.Attempt, audit.CreatedAt, audit.UpdatedAt,
		)
	}
	if err != nil {
		return storeError("create audit", err)
	}
	return nil
}

func (s *PostgresStore) ListAudits(ctx context.Context, filter AuditFilter) ([]*TaskExecutionAudit, error) {
	var q pgQuery
	var where []string

	if filter.TaskID != "" {
		where = append(where, "task_id = "+q.arg(filter.TaskID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+q.arg(string(filter.Status)))
	}
	if filter.SourceID != "" {
		where = append(where, "source_id = "+q.arg(filter.SourceID))
	}

	query := `SELECT ` + auditColumns + ` FROM task_execution_audits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY attempt, source_id, created_at"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.pool.Query(ctx, query, q.args...)
	if err != nil {
		return nil, storeError("list audits", err)
	}
	defer rows.Close()

	var out []*TaskExecutionAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, storeError("scan audit", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Workflows ---

func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	nodes, err := prepareWorkflow(wf)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflows (id, name, start_node, nodes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, start_node = EXCLUDED.start_node,
		   nodes = EXCLUDED.nodes, updated_at = EXCLUDED.updated_at`,
		wf.ID, nullStr(wf.Name), wf.StartNode, string(nodes), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return storeError("save workflow", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	wf, err := scanWorkflow(s.pool.QueryRow(ctx,
		`SELECT id, name, start_node, nodes, created_at, updated_at FROM workflows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeError("get workflow", err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, start_node, nodes, created_at, updated_at FROM workflows ORDER BY id`+
			limitOffset(filter.Limit, filter.Offset))
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	defer rows.Close()

	var out []*WorkflowRecord
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, storeError("scan workflow", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// pgQuery accumulates positional arguments for dynamically built statements.
type pgQuery struct {
	args []any
}

func (q *pgQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
