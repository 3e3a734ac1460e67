package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowcron/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Activity logs ---

const activityLogColumns = `id, task_name, status, status_message, execution_time, cron_profile_id, cron_profile_type, created_at, updated_at`

func (s *LibSQLStore) ClaimActivityLog(ctx context.Context, log *ActivityLog) (*ActivityLog, bool, error) {
	prepareActivityLog(log)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduler_activity_logs (`+activityLogColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_name, cron_profile_id, cron_profile_type) DO NOTHING`,
		log.ID, log.TaskName, string(log.Status), nullStr(log.StatusMessage), log.ExecutionTime,
		log.CronProfileID, string(log.CronProfileType), log.CreatedAt, log.UpdatedAt,
	)
	if err != nil {
		return nil, false, storeError("claim activity log", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, storeError("claim activity log", err)
	}

	stored, err := s.FindActivityLog(ctx, log.TaskName, log.CronProfileID, log.CronProfileType)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (s *LibSQLStore) GetActivityLog(ctx context.Context, id string) (*ActivityLog, error) {
	log, err := scanActivityLog(s.db.QueryRowContext(ctx,
		`SELECT `+activityLogColumns+` FROM scheduler_activity_logs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("activity log", id)
	}
	return log, err
}

func (s *LibSQLStore) FindActivityLog(ctx context.Context, taskName, cronProfileID string, cronProfileType schema.Granularity) (*ActivityLog, error) {
	log, err := scanActivityLog(s.db.QueryRowContext(ctx,
		`SELECT `+activityLogColumns+` FROM scheduler_activity_logs
		 WHERE task_name = ? AND cron_profile_id = ? AND cron_profile_type = ?`,
		taskName, cronProfileID, string(cronProfileType)))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("activity log", taskName+"@"+cronProfileID)
	}
	return log, err
}

func (s *LibSQLStore) UpdateActivityLog(ctx context.Context, id string, update ActivityLogUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.StatusMessage != nil {
		sets = append(sets, "status_message = ?")
		args = append(args, nullStr(*update.StatusMessage))
	}
	if update.ExecutionTime != nil {
		sets = append(sets, "execution_time = ?")
		args = append(args, update.ExecutionTime.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	query := "UPDATE scheduler_activity_logs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if update.From != nil {
		query += " AND status = ?"
		args = append(args, string(*update.From))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeError("update activity log", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("update activity log", err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetActivityLog(ctx, id)
	if err != nil {
		return err
	}
	return statusConflict(current, update.From)
}

func (s *LibSQLStore) ListActivityLogs(ctx context.Context, filter ActivityLogFilter) ([]*ActivityLog, error) {
	var where []string
	var args []any

	if filter.TaskName != "" {
		where = append(where, "task_name = ?")
		args = append(args, filter.TaskName)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + activityLogColumns + ` FROM scheduler_activity_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list activity logs", err)
	}
	defer rows.Close()

	var out []*ActivityLog
	for rows.Next() {
		log, err := scanActivityLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) PurgeActivityLogs(ctx context.Context, before time.Time, keepID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("purge activity logs", err)
	}
	defer tx.Rollback()

	match := `created_at < ? AND id <> ? AND status IN (?, ?)`
	args := []any{before.UTC(), keepID, string(schema.ActivitySucceeded), string(schema.ActivityFailed)}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_execution_audits WHERE task_id IN (SELECT id FROM scheduler_activity_logs WHERE `+match+`)`,
		args...); err != nil {
		return 0, storeError("purge audits", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduler_activity_logs WHERE `+match, args...)
	if err != nil {
		return 0, storeError("purge activity logs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("purge activity logs", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("purge activity logs", err)
	}
	return n, nil
}

// --- Execution audit ---

const auditColumns = `id, task_id, status, status_message, source, source_id, attempt, created_at, updated_at`

// CreateAudit appends an audit row. When Attempt is zero the next attempt
// number for (TaskID, SourceID) is assigned inside the same transaction.
func (s *LibSQLStore) CreateAudit(ctx context.Context, audit *TaskExecutionAudit) error {
	prepareAudit(audit)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("create audit", err)
	}
	defer tx.Rollback()

	if audit.Attempt == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(attempt), 0) + 1 FROM task_execution_audits WHERE task_id = ? AND source_id = ?`,
			audit.TaskID, audit.SourceID,
		).Scan(&audit.Attempt); err != nil {
			return storeError("next audit attempt", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_execution_audits (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		audit.ID, audit.TaskID, string(audit.Status), nullStr(audit.StatusMessage),
		audit.Source, audit.SourceID, audit.Attempt, audit.CreatedAt, audit.UpdatedAt,
	); err != nil {
		return storeError("create audit", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("create audit", err)
	}
	return nil
}

func (s *LibSQLStore) ListAudits(ctx context.Context, filter AuditFilter) ([]*TaskExecutionAudit, error) {
	var where []string
	var args []any

	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, filter.SourceID)
	}

	query := `SELECT ` + auditColumns + ` FROM task_execution_audits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY attempt, source_id, created_at"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list audits", err)
	}
	defer rows.Close()

	var out []*TaskExecutionAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	nodes, err := prepareWorkflow(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, start_node, nodes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, start_node=excluded.start_node,
		   nodes=excluded.nodes, updated_at=excluded.updated_at`,
		wf.ID, nullStr(wf.Name), wf.StartNode, string(nodes), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return storeError("save workflow", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT id, name, start_node, nodes, created_at, updated_at FROM workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
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
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// --- Shared helpers (used by the Postgres store too) ---

// scanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanActivityLog(row scanner) (*ActivityLog, error) {
	log := &ActivityLog{}
	var status, granularity string
	var msg sql.NullString
	err := row.Scan(&log.ID, &log.TaskName, &status, &msg, &log.ExecutionTime,
		&log.CronProfileID, &granularity, &log.CreatedAt, &log.UpdatedAt)
	if err != nil {
		return nil, err
	}
	log.Status = schema.ActivityStatus(status)
	log.CronProfileType = schema.Granularity(granularity)
	log.StatusMessage = msg.String
	return log, nil
}

func scanAudit(row scanner) (*TaskExecutionAudit, error) {
	a := &TaskExecutionAudit{}
	var status string
	var msg sql.NullString
	err := row.Scan(&a.ID, &a.TaskID, &status, &msg, &a.Source, &a.SourceID,
		&a.Attempt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = schema.AuditStatus(status)
	a.StatusMessage = msg.String
	return a, nil
}

func scanWorkflow(row scanner) (*WorkflowRecord, error) {
	wf := &WorkflowRecord{}
	var name sql.NullString
	var nodes []byte
	if err := row.Scan(&wf.ID, &name, &wf.StartNode, &nodes, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Name = name.String
	if err := json.Unmarshal(nodes, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %q nodes: %w", wf.ID, err)
	}
	return wf, nil
}

func prepareActivityLog(log *ActivityLog) {
	now := time.Now().UTC()
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Status == "" {
		log.Status = schema.ActivityPending
	}
	log.ExecutionTime = timeOrNow(log.ExecutionTime).UTC()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = now
	}
	if log.UpdatedAt.IsZero() {
		log.UpdatedAt = now
	}
}

func prepareAudit(a *TaskExecutionAudit) {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
}

func prepareWorkflow(wf *WorkflowRecord) ([]byte, error) {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.StartNode == "" {
		wf.StartNode = schema.DefaultStartNode
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow nodes: %w", err)
	}
	return nodes, nil
}

func statusConflict(current *ActivityLog, from *schema.ActivityStatus) error {
	if from == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"activity log %q is %s, expected %s", current.ID, current.Status, *from).
		WithDetails(map[string]any{"status": string(current.Status)})
}

func limitOffset(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
		if offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", offset)
		}
	}
	return b.String()
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
