package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcron/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func TestLibSQL_MigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestLibSQL(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return newTestStore(t) })
}

// runStoreSuite exercises the Store contract; both backends run it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("claim is idempotent per bucket", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, created, err := s.ClaimActivityLog(ctx, &ActivityLog{
			TaskName: "reminders", CronProfileID: "1710460800", CronProfileType: schema.Daily,
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, schema.ActivityPending, first.Status)

		second, created, err := s.ClaimActivityLog(ctx, &ActivityLog{
			TaskName: "reminders", CronProfileID: "1710460800", CronProfileType: schema.Daily,
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)

		// different granularity or bucket is a different key
		_, created, err = s.ClaimActivityLog(ctx, &ActivityLog{
			TaskName: "reminders", CronProfileID: "1710460800", CronProfileType: schema.Hourly,
		})
		require.NoError(t, err)
		assert.True(t, created)

		logs, err := s.ListActivityLogs(ctx, ActivityLogFilter{TaskName: "reminders"})
		require.NoError(t, err)
		assert.Len(t, logs, 2)
	})

	t.Run("concurrent claims create one row", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		createdCount := 0
		ids := map[string]bool{}
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				log, created, err := s.ClaimActivityLog(ctx, &ActivityLog{
					TaskName: "digest", CronProfileID: "1709251200", CronProfileType: schema.Monthly,
				})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				ids[log.ID] = true
				if created {
					createdCount++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, createdCount)
		assert.Len(t, ids, 1)
	})

	t.Run("update with expected status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		log, _, err := s.ClaimActivityLog(ctx, &ActivityLog{
			TaskName: "t", CronProfileID: "1", CronProfileType: schema.Hourly,
		})
		require.NoError(t, err)

		pending, running := schema.ActivityPending, schema.ActivityRunning
		require.NoError(t, s.UpdateActivityLog(ctx, log.ID, ActivityLogUpdate{From: &pending, Status: &running}))

		err = s.UpdateActivityLog(ctx, log.ID, ActivityLogUpdate{From: &pending, Status: &running})
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

		msg := "2 of 5 sources failed"
		failed := schema.ActivityFailed
		require.NoError(t, s.UpdateActivityLog(ctx, log.ID, ActivityLogUpdate{Status: &failed, StatusMessage: &msg}))

		got, err := s.GetActivityLog(ctx, log.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.ActivityFailed, got.Status)
		assert.Equal(t, msg, got.StatusMessage)

		err = s.UpdateActivityLog(ctx, "missing", ActivityLogUpdate{Status: &failed})
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

		assert.NoError(t, s.UpdateActivityLog(ctx, log.ID, ActivityLogUpdate{}))
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetActivityLog(ctx, "nope")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		_, err = s.FindActivityLog(ctx, "t", "1", schema.Daily)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		_, err = s.GetWorkflow(ctx, "nope")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})

	t.Run("audits append attempts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		log, _, err := s.ClaimActivityLog(ctx, &ActivityLog{
			TaskName: "t", CronProfileID: "1", CronProfileType: schema.Daily,
		})
		require.NoError(t, err)

		for _, a := range []*TaskExecutionAudit{
			{TaskID: log.ID, Status: schema.AuditSucceeded, Source: "session", SourceID: "A"},
			{TaskID: log.ID, Status: schema.AuditFailed, StatusMessage: "smtp down", Source: "session", SourceID: "B"},
			{TaskID: log.ID, Status: schema.AuditFailed, StatusMessage: "smtp down", Source: "session", SourceID: "C"},
		} {
			require.NoError(t, s.CreateAudit(ctx, a))
			assert.Equal(t, 1, a.Attempt)
		}

		retry := &TaskExecutionAudit{TaskID: log.ID, Status: schema.AuditSucceeded, Source: "session", SourceID: "B"}
		require.NoError(t, s.CreateAudit(ctx, retry))
		assert.Equal(t, 2, retry.Attempt)

		all, err := s.ListAudits(ctx, AuditFilter{TaskID: log.ID})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, []string{"C"}, FailedSourceIDs(all))

		failed, err := s.ListAudits(ctx, AuditFilter{TaskID: log.ID, Status: schema.AuditFailed})
		require.NoError(t, err)
		assert.Len(t, failed, 2)
		assert.Equal(t, "smtp down", failed[0].StatusMessage)

		bOnly, err := s.ListAudits(ctx, AuditFilter{TaskID: log.ID, SourceID: "B"})
		require.NoError(t, err)
		require.Len(t, bOnly, 2)
		assert.Equal(t, schema.AuditFailed, bOnly[0].Status, "first attempt row is untouched")
	})

	t.Run("purge removes old terminal logs and their audits", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old := time.Now().UTC().Add(-72 * time.Hour)

		mk := func(bucket string, status schema.ActivityStatus, created time.Time) *ActivityLog {
			log, _, err := s.ClaimActivityLog(ctx, &ActivityLog{
				TaskName: "t", CronProfileID: bucket, CronProfileType: schema.Daily,
				Status: status, CreatedAt: created,
			})
			require.NoError(t, err)
			require.NoError(t, s.CreateAudit(ctx, &TaskExecutionAudit{
				TaskID: log.ID, Status: schema.AuditSucceeded, Source: "s", SourceID: bucket,
			}))
			return log
		}
		oldDone := mk("1", schema.ActivitySucceeded, old)
		oldRunning := mk("2", schema.ActivityRunning, old)
		keep := mk("3", schema.ActivityFailed, old)
		recent := mk("4", schema.ActivitySucceeded, time.Now().UTC())

		n, err := s.PurgeActivityLogs(ctx, time.Now().UTC().Add(-24*time.Hour), keep.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.GetActivityLog(ctx, oldDone.ID)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		for _, id := range []string{oldRunning.ID, keep.ID, recent.ID} {
			_, err := s.GetActivityLog(ctx, id)
			assert.NoError(t, err)
		}

		audits, err := s.ListAudits(ctx, AuditFilter{TaskID: oldDone.ID})
		require.NoError(t, err)
		assert.Empty(t, audits)
	})

	t.Run("workflows upsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		wf := &WorkflowRecord{
			ID:   "reminders",
			Name: "Fee reminders",
			Nodes: map[string]json.RawMessage{
				"start_node": json.RawMessage(`{"prebuiltKey":"fetch"}`),
			},
		}
		require.NoError(t, s.SaveWorkflow(ctx, wf))
		assert.Equal(t, schema.DefaultStartNode, wf.StartNode)

		got, err := s.GetWorkflow(ctx, "reminders")
		require.NoError(t, err)
		assert.Equal(t, "Fee reminders", got.Name)
		assert.JSONEq(t, `{"prebuiltKey":"fetch"}`, string(got.Nodes["start_node"]))

		wf.Nodes["end"] = json.RawMessage(`{}`)
		require.NoError(t, s.SaveWorkflow(ctx, wf))

		list, err := s.ListWorkflows(ctx, WorkflowFilter{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Len(t, list[0].Nodes, 2)
	})
}

func TestLatestBySource(t *testing.T) {
	now := time.Now()
	audits := []*TaskExecutionAudit{
		{SourceID: "A", Attempt: 1, Status: schema.AuditFailed, CreatedAt: now},
		{SourceID: "A", Attempt: 2, Status: schema.AuditSucceeded, CreatedAt: now.Add(time.Second)},
		{SourceID: "B", Attempt: 1, Status: schema.AuditSucceeded, CreatedAt: now},
		{SourceID: "B", Attempt: 2, Status: schema.AuditFailed, CreatedAt: now.Add(time.Second)},
		{SourceID: "C", Attempt: 1, Status: schema.AuditFailed, CreatedAt: now},
	}

	latest := LatestBySource(audits)
	assert.Equal(t, schema.AuditSucceeded, latest["A"].Status)
	assert.Equal(t, schema.AuditFailed, latest["B"].Status)
	assert.Equal(t, []string{"B", "C"}, FailedSourceIDs(audits))
	assert.Nil(t, FailedSourceIDs(nil))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- only a comment;\nCREATE TABLE a (x INT);\n\n-- lead\nCREATE INDEX i ON a (x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}
