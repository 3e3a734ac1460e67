package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcron/internal/tasks"
	"github.com/rendis/flowcron/pkg/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sampleConfig = `
log:
  level: debug
  format: json
store:
  driver: libsql
  dsn: /tmp/flowcron-test.db
workflows:
  - id: renewals
    path: workflows/renewals.json
tasks:
  - name: renewal-reminders
    type: WORKFLOW
    granularity: DAILY
    cadences: ["0 9 * * *", "@daily"]
    workflow_id: renewals
    mode: items
    inputs:
      window: 7
      packageSessionIds: [a1, b2]
      notifyBy:
        primaryChannel: email
  - name: purge
    type: AUDIT_PURGE
    granularity: WEEKLY
    cadences: ["0 3 * * 1"]
    retention: 720h
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/tmp/flowcron-test.db", cfg.Store.DSN)

	// Defaults fill what the file leaves out.
	assert.Equal(t, 1000, cfg.Engine.MaxSteps)
	assert.Equal(t, 30*time.Second, cfg.Engine.OperationTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.ExecutionTimeout)
	assert.True(t, cfg.Scheduler.Enabled)

	require.Len(t, cfg.Tasks, 2)
	reminders, ok := cfg.Task("renewal-reminders")
	require.True(t, ok)
	assert.Equal(t, tasks.TypeWorkflow, reminders.Type)
	assert.Equal(t, schema.Daily, reminders.Granularity)
	assert.Equal(t, []string{"0 9 * * *", "@daily"}, reminders.Cadences)
	assert.Equal(t, 7, reminders.Inputs["window"])
	// Input keys keep their case; they become workflow variables.
	assert.Equal(t, []any{"a1", "b2"}, reminders.Inputs["packageSessionIds"])
	assert.Equal(t, map[string]any{"primaryChannel": "email"}, reminders.Inputs["notifyBy"])
	assert.NotContains(t, reminders.Inputs, "packagesessionids")

	purge, ok := cfg.Task("purge")
	require.True(t, ok)
	assert.Equal(t, 720*time.Hour, purge.Retention)

	_, ok = cfg.Task("missing")
	assert.False(t, ok)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FLOWCRON_STORE_DSN", "/var/lib/flowcron.db")
	t.Setenv("FLOWCRON_ENGINE_MAX_STEPS", "50")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/flowcron.db", cfg.Store.DSN)
	assert.Equal(t, 50, cfg.Engine.MaxSteps)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad cadence",
			body: `
tasks:
  - name: t
    type: AUDIT_PURGE
    granularity: DAILY
    cadences: ["every day"]
    retention: 1h
`,
			want: "cron",
		},
		{
			name: "unknown granularity",
			body: `
tasks:
  - name: t
    type: AUDIT_PURGE
    granularity: YEARLY
    cadences: ["@daily"]
    retention: 1h
`,
			want: "Granularity",
		},
		{
			name: "workflow task without workflow id",
			body: `
tasks:
  - name: t
    type: WORKFLOW
    granularity: DAILY
    cadences: ["@daily"]
`,
			want: "WorkflowID",
		},
		{
			name: "per_source without sources key",
			body: `
tasks:
  - name: t
    type: WORKFLOW
    workflow_id: w
    mode: per_source
    granularity: DAILY
    cadences: ["@daily"]
`,
			want: "SourcesKey",
		},
		{
			name: "purge without retention",
			body: `
tasks:
  - name: t
    type: AUDIT_PURGE
    granularity: DAILY
    cadences: ["@daily"]
`,
			want: "Retention",
		},
		{
			name: "duplicate task",
			body: `
tasks:
  - {name: t, type: AUDIT_PURGE, granularity: DAILY, cadences: ["@daily"], retention: 1h}
  - {name: t, type: AUDIT_PURGE, granularity: DAILY, cadences: ["@daily"], retention: 1h}
`,
			want: "defined twice",
		},
		{
			name: "bad store driver",
			body: `
store:
  driver: mysql
`,
			want: "Driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
