package schema

// ActivityStatus is the lifecycle state of a scheduler activity log.
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "PENDING"
	ActivityRunning   ActivityStatus = "RUNNING"
	ActivitySucceeded ActivityStatus = "SUCCEEDED"
	ActivityFailed    ActivityStatus = "FAILED"
)

// Terminal reports whether no further scheduler-driven transition is allowed.
func (s ActivityStatus) Terminal() bool {
	return s == ActivitySucceeded || s == ActivityFailed
}

// AuditStatus is the outcome recorded for a single unit of work.
type AuditStatus string

const (
	AuditSucceeded AuditStatus = "SUCCEEDED"
	AuditFailed    AuditStatus = "FAILED"
)

// RunStatus is the outcome of one interpreter run.
type RunStatus string

const (
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// NodeStatus is the per-node outcome recorded in a run trace.
type NodeStatus string

const (
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
)

// Granularity is the width of a cron bucket.
type Granularity string

const (
	Hourly  Granularity = "HOURLY"
	Daily   Granularity = "DAILY"
	Weekly  Granularity = "WEEKLY"
	Monthly Granularity = "MONTHLY"
)

// Valid reports whether g is one of the known granularities.
func (g Granularity) Valid() bool {
	switch g {
	case Hourly, Daily, Weekly, Monthly:
		return true
	}
	return false
}
