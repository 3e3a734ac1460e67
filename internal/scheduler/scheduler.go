package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowcron/internal/lock"
	"github.com/rendis/flowcron/internal/logging"
	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/internal/tasks"
	"github.com/rendis/flowcron/pkg/schema"
)

// Decision is the outcome of a tick for one (task, bucket).
type Decision string

const (
	DecisionRun  Decision = "RUN"
	DecisionSkip Decision = "SKIP"
	// DecisionNoop is returned by Retry when nothing is left to retry.
	DecisionNoop Decision = "NOOP"
)

// Outcome reports what Fire or Retry did. Err is the executor's error; the
// log is FAILED when it is set.
type Outcome struct {
	Decision Decision           `json:"decision"`
	Log      *store.ActivityLog `json:"activity_log,omitempty"`
	Report   *tasks.Report      `json:"report,omitempty"`
	Err      error              `json:"-"`
}

// Config tunes a Scheduler.
type Config struct {
	// ExecutionTimeout bounds one Execute or RetryTask call. Zero means none.
	ExecutionTimeout time.Duration
	// LockTTL bounds how long an execution holds its activity-log lock.
	LockTTL time.Duration
	Logger  *slog.Logger
}

const defaultLockTTL = 30 * time.Minute

var cadenceParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCadence reports whether expr is a standard five-field cron
// expression or a descriptor such as @daily.
func ValidateCadence(expr string) error {
	if _, err := cadenceParser.Parse(expr); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", expr, err.Error()).WithCause(err)
	}
	return nil
}

// Scheduler accepts at most one execution per (task, cron bucket) and drives
// the activity log through its lifecycle.
type Scheduler struct {
	store     store.Store
	executors *tasks.Registry
	locker    lock.Locker
	fsm       *ActivityFSM
	specs     map[string]tasks.Spec
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Scheduler for specs. A nil locker uses an in-process lock.
func New(s store.Store, executors *tasks.Registry, specs []tasks.Spec, locker lock.Locker, cfg Config) (*Scheduler, error) {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
		if cfg.ExecutionTimeout > 0 {
			cfg.LockTTL = cfg.ExecutionTimeout + time.Minute
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}

	byName := make(map[string]tasks.Spec, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "task name is required")
		}
		if _, dup := byName[spec.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "task %q defined twice", spec.Name)
		}
		if !spec.Granularity.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "task %q: unknown granularity %q", spec.Name, spec.Granularity)
		}
		for _, c := range spec.Cadences {
			if err := ValidateCadence(c); err != nil {
				return nil, err
			}
		}
		byName[spec.Name] = spec
	}

	sched := &Scheduler{
		store:     s,
		executors: executors,
		locker:    locker,
		fsm:       NewActivityFSM(s),
		specs:     byName,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	sched.fsm.OnAfter(func(ctx context.Context, log *store.ActivityLog, from schema.ActivityStatus) {
		sched.logger.InfoContext(ctx, "activity log transition",
			slog.String("from", string(from)),
			slog.String("to", string(log.Status)))
	})
	return sched, nil
}

// OnTransition registers hook to run after every persisted activity log
// transition. Register hooks before Start.
func (s *Scheduler) OnTransition(hook TransitionHook) {
	s.fsm.OnAfter(hook)
}

// Tasks returns the configured task specs sorted by name.
func (s *Scheduler) Tasks() []tasks.Spec {
	out := make([]tasks.Spec, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnTick decides whether taskName runs for the bucket containing now. The
// first call for a bucket creates a PENDING activity log and returns RUN;
// every later call finds that log and returns SKIP.
func (s *Scheduler) OnTick(ctx context.Context, now time.Time, taskName string, g schema.Granularity) (Decision, *store.ActivityLog, error) {
	bucket, err := BucketID(now, g)
	if err != nil {
		return "", nil, err
	}

	log, created, err := s.store.ClaimActivityLog(ctx, &store.ActivityLog{
		TaskName:        taskName,
		Status:          schema.ActivityPending,
		ExecutionTime:   now.UTC(),
		CronProfileID:   bucket,
		CronProfileType: g,
	})
	if err != nil {
		return "", nil, err
	}
	if !created {
		return DecisionSkip, log, nil
	}
	return DecisionRun, log, nil
}

// Fire runs taskName for the bucket containing now unless that bucket was
// already accepted.
func (s *Scheduler) Fire(ctx context.Context, taskName string, now time.Time) (*Outcome, error) {
	spec, ok := s.specs[taskName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %q not configured", taskName)
	}
	ctx = logging.WithTaskName(ctx, taskName)

	decision, log, err := s.OnTick(ctx, now, taskName, spec.Granularity)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Decision: decision, Log: log}
	if decision == DecisionSkip {
		s.logger.DebugContext(ctx, "bucket already accepted",
			slog.String("activity_log_id", log.ID),
			slog.String("bucket", log.CronProfileID))
		return out, nil
	}

	ctx = logging.WithActivityLogID(ctx, log.ID)
	err = s.locker.NonBlockingSynchronized(ctx, log.ID, s.cfg.LockTTL, func(ctx context.Context) error {
		out.Report, out.Err = s.execute(ctx, log, spec)
		return nil
	})
	if err != nil {
		// The log was just created, so only a broken lock backend gets here.
		out.Err = err
		s.finish(ctx, log, nil, err)
	}
	return out, nil
}

// RunNow fires taskName at the current time. Idempotency still applies.
func (s *Scheduler) RunNow(ctx context.Context, taskName string) (*Outcome, error) {
	return s.Fire(ctx, taskName, s.now())
}

func (s *Scheduler) execute(ctx context.Context, log *store.ActivityLog, spec tasks.Spec) (*tasks.Report, error) {
	exec, err := s.executors.Get(spec.Type)
	if err != nil {
		s.finish(ctx, log, nil, err)
		return nil, err
	}
	if err := s.fsm.Transition(ctx, SchedulerTransitions, log, schema.ActivityRunning, ""); err != nil {
		if log.Status == schema.ActivityPending {
			s.finish(ctx, log, nil, err)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "executing task", slog.String("type", spec.Type))
	report, err := s.guarded(ctx, func(ctx context.Context) (*tasks.Report, error) {
		return exec.Execute(ctx, log, spec)
	})
	s.finish(ctx, log, report, err)
	return report, err
}

// Retry re-processes the failed units of a finished activity log. With no
// sourceIDs it retries every source whose latest audit row failed; when none
// remain it does nothing. A log that is not SUCCEEDED or FAILED is a CONFLICT.
func (s *Scheduler) Retry(ctx context.Context, activityLogID string, sourceIDs []string) (*Outcome, error) {
	log, err := s.store.GetActivityLog(ctx, activityLogID)
	if err != nil {
		return nil, err
	}
	if !log.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"activity log %q is %s; only finished logs can be retried", log.ID, log.Status)
	}
	spec, ok := s.specs[log.TaskName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %q not configured", log.TaskName)
	}
	exec, err := s.executors.Get(spec.Type)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithActivityLogID(logging.WithTaskName(ctx, log.TaskName), log.ID)
	out := &Outcome{Decision: DecisionRun, Log: log}
	err = s.locker.NonBlockingSynchronized(ctx, log.ID, s.cfg.LockTTL, func(ctx context.Context) error {
		ids := sourceIDs
		if len(ids) == 0 {
			audits, err := s.store.ListAudits(ctx, store.AuditFilter{TaskID: log.ID})
			if err != nil {
				return err
			}
			ids = store.FailedSourceIDs(audits)
		}
		if len(ids) == 0 {
			out.Decision = DecisionNoop
			return nil
		}

		if err := s.fsm.Transition(ctx, RetryTransitions, log, schema.ActivityRunning, ""); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "retrying task", slog.Int("sources", len(ids)))
		out.Report, out.Err = s.guarded(ctx, func(ctx context.Context) (*tasks.Report, error) {
			return exec.RetryTask(ctx, log, ids, spec)
		})
		s.finish(ctx, log, out.Report, out.Err)
		return nil
	})
	if errors.Is(err, lock.ErrLockFailed) {
		return nil, schema.NewErrorf(schema.ErrCodeLocked, "activity log %q is being processed", log.ID).WithCause(err)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Abandon marks a PENDING or RUNNING log FAILED without running anything, for
// logs whose execution died with its process. The log lock must be free, so a
// live execution cannot be abandoned (LOCKED). Abandoned logs can be retried.
func (s *Scheduler) Abandon(ctx context.Context, activityLogID, reason string) (*store.ActivityLog, error) {
	log, err := s.store.GetActivityLog(ctx, activityLogID)
	if err != nil {
		return nil, err
	}
	if log.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"activity log %q is already %s", log.ID, log.Status)
	}
	if reason == "" {
		reason = "abandoned"
	}

	ctx = logging.WithActivityLogID(logging.WithTaskName(ctx, log.TaskName), log.ID)
	err = s.locker.NonBlockingSynchronized(ctx, log.ID, s.cfg.LockTTL, func(ctx context.Context) error {
		return s.fsm.Transition(ctx, AbandonTransitions, log, schema.ActivityFailed, reason)
	})
	if errors.Is(err, lock.ErrLockFailed) {
		return nil, schema.NewErrorf(schema.ErrCodeLocked, "activity log %q is being processed", log.ID).WithCause(err)
	}
	if err != nil {
		return nil, err
	}
	s.logger.WarnContext(ctx, "activity log abandoned", slog.String("reason", reason))
	return log, nil
}

// guarded runs fn under the execution timeout and turns a panic into an
// error so the log can still be finished.
func (s *Scheduler) guarded(ctx context.Context, fn func(ctx context.Context) (*tasks.Report, error)) (report *tasks.Report, err error) {
	if s.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			report = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "executor panic: %v", r)
		}
	}()
	return fn(ctx)
}

// finish moves log to its terminal status. The write is detached from ctx so
// a timed-out execution is still recorded.
func (s *Scheduler) finish(ctx context.Context, log *store.ActivityLog, report *tasks.Report, execErr error) {
	to, msg := schema.ActivitySucceeded, report.Summary()
	if execErr != nil {
		to, msg = schema.ActivityFailed, execErr.Error()
		if report != nil {
			msg = fmt.Sprintf("%s (%s)", msg, report.Summary())
		}
	}

	if err := s.fsm.Transition(context.WithoutCancel(ctx), SchedulerTransitions, log, to, msg); err != nil {
		s.logger.ErrorContext(ctx, "finish activity log",
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
	}
}

// Start registers one cron entry per task cadence and starts dispatching.
// Overlapping cadences of a task land in the same bucket and are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New(cron.WithParser(cadenceParser), cron.WithLocation(time.UTC))
	for _, spec := range s.Tasks() {
		name := spec.Name
		for _, cadence := range spec.Cadences {
			if _, err := c.AddFunc(cadence, func() { s.dispatch(ctx, name) }); err != nil {
				return fmt.Errorf("schedule task %q at %q: %w", name, cadence, err)
			}
		}
	}
	c.Start()
	s.cron = c

	s.logger.Info("scheduler started", slog.Int("tasks", len(s.specs)))
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, taskName string) {
	if ctx.Err() != nil {
		return
	}
	out, err := s.Fire(ctx, taskName, s.now())
	if err != nil {
		s.logger.Error("scheduled tick failed",
			slog.String("task_name", taskName),
			slog.String("error", err.Error()))
		return
	}
	if out.Err != nil {
		s.logger.Warn("scheduled execution failed",
			slog.String("task_name", taskName),
			slog.String("activity_log_id", out.Log.ID),
			slog.String("error", out.Err.Error()))
	}
}

// Stop stops dispatching and waits for running executions to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}
	<-s.cron.Stop().Done()
	s.cron = nil

	s.logger.Info("scheduler stopped")
	return nil
}
