package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowcron/internal/config"
	"github.com/rendis/flowcron/internal/engine"
	"github.com/rendis/flowcron/internal/graph"
	"github.com/rendis/flowcron/internal/lock"
	"github.com/rendis/flowcron/internal/logging"
	"github.com/rendis/flowcron/internal/operations"
	"github.com/rendis/flowcron/internal/scheduler"
	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/internal/tasks"
	"github.com/rendis/flowcron/pkg/schema"
)

// app is the wired runtime shared by the commands that touch the store.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	ops       *operations.Registry
	loader    *graph.Loader
	engine    *engine.Interpreter
	executors *tasks.Registry
	scheduler *scheduler.Scheduler
	redis     *redis.Client
}

func newLogger(c *config.Config) *slog.Logger {
	// stdout belongs to command output and the MCP transport.
	return logging.NewLogger(os.Stderr, c.Log.Level, c.Log.Format)
}

func openStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, c.DSN)
	default:
		return store.NewLibSQLStore(c.DSN)
	}
}

func newOperations(c *config.Config, logger *slog.Logger) (*operations.Registry, error) {
	ops := operations.NewRegistry()
	if err := operations.RegisterBuiltins(ops, logger, operations.HTTPConfig{
		MaxResponseBody: c.Operations.MaxResponseBody,
		DefaultTimeout:  c.Operations.HTTPTimeout,
	}); err != nil {
		return nil, err
	}
	return ops, nil
}

// newParser checks operation keys against lookup; nil skips that check.
func newParser(lookup *operations.Registry) (*graph.Parser, error) {
	checks, err := graph.DefaultCheckers()
	if err != nil {
		return nil, err
	}
	if lookup == nil {
		return graph.NewParser(nil, checks)
	}
	return graph.NewParser(lookup, checks)
}

// newApp opens and migrates the store and wires every component.
func newApp(ctx context.Context, c *config.Config) (*app, error) {
	logger := newLogger(c)

	st, err := openStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: c, logger: logger, store: st}
	if err := st.Migrate(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	if a.ops, err = newOperations(c, logger); err != nil {
		a.close()
		return nil, err
	}
	parser, err := newParser(a.ops)
	if err != nil {
		a.close()
		return nil, err
	}
	a.loader = graph.NewLoader(st, parser)

	engineCfg := engine.Config{
		MaxSteps:         c.Engine.MaxSteps,
		ItemConcurrency:  c.Engine.ItemConcurrency,
		OperationTimeout: c.Engine.OperationTimeout,
		Logger:           logger,
	}
	if c.Engine.Breaker.Enabled {
		bc := engine.DefaultBreakerConfig()
		bc.FailureThreshold = c.Engine.Breaker.FailureThreshold
		bc.Cooldown = c.Engine.Breaker.Cooldown
		engineCfg.Breaker = &bc
	}
	if a.engine, err = engine.NewInterpreter(a.ops, engineCfg); err != nil {
		a.close()
		return nil, err
	}

	a.executors = tasks.NewRegistry()
	for _, exec := range []tasks.TaskExecutor{
		tasks.NewWorkflowExecutor(st, a.loader, a.engine, a.ops, tasks.WorkflowExecutorConfig{
			SourceConcurrency: c.Scheduler.SourceConcurrency,
			RunTimeout:        c.Engine.RunTimeout,
			Logger:            logger,
		}),
		tasks.NewPurgeExecutor(st, logger),
	} {
		if err := a.executors.Register(exec); err != nil {
			a.close()
			return nil, err
		}
	}

	var locker lock.Locker
	if c.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, schema.NewErrorf(schema.ErrCodeLocked, "connect redis %s: %s", c.Redis.Addr, err.Error()).WithCause(err)
		}
		locker = lock.NewRedisLocker(a.redis, c.Redis.KeyPrefix, logger)
	}

	a.scheduler, err = scheduler.New(st, a.executors, c.Tasks, locker, scheduler.Config{
		ExecutionTimeout: c.Scheduler.ExecutionTimeout,
		LockTTL:          c.Scheduler.LockTTL,
		Logger:           logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// loadWorkflows parses every configured workflow file and saves it, failing
// on the first invalid one.
func (a *app) loadWorkflows(ctx context.Context) error {
	for _, wf := range a.cfg.Workflows {
		nodes, err := readWorkflowFile(resolvePath(wf.Path))
		if err != nil {
			return err
		}
		wctx := logging.WithWorkflowID(ctx, wf.ID)
		def, err := a.loader.Save(wctx, wf.ID, wf.Name, wf.StartNode, nodes)
		if err != nil {
			return fmt.Errorf("workflow %q: %w", wf.ID, err)
		}
		for _, w := range def.Warnings {
			a.logger.WarnContext(wctx, "workflow warning",
				slog.String("path", w.Path),
				slog.String("message", w.Message))
		}
		a.logger.InfoContext(wctx, "workflow loaded", slog.Int("nodes", def.Len()))
	}
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}

// readWorkflowFile reads a JSON object mapping node ids to node bodies.
func readWorkflowFile(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read workflow file: %s", err.Error()).WithCause(err)
	}
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow file %s: %s", path, err.Error()).WithCause(err)
	}
	if len(nodes) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow file %s has no nodes", path)
	}
	return nodes, nil
}

// resolvePath makes relative workflow paths relative to the config file.
func resolvePath(p string) string {
	if filepath.IsAbs(p) || configPath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
