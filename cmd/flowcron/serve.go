package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	flowmcp "github.com/rendis/flowcron/pkg/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load workflows and run the cron scheduler until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the operator tools over MCP stdio",
	Long: `Serve flowcron.run_now, flowcron.retry, flowcron.query, flowcron.diagram
and flowcron.watch over the MCP stdio transport. With --scheduler the cron
scheduler runs in the same process.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "store migrated (%s)\n", cfg.Store.Driver)
		return nil
	},
}

var mcpWithScheduler bool

func init() {
	mcpCmd.Flags().BoolVar(&mcpWithScheduler, "scheduler", false, "also run the cron scheduler")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.loadWorkflows(ctx); err != nil {
		return err
	}
	if !cfg.Scheduler.Enabled {
		a.logger.WarnContext(ctx, "scheduler disabled by config; nothing to serve")
		return nil
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "flowcron serving",
		slog.Int("tasks", len(a.scheduler.Tasks())),
		slog.String("version", version))

	<-ctx.Done()
	a.logger.InfoContext(ctx, "shutting down")
	return a.scheduler.Stop()
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.loadWorkflows(ctx); err != nil {
		return err
	}

	srv := flowmcp.NewServer(flowmcp.Deps{
		Scheduler: a.scheduler,
		Store:     a.store,
		Workflows: a.loader,
		Logger:    a.logger,
	})
	if mcpWithScheduler && cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = a.scheduler.Stop() }()
	}
	return srv.Serve(ctx)
}
