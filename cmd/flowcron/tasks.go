package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/flowcron/internal/scheduler"
	"github.com/rendis/flowcron/internal/store"
)

var runNowCmd = &cobra.Command{
	Use:   "run-now <task>",
	Short: "Fire a task for the current cron bucket",
	Long: `Fire a task as if its cadence had ticked now. A task that already ran in
the current bucket is skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.loadWorkflows(ctx); err != nil {
			return err
		}

		out, err := a.scheduler.RunNow(ctx, args[0])
		if err != nil {
			return err
		}
		return printOutcome(cmd, out)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <activity-log-id> [source-id...]",
	Short: "Re-run the failed sources of an activity log",
	Long: `Re-run the given sources of a finished activity log. Without source ids,
every source whose latest attempt failed is retried.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.loadWorkflows(ctx); err != nil {
			return err
		}

		out, err := a.scheduler.Retry(ctx, args[0], args[1:])
		if err != nil {
			return err
		}
		return printOutcome(cmd, out)
	},
}

var abandonReason string

var abandonCmd = &cobra.Command{
	Use:   "abandon <activity-log-id>",
	Short: "Mark a stuck PENDING or RUNNING activity log FAILED",
	Long: `Mark an activity log whose execution died with its process as FAILED so it
can be retried. A log that is still being executed is refused.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		log, err := a.scheduler.Abandon(ctx, args[0], abandonReason)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"activity_log": log})
	},
}

var auditsFailedOnly bool

var auditsCmd = &cobra.Command{
	Use:   "audits <activity-log-id>",
	Short: "Show an activity log and its audit rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		log, err := a.store.GetActivityLog(ctx, args[0])
		if err != nil {
			return err
		}
		audits, err := a.store.ListAudits(ctx, store.AuditFilter{TaskID: log.ID})
		if err != nil {
			return err
		}
		retryable := store.FailedSourceIDs(audits)
		if auditsFailedOnly {
			latest := store.LatestBySource(audits)
			audits = audits[:0]
			for _, id := range retryable {
				audits = append(audits, latest[id])
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"activity_log": log,
			"audits":       audits,
			"retryable":    retryable,
		})
	},
}

func init() {
	auditsCmd.Flags().BoolVar(&auditsFailedOnly, "failed", false, "only the latest row of each failed source")
	abandonCmd.Flags().StringVar(&abandonReason, "reason", "", "status message for the failed log (default: abandoned)")
}

// printOutcome prints the outcome and turns an executor error into a
// non-zero exit.
func printOutcome(cmd *cobra.Command, out *scheduler.Outcome) error {
	res := map[string]any{
		"decision":     out.Decision,
		"activity_log": out.Log,
	}
	if out.Report != nil {
		res["report"] = out.Report
	}
	if out.Err != nil {
		res["error"] = out.Err.Error()
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	return out.Err
}
