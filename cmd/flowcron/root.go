package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcron/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	// cfg is loaded before every command except version.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "flowcron",
	Short: "Flowcron - scheduled workflow runner",
	Long: `Flowcron runs JSON-defined workflows on cron cadences. Each task fires at
most once per cron bucket, records one audit row per processed source, and can
be retried for exactly the sources that failed.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" || cmd.Name() == "help" {
		return nil
	}
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if logFormat != "" {
		loaded.Log.Format = logFormat
	}
	cfg = loaded
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log.format (text, json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runNowCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(auditsCmd)
	rootCmd.AddCommand(abandonCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(diagramCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
