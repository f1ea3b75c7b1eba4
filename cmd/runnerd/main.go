package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/runnerd/cmd/runnerd/commands"
	"github.com/teranos/runnerd/logger"
)

var rootCmd = &cobra.Command{
	Use:   "runnerd",
	Short: "runnerd - local recurring job runner",
	Long: `runnerd - a local daemon for recurring jobs.

The daemon keeps job definitions and run history in a durable local store,
ticks once a second to dispatch due jobs as subprocesses, and serves a
control API on a unix socket.

Examples:
  runnerd start                                  # Run the daemon in foreground
  runnerd status                                 # Show daemon and job summary
  runnerd job add nightly-sync --kind script \
      --interval 3600 --command "sync.sh --all"  # Register a recurring script
  runnerd job runs nightly-sync                  # Show run history
  runnerd report 42                              # Show a run's outcome and log tail`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console format")

	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.StopCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.ReportCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
