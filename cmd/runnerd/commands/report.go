package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// ReportCmd shows a run's outcome and log tail
var ReportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Show a run's record and the tail of its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid run id %q", args[0])
		}
		tail, _ := cmd.Flags().GetInt("tail")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		report, err := c.RunReport(runID, tail)
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		run := report.Run
		fmt.Printf("Run %d (job %s)\n", run.ID, run.JobID)
		fmt.Printf("  Status:   %s\n", run.Status)
		if run.ExitCode != nil {
			fmt.Printf("  Exit:     %d\n", *run.ExitCode)
		}
		fmt.Printf("  Started:  %s\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"))
		if run.FinishedAt != nil {
			fmt.Printf("  Finished: %s (%s)\n",
				run.FinishedAt.Local().Format("2006-01-02 15:04:05"),
				run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
		}
		fmt.Printf("  Log:      %s\n", run.LogPath)

		if len(report.LogTail) > 0 {
			fmt.Println()
			for _, line := range report.LogTail {
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	ReportCmd.Flags().Int("tail", 0, "Log lines to show (default 50)")
	ReportCmd.Flags().BoolP("json", "j", false, "Output the report as JSON")
	ReportCmd.Flags().String("config", "", "Path to a runnerd.toml config file")
}
