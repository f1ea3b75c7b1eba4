package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/runnerd/daemon"
)

// StatusCmd shows the daemon process state and job summary
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and job status",
	Long: `Show the running daemon's process state, scheduler statistics, and a
summary of registered jobs. Fails when no daemon is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		stateDir, err := cfg.StateDirPath()
		if err != nil {
			return err
		}

		if _, alive := daemon.Probe(stateDir); !alive {
			return fmt.Errorf("no running daemon found in %s", stateDir)
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		ds, err := c.DaemonStatus()
		if err != nil {
			return err
		}
		st, err := c.Status()
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			out, err := json.MarshalIndent(map[string]interface{}{
				"daemon": ds,
				"status": st,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Printf("Daemon running (pid %d)\n", ds.PID)
		fmt.Printf("  Socket:   %s\n", ds.SocketPath)
		fmt.Printf("  Started:  %s\n", ds.StartedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Printf("  In-flight runs: %d\n", ds.InFlightRuns)
		fmt.Printf("Jobs: %v total, %v active, %v paused\n",
			st["jobs_total"], st["jobs_active"], st["jobs_paused"])
		if next, ok := st["next_job"].(map[string]interface{}); ok {
			fmt.Printf("Next due: %v at %v\n", next["name"], next["next_due_at"])
		}
		return nil
	},
}

func init() {
	StatusCmd.Flags().BoolP("json", "j", false, "Output status as JSON")
	StatusCmd.Flags().String("config", "", "Path to a runnerd.toml config file")
}
