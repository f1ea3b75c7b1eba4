package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/runnerd/config"
	"github.com/teranos/runnerd/daemon"
	"github.com/teranos/runnerd/logger"
)

// StartCmd runs the daemon in the foreground
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the runnerd daemon",
	Long: `Start the runnerd daemon in foreground mode.

The daemon will:
- Open and migrate the state store under the state directory
- Reconcile runs orphaned by a previous unclean shutdown
- Bind the control socket and serve client connections
- Tick the scheduler until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		d, err := daemon.New(cfg, logger.Logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return d.Run(ctx)
	},
}

// StopCmd signals a running daemon to shut down
var StopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running runnerd daemon",
	Long: `Signal the daemon recorded in the state directory's pidfile to shut
down gracefully. In-flight runs get SIGTERM, then SIGKILL after the
configured grace period.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		stateDir, err := cfg.StateDirPath()
		if err != nil {
			return err
		}

		pid, alive := daemon.Probe(stateDir)
		if !alive {
			return fmt.Errorf("no running daemon found in %s", stateDir)
		}

		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal daemon (pid %d): %w", pid, err)
		}

		wait, _ := cmd.Flags().GetBool("wait")
		if !wait {
			fmt.Printf("Sent SIGTERM to daemon (pid %d)\n", pid)
			return nil
		}

		// Poll the pidfile until the process is gone.
		deadline := time.Now().Add(30 * time.Second)
		for time.Now().Before(deadline) {
			if _, alive := daemon.Probe(stateDir); !alive {
				fmt.Printf("Daemon stopped (pid %d)\n", pid)
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}
		return fmt.Errorf("daemon (pid %d) did not stop within 30s", pid)
	},
}

func init() {
	StopCmd.Flags().Bool("wait", false, "Wait for the daemon to exit")

	for _, c := range []*cobra.Command{StartCmd, StopCmd} {
		c.Flags().String("config", "", "Path to a runnerd.toml config file")
	}
}

// loadConfig loads configuration, honoring an explicit --config flag
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
