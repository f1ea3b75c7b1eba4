package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/runnerd/client"
	"github.com/teranos/runnerd/store"
)

// JobCmd groups job management subcommands
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage job definitions",
	Long: `Manage recurring job definitions.

Examples:
  runnerd job add backup --kind script --interval 3600 --command "backup.sh --full"
  runnerd job add rebalance --kind strategy --interval 900 \
      --strategy momentum --action rebalance
  runnerd job ls
  runnerd job pause backup
  runnerd job run-once backup
  runnerd job runs backup`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a new recurring job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		interval, _ := cmd.Flags().GetInt("interval")

		payload, err := buildPayload(cmd, kind)
		if err != nil {
			return err
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		id, err := c.AddJob(client.AddJobRequest{
			Name:            args[0],
			Kind:            kind,
			IntervalSeconds: interval,
			Payload:         payload,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Added job %q (%s), runs every %ds\n", args[0], id, interval)
		return nil
	},
}

// buildPayload assembles the kind-specific payload from flags
func buildPayload(cmd *cobra.Command, kind string) (json.RawMessage, error) {
	switch kind {
	case store.KindScript:
		command, _ := cmd.Flags().GetString("command")
		workdir, _ := cmd.Flags().GetString("workdir")
		envPairs, _ := cmd.Flags().GetStringSlice("env")

		env := make(map[string]string, len(envPairs))
		for _, pair := range envPairs {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", pair)
			}
			env[k] = v
		}
		if len(env) == 0 {
			env = nil
		}

		return json.Marshal(store.ScriptPayload{
			Command:    command,
			WorkingDir: workdir,
			Env:        env,
		})

	case store.KindStrategy:
		strategy, _ := cmd.Flags().GetString("strategy")
		action, _ := cmd.Flags().GetString("action")
		configPath, _ := cmd.Flags().GetString("strategy-config")

		return json.Marshal(store.StrategyPayload{
			StrategyName: strategy,
			Action:       action,
			ConfigPath:   configPath,
		})

	default:
		return nil, fmt.Errorf("unknown job kind %q (expected %q or %q)", kind, store.KindScript, store.KindStrategy)
	}
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List job definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		jobs, err := c.ListJobs()
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			out, err := json.MarshalIndent(jobs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs registered")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tKIND\tSTATUS\tINTERVAL\tNEXT DUE")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%ds\t%s\n",
				job.ID, job.Name, job.Kind, job.Status, job.IntervalSeconds,
				job.NextDueAt.Local().Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause <job>",
	Short: "Pause a job (scheduler stops claiming it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobStatusAction(cmd, args, "paused", (*client.Client).PauseJob)
	},
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <job>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobStatusAction(cmd, args, "active", (*client.Client).ResumeJob)
	},
}

func jobStatusAction(cmd *cobra.Command, args []string, status string, fn func(*client.Client, client.JobRef) error) error {
	ref, err := jobRefFromArgs(args)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := fn(c, ref); err != nil {
		return err
	}
	fmt.Printf("Job %s is now %s\n", args[0], status)
	return nil
}

var jobRmCmd = &cobra.Command{
	Use:     "rm <job>",
	Aliases: []string{"delete"},
	Short:   "Delete a job definition (run history is kept)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := jobRefFromArgs(args)
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeleteJob(ref); err != nil {
			return err
		}
		fmt.Printf("Deleted job %s\n", args[0])
		return nil
	},
}

var jobIntervalCmd = &cobra.Command{
	Use:   "interval <job> <seconds>",
	Short: "Change a job's recurrence interval",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := jobRefFromArgs(args[:1])
		if err != nil {
			return err
		}
		var seconds int
		if _, err := fmt.Sscanf(args[1], "%d", &seconds); err != nil {
			return fmt.Errorf("invalid interval %q: expected seconds", args[1])
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.SetInterval(ref, seconds); err != nil {
			return err
		}
		fmt.Printf("Job %s now runs every %ds\n", args[0], seconds)
		return nil
	},
}

var jobRunOnceCmd = &cobra.Command{
	Use:   "run-once <job>",
	Short: "Force one run of a job outside its schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := jobRefFromArgs(args)
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		run, err := c.RunOnce(ref)
		if err != nil {
			return err
		}
		fmt.Printf("Started run %d for job %s (log: %s)\n", run.ID, args[0], run.LogPath)
		return nil
	},
}

var jobRunsCmd = &cobra.Command{
	Use:   "runs <job>",
	Short: "Show a job's run history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := jobRefFromArgs(args)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		runs, err := c.JobRuns(ref, limit)
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			out, err := json.MarshalIndent(runs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		if len(runs) == 0 {
			fmt.Printf("No runs recorded for %s\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATUS\tEXIT\tSTARTED\tDURATION")
		for _, run := range runs {
			exit := "-"
			if run.ExitCode != nil {
				exit = fmt.Sprintf("%d", *run.ExitCode)
			}
			duration := "-"
			if run.FinishedAt != nil {
				duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				run.ID, run.Status, exit,
				run.StartedAt.Local().Format("2006-01-02 15:04:05"), duration)
		}
		return w.Flush()
	},
}

func init() {
	jobAddCmd.Flags().String("kind", store.KindScript, `Job kind: "script" or "strategy"`)
	jobAddCmd.Flags().Int("interval", 60, "Recurrence interval in seconds")
	jobAddCmd.Flags().String("command", "", "Shell-style command line (script jobs)")
	jobAddCmd.Flags().String("workdir", "", "Working directory for the subprocess (script jobs)")
	jobAddCmd.Flags().StringSlice("env", nil, "Extra environment variables as KEY=VALUE (script jobs)")
	jobAddCmd.Flags().String("strategy", "", "Strategy name (strategy jobs)")
	jobAddCmd.Flags().String("action", "", "Strategy action (strategy jobs)")
	jobAddCmd.Flags().String("strategy-config", "", "Strategy config file path (strategy jobs)")

	jobLsCmd.Flags().BoolP("json", "j", false, "Output jobs as JSON")
	jobRunsCmd.Flags().BoolP("json", "j", false, "Output runs as JSON")
	jobRunsCmd.Flags().Int("limit", 0, "Maximum runs to show (default 50)")

	for _, c := range []*cobra.Command{
		jobAddCmd, jobLsCmd, jobPauseCmd, jobResumeCmd,
		jobRmCmd, jobIntervalCmd, jobRunOnceCmd, jobRunsCmd,
	} {
		c.Flags().String("config", "", "Path to a runnerd.toml config file")
		JobCmd.AddCommand(c)
	}
}
