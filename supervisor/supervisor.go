// Package supervisor spawns and tracks the subprocesses behind job runs.
// It owns the full lifecycle of a run: the Running record exists before the
// subprocess is spawned, stdout and stderr are captured to the run's log
// file, and the record is finalized on every exit path including forced
// kill and spawn failure.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/runnerd/errors"
	"github.com/teranos/runnerd/store"
)

// syntheticExitCode is recorded for runs that failed before or outside a
// normal subprocess exit (spawn failure, external signal).
const syntheticExitCode = -1

// Config contains supervisor settings
type Config struct {
	// StrategyCommand is the external binary invoked for strategy jobs
	StrategyCommand string
	// KillGrace is how long a run gets between SIGTERM and SIGKILL
	KillGrace time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		StrategyCommand: "strategy-runner",
		KillGrace:       5 * time.Second,
	}
}

// Supervisor runs jobs as child processes and records their outcomes
type Supervisor struct {
	store   *store.Store
	logsDir string
	cfg     Config
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[int64]*exec.Cmd // run id -> running subprocess
	killed   map[int64]bool      // runs terminated by the daemon
	wg       sync.WaitGroup
}

// New creates a supervisor writing run logs under logsDir
func New(st *store.Store, logsDir string, cfg Config, logger *zap.SugaredLogger) *Supervisor {
	if cfg.StrategyCommand == "" {
		cfg.StrategyCommand = DefaultConfig().StrategyCommand
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultConfig().KillGrace
	}
	return &Supervisor{
		store:    st,
		logsDir:  logsDir,
		cfg:      cfg,
		logger:   logger.Named("supervisor"),
		inflight: make(map[int64]*exec.Cmd),
		killed:   make(map[int64]bool),
	}
}

// Run begins a run record for the job and dispatches its subprocess
// asynchronously; it never blocks on the job's execution. The returned
// record is in status Running.
//
// Fails with Conflict if the job already has a run in flight.
func (s *Supervisor) Run(job *store.Job) (*store.Run, error) {
	run, err := s.store.BeginRun(job.ID)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.execute(job, run)

	return run, nil
}

// InFlight returns the number of runs currently executing
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// execute spawns the runnable unit and finalizes the run record.
// Every exit path flushes and closes the log file.
func (s *Supervisor) execute(job *store.Job, run *store.Run) {
	defer s.wg.Done()

	logFile, err := s.openLog(run)
	if err != nil {
		s.logger.Errorw("Failed to open run log", "run_id", run.ID, "job_id", job.ID, "error", err)
		s.finishFailed(run, errors.Wrap(errors.ErrSpawn, err.Error()))
		return
	}
	defer logFile.Close()

	cmd, err := s.resolveCommand(job)
	if err != nil {
		fmt.Fprintf(logFile, "runnerd: cannot resolve runnable unit: %v\n", err)
		s.finishFailed(run, err)
		return
	}

	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(logFile, "runnerd: failed to spawn: %v\n", err)
		s.finishFailed(run, errors.Wrap(errors.ErrSpawn, err.Error()))
		return
	}

	s.mu.Lock()
	s.inflight[run.ID] = cmd
	s.mu.Unlock()

	s.logger.Infow("Run started",
		"run_id", run.ID,
		"job_id", job.ID,
		"job_name", job.Name,
		"pid", cmd.Process.Pid)

	// Long-lived by design: the job's own logic owns its termination.
	waitErr := cmd.Wait()

	s.mu.Lock()
	delete(s.inflight, run.ID)
	wasKilled := s.killed[run.ID]
	delete(s.killed, run.ID)
	s.mu.Unlock()

	s.finalize(job, run, waitErr, cmd, wasKilled)
}

// finalize records the terminal status for a run that actually spawned
func (s *Supervisor) finalize(job *store.Job, run *store.Run, waitErr error, cmd *exec.Cmd, wasKilled bool) {
	if wasKilled {
		if err := s.store.FinishRun(run.ID, nil, store.RunStatusKilled); err != nil {
			s.logger.Errorw("Failed to finalize killed run", "run_id", run.ID, "error", err)
		}
		s.logger.Infow("Run killed", "run_id", run.ID, "job_id", job.ID)
		return
	}

	exitCode := syntheticExitCode
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	status := store.RunStatusSucceeded
	if waitErr != nil || exitCode != 0 {
		status = store.RunStatusFailed
	}

	if err := s.store.FinishRun(run.ID, &exitCode, status); err != nil {
		s.logger.Errorw("Failed to finalize run", "run_id", run.ID, "error", err)
		return
	}

	s.logger.Infow("Run finished",
		"run_id", run.ID,
		"job_id", job.ID,
		"job_name", job.Name,
		"status", status,
		"exit_code", exitCode)
}

// finishFailed records a run that never produced a subprocess exit
func (s *Supervisor) finishFailed(run *store.Run, cause error) {
	code := syntheticExitCode
	if err := s.store.FinishRun(run.ID, &code, store.RunStatusFailed); err != nil {
		s.logger.Errorw("Failed to record spawn failure", "run_id", run.ID, "error", err)
	}
	s.logger.Warnw("Run failed to spawn", "run_id", run.ID, "job_id", run.JobID, "error", cause)
}

// openLog creates the run's log file under the logs directory
func (s *Supervisor) openLog(run *store.Run) (*os.File, error) {
	if err := os.MkdirAll(s.logsDir, 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(run.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
}

// resolveCommand turns a job payload into an executable command
func (s *Supervisor) resolveCommand(job *store.Job) (*exec.Cmd, error) {
	switch job.Kind {
	case store.KindScript:
		var p store.ScriptPayload
		if err := unmarshalPayload(job.Payload, &p); err != nil {
			return nil, err
		}
		name := p.Command
		args := p.Args
		if len(args) == 0 {
			// Bare command strings are split shell-style.
			words, err := shellquote.Split(p.Command)
			if err != nil {
				return nil, errors.Wrapf(errors.ErrSpawn, "cannot split command %q: %v", p.Command, err)
			}
			if len(words) == 0 {
				return nil, errors.Wrap(errors.ErrSpawn, "empty command")
			}
			name, args = words[0], words[1:]
		}
		cmd := exec.Command(name, args...)
		cmd.Dir = p.WorkingDir
		cmd.Env = mergeEnv(p.Env)
		return cmd, nil

	case store.KindStrategy:
		var p store.StrategyPayload
		if err := unmarshalPayload(job.Payload, &p); err != nil {
			return nil, err
		}
		args := []string{"run", p.StrategyName, "--action", p.Action}
		if p.ConfigPath != "" {
			args = append(args, "--config", p.ConfigPath)
		}
		cmd := exec.Command(s.cfg.StrategyCommand, args...)
		cmd.Env = os.Environ()
		return cmd, nil

	default:
		return nil, errors.Wrapf(errors.ErrSpawn, "unknown job kind %q", job.Kind)
	}
}

// StopAll terminates every in-flight run: SIGTERM, then SIGKILL after the
// grace period, waiting (bounded) for finalization. Used on daemon shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	victims := make(map[int64]*exec.Cmd, len(s.inflight))
	for id, cmd := range s.inflight {
		victims[id] = cmd
		s.killed[id] = true
	}
	s.mu.Unlock()

	if len(victims) > 0 {
		s.logger.Warnw("Terminating in-flight runs", "count", len(victims))
		for id, cmd := range victims {
			if cmd.Process != nil {
				if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
					s.logger.Warnw("Failed to signal run", "run_id", id, "error", err)
				}
			}
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.KillGrace):
		// Grace expired: force-kill whatever is still alive. Runs that
		// registered after the snapshot show up here for the first time and
		// must still finalize as Killed, not Failed.
		s.mu.Lock()
		for id, cmd := range s.inflight {
			s.killed[id] = true
			if cmd.Process != nil {
				s.logger.Warnw("Force-killing run after grace period", "run_id", id)
				cmd.Process.Kill()
			}
		}
		s.mu.Unlock()

		select {
		case <-done:
		case <-time.After(s.cfg.KillGrace):
			s.logger.Errorw("Runs still finalizing after force kill")
		}
	}
}

// mergeEnv layers job-specific variables over the daemon's environment
func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func unmarshalPayload(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(errors.ErrSpawn, "invalid payload: %v", err)
	}
	return nil
}
