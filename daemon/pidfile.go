package daemon

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/teranos/runnerd/config"
	"github.com/teranos/runnerd/errors"
)

// writePidFile records this process as the daemon instance for the state
// directory. The create is exclusive, so two daemons racing for the same
// state directory cannot both claim it; one loses with Conflict.
func writePidFile(path string) error {
	// Two attempts: the second covers reclaiming a stale file.
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, config.DefaultFilePermissions)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return errors.Wrap(werr, "failed to write pidfile")
			}
			return nil
		}
		if !os.IsExist(err) {
			return errors.Wrap(err, "failed to create pidfile")
		}

		if pid, alive := readPidFile(path); alive {
			return errors.NewConflictf("daemon already running (pid %d)", pid)
		}
		// Stale pidfile from a dead process: unlink it and retry the
		// exclusive create, which the winner of any concurrent race gets.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to remove stale pidfile")
		}
	}
	return errors.NewConflictf("pidfile %s is contested", path)
}

// readPidFile reads the recorded pid and reports whether that process is
// still alive. A missing, unreadable, or garbage pidfile reads as dead;
// the caller reclaims it.
func readPidFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return pid, false
	}
	return pid, alive
}

// Probe reports the daemon instance recorded for a state directory, if
// any. Used by clients to find a daemon to signal.
func Probe(stateDir string) (pid int, alive bool) {
	return readPidFile(config.PidFilePath(stateDir))
}

// removePidFile unlinks the pidfile on shutdown
func removePidFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove pidfile")
	}
	return nil
}
