package config

import (
	"os"

	"github.com/spf13/viper"
)

// File and directory permissions for state artifacts
const (
	DefaultDirPermissions  os.FileMode = 0o700
	DefaultFilePermissions os.FileMode = 0o600
)

// Default names of artifacts inside the state directory
const (
	DefaultStateDirName = ".runnerd"
	SocketFileName      = "runner.sock"
	DatabaseFileName    = "state.db"
	PidFileName         = "runnerd.pid"
	LogsDirName         = "logs"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// State directory defaults; resolved against the project root at load time
	v.SetDefault("state_dir", "")

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval_seconds", 1)

	// Runner defaults
	v.SetDefault("runner.strategy_command", "strategy-runner")
	v.SetDefault("runner.kill_grace_seconds", 5)
}
