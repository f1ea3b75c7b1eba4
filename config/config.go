// Package config provides runnerd configuration loading via Viper.
package config

// Config represents the runnerd daemon configuration
type Config struct {
	StateDir  string          `mapstructure:"state_dir"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Runner    RunnerConfig    `mapstructure:"runner"`
}

// SchedulerConfig configures the scheduler tick loop
type SchedulerConfig struct {
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"` // How often to check for due jobs (default: 1)
}

// RunnerConfig configures how runnable units are invoked
type RunnerConfig struct {
	// StrategyCommand is the external binary invoked for strategy jobs.
	// The strategy runtime itself is an opaque collaborator.
	StrategyCommand string `mapstructure:"strategy_command"`

	// KillGraceSeconds is how long a run gets between SIGTERM and SIGKILL
	// during daemon shutdown (default: 5)
	KillGraceSeconds int `mapstructure:"kill_grace_seconds"`
}
