package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/runnerd/errors"
)

// ConfigFileName is the project configuration file searched for by walking
// up the directory tree from the working directory.
const ConfigFileName = "runnerd.toml"

// Load reads the runnerd configuration using Viper.
// Precedence (lowest to highest): defaults < runnerd.toml < RUNNERD_* env vars.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("RUNNERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if configPath := findProjectConfig(); configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &config, nil
}

// StateDir resolves the state directory for the daemon.
// Resolution order:
//  1. RUNNERD_STATE_DIR environment variable
//  2. state_dir from the loaded configuration
//  3. .runnerd under the project root (directory containing runnerd.toml),
//     or under the working directory when no project config exists
func (c *Config) StateDirPath() (string, error) {
	if dir := os.Getenv("RUNNERD_STATE_DIR"); dir != "" {
		return filepath.Abs(dir)
	}

	if c.StateDir != "" {
		return filepath.Abs(c.StateDir)
	}

	root := projectRoot()
	return filepath.Join(root, DefaultStateDirName), nil
}

// SocketPath returns the control socket path under the state directory
func SocketPath(stateDir string) string {
	return filepath.Join(stateDir, SocketFileName)
}

// DatabasePath returns the state store path under the state directory
func DatabasePath(stateDir string) string {
	return filepath.Join(stateDir, DatabaseFileName)
}

// PidFilePath returns the daemon pidfile path under the state directory
func PidFilePath(stateDir string) string {
	return filepath.Join(stateDir, PidFileName)
}

// LogsDir returns the per-run log directory under the state directory
func LogsDir(stateDir string) string {
	return filepath.Join(stateDir, LogsDirName)
}

// findProjectConfig searches for runnerd.toml by walking up the directory tree.
// Returns the path to the first config file found, or empty string if none found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root, stop searching
			break
		}
		dir = parent
	}

	return ""
}

// projectRoot returns the directory containing runnerd.toml, or the working
// directory when no project config exists.
func projectRoot() string {
	if configPath := findProjectConfig(); configPath != "" {
		return filepath.Dir(configPath)
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}
