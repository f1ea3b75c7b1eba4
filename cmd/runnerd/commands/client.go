package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/runnerd/client"
	"github.com/teranos/runnerd/config"
)

// newClient builds a control client for the configured state directory
func newClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	stateDir, err := cfg.StateDirPath()
	if err != nil {
		return nil, err
	}
	return client.New(config.SocketPath(stateDir)), nil
}

// jobRefFromArgs resolves a positional job argument to a reference.
// Arguments starting with "job_" are treated as ids, anything else as a name.
func jobRefFromArgs(args []string) (client.JobRef, error) {
	if len(args) != 1 || args[0] == "" {
		return client.JobRef{}, fmt.Errorf("expected a job id or name argument")
	}
	if strings.HasPrefix(args[0], "job_") {
		return client.JobRef{ID: args[0]}, nil
	}
	return client.JobRef{Name: args[0]}, nil
}
