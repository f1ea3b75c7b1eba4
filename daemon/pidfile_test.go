package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/runnerd/errors"
)

func TestWriteAndReadPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runnerd.pid")

	require.NoError(t, writePidFile(path))

	pid, alive := readPidFile(path)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)

	require.NoError(t, removePidFile(path))
	_, alive = readPidFile(path)
	assert.False(t, alive)
}

func TestWritePidFileRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runnerd.pid")

	// The current process plays the role of the live owner
	require.NoError(t, writePidFile(path))

	err := writePidFile(path)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// The loser's failed claim leaves the owner's record intact
	pid, alive := readPidFile(path)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)
}

func TestWritePidFileReclaimsDeadPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runnerd.pid")

	// Pid 1 is special; use an implausibly large pid instead
	require.NoError(t, os.WriteFile(path, []byte("4194304\n"), 0o600))

	require.NoError(t, writePidFile(path))
	pid, alive := readPidFile(path)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)
}

func TestReadPidFileGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runnerd.pid")

	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o600))
	_, alive := readPidFile(path)
	assert.False(t, alive)

	// Missing file reads as dead
	_, alive = readPidFile(filepath.Join(t.TempDir(), "missing.pid"))
	assert.False(t, alive)
}

func TestRemovePidFileMissing(t *testing.T) {
	require.NoError(t, removePidFile(filepath.Join(t.TempDir(), "missing.pid")))
}
