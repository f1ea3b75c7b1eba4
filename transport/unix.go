package transport

import (
	"net"
	"os"
	"path/filepath"

	"github.com/teranos/runnerd/errors"
)

// In linux, sockets visible to the FS honor the perms of the dir they are
// in. Only the user that started the daemon may connect.
const (
	socketDirPerms os.FileMode = 0o700
	socketPerms    os.FileMode = 0o600
)

// LivenessProbe reports whether a daemon currently owns the bind path.
// Used to distinguish "already running" from a stale socket left by a
// crashed daemon.
type LivenessProbe func() (pid int, alive bool)

// Unix is the unix-domain-socket transport
type Unix struct {
	socketPath string
	probe      LivenessProbe
}

// NewUnix creates a unix-socket transport bound at socketPath.
// probe may be nil on the client side, where Listen is never called.
func NewUnix(socketPath string, probe LivenessProbe) *Unix {
	return &Unix{socketPath: socketPath, probe: probe}
}

// Listen binds the control socket. A leftover socket file is probed for a
// live owner: if one exists the bind fails with Conflict, otherwise the
// stale socket is unlinked and the path rebound.
func (t *Unix) Listen() (Listener, error) {
	if _, err := os.Stat(t.socketPath); err == nil {
		if t.probe != nil {
			if pid, alive := t.probe(); alive {
				return nil, errors.NewConflictf("daemon already running (pid %d) owns %s", pid, t.socketPath)
			}
		}
		// Stale socket from a dead daemon: reclaim the path.
		if err := os.Remove(t.socketPath); err != nil {
			return nil, errors.Wrap(err, "failed to remove stale socket")
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to stat socket path")
	}

	if err := os.MkdirAll(filepath.Dir(t.socketPath), socketDirPerms); err != nil {
		return nil, errors.Wrap(err, "failed to create socket directory")
	}

	l, err := net.Listen("unix", t.socketPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to bind control socket")
	}
	if err := os.Chmod(t.socketPath, socketPerms); err != nil {
		l.Close()
		return nil, errors.Wrap(err, "failed to set socket permissions")
	}

	return &netListener{inner: l, addr: t.socketPath}, nil
}

// Dial connects to the daemon's control socket
func (t *Unix) Dial() (Conn, error) {
	conn, err := net.Dial("unix", t.socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial control socket %s", t.socketPath)
	}
	return conn, nil
}

// Remove unlinks the socket file during shutdown
func (t *Unix) Remove() error {
	if err := os.Remove(t.socketPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove control socket")
	}
	return nil
}
