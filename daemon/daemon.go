// Package daemon composes the runnerd process: state store, supervisor,
// scheduler, control dispatcher, and the unix-socket accept loop. One
// daemon instance owns a state directory at a time, enforced by a pidfile.
package daemon

import (
	"context"
	"database/sql"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/runnerd/config"
	"github.com/teranos/runnerd/control"
	"github.com/teranos/runnerd/db"
	"github.com/teranos/runnerd/errors"
	"github.com/teranos/runnerd/protocol"
	"github.com/teranos/runnerd/scheduler"
	"github.com/teranos/runnerd/store"
	"github.com/teranos/runnerd/supervisor"
	"github.com/teranos/runnerd/transport"
)

// Daemon is a running runnerd instance
type Daemon struct {
	cfg      *config.Config
	stateDir string
	logger   *zap.SugaredLogger

	database   *sql.DB
	store      *store.Store
	supervisor *supervisor.Supervisor
	ticker     *scheduler.Ticker
	dispatcher *control.Dispatcher
	transport  *transport.Unix
	listener   transport.Listener

	startedAt time.Time
	connWG    sync.WaitGroup
	connMu    sync.Mutex
	conns     map[transport.Conn]struct{}
}

// New builds a daemon from configuration. Opens and migrates the state
// store but does not yet claim the pidfile or socket; construction has no
// effect on a daemon already running over the same state directory.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*Daemon, error) {
	stateDir, err := cfg.StateDirPath()
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve state directory")
	}
	if err := os.MkdirAll(stateDir, config.DefaultDirPermissions); err != nil {
		return nil, errors.Wrap(err, "failed to create state directory")
	}

	log := logger.Named("daemon")

	database, err := db.Open(config.DatabasePath(stateDir), log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, log); err != nil {
		database.Close()
		return nil, err
	}

	st := store.NewStore(database, config.LogsDir(stateDir))

	d := &Daemon{
		cfg:      cfg,
		stateDir: stateDir,
		logger:   log,
		database: database,
		store:    st,
		conns:    make(map[transport.Conn]struct{}),
	}

	d.supervisor = supervisor.New(st, config.LogsDir(stateDir), supervisor.Config{
		StrategyCommand: cfg.Runner.StrategyCommand,
		KillGrace:       time.Duration(cfg.Runner.KillGraceSeconds) * time.Second,
	}, logger)

	d.transport = transport.NewUnix(config.SocketPath(stateDir), func() (int, bool) {
		return readPidFile(config.PidFilePath(stateDir))
	})

	return d, nil
}

// Run claims the state directory, starts the scheduler, and serves control
// connections until ctx is cancelled. On return the daemon has fully shut
// down: no scheduler ticks, no in-flight runs, socket and pidfile removed.
func (d *Daemon) Run(ctx context.Context) error {
	pidPath := config.PidFilePath(d.stateDir)
	if err := writePidFile(pidPath); err != nil {
		d.database.Close()
		return err
	}
	defer func() {
		if err := removePidFile(pidPath); err != nil {
			d.logger.Warnw("Failed to remove pidfile", "error", err)
		}
	}()

	// Only the instance holding the pidfile may reconcile: runs left in
	// Running by a crashed daemon have no live subprocess and no observed
	// exit, so they are closed out as Killed.
	reconciled, err := d.store.ReconcileOrphanedRuns()
	if err != nil {
		d.database.Close()
		return err
	}
	if reconciled > 0 {
		d.logger.Warnw("Reconciled orphaned runs from previous instance", "count", reconciled)
	}

	listener, err := d.transport.Listen()
	if err != nil {
		d.database.Close()
		return err
	}
	d.listener = listener

	d.ticker = scheduler.NewTicker(ctx, d.store, d.supervisor, scheduler.Config{
		Interval: time.Duration(d.cfg.Scheduler.TickIntervalSeconds) * time.Second,
	}, d.logger)

	d.dispatcher = control.NewDispatcher(d.store, d.ticker, d, d.logger)

	d.startedAt = time.Now().UTC()
	d.ticker.Start()

	d.logger.Infow("Daemon started",
		"pid", os.Getpid(),
		"socket", listener.Addr(),
		"state_dir", d.stateDir)

	acceptDone := make(chan error, 1)
	go func() { acceptDone <- d.acceptLoop() }()

	select {
	case <-ctx.Done():
	case err := <-acceptDone:
		if err != nil {
			d.logger.Errorw("Accept loop failed", "error", err)
		}
	}

	d.shutdown()
	return nil
}

// shutdown stops components in dependency order: no new connections, no
// new dispatches, then in-flight runs, then the store.
func (d *Daemon) shutdown() {
	d.logger.Infow("Daemon shutting down")

	d.listener.Close()

	// Accepted connections block in ReadLine until the peer closes; an idle
	// client must not stall shutdown, so close them out from this side.
	d.connMu.Lock()
	for conn := range d.conns {
		conn.Close()
	}
	d.connMu.Unlock()
	d.connWG.Wait()

	d.ticker.Stop()
	d.supervisor.StopAll()

	if err := d.database.Close(); err != nil {
		d.logger.Warnw("Failed to close state store", "error", err)
	}
	if err := d.transport.Remove(); err != nil {
		d.logger.Warnw("Failed to remove control socket", "error", err)
	}

	d.logger.Infow("Daemon stopped")
}

// acceptLoop serves control connections until the listener closes
func (d *Daemon) acceptLoop() error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}

		d.connMu.Lock()
		d.conns[conn] = struct{}{}
		d.connMu.Unlock()

		d.connWG.Add(1)
		go func() {
			defer d.connWG.Done()
			defer func() {
				d.connMu.Lock()
				delete(d.conns, conn)
				d.connMu.Unlock()
			}()
			d.serveConn(conn)
		}()
	}
}

// serveConn handles one client connection: one response line per request
// line, in order, until the client closes its end. A malformed line is
// answered with a ProtocolError response (empty id, since none could be
// read) and the connection stays open.
func (d *Daemon) serveConn(conn transport.Conn) {
	defer conn.Close()

	reader := protocol.NewReader(conn)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				d.logger.Debugw("Connection read failed", "error", err)
			}
			return
		}

		resp := d.handleLine(line)
		if err := d.writeResponse(conn, resp); err != nil {
			d.logger.Debugw("Connection write failed", "error", err)
			return
		}
	}
}

// handleLine turns one request line into exactly one response
func (d *Daemon) handleLine(line []byte) *protocol.Response {
	req, err := protocol.DecodeRequest(line)
	if err != nil {
		// Echo the id whenever one could be parsed; an empty id means the
		// line was not a decodable envelope at all.
		id := ""
		if req != nil {
			id = req.ID
		}
		return protocol.ErrorResponse(id, err)
	}

	result, err := d.dispatcher.Dispatch(req.Method, req.Params)
	if err != nil {
		return protocol.ErrorResponse(req.ID, err)
	}

	resp, err := protocol.ResultResponse(req.ID, result)
	if err != nil {
		return protocol.ErrorResponse(req.ID, err)
	}
	return resp
}

func (d *Daemon) writeResponse(conn transport.Conn, resp *protocol.Response) error {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// DaemonStatus implements control.StatusProvider
func (d *Daemon) DaemonStatus() control.DaemonStatus {
	return control.DaemonStatus{
		PID:          os.Getpid(),
		SocketPath:   config.SocketPath(d.stateDir),
		StartedAt:    d.startedAt,
		InFlightRuns: d.supervisor.InFlight(),
	}
}
