// Package client is the Go API for talking to a running runnerd daemon
// over its control socket.
package client

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/teranos/runnerd/control"
	"github.com/teranos/runnerd/errors"
	"github.com/teranos/runnerd/protocol"
	"github.com/teranos/runnerd/store"
	"github.com/teranos/runnerd/transport"
)

// Client issues control-plane calls over a transport. Each call opens its
// own connection; calls are cheap and the daemon is local.
type Client struct {
	transport transport.Transport
}

// New creates a client for the daemon bound at socketPath
func New(socketPath string) *Client {
	return &Client{transport: transport.NewUnix(socketPath, nil)}
}

// NewWithTransport creates a client over an explicit transport
func NewWithTransport(t transport.Transport) *Client {
	return &Client{transport: t}
}

// Call performs one request-response round trip. Daemon-reported failures
// come back as errors carrying the taxonomy sentinel matching the wire
// error kind, so errors.IsNotFound and friends work on the client side.
func (c *Client) Call(method string, params interface{}) (json.RawMessage, error) {
	req := &protocol.Request{
		ID:     uuid.NewString(),
		Method: method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal params")
		}
		req.Params = raw
	}

	conn, err := c.transport.Dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}

	line, err := protocol.NewReader(conn).ReadLine()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	resp, err := protocol.DecodeResponse(line)
	if err != nil {
		return nil, err
	}
	if resp.ID != req.ID {
		return nil, errors.Wrapf(errors.ErrProtocol, "response id %q does not match request id %q", resp.ID, req.ID)
	}
	if resp.Error != nil {
		return nil, sentinelFor(resp.Error)
	}
	return resp.Result, nil
}

// call performs a round trip and unmarshals the result into out when out
// is non-nil
func (c *Client) call(method string, params, out interface{}) error {
	result, err := c.Call(method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return errors.Wrapf(errors.ErrProtocol, "malformed %s result: %v", method, err)
	}
	return nil
}

// sentinelFor rebuilds a typed error from a wire error kind
func sentinelFor(we *protocol.WireError) error {
	var sentinel error
	switch we.Kind {
	case protocol.KindProtocol:
		sentinel = errors.ErrProtocol
	case protocol.KindValidation:
		sentinel = errors.ErrValidation
	case protocol.KindNotFound:
		sentinel = errors.ErrNotFound
	case protocol.KindConflict:
		sentinel = errors.ErrConflict
	case protocol.KindSpawn:
		sentinel = errors.ErrSpawn
	default:
		sentinel = errors.ErrStore
	}
	return errors.Wrap(sentinel, we.Message)
}

// Status is the daemon's aggregate job and scheduler summary
type Status map[string]interface{}

// Status fetches the job and scheduler summary
func (c *Client) Status() (Status, error) {
	var st Status
	if err := c.call("status", nil, &st); err != nil {
		return nil, err
	}
	return st, nil
}

// DaemonStatus fetches the daemon process state
func (c *Client) DaemonStatus() (*control.DaemonStatus, error) {
	var ds control.DaemonStatus
	if err := c.call("daemon_status", nil, &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// ListJobs fetches all job definitions
func (c *Client) ListJobs() ([]*store.Job, error) {
	var jobs []*store.Job
	if err := c.call("list_jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// AddJobRequest describes a new job definition
type AddJobRequest struct {
	Name            string          `json:"name"`
	Kind            string          `json:"kind"`
	IntervalSeconds int             `json:"interval_seconds"`
	Payload         json.RawMessage `json:"payload"`
}

// AddJob registers a new job and returns its assigned id
func (c *Client) AddJob(req AddJobRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call("add_job", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// JobRef identifies a job by id or unique name; id wins when both are set
type JobRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// PauseJob suspends scheduling for a job. Idempotent.
func (c *Client) PauseJob(ref JobRef) error {
	return c.call("pause_job", ref, nil)
}

// ResumeJob reactivates a paused job. Idempotent.
func (c *Client) ResumeJob(ref JobRef) error {
	return c.call("resume_job", ref, nil)
}

// DeleteJob removes a job definition. Its run history is retained.
func (c *Client) DeleteJob(ref JobRef) error {
	return c.call("delete_job", ref, nil)
}

// SetInterval changes a job's recurrence interval
func (c *Client) SetInterval(ref JobRef, intervalSeconds int) error {
	params := struct {
		JobRef
		IntervalSeconds int `json:"interval_seconds"`
	}{ref, intervalSeconds}
	return c.call("set_interval", params, nil)
}

// RunOnce force-dispatches a job outside its schedule and returns the
// started run. Fails with Conflict when a run is already in flight.
func (c *Client) RunOnce(ref JobRef) (*store.Run, error) {
	var run store.Run
	if err := c.call("run_once", ref, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// JobRuns fetches a job's run history, newest first
func (c *Client) JobRuns(ref JobRef, limit int) ([]*store.Run, error) {
	params := struct {
		JobRef
		Limit int `json:"limit,omitempty"`
	}{ref, limit}
	var runs []*store.Run
	if err := c.call("job_runs", params, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// RunReport is a run record with the tail of its captured output
type RunReport struct {
	Run     *store.Run `json:"run"`
	LogTail []string   `json:"log_tail"`
}

// RunReport fetches a run record and the tail of its log
func (c *Client) RunReport(runID int64, tailLines int) (*RunReport, error) {
	params := struct {
		RunID     int64 `json:"run_id"`
		TailLines int   `json:"tail_lines,omitempty"`
	}{runID, tailLines}
	var report RunReport
	if err := c.call("run_report", params, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
