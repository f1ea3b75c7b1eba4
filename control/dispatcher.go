// Package control routes control-plane method calls to store and scheduler
// operations. It carries no transport or wire-protocol logic, so a future
// transport reuses it verbatim.
package control

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/runnerd/errors"
	"github.com/teranos/runnerd/store"
)

// SchedulerHandle is the slice of the scheduler the control plane needs
type SchedulerHandle interface {
	RunNow(jobID string) (*store.Run, error)
	Stats() map[string]interface{}
}

// DaemonStatus describes the running daemon process
type DaemonStatus struct {
	PID          int       `json:"pid"`
	SocketPath   string    `json:"socket_path"`
	StartedAt    time.Time `json:"started_at"`
	InFlightRuns int       `json:"in_flight_runs"`
}

// StatusProvider reports daemon process state
type StatusProvider interface {
	DaemonStatus() DaemonStatus
}

// handlerFunc executes one control method
type handlerFunc func(params json.RawMessage) (interface{}, error)

// Dispatcher maps a closed set of method names to handlers. The mapping is
// static and validated at construction; unknown methods fail with
// ValidationError.
type Dispatcher struct {
	store   *store.Store
	sched   SchedulerHandle
	status  StatusProvider
	logger  *zap.SugaredLogger
	methods map[string]handlerFunc
}

// NewDispatcher wires the method table. Panics if the table is malformed;
// that is a programming error caught at daemon startup, not a runtime
// condition.
func NewDispatcher(st *store.Store, sched SchedulerHandle, status StatusProvider, logger *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		sched:  sched,
		status: status,
		logger: logger.Named("control"),
	}

	d.methods = map[string]handlerFunc{
		"status":        d.handleStatus,
		"daemon_status": d.handleDaemonStatus,
		"list_jobs":     d.handleListJobs,
		"add_job":       d.handleAddJob,
		"pause_job":     d.handlePauseJob,
		"resume_job":    d.handleResumeJob,
		"delete_job":    d.handleDeleteJob,
		"set_interval":  d.handleSetInterval,
		"run_once":      d.handleRunOnce,
		"job_runs":      d.handleJobRuns,
		"run_report":    d.handleRunReport,
	}

	for name, fn := range d.methods {
		if name == "" || fn == nil {
			panic("control: malformed method table")
		}
	}

	return d
}

// Methods returns the closed set of supported method names
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	return names
}

// Dispatch executes a method call. Every failure is one of the typed
// taxonomy kinds; callers never see an unclassified fault.
func (d *Dispatcher) Dispatch(method string, params json.RawMessage) (interface{}, error) {
	handler, ok := d.methods[method]
	if !ok {
		return nil, errors.NewValidationf("unknown method %q", method)
	}

	result, err := handler(params)
	if err != nil {
		d.logger.Debugw("Method failed", "method", method, "error", err)
		return nil, err
	}
	return result, nil
}

// decodeParams unmarshals method params, classifying failures as
// ValidationError
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return errors.NewValidationf("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errors.NewValidationf("invalid params: %v", err)
	}
	return nil
}

// jobRef identifies a job by id or unique name; id wins when both are set
type jobRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// resolveJob looks a job up by reference
func (d *Dispatcher) resolveJob(ref jobRef) (*store.Job, error) {
	switch {
	case ref.ID != "":
		return d.store.GetJob(ref.ID)
	case ref.Name != "":
		return d.store.GetJobByName(ref.Name)
	default:
		return nil, errors.NewValidationf("job id or name is required")
	}
}
