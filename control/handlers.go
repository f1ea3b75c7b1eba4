package control

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/teranos/runnerd/errors"
	"github.com/teranos/runnerd/store"
)

// defaultRunLimit bounds job_runs responses when the caller passes no limit
const defaultRunLimit = 50

// defaultTailLines bounds run_report log tails
const defaultTailLines = 50

func (d *Dispatcher) handleStatus(_ json.RawMessage) (interface{}, error) {
	jobs, err := d.store.ListJobs()
	if err != nil {
		return nil, err
	}

	active, paused := 0, 0
	for _, job := range jobs {
		switch job.Status {
		case store.StatusActive:
			active++
		case store.StatusPaused:
			paused++
		}
	}

	result := map[string]interface{}{
		"jobs_total":  len(jobs),
		"jobs_active": active,
		"jobs_paused": paused,
		"scheduler":   d.sched.Stats(),
	}

	if next, err := d.store.NextDueJob(); err == nil && next != nil {
		result["next_job"] = map[string]interface{}{
			"id":          next.ID,
			"name":        next.Name,
			"next_due_at": next.NextDueAt,
		}
	}

	return result, nil
}

func (d *Dispatcher) handleDaemonStatus(_ json.RawMessage) (interface{}, error) {
	return d.status.DaemonStatus(), nil
}

func (d *Dispatcher) handleListJobs(_ json.RawMessage) (interface{}, error) {
	jobs, err := d.store.ListJobs()
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	return jobs, nil
}

type addJobParams struct {
	Name            string          `json:"name"`
	Kind            string          `json:"kind"`
	IntervalSeconds int             `json:"interval_seconds"`
	Payload         json.RawMessage `json:"payload"`
}

func (d *Dispatcher) handleAddJob(params json.RawMessage) (interface{}, error) {
	var p addJobParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	job := &store.Job{
		Name:            p.Name,
		Kind:            p.Kind,
		IntervalSeconds: p.IntervalSeconds,
		Payload:         p.Payload,
	}

	id, err := d.store.CreateJob(job)
	if err != nil {
		return nil, err
	}

	d.logger.Infow("Job added", "job_id", id, "name", p.Name, "kind", p.Kind, "interval_seconds", p.IntervalSeconds)
	return map[string]string{"id": id}, nil
}

func (d *Dispatcher) handlePauseJob(params json.RawMessage) (interface{}, error) {
	return d.setStatus(params, store.StatusPaused)
}

func (d *Dispatcher) handleResumeJob(params json.RawMessage) (interface{}, error) {
	return d.setStatus(params, store.StatusActive)
}

// setStatus is idempotent: repeated pauses leave the job Paused and succeed
func (d *Dispatcher) setStatus(params json.RawMessage, status string) (interface{}, error) {
	var ref jobRef
	if err := decodeParams(params, &ref); err != nil {
		return nil, err
	}

	job, err := d.resolveJob(ref)
	if err != nil {
		return nil, err
	}

	if err := d.store.SetJobStatus(job.ID, status); err != nil {
		return nil, err
	}

	d.logger.Infow("Job status changed", "job_id", job.ID, "name", job.Name, "status", status)
	return map[string]string{"id": job.ID, "status": status}, nil
}

func (d *Dispatcher) handleDeleteJob(params json.RawMessage) (interface{}, error) {
	var ref jobRef
	if err := decodeParams(params, &ref); err != nil {
		return nil, err
	}

	job, err := d.resolveJob(ref)
	if err != nil {
		return nil, err
	}

	// Hard delete; run history is retained. An in-flight run completes
	// and stays attributed to the deleted id.
	if err := d.store.DeleteJob(job.ID); err != nil {
		return nil, err
	}

	d.logger.Infow("Job deleted", "job_id", job.ID, "name", job.Name)
	return map[string]string{"id": job.ID}, nil
}

type setIntervalParams struct {
	jobRef
	IntervalSeconds int `json:"interval_seconds"`
}

func (d *Dispatcher) handleSetInterval(params json.RawMessage) (interface{}, error) {
	var p setIntervalParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	job, err := d.resolveJob(p.jobRef)
	if err != nil {
		return nil, err
	}

	if err := d.store.SetJobInterval(job.ID, p.IntervalSeconds); err != nil {
		return nil, err
	}

	d.logger.Infow("Job interval changed", "job_id", job.ID, "interval_seconds", p.IntervalSeconds)
	return map[string]interface{}{"id": job.ID, "interval_seconds": p.IntervalSeconds}, nil
}

func (d *Dispatcher) handleRunOnce(params json.RawMessage) (interface{}, error) {
	var ref jobRef
	if err := decodeParams(params, &ref); err != nil {
		return nil, err
	}

	job, err := d.resolveJob(ref)
	if err != nil {
		return nil, err
	}

	// Conflict when a run is already in flight; the scheduler handle
	// enforces the single-run-per-job rule transactionally.
	run, err := d.sched.RunNow(job.ID)
	if err != nil {
		return nil, err
	}

	d.logger.Infow("Job force-dispatched", "job_id", job.ID, "run_id", run.ID)
	return run, nil
}

type jobRunsParams struct {
	jobRef
	Limit int `json:"limit,omitempty"`
}

func (d *Dispatcher) handleJobRuns(params json.RawMessage) (interface{}, error) {
	var p jobRunsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	job, err := d.resolveJob(p.jobRef)
	if err != nil {
		return nil, err
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}

	runs, err := d.store.ListRuns(job.ID, limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return runs, nil
}

type runReportParams struct {
	RunID     int64 `json:"run_id"`
	TailLines int   `json:"tail_lines,omitempty"`
}

type runReport struct {
	Run     *store.Run `json:"run"`
	LogTail []string   `json:"log_tail"`
}

func (d *Dispatcher) handleRunReport(params json.RawMessage) (interface{}, error) {
	var p runReportParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RunID <= 0 {
		return nil, errors.NewValidationf("run_id is required")
	}

	run, err := d.store.GetRun(p.RunID)
	if err != nil {
		return nil, err
	}

	lines := p.TailLines
	if lines <= 0 {
		lines = defaultTailLines
	}

	tail, err := tailFile(run.LogPath, lines)
	if err != nil {
		// The run record is authoritative; a missing log (cleaned up,
		// never written) degrades to an empty tail.
		d.logger.Debugw("Run log unavailable", "run_id", run.ID, "path", run.LogPath, "error", err)
		tail = []string{}
	}

	return &runReport{Run: run, LogTail: tail}, nil
}

// tailFile returns the last n lines of a file
func tailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	if len(lines) == 1 && len(lines[0]) == 0 {
		return []string{}, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = string(line)
	}
	return out, nil
}
