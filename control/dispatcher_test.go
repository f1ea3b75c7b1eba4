package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/runnerd/errors"
	runnerdtest "github.com/teranos/runnerd/internal/testing"
	"github.com/teranos/runnerd/store"
)

// fakeScheduler satisfies SchedulerHandle without a real ticker
type fakeScheduler struct {
	st       *store.Store
	conflict bool
}

func (f *fakeScheduler) RunNow(jobID string) (*store.Run, error) {
	if f.conflict {
		return nil, errors.NewConflictf("job %s already has a run in flight", jobID)
	}
	if _, err := f.st.GetJob(jobID); err != nil {
		return nil, err
	}
	return f.st.BeginRun(jobID)
}

func (f *fakeScheduler) Stats() map[string]interface{} {
	return map[string]interface{}{"ticks_since_start": int64(7)}
}

// fakeStatus satisfies StatusProvider
type fakeStatus struct{}

func (fakeStatus) DaemonStatus() DaemonStatus {
	return DaemonStatus{
		PID:        os.Getpid(),
		SocketPath: "/tmp/runner.sock",
		StartedAt:  time.Now().UTC(),
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *fakeScheduler) {
	t.Helper()
	st := store.NewStore(runnerdtest.CreateTestDB(t), t.TempDir())
	sched := &fakeScheduler{st: st}
	d := NewDispatcher(st, sched, fakeStatus{}, zap.NewNop().Sugar())
	return d, st, sched
}

func addJob(t *testing.T, d *Dispatcher, name string) string {
	t.Helper()
	result, err := d.Dispatch("add_job", json.RawMessage(fmt.Sprintf(
		`{"name":%q,"kind":"script","interval_seconds":300,"payload":{"command":"true"}}`, name)))
	require.NoError(t, err)

	out, ok := result.(map[string]string)
	require.True(t, ok)
	return out["id"]
}

func TestDispatchUnknownMethod(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch("self_destruct", nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "self_destruct")
}

func TestMethodsCoverTable(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	names := d.Methods()
	assert.Len(t, names, 11)
	assert.Contains(t, names, "status")
	assert.Contains(t, names, "run_report")
}

func TestAddAndListJobs(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	id := addJob(t, d, "backup")
	assert.Contains(t, id, "job_")

	result, err := d.Dispatch("list_jobs", nil)
	require.NoError(t, err)

	jobs, ok := result.([]*store.Job)
	require.True(t, ok)
	require.Len(t, jobs, 1)
	assert.Equal(t, "backup", jobs[0].Name)
}

func TestListJobsEmpty(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	result, err := d.Dispatch("list_jobs", nil)
	require.NoError(t, err)

	// Marshals as [] on the wire, never null
	jobs, ok := result.([]*store.Job)
	require.True(t, ok)
	assert.NotNil(t, jobs)
	assert.Empty(t, jobs)
}

func TestAddJobValidation(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch("add_job", json.RawMessage(
		`{"name":"bad","kind":"script","interval_seconds":0,"payload":{"command":"x"}}`))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestAddJobDuplicateConflict(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	addJob(t, d, "backup")
	_, err := d.Dispatch("add_job", json.RawMessage(
		`{"name":"backup","kind":"script","interval_seconds":60,"payload":{"command":"x"}}`))
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestPauseResumeIdempotent(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	id := addJob(t, d, "backup")

	params := json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))

	_, err := d.Dispatch("pause_job", params)
	require.NoError(t, err)
	_, err = d.Dispatch("pause_job", params)
	require.NoError(t, err)

	job, err := st.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, job.Status)

	_, err = d.Dispatch("resume_job", params)
	require.NoError(t, err)

	job, err = st.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, job.Status)
}

func TestJobRefByName(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	id := addJob(t, d, "backup")

	_, err := d.Dispatch("pause_job", json.RawMessage(`{"name":"backup"}`))
	require.NoError(t, err)

	job, err := st.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, job.Status)
}

func TestJobRefMissing(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch("pause_job", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestNotFoundEchoesIdentifier(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch("pause_job", json.RawMessage(`{"id":"job_ghost"}`))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), "job_ghost")

	_, err = d.Dispatch("delete_job", json.RawMessage(`{"name":"phantom"}`))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), "phantom")
}

func TestDeleteJob(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	id := addJob(t, d, "backup")

	_, err := d.Dispatch("delete_job", json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)))
	require.NoError(t, err)

	_, err = st.GetJob(id)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSetInterval(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	id := addJob(t, d, "backup")

	_, err := d.Dispatch("set_interval", json.RawMessage(
		fmt.Sprintf(`{"id":%q,"interval_seconds":900}`, id)))
	require.NoError(t, err)

	job, err := st.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, 900, job.IntervalSeconds)

	_, err = d.Dispatch("set_interval", json.RawMessage(
		fmt.Sprintf(`{"id":%q,"interval_seconds":-1}`, id)))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestRunOnce(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	id := addJob(t, d, "backup")

	result, err := d.Dispatch("run_once", json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)))
	require.NoError(t, err)

	run, ok := result.(*store.Run)
	require.True(t, ok)
	assert.Equal(t, id, run.JobID)
	assert.Equal(t, store.RunStatusRunning, run.Status)
}

func TestRunOnceConflict(t *testing.T) {
	d, _, sched := newTestDispatcher(t)
	id := addJob(t, d, "backup")
	sched.conflict = true

	_, err := d.Dispatch("run_once", json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)))
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestStatusSummary(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	activeID := addJob(t, d, "active-job")
	_ = activeID
	pausedID := addJob(t, d, "paused-job")
	require.NoError(t, st.SetJobStatus(pausedID, store.StatusPaused))

	result, err := d.Dispatch("status", nil)
	require.NoError(t, err)

	summary, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, summary["jobs_total"])
	assert.Equal(t, 1, summary["jobs_active"])
	assert.Equal(t, 1, summary["jobs_paused"])
	assert.NotNil(t, summary["scheduler"])
	assert.NotNil(t, summary["next_job"])
}

func TestDaemonStatusMethod(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	result, err := d.Dispatch("daemon_status", nil)
	require.NoError(t, err)

	ds, ok := result.(DaemonStatus)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), ds.PID)
}

func TestJobRuns(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	id := addJob(t, d, "backup")

	run, err := st.BeginRun(id)
	require.NoError(t, err)
	code := 0
	require.NoError(t, st.FinishRun(run.ID, &code, store.RunStatusSucceeded))

	result, err := d.Dispatch("job_runs", json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)))
	require.NoError(t, err)

	runs, ok := result.([]*store.Run)
	require.True(t, ok)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusSucceeded, runs[0].Status)
}

func TestRunReport(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	id := addJob(t, d, "backup")

	run, err := st.BeginRun(id)
	require.NoError(t, err)

	// Write a log longer than the requested tail
	require.NoError(t, os.MkdirAll(filepath.Dir(run.LogPath), 0o700))
	var content string
	for i := 1; i <= 10; i++ {
		content += fmt.Sprintf("line %d\n", i)
	}
	require.NoError(t, os.WriteFile(run.LogPath, []byte(content), 0o600))

	code := 0
	require.NoError(t, st.FinishRun(run.ID, &code, store.RunStatusSucceeded))

	result, err := d.Dispatch("run_report", json.RawMessage(
		fmt.Sprintf(`{"run_id":%d,"tail_lines":3}`, run.ID)))
	require.NoError(t, err)

	report, ok := result.(*runReport)
	require.True(t, ok)
	assert.Equal(t, run.ID, report.Run.ID)
	assert.Equal(t, []string{"line 8", "line 9", "line 10"}, report.LogTail)
}

func TestRunReportMissingLog(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	id := addJob(t, d, "backup")

	run, err := st.BeginRun(id)
	require.NoError(t, err)

	// No log file was ever written; the report degrades to an empty tail
	result, err := d.Dispatch("run_report", json.RawMessage(
		fmt.Sprintf(`{"run_id":%d}`, run.ID)))
	require.NoError(t, err)

	report, ok := result.(*runReport)
	require.True(t, ok)
	assert.NotNil(t, report.LogTail)
	assert.Empty(t, report.LogTail)
}

func TestRunReportUnknownRun(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch("run_report", json.RawMessage(`{"run_id":999}`))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), "999")
}

func TestDispatchMalformedParams(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch("add_job", json.RawMessage(`{not json`))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = d.Dispatch("add_job", nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
