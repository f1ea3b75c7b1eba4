package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/runnerd/errors"
)

func TestBeginRun(t *testing.T) {
	store := newTestStore(t)

	jobID, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)

	run, err := store.BeginRun(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, run.JobID)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.False(t, run.Terminal())

	// The log path is derived from the run id
	assert.Equal(t, fmt.Sprintf("%d.log", run.ID), filepath.Base(run.LogPath))

	// The job's last_run_id now points at the record
	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	require.NotNil(t, job.LastRunID)
	assert.Equal(t, run.ID, *job.LastRunID)
}

func TestBeginRunSingleInFlight(t *testing.T) {
	store := newTestStore(t)

	jobID, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)

	first, err := store.BeginRun(jobID)
	require.NoError(t, err)

	// A second run for the same job is rejected while the first is Running
	_, err = store.BeginRun(jobID)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// Finishing the first clears the way
	code := 0
	require.NoError(t, store.FinishRun(first.ID, &code, RunStatusSucceeded))

	_, err = store.BeginRun(jobID)
	require.NoError(t, err)
}

func TestBeginRunConcurrent(t *testing.T) {
	store := newTestStore(t)

	jobID, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)

	const attempts = 8
	results := make(chan error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.BeginRun(jobID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	// Exactly one attempt wins; the rest fail with Conflict
	succeeded, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, conflicts)
}

func TestFinishRun(t *testing.T) {
	store := newTestStore(t)

	jobID, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)
	run, err := store.BeginRun(jobID)
	require.NoError(t, err)

	code := 2
	require.NoError(t, store.FinishRun(run.ID, &code, RunStatusFailed))

	finished, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, finished.Status)
	assert.True(t, finished.Terminal())
	require.NotNil(t, finished.ExitCode)
	assert.Equal(t, 2, *finished.ExitCode)
	assert.NotNil(t, finished.FinishedAt)

	// A terminal record cannot be finished again
	err = store.FinishRun(run.ID, &code, RunStatusSucceeded)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestFinishRunKilledWithoutExitCode(t *testing.T) {
	store := newTestStore(t)

	jobID, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)
	run, err := store.BeginRun(jobID)
	require.NoError(t, err)

	require.NoError(t, store.FinishRun(run.ID, nil, RunStatusKilled))

	killed, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusKilled, killed.Status)
	assert.Nil(t, killed.ExitCode)
}

func TestFinishRunRejectsNonTerminalStatus(t *testing.T) {
	store := newTestStore(t)

	err := store.FinishRun(1, nil, RunStatusRunning)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t)

	jobID, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 3; i++ {
		run, err := store.BeginRun(jobID)
		require.NoError(t, err)
		code := 0
		require.NoError(t, store.FinishRun(run.ID, &code, RunStatusSucceeded))
		ids = append(ids, run.ID)
	}

	runs, err := store.ListRuns(jobID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[0], runs[2].ID)

	limited, err := store.ListRuns(jobID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRunHistorySurvivesJobDeletion(t *testing.T) {
	store := newTestStore(t)

	jobID, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)
	run, err := store.BeginRun(jobID)
	require.NoError(t, err)
	code := 0
	require.NoError(t, store.FinishRun(run.ID, &code, RunStatusSucceeded))

	require.NoError(t, store.DeleteJob(jobID))

	// Runs remain queryable against the deleted job id
	runs, err := store.ListRuns(jobID, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobID, got.JobID)
}

func TestHasRunningRun(t *testing.T) {
	store := newTestStore(t)

	jobID, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)

	running, err := store.HasRunningRun(jobID)
	require.NoError(t, err)
	assert.False(t, running)

	run, err := store.BeginRun(jobID)
	require.NoError(t, err)

	running, err = store.HasRunningRun(jobID)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, store.FinishRun(run.ID, nil, RunStatusKilled))

	running, err = store.HasRunningRun(jobID)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestReconcileOrphanedRuns(t *testing.T) {
	store := newTestStore(t)

	jobID, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)
	orphan, err := store.BeginRun(jobID)
	require.NoError(t, err)

	otherID, err := store.CreateJob(scriptJob("cleanup", 3600))
	require.NoError(t, err)
	finished, err := store.BeginRun(otherID)
	require.NoError(t, err)
	code := 0
	require.NoError(t, store.FinishRun(finished.ID, &code, RunStatusSucceeded))

	count, err := store.ReconcileOrphanedRuns()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// The orphan is closed out as Killed with no exit code
	got, err := store.GetRun(orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusKilled, got.Status)
	assert.Nil(t, got.ExitCode)
	assert.NotNil(t, got.FinishedAt)

	// The finished run is untouched
	got, err = store.GetRun(finished.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSucceeded, got.Status)
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRun(12345)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
