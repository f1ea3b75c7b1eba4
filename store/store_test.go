package store

import (
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/runnerd/errors"
	runnerdtest "github.com/teranos/runnerd/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(runnerdtest.CreateTestDB(t), t.TempDir())
}

func scriptJob(name string, intervalSeconds int) *Job {
	return &Job{
		Name:            name,
		Kind:            KindScript,
		IntervalSeconds: intervalSeconds,
		Payload:         []byte(`{"command":"echo hello"}`),
	}
}

func TestCreateJob(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)
	assert.Contains(t, id, "job_")

	retrieved, err := store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, "backup", retrieved.Name)
	assert.Equal(t, KindScript, retrieved.Kind)
	assert.Equal(t, 3600, retrieved.IntervalSeconds)
	assert.Equal(t, StatusActive, retrieved.Status)

	// A new job is due immediately
	assert.Equal(t, retrieved.CreatedAt, retrieved.NextDueAt)
	assert.Nil(t, retrieved.LastRunID)
}

func TestCreateJobDuplicateName(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)

	_, err = store.CreateJob(scriptJob("backup", 60))
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// The rejected duplicate left no trace
	jobs, err := store.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCreateJobValidation(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		name string
		job  *Job
	}{
		{"missing name", &Job{Kind: KindScript, IntervalSeconds: 60, Payload: []byte(`{"command":"x"}`)}},
		{"unknown kind", &Job{Name: "j", Kind: "cron", IntervalSeconds: 60, Payload: []byte(`{}`)}},
		{"zero interval", &Job{Name: "j", Kind: KindScript, IntervalSeconds: 0, Payload: []byte(`{"command":"x"}`)}},
		{"negative interval", &Job{Name: "j", Kind: KindScript, IntervalSeconds: -5, Payload: []byte(`{"command":"x"}`)}},
		{"script without command", &Job{Name: "j", Kind: KindScript, IntervalSeconds: 60, Payload: []byte(`{}`)}},
		{"strategy without action", &Job{Name: "j", Kind: KindStrategy, IntervalSeconds: 60, Payload: []byte(`{"strategy_name":"m"}`)}},
		{"malformed payload", &Job{Name: "j", Kind: KindScript, IntervalSeconds: 60, Payload: []byte(`{nope`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.CreateJob(tt.job)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestGetJobByName(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)

	byName, err := store.GetJobByName("backup")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)

	_, err = store.GetJobByName("missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSetJobStatusIdempotent(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)

	// Pausing twice succeeds and leaves the job paused
	require.NoError(t, store.SetJobStatus(id, StatusPaused))
	require.NoError(t, store.SetJobStatus(id, StatusPaused))

	job, err := store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, job.Status)

	require.NoError(t, store.SetJobStatus(id, StatusActive))
	job, err = store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, job.Status)
}

func TestSetJobStatusNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.SetJobStatus("job_missing", StatusPaused)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSetJobInterval(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)

	require.NoError(t, store.SetJobInterval(id, 60))

	job, err := store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, 60, job.IntervalSeconds)

	err = store.SetJobInterval(id, 0)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestDeleteJob(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateJob(scriptJob("backup", 3600))
	require.NoError(t, err)

	require.NoError(t, store.DeleteJob(id))

	_, err = store.GetJob(id)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	// Deleting again reports NotFound
	err = store.DeleteJob(id)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestClaimDueJobs(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	dueID, err := store.CreateJob(scriptJob("due", 300))
	require.NoError(t, err)

	_, err = store.CreateJob(scriptJob("future", 300))
	require.NoError(t, err)
	// Push the second job into the future
	future := now.Add(10 * time.Minute)
	_, err = store.DB().Exec(`UPDATE jobs SET next_due_at = ? WHERE name = 'future'`, future.Format(time.RFC3339))
	require.NoError(t, err)

	pausedID, err := store.CreateJob(scriptJob("paused", 300))
	require.NoError(t, err)
	require.NoError(t, store.SetJobStatus(pausedID, StatusPaused))

	// Claim comfortably after creation; timestamps have second granularity
	claimAt := now.Add(2 * time.Second)
	claimed, err := store.ClaimDueJobs(claimAt)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, dueID, claimed[0].ID)

	// The claim advanced next_due_at past the claim time
	job, err := store.GetJob(dueID)
	require.NoError(t, err)
	assert.True(t, job.NextDueAt.After(claimAt))
}

func TestClaimDueJobsOncePerInterval(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	id, err := store.CreateJob(scriptJob("tick", 300))
	require.NoError(t, err)

	claimAt := now.Add(2 * time.Second)
	claimed, err := store.ClaimDueJobs(claimAt)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Ticking again within the interval claims nothing
	for i := 1; i <= 3; i++ {
		claimed, err = store.ClaimDueJobs(claimAt.Add(time.Duration(i) * time.Second))
		require.NoError(t, err)
		assert.Empty(t, claimed)
	}

	// After the interval elapses the job is claimable again
	claimed, err = store.ClaimDueJobs(claimAt.Add(301 * time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
}

func TestClaimDueJobsNoCatchUp(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateJob(scriptJob("overdue", 60))
	require.NoError(t, err)

	// Claim long after many intervals have been missed
	late := time.Now().UTC().Add(time.Hour)
	claimed, err := store.ClaimDueJobs(late)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// next_due_at advanced relative to the claim time, not the missed
	// intervals: exactly one more claim is owed after 60s.
	assert.Equal(t, late.Add(60*time.Second).Format(time.RFC3339),
		claimed[0].NextDueAt.Format(time.RFC3339))

	claimed, err = store.ClaimDueJobs(late.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestNextDueJob(t *testing.T) {
	store := newTestStore(t)

	job, err := store.NextDueJob()
	require.NoError(t, err)
	assert.Nil(t, job)

	soonID, err := store.CreateJob(scriptJob("soon", 60))
	require.NoError(t, err)
	_, err = store.CreateJob(scriptJob("later", 60))
	require.NoError(t, err)

	later := time.Now().UTC().Add(time.Hour)
	_, err = store.DB().Exec(`UPDATE jobs SET next_due_at = ? WHERE name = 'later'`, later.Format(time.RFC3339))
	require.NoError(t, err)

	job, err = store.NextDueJob()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, soonID, job.ID)
}
