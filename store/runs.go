package store

import (
	"database/sql"
	"path/filepath"
	"strconv"
	"time"

	"github.com/teranos/runnerd/errors"
)

const runColumns = "id, job_id, started_at, finished_at, exit_code, status, log_path"

// BeginRun creates a Running run record for the job and points the job's
// last_run_id at it, in one transaction. The record exists before the
// subprocess is spawned, so a crash between claim and spawn is still
// visible as a dangling Running record.
//
// Fails with Conflict if the job already has a Running record: at most one
// run per job is in flight at any instant.
func (s *Store) BeginRun(jobID string) (*Run, error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO runs (job_id, started_at, status, log_path)
		VALUES (?, ?, ?, '')
	`, jobID, now.Format(time.RFC3339), RunStatusRunning)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.NewConflictf("job %s already has a run in flight", jobID)
		}
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}

	// The log file is named from the run id, which only exists now.
	logPath := filepath.Join(s.logsDir, strconv.FormatInt(id, 10)+".log")
	if _, err := tx.Exec(`UPDATE runs SET log_path = ? WHERE id = ?`, logPath, id); err != nil {
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}

	// Jobs can be deleted while a run is in flight, so a missing row here
	// is not an error.
	if _, err := tx.Exec(`UPDATE jobs SET last_run_id = ? WHERE id = ?`, id, jobID); err != nil {
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}

	return &Run{
		ID:        id,
		JobID:     jobID,
		StartedAt: now,
		Status:    RunStatusRunning,
		LogPath:   logPath,
	}, nil
}

// FinishRun finalizes a Running record with its terminal status.
// exitCode is nil for runs that were killed or never spawned.
func (s *Store) FinishRun(runID int64, exitCode *int, status string) error {
	if status != RunStatusSucceeded && status != RunStatusFailed && status != RunStatusKilled {
		return errors.NewValidationf("%q is not a terminal run status", status)
	}

	result, err := s.db.Exec(`
		UPDATE runs
		SET finished_at = ?, exit_code = ?, status = ?
		WHERE id = ? AND status = ?
	`, time.Now().UTC().Format(time.RFC3339), exitCode, status, runID, RunStatusRunning)
	if err != nil {
		return errors.Wrap(errors.ErrStore, err.Error())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrStore, err.Error())
	}
	if rows == 0 {
		return errors.NewNotFoundf("running record %d", runID)
	}
	return nil
}

// GetRun retrieves a run record by id
func (s *Store) GetRun(runID int64) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundf("run %d", runID)
		}
		return nil, errors.Wrap(err, "failed to get run")
	}
	return run, nil
}

// ListRuns returns up to limit run records for a job, newest first
func (s *Store) ListRuns(jobID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT `+runColumns+`
		FROM runs
		WHERE job_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// HasRunningRun reports whether the job has a run in flight
func (s *Store) HasRunningRun(jobID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM runs WHERE job_id = ? AND status = ?)
	`, jobID, RunStatusRunning).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(errors.ErrStore, err.Error())
	}
	return exists, nil
}

// ReconcileOrphanedRuns marks all Running records as Killed. Called once at
// daemon startup: a record still Running at that point belonged to a
// previous daemon process, and its subprocess died with it.
func (s *Store) ReconcileOrphanedRuns() (int64, error) {
	result, err := s.db.Exec(`
		UPDATE runs
		SET finished_at = ?, status = ?
		WHERE status = ?
	`, time.Now().UTC().Format(time.RFC3339), RunStatusKilled, RunStatusRunning)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStore, err.Error())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrStore, err.Error())
	}
	return rows, nil
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var startedAt string
	var finishedAt sql.NullString
	var exitCode sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.JobID,
		&startedAt,
		&finishedAt,
		&exitCode,
		&run.Status,
		&run.LogPath,
	)
	if err != nil {
		return nil, err
	}

	run.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse started_at for run %d", run.ID)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse finished_at for run %d", run.ID)
		}
		run.FinishedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}

	return &run, nil
}
