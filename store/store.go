package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/teranos/runnerd/errors"
)

// Store handles persistence of job definitions and run history.
// It is the only owner of state: the scheduler and the control API mutate
// jobs exclusively through its transactional operations.
type Store struct {
	db      *sql.DB
	logsDir string
}

// NewStore creates a new store. logsDir is where per-run log files live;
// run records are created with their log path already assigned.
func NewStore(db *sql.DB, logsDir string) *Store {
	return &Store{db: db, logsDir: logsDir}
}

// DB exposes the underlying handle for lifecycle management (close on shutdown)
func (s *Store) DB() *sql.DB {
	return s.db
}

const jobColumns = "id, name, kind, interval_seconds, payload, status, created_at, next_due_at, last_run_id"

// CreateJob persists a new job definition and returns its id.
// The job is due immediately: next_due_at is set to created_at.
// Fails with Conflict if the name is already taken by a live job.
func (s *Store) CreateJob(job *Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	if job.ID == "" {
		job.ID = "job_" + uuid.NewString()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextDueAt.IsZero() {
		job.NextDueAt = job.CreatedAt
	}
	if job.Status == "" {
		job.Status = StatusActive
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		job.ID,
		job.Name,
		job.Kind,
		job.IntervalSeconds,
		string(job.Payload),
		job.Status,
		job.CreatedAt.Format(time.RFC3339),
		job.NextDueAt.Format(time.RFC3339),
		job.LastRunID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", errors.NewConflictf("job %q already exists", job.Name)
		}
		return "", errors.Wrap(errors.ErrStore, err.Error())
	}

	return job.ID, nil
}

// GetJob retrieves a job definition by id
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundf("job %s", id)
		}
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// GetJobByName retrieves a job definition by its unique name
func (s *Store) GetJobByName(name string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE name = ?`, name)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundf("job %q", name)
		}
		return nil, errors.Wrap(err, "failed to get job by name")
	}
	return job, nil
}

// ListJobs returns all job definitions ordered by creation time
func (s *Store) ListJobs() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetJobStatus updates the status of a job (Active or Paused).
// Repeated calls with the same status succeed (idempotent).
func (s *Store) SetJobStatus(id string, status string) error {
	if status != StatusActive && status != StatusPaused {
		return errors.NewValidationf("unknown job status %q", status)
	}

	result, err := s.db.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, err.Error())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrStore, err.Error())
	}
	if rows == 0 {
		return errors.NewNotFoundf("job %s", id)
	}
	return nil
}

// SetJobInterval updates the recurrence interval of a job
func (s *Store) SetJobInterval(id string, intervalSeconds int) error {
	if intervalSeconds <= 0 {
		return errors.NewValidationf("interval_seconds must be > 0, got %d", intervalSeconds)
	}

	result, err := s.db.Exec(`UPDATE jobs SET interval_seconds = ? WHERE id = ?`, intervalSeconds, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, err.Error())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrStore, err.Error())
	}
	if rows == 0 {
		return errors.NewNotFoundf("job %s", id)
	}
	return nil
}

// DeleteJob removes a job definition. Run history is retained for audit
// against the now-deleted job id. An in-flight run completes normally.
func (s *Store) DeleteJob(id string) error {
	result, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(errors.ErrStore, err.Error())
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrStore, err.Error())
	}
	if rows == 0 {
		return errors.NewNotFoundf("job %s", id)
	}
	return nil
}

// ClaimDueJobs atomically selects active jobs with next_due_at <= now and
// advances their next_due_at to now + interval in the same transaction.
// A job claimed at time t cannot be claimed again before t + interval,
// regardless of tick frequency or concurrent callers.
func (s *Store) ClaimDueJobs(now time.Time) ([]*Job, error) {
	now = now.UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ? AND next_due_at <= ?
		ORDER BY next_due_at ASC
	`, StatusActive, now.Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}

	var claimed []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan due job")
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}
	rows.Close()

	// Advance next_due_at relative to now, not the old due time, so an
	// overdue job does not "catch up" on missed intervals.
	for _, job := range claimed {
		next := now.Add(time.Duration(job.IntervalSeconds) * time.Second)
		if _, err := tx.Exec(`UPDATE jobs SET next_due_at = ? WHERE id = ?`,
			next.Format(time.RFC3339), job.ID); err != nil {
			return nil, errors.Wrap(errors.ErrStore, err.Error())
		}
		job.NextDueAt = next
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrStore, err.Error())
	}

	return claimed, nil
}

// NextDueJob returns the soonest-due active job, or nil when none exist
func (s *Store) NextDueJob() (*Job, error) {
	row := s.db.QueryRow(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ?
		ORDER BY next_due_at ASC
		LIMIT 1
	`, StatusActive)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get next due job")
	}
	return job, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var payload string
	var createdAt, nextDueAt string
	var lastRunID sql.NullInt64

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Kind,
		&job.IntervalSeconds,
		&payload,
		&job.Status,
		&createdAt,
		&nextDueAt,
		&lastRunID,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = []byte(payload)

	// Parse timestamps (an error here indicates data corruption or schema mismatch)
	job.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	job.NextDueAt, err = time.Parse(time.RFC3339, nextDueAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_due_at for job %s", job.ID)
	}

	if lastRunID.Valid {
		job.LastRunID = &lastRunID.Int64
	}

	return &job, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
