package store

import "time"

// Run represents one concrete execution attempt of a job, with its own log
// file and terminal status.
type Run struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"job_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Status     string     `json:"status"`
	LogPath    string     `json:"log_path"`
}

// Run status constants
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusKilled    = "killed"
)

// Terminal reports whether the run has reached a terminal status
func (r *Run) Terminal() bool {
	return r.Status != RunStatusRunning
}
