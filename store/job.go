// Package store provides the durable, transactional registry of job
// definitions and run history backing the runner daemon.
package store

import (
	"encoding/json"
	"time"

	"github.com/teranos/runnerd/errors"
)

// Job represents a named, recurring unit of scheduled work
type Job struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Kind            string          `json:"kind"`
	IntervalSeconds int             `json:"interval_seconds"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	NextDueAt       time.Time       `json:"next_due_at"`
	LastRunID       *int64          `json:"last_run_id,omitempty"`
}

// Job kind constants
const (
	KindStrategy = "strategy" // external strategy action invocation
	KindScript   = "script"   // arbitrary command invocation
)

// Job status constants
const (
	StatusActive = "active" // job is claimed by the scheduler when due
	StatusPaused = "paused" // job is temporarily paused by user
)

// ScriptPayload is the runnable unit of a script job.
// Command may be a shell-style string that is split at spawn time when
// Args is empty.
type ScriptPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// StrategyPayload identifies an external strategy invocation.
// The strategy runtime is an opaque collaborator.
type StrategyPayload struct {
	StrategyName string `json:"strategy_name"`
	Action       string `json:"action"`
	ConfigPath   string `json:"config_path,omitempty"`
}

// ValidKind reports whether kind is a known job kind
func ValidKind(kind string) bool {
	return kind == KindStrategy || kind == KindScript
}

// Validate checks the definition invariants before it is persisted
func (j *Job) Validate() error {
	if j.Name == "" {
		return errors.NewValidationf("job name is required")
	}
	if !ValidKind(j.Kind) {
		return errors.NewValidationf("unknown job kind %q", j.Kind)
	}
	if j.IntervalSeconds <= 0 {
		return errors.NewValidationf("interval_seconds must be > 0, got %d", j.IntervalSeconds)
	}
	switch j.Kind {
	case KindScript:
		var p ScriptPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return errors.NewValidationf("invalid script payload: %v", err)
		}
		if p.Command == "" {
			return errors.NewValidationf("script payload requires a command")
		}
	case KindStrategy:
		var p StrategyPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return errors.NewValidationf("invalid strategy payload: %v", err)
		}
		if p.StrategyName == "" || p.Action == "" {
			return errors.NewValidationf("strategy payload requires strategy_name and action")
		}
	}
	return nil
}
