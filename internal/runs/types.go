// Package runs is the control-plane run registry: an in-memory index of every
// known run, a durable sidecar store upserted on each state transition, and a
// bounded worker pool that drives executions through the retry driver.
package runs

import (
	"time"

	"github.com/runforge/runforge/internal/executor"
)

// RunStatus is the control-plane lifecycle state of a run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s RunStatus) Finished() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RunRequest is the submitted run, as accepted by the control plane.
type RunRequest struct {
	ScriptPath     string            `json:"script_path" validate:"required"`
	Args           []string          `json:"args,omitempty" validate:"max=50"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	TimeoutSeconds float64           `json:"timeout,omitempty" validate:"omitempty,gt=0"`
	CaptureOutput  bool              `json:"capture_output,omitempty"`
}

func (r RunRequest) timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

// ErrorSummary is the condensed failure shape attached to failed runs.
type ErrorSummary struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RunRecord is the control-plane view of one run; distinct from the
// execution record, which it embeds as Result once the run finishes.
type RunRecord struct {
	RunID         string           `json:"run_id"`
	Status        RunStatus        `json:"status"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	Request       RunRequest       `json:"request"`
	Result        *executor.Record `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	RunStatus     RunStatus        `json:"run_status"`
	ErrorSummary  *ErrorSummary    `json:"error_summary,omitempty"`
}

// clone returns a shallow copy safe to hand out of the registry lock.
func (r *RunRecord) clone() *RunRecord {
	cp := *r
	return &cp
}
