package executor

import "time"

// Request describes one child-process invocation.
type Request struct {
	ScriptPath    string            `json:"script_path"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	WorkingDir    string            `json:"working_dir,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	CaptureOutput bool              `json:"capture_output"`
	StreamOutput  bool              `json:"stream_output,omitempty"`

	// CorrelationID is stable across retries of the same logical run;
	// Attempt counts from 1. Both are set by the retry driver.
	CorrelationID string `json:"correlation_id,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
}

// Record is the immutable outcome of one child-process invocation. It is
// mutated only by the controller during Run and frozen on return.
type Record struct {
	ID              int64              `json:"id,omitempty"`
	ScriptPath      string             `json:"script_path"`
	Args            []string           `json:"args,omitempty"`
	ExitCode        int                `json:"exit_code"`
	Success         bool               `json:"success"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
	DurationSeconds float64            `json:"duration_seconds"`
	Stdout          string             `json:"stdout,omitempty"`
	Stderr          string             `json:"stderr,omitempty"`
	StdoutLines     int                `json:"stdout_lines"`
	StderrLines     int                `json:"stderr_lines"`
	Attempt         int                `json:"attempt_number"`
	TimedOut        bool               `json:"timed_out"`
	Cancelled       bool               `json:"cancelled"`
	CorrelationID   string             `json:"correlation_id,omitempty"`
	Error           string             `json:"error,omitempty"`
	Metrics         map[string]float64 `json:"metrics"`
}

// finalize freezes the derived fields. success holds exactly when the child
// exited zero and the run neither timed out nor was cancelled.
func (r *Record) finalize() {
	r.FinishedAt = time.Now()
	r.DurationSeconds = r.FinishedAt.Sub(r.StartedAt).Seconds()
	r.Success = r.ExitCode == 0 && !r.TimedOut && !r.Cancelled
	if r.Metrics == nil {
		r.Metrics = make(map[string]float64)
	}
	r.Metrics["execution_time_seconds"] = r.DurationSeconds
	r.Metrics["exit_code"] = float64(r.ExitCode)
	r.Metrics["stdout_lines"] = float64(r.StdoutLines)
	r.Metrics["stderr_lines"] = float64(r.StderrLines)
}
