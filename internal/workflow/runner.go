package workflow

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/runforge/runforge/internal/executor"
	"github.com/runforge/runforge/internal/retrier"
)

// ExecRunner runs workflow tasks through the retry driver and a fresh
// execution controller per attempt. Workflow tasks may name any executable,
// so the suffix policy is disabled; the allow root still applies.
type ExecRunner struct {
	AllowRoot  string
	WorkingDir string
	Sink       executor.EventSink
	Meter      metric.Meter
}

func (r *ExecRunner) RunTask(ctx context.Context, task *Task) (*executor.Record, error) {
	driver := retrier.New(task.Retry, r.Meter, r.Sink)
	return driver.Run(ctx, func(ctx context.Context, attempt int, correlationID string) (*executor.Record, error) {
		ctrl := executor.New(executor.Config{
			AllowRoot: r.AllowRoot,
			Suffixes:  executor.AnySuffix,
			Sink:      r.Sink,
			Meter:     r.Meter,
		})
		return ctrl.Run(ctx, executor.Request{
			ScriptPath:    task.Argv[0],
			Args:          task.Argv[1:],
			Env:           task.Env,
			WorkingDir:    r.WorkingDir,
			Timeout:       task.Timeout,
			CaptureOutput: true,
			CorrelationID: correlationID,
			Attempt:       attempt,
		})
	})
}
