package workflow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/runforge/runforge/internal/executor"
	"github.com/runforge/runforge/internal/predicate"
)

// Status of one task within a workflow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Workflow terminal states.
const (
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
	WorkflowAborted   = "aborted"
)

// TaskResult is the recorded outcome of one task node.
type TaskResult struct {
	TaskID    string    `json:"task_id"`
	Status    Status    `json:"status"`
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
}

// Result is the outcome of one workflow execution.
type Result struct {
	WorkflowID  string                 `json:"workflow_id"`
	Name        string                 `json:"name"`
	Status      string                 `json:"status"`
	StartTime   time.Time              `json:"start_time"`
	EndTime     time.Time              `json:"end_time"`
	TaskResults map[string]*TaskResult `json:"task_results"`
}

// TaskRunner executes one task node to completion (including retries) and
// returns the final execution record.
type TaskRunner interface {
	RunTask(ctx context.Context, task *Task) (*executor.Record, error)
}

// Engine schedules a validated DAG with bounded parallelism. The scheduler
// itself is a single goroutine woken by a condition variable when tasks
// finish; only task execution runs in parallel.
type Engine struct {
	maxParallel int
	tracer      trace.Tracer

	taskDuration metric.Float64Histogram
	taskFailures metric.Int64Counter
	parallelism  metric.Int64UpDownCounter
}

func NewEngine(maxParallel int, meter metric.Meter) *Engine {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	if meter == nil {
		meter = otel.Meter("runforge-workflow")
	}
	taskDuration, _ := meter.Float64Histogram("runforge_workflow_task_duration_seconds")
	taskFailures, _ := meter.Int64Counter("runforge_workflow_task_failures_total")
	parallelism, _ := meter.Int64UpDownCounter("runforge_workflow_parallelism")
	return &Engine{
		maxParallel:  maxParallel,
		tracer:       otel.Tracer("runforge-workflow"),
		taskDuration: taskDuration,
		taskFailures: taskFailures,
		parallelism:  parallelism,
	}
}

// state is the mutable scheduler bookkeeping, guarded by mu.
type state struct {
	mu   sync.Mutex
	cond *sync.Cond

	results  map[string]*TaskResult
	launched map[string]bool
	// blocked tracks skips caused by a failed (or transitively blocked)
	// dependency; those propagate downstream, unlike skip_if skips.
	blocked map[string]bool
	metrics map[string]float64
	running int
}

func (st *state) terminal(id string) bool {
	r, ok := st.results[id]
	if !ok {
		return false
	}
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Execute runs every task of the DAG to a terminal state and returns the
// aggregate result. Cancelling ctx stops running tasks (through their
// execution controllers) and skips everything not yet launched.
func (e *Engine) Execute(ctx context.Context, dag *DAG, runner TaskRunner) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow", dag.Name),
			attribute.Int("tasks", len(dag.Tasks)),
		),
	)
	defer span.End()

	res := &Result{
		WorkflowID:  dag.Name,
		Name:        dag.Name,
		StartTime:   time.Now(),
		TaskResults: make(map[string]*TaskResult),
	}
	st := &state{
		results:  res.TaskResults,
		launched: make(map[string]bool),
		blocked:  make(map[string]bool),
		metrics:  make(map[string]float64),
	}
	st.cond = sync.NewCond(&st.mu)

	for id := range dag.Tasks {
		st.results[id] = &TaskResult{TaskID: id, Status: StatusPending}
	}

	// Wake the scheduler when the caller cancels.
	stopWatch := context.AfterFunc(ctx, func() {
		st.mu.Lock()
		st.cond.Broadcast()
		st.mu.Unlock()
	})
	defer stopWatch()

	st.mu.Lock()
	for {
		if ctx.Err() != nil {
			e.skipRemaining(st, "workflow cancelled")
		}
		done := true
		for id := range dag.Tasks {
			if !st.terminal(id) {
				done = false
				break
			}
		}
		if done && st.running == 0 {
			break
		}
		progressed := e.schedule(ctx, dag, st, runner)
		if !progressed {
			st.cond.Wait()
		}
	}
	st.mu.Unlock()

	res.EndTime = time.Now()
	res.Status = WorkflowCompleted
	if ctx.Err() != nil {
		res.Status = WorkflowAborted
	} else {
		for _, tr := range res.TaskResults {
			if tr.Status == StatusFailed {
				res.Status = WorkflowFailed
				break
			}
		}
	}
	span.SetAttributes(attribute.String("status", res.Status))
	return res, nil
}

// schedule launches or skips every currently ready task, bounded by the
// parallelism ceiling. Caller holds st.mu. Reports whether any state changed.
func (e *Engine) schedule(ctx context.Context, dag *DAG, st *state, runner TaskRunner) bool {
	if ctx.Err() != nil {
		return false
	}
	ready := e.readyTasks(dag, st)
	progressed := false
	for _, t := range ready {
		// Blocked branch: a failed or blocked dependency skips the task
		// unless it opted into run_always.
		if !t.RunAlways && e.dependencyBlocked(t, st) {
			e.markSkipped(st, t.ID, "dependency failed", true)
			progressed = true
			continue
		}
		if t.SkipIf != "" {
			if skip := e.evalSkip(t, st); skip {
				e.markSkipped(st, t.ID, "skip_if condition met", false)
				progressed = true
				continue
			}
		}
		if st.running >= e.maxParallel {
			break
		}
		st.launched[t.ID] = true
		st.running++
		tr := st.results[t.ID]
		tr.Status = StatusRunning
		tr.StartTime = time.Now()
		progressed = true
		go e.runTask(ctx, t, st, runner)
	}
	return progressed
}

// readyTasks returns unlaunched tasks whose dependencies are all terminal,
// ordered by priority then insertion order.
func (e *Engine) readyTasks(dag *DAG, st *state) []*Task {
	var ready []*Task
	for id, t := range dag.Tasks {
		if st.launched[id] || st.terminal(id) {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if !st.terminal(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].index < ready[j].index
	})
	return ready
}

func (e *Engine) dependencyBlocked(t *Task, st *state) bool {
	for _, dep := range t.DependsOn {
		if r := st.results[dep]; r != nil && r.Status == StatusFailed {
			return true
		}
		if st.blocked[dep] {
			return true
		}
	}
	return false
}

// Numeric encoding of statuses for skip_if comparisons: completed=0,
// failed=1, skipped=2.
var statusCodes = map[Status]float64{
	StatusCompleted: 0,
	StatusFailed:    1,
	StatusSkipped:   2,
}

type wfContext struct{ st *state }

func (c wfContext) Lookup(ref predicate.Ref) (float64, bool) {
	if ref.Task == "" {
		v, ok := c.st.metrics[ref.Attr]
		return v, ok
	}
	r, ok := c.st.results[ref.Task]
	if !ok {
		return 0, false
	}
	switch ref.Attr {
	case predicate.AttrExitCode:
		return float64(r.ExitCode), true
	case predicate.AttrStatus:
		code, ok := statusCodes[r.Status]
		return code, ok
	case predicate.AttrDuration:
		return r.Duration, true
	}
	return 0, false
}

func (e *Engine) evalSkip(t *Task, st *state) bool {
	cond, err := predicate.Parse(t.SkipIf)
	if err != nil {
		slog.Warn("ignoring malformed skip_if", "task", t.ID, "error", err)
		return false
	}
	skip, ok := cond.Eval(wfContext{st: st})
	return ok && skip
}

// markSkipped records a terminal skip. Caller holds st.mu.
func (e *Engine) markSkipped(st *state, id, reason string, blocked bool) {
	tr := st.results[id]
	now := time.Now()
	tr.Status = StatusSkipped
	tr.StartTime = now
	tr.EndTime = now
	tr.Error = reason
	st.launched[id] = true
	if blocked {
		st.blocked[id] = true
	}
}

// skipRemaining skips every task not yet launched. Caller holds st.mu.
func (e *Engine) skipRemaining(st *state, reason string) {
	for id, tr := range st.results {
		if !st.launched[id] && tr.Status == StatusPending {
			e.markSkipped(st, id, reason, false)
		}
	}
}

func (e *Engine) runTask(ctx context.Context, t *Task, st *state, runner TaskRunner) {
	e.parallelism.Add(ctx, 1)
	rec, err := runner.RunTask(ctx, t)
	e.parallelism.Add(ctx, -1)

	st.mu.Lock()
	defer func() {
		st.running--
		st.cond.Broadcast()
		st.mu.Unlock()
	}()

	tr := st.results[t.ID]
	tr.EndTime = time.Now()
	tr.Duration = tr.EndTime.Sub(tr.StartTime).Seconds()
	if err != nil {
		tr.Status = StatusFailed
		tr.ExitCode = -1
		tr.Error = err.Error()
		e.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task", t.ID)))
		return
	}
	tr.ExitCode = rec.ExitCode
	tr.Stdout = rec.Stdout
	tr.Stderr = rec.Stderr
	tr.Attempts = rec.Attempt
	tr.Error = rec.Error
	if rec.Success {
		tr.Status = StatusCompleted
		for name, v := range rec.Metrics {
			st.metrics[name] = v
		}
	} else {
		tr.Status = StatusFailed
		e.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task", t.ID)))
	}
	e.taskDuration.Record(ctx, tr.Duration, metric.WithAttributes(
		attribute.String("task", t.ID),
		attribute.String("status", string(tr.Status)),
	))
}
