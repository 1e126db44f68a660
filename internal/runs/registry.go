package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/runforge/runforge/internal/alerts"
	"github.com/runforge/runforge/internal/executor"
	"github.com/runforge/runforge/internal/history"
	"github.com/runforge/runforge/internal/retrier"
)

var (
	ErrNotFound    = errors.New("run not found")
	ErrRunFinished = errors.New("run already finished")
	ErrRunActive   = errors.New("run still active")
)

const (
	defaultWorkers  = 8
	startupPrefetch = 200
)

// Config wires the registry's collaborators. Store, History and Alerts are
// optional; a nil Store keeps runs memory-only.
type Config struct {
	AllowRoot      string
	Suffixes       []string
	GracePeriod    time.Duration
	SampleInterval time.Duration
	Workers        int
	Retry          retrier.Policy
	Store          *Sidecar
	History        *history.Store
	Alerts         *alerts.Evaluator
	Meter          metric.Meter
}

// entry pairs the public record with the per-active-run side data that never
// leaves the process: the cancel handle, the controller and the event ring.
type entry struct {
	rec  *RunRecord
	ctrl *executor.Controller
	ring *EventRing
	done chan struct{}
}

// Registry is the in-memory run index plus the worker pool that executes
// queued runs. The mutex guards only the index; each run's executor state
// belongs to its entry.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry

	sem     chan struct{}
	wg      sync.WaitGroup
	rootCtx context.Context
	stop    context.CancelFunc

	runsFinished metric.Int64Counter
}

// NewRegistry builds the registry and rebuilds the index from the sidecar.
// Runs that were in flight when a previous process died are marked failed.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter("runforge-runs")
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = retrier.DefaultPolicy()
	}
	runsFinished, _ := cfg.Meter.Int64Counter("runforge_runs_finished_total")

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:          cfg,
		entries:      make(map[string]*entry),
		sem:          make(chan struct{}, cfg.Workers),
		rootCtx:      ctx,
		stop:         cancel,
		runsFinished: runsFinished,
	}

	if cfg.Store != nil {
		recent, err := cfg.Store.LoadRecent(context.Background(), startupPrefetch)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("rebuild run index: %w", err)
		}
		for _, rec := range recent {
			if !rec.Status.Finished() {
				now := time.Now()
				rec.Status = StatusFailed
				rec.RunStatus = StatusFailed
				rec.FinishedAt = &now
				rec.Error = "orphaned by process restart"
				rec.ErrorSummary = &ErrorSummary{Type: "orphaned", Message: rec.Error}
				if err := cfg.Store.Upsert(context.Background(), rec); err != nil {
					slog.Warn("persist orphaned run", "run_id", rec.RunID, "error", err)
				}
			}
			r.entries[rec.RunID] = &entry{rec: rec}
		}
	}
	return r, nil
}

// Close cancels every active run and waits for the workers to drain.
func (r *Registry) Close() {
	r.CancelAll()
	r.stop()
	r.wg.Wait()
}

// Enqueue registers a run and hands it to the worker pool. The request must
// already be validated by the caller.
func (r *Registry) Enqueue(ctx context.Context, req RunRequest) (*RunRecord, error) {
	rec := &RunRecord{
		RunID:     uuid.NewString(),
		Status:    StatusQueued,
		RunStatus: StatusQueued,
		StartedAt: time.Now(),
		Request:   req,
	}
	ring := NewEventRing(DefaultRingSize)
	ctrl := executor.New(executor.Config{
		AllowRoot:      r.cfg.AllowRoot,
		Suffixes:       r.cfg.Suffixes,
		SampleInterval: r.cfg.SampleInterval,
		GracePeriod:    r.cfg.GracePeriod,
		Sink:           ring,
		Meter:          r.cfg.Meter,
	})
	e := &entry{rec: rec, ctrl: ctrl, ring: ring, done: make(chan struct{})}

	r.mu.Lock()
	r.entries[rec.RunID] = e
	r.mu.Unlock()
	r.persist(rec)

	r.wg.Add(1)
	go r.work(e)
	return rec.clone(), nil
}

func (r *Registry) work(e *entry) {
	defer r.wg.Done()
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-r.rootCtx.Done():
		r.finish(e, nil, errors.New("registry shutting down"))
		return
	}

	r.mu.Lock()
	e.rec.Status = StatusRunning
	e.rec.RunStatus = StatusRunning
	e.rec.StartedAt = time.Now()
	rec := e.rec.clone()
	req := e.rec.Request
	r.mu.Unlock()
	r.persist(rec)

	driver := retrier.New(r.cfg.Retry, r.cfg.Meter, e.ring)
	result, err := driver.Run(r.rootCtx, func(ctx context.Context, attempt int, correlationID string) (*executor.Record, error) {
		return e.ctrl.Run(ctx, executor.Request{
			ScriptPath:    req.ScriptPath,
			Args:          req.Args,
			Env:           req.EnvVars,
			WorkingDir:    req.WorkingDir,
			Timeout:       req.timeout(),
			CaptureOutput: true,
			CorrelationID: correlationID,
			Attempt:       attempt,
		})
	})
	r.finish(e, result, err)
}

// finish records the terminal state, persists it, archives to history and
// feeds the alert evaluator.
func (r *Registry) finish(e *entry, result *executor.Record, err error) {
	now := time.Now()

	r.mu.Lock()
	rec := e.rec
	rec.FinishedAt = &now
	rec.Result = result
	switch {
	case err != nil:
		rec.Status = StatusFailed
		rec.Error = err.Error()
		rec.ErrorSummary = &ErrorSummary{Type: "validation", Message: err.Error()}
	case result == nil:
		rec.Status = StatusFailed
		rec.Error = "no execution record"
		rec.ErrorSummary = &ErrorSummary{Type: "internal", Message: rec.Error}
	case result.Cancelled:
		rec.Status = StatusCancelled
		rec.Error = result.Error
	case result.Success:
		rec.Status = StatusCompleted
	default:
		rec.Status = StatusFailed
		rec.Error = result.Error
		rec.ErrorSummary = &ErrorSummary{
			Type:    "execution",
			Message: fmt.Sprintf("exit code %d", result.ExitCode),
		}
	}
	rec.RunStatus = rec.Status
	if result != nil {
		rec.CorrelationID = result.CorrelationID
	}
	out := rec.clone()
	if e.done != nil {
		close(e.done)
	}
	r.mu.Unlock()

	r.persist(out)
	r.runsFinished.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", string(out.Status))))

	if result == nil {
		return
	}
	if r.cfg.History != nil {
		if _, herr := r.cfg.History.SaveExecution(context.Background(), result); herr != nil {
			slog.Error("save execution history", "run_id", out.RunID, "error", herr)
		}
	}
	if r.cfg.Alerts != nil {
		r.cfg.Alerts.Evaluate(context.Background(), result.Metrics)
	}
}

func (r *Registry) persist(rec *RunRecord) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.Upsert(context.Background(), rec); err != nil {
		slog.Error("persist run", "run_id", rec.RunID, "error", err)
	}
}

// Get returns a copy of one run record.
func (r *Registry) Get(id string) (*RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.rec.clone(), nil
}

// Wait blocks until the run reaches a terminal state and returns its record.
func (r *Registry) Wait(ctx context.Context, id string) (*RunRecord, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.rec.Status.Finished() || e.done == nil {
		out := e.rec.clone()
		r.mu.Unlock()
		return out, nil
	}
	done := e.done
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return r.Get(id)
	}
}

// List returns records newest first, optionally filtered by status.
func (r *Registry) List(limit, offset int, status RunStatus) []*RunRecord {
	r.mu.Lock()
	all := make([]*RunRecord, 0, len(r.entries))
	for _, e := range r.entries {
		if status != "" && e.rec.Status != status {
			continue
		}
		all = append(all, e.rec.clone())
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if offset >= len(all) {
		return []*RunRecord{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// control applies a controller operation to an unfinished run.
func (r *Registry) control(id string, op func(*executor.Controller)) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	var ctrl *executor.Controller
	var finished bool
	if ok {
		ctrl = e.ctrl
		finished = e.rec.Status.Finished()
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if finished || ctrl == nil {
		return ErrRunFinished
	}
	op(ctrl)
	return nil
}

func (r *Registry) Cancel(id string) error {
	return r.control(id, func(c *executor.Controller) { c.Cancel() })
}

func (r *Registry) Stop(id string) error {
	return r.control(id, func(c *executor.Controller) { c.Stop() })
}

func (r *Registry) Kill(id string) error {
	return r.control(id, func(c *executor.Controller) { c.Kill() })
}

// Restart re-enqueues a finished run's original request under a fresh id.
// A run that is still queued or running cannot be restarted; doing so would
// race a duplicate against the in-flight attempt.
func (r *Registry) Restart(ctx context.Context, id string) (*RunRecord, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	var req RunRequest
	var finished bool
	if ok {
		req = e.rec.Request
		finished = e.rec.Status.Finished()
	}
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !finished {
		return nil, ErrRunActive
	}
	return r.Enqueue(ctx, req)
}

// CancelAll stops every run that has not finished.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	var ctrls []*executor.Controller
	for _, e := range r.entries {
		if !e.rec.Status.Finished() && e.ctrl != nil {
			ctrls = append(ctrls, e.ctrl)
		}
	}
	r.mu.Unlock()
	for _, c := range ctrls {
		c.Cancel()
	}
}

// Logs returns the captured stdout and stderr of a finished run.
func (r *Registry) Logs(id string) (stdout, stderr string, err error) {
	rec, err := r.Get(id)
	if err != nil {
		return "", "", err
	}
	if rec.Result == nil {
		return "", "", nil
	}
	return rec.Result.Stdout, rec.Result.Stderr, nil
}

// Events dumps the run's event ring, oldest first.
func (r *Registry) Events(id string) ([]executor.Event, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if e.ring == nil {
		return []executor.Event{}, nil
	}
	return e.ring.Snapshot(), nil
}

// Stats summarises the registry for the stats endpoint.
type Stats struct {
	TotalRuns int            `json:"total_runs"`
	ByStatus  map[string]int `json:"by_status"`
	Runs24h   int            `json:"runs_24h"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{ByStatus: make(map[string]int)}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, e := range r.entries {
		st.TotalRuns++
		st.ByStatus[string(e.rec.Status)]++
		if e.rec.StartedAt.After(cutoff) {
			st.Runs24h++
		}
	}
	return st
}
