// Package executor owns the lifecycle of exactly one child process per run:
// spawn, output capture, resource sampling, timeout, cooperative stop,
// forced kill, and metric aggregation. Callers compose it with the history
// store and the retry driver; the controller itself never persists anything.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/runforge/runforge/internal/sampler"
)

const (
	// DefaultGracePeriod is how long Stop waits between the soft signal and
	// the forced kill.
	DefaultGracePeriod = 5 * time.Second

	defaultMaxOutputBytes = 10 << 20
	defaultMaxOutputLines = 100_000
)

// ErrCancelledBeforeStart is recorded when a cancel arrives before spawn.
const cancelledBeforeStartMsg = "Run cancelled before start"

// Config carries the policy shared by all runs of one controller owner.
type Config struct {
	AllowRoot      string
	Suffixes       []string // nil = DefaultSuffixes; AnySuffix disables the check
	SampleInterval time.Duration
	GracePeriod    time.Duration
	MaxOutputBytes int
	MaxOutputLines int
	Sink           EventSink
	Meter          metric.Meter
}

// Controller runs one child process and produces one execution record.
// Run blocks its caller; Stop/Kill are safe from other goroutines and are
// idempotent after the first effective call.
type Controller struct {
	cfg    Config
	tracer trace.Tracer

	runDuration metric.Float64Histogram
	runFailures metric.Int64Counter

	mu        sync.Mutex
	stopped   bool
	killed    bool
	stopCh    chan struct{}
	killCh    chan struct{}
	proc      *os.Process
}

// New creates a controller. A zero Config is usable: default suffix policy,
// default grace period, no event sink.
func New(cfg Config) *Controller {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.MaxOutputLines <= 0 {
		cfg.MaxOutputLines = defaultMaxOutputLines
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter("runforge-executor")
	}
	runDuration, _ := cfg.Meter.Float64Histogram("runforge_run_duration_seconds")
	runFailures, _ := cfg.Meter.Int64Counter("runforge_run_failures_total")
	return &Controller{
		cfg:         cfg,
		tracer:      otel.Tracer("runforge-executor"),
		runDuration: runDuration,
		runFailures: runFailures,
		stopCh:      make(chan struct{}),
		killCh:      make(chan struct{}),
	}
}

// Stop requests cooperative termination: soft signal to the process group,
// grace period, then forced kill. Honoured even before spawn.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
}

// Cancel is Stop; the distinction is carried by the caller's status mapping.
func (c *Controller) Cancel() { c.Stop() }

// Kill skips the grace period and force-terminates immediately.
func (c *Controller) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.killed {
		c.killed = true
		close(c.killCh)
	}
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
}

func (c *Controller) cancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Run validates the request, spawns the script as a separate process (argv is
// passed as a list, never joined into a shell) and supervises it to
// completion. The script is exec'd directly with no implicit interpreter, so
// it needs the exec bit and, for interpreted scripts, a shebang line; a
// script the kernel cannot exec yields a spawn-failure record. The returned
// error covers validation only; spawn and runtime failures are folded into
// the record.
func (c *Controller) Run(ctx context.Context, req Request) (*Record, error) {
	ctx, span := c.tracer.Start(ctx, "executor.run",
		trace.WithAttributes(attribute.String("script", req.ScriptPath)),
	)
	defer span.End()

	resolved, err := ValidatePath(req.ScriptPath, c.cfg.AllowRoot, c.cfg.Suffixes)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ScriptPath:    resolved,
		Args:          req.Args,
		Attempt:       req.Attempt,
		CorrelationID: req.CorrelationID,
		StartedAt:     time.Now(),
		Metrics:       make(map[string]float64),
	}
	if rec.Attempt == 0 {
		rec.Attempt = 1
	}

	emit(c.cfg.Sink, EventStart, map[string]any{
		"script":  resolved,
		"attempt": rec.Attempt,
	})

	// A cancel that arrives before spawn must be honoured without creating
	// a process.
	if c.cancelRequested() || ctx.Err() != nil {
		rec.Cancelled = true
		rec.ExitCode = -1
		rec.Error = cancelledBeforeStartMsg
		rec.finalize()
		emit(c.cfg.Sink, EventFinish, map[string]any{"status": "cancelled"})
		return rec, nil
	}

	var stdoutStream, stderrStream func(string)
	if req.StreamOutput {
		stdoutStream = func(line string) {
			emit(c.cfg.Sink, EventOutputLine, map[string]any{"stream": "stdout", "line": line})
		}
		stderrStream = func(line string) {
			emit(c.cfg.Sink, EventOutputLine, map[string]any{"stream": "stderr", "line": line})
		}
	}
	stdout := newCaptureWriter(c.cfg.MaxOutputBytes, c.cfg.MaxOutputLines, stdoutStream)
	stderr := newCaptureWriter(c.cfg.MaxOutputBytes, c.cfg.MaxOutputLines, stderrStream)

	argv := append([]string{resolved}, req.Args...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	if req.CaptureOutput || req.StreamOutput {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}
	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		rec.ExitCode = -1
		rec.Error = "spawn failed: " + err.Error()
		rec.finalize()
		c.runFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "spawn")))
		emit(c.cfg.Sink, EventFinish, map[string]any{"status": "failed", "error": rec.Error})
		return rec, nil
	}

	c.mu.Lock()
	c.proc = cmd.Process
	c.mu.Unlock()

	emit(c.cfg.Sink, EventSpawned, map[string]any{"pid": cmd.Process.Pid})

	smp := sampler.Start(int32(cmd.Process.Pid), c.cfg.SampleInterval)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		t := time.NewTimer(req.Timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timeoutCh:
		rec.TimedOut = true
		waitErr = c.terminate(cmd, waitCh)
	case <-c.stopCh:
		rec.Cancelled = true
		waitErr = c.terminate(cmd, waitCh)
	case <-ctx.Done():
		rec.Cancelled = true
		waitErr = c.terminate(cmd, waitCh)
	}

	// Cancel takes precedence over timeout when both fire within the grace
	// window.
	if c.cancelRequested() {
		rec.Cancelled = true
	}
	if rec.Cancelled {
		c.mu.Lock()
		killed := c.killed
		c.mu.Unlock()
		if killed {
			rec.Error = "killed"
		} else if rec.Error == "" {
			rec.Error = "Run cancelled by user"
		}
	}

	agg := smp.Stop()
	for k, v := range agg.Metrics() {
		rec.Metrics[k] = v
	}

	rec.ExitCode = exitCode(cmd, waitErr)
	var outTrunc, errTrunc bool
	rec.Stdout, rec.StdoutLines, outTrunc = stdout.snapshot()
	rec.Stderr, rec.StderrLines, errTrunc = stderr.snapshot()
	if outTrunc || errTrunc {
		rec.Metrics["output_truncated"] = 1
	}
	rec.finalize()

	emit(c.cfg.Sink, EventMetricSummary, map[string]any{
		"cpu_max":       agg.CPUMax,
		"memory_max_mb": agg.MemoryMaxMB,
		"samples":       agg.Samples,
	})

	status := "completed"
	switch {
	case rec.Cancelled:
		status = "cancelled"
	case rec.TimedOut:
		status = "timed_out"
	case rec.ExitCode != 0:
		status = "failed"
	}
	if !rec.Success {
		c.runFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", status)))
	}
	c.runDuration.Record(ctx, rec.DurationSeconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
	emit(c.cfg.Sink, EventFinish, map[string]any{
		"status":    status,
		"exit_code": rec.ExitCode,
	})
	return rec, nil
}

// terminate signals the process group softly, waits the grace period (cut
// short by a Kill), then forces the kill.
func (c *Controller) terminate(cmd *exec.Cmd, waitCh <-chan error) error {
	signalGroupTerm(cmd)
	select {
	case err := <-waitCh:
		return err
	case <-c.killCh:
	case <-time.After(c.cfg.GracePeriod):
	}
	signalGroupKill(cmd)
	return <-waitCh
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if waitErr != nil {
		slog.Debug("wait failed without process state", "error", waitErr)
		return -1
	}
	return 0
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
