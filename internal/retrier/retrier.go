// Package retrier wraps the execution controller with a named retry
// strategy. All attempts of one invocation share a correlation id; attempt
// numbers count from 1.
package retrier

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/runforge/runforge/internal/executor"
)

// Strategy names the delay curve between attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
)

// Policy configures the driver.
type Policy struct {
	Strategy         Strategy      `json:"strategy" yaml:"strategy"`
	MaxAttempts      int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay     time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay         time.Duration `json:"max_delay" yaml:"max_delay"`
	DisableJitter    bool          `json:"disable_jitter,omitempty" yaml:"disable_jitter,omitempty"`
	RetryOnExitCodes []int         `json:"retry_on_exit_codes,omitempty" yaml:"retry_on_exit_codes,omitempty"`
}

// DefaultPolicy runs once: retries are opt-in.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:     StrategyExponential,
		MaxAttempts:  1,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
	}
}

// Delay returns the closed-form delay after the given attempt (1-based),
// without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.InitialDelay
	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = base * time.Duration(attempt)
	case StrategyExponential:
		if attempt > 32 {
			attempt = 32 // shift overflow guard; MaxDelay caps the result anyway
		}
		d = base << uint(attempt-1)
	case StrategyFibonacci:
		d = base * time.Duration(fib(attempt))
	default: // fixed
		d = base
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return a
}

// jittered applies up to ±25% uniform jitter.
func (p Policy) jittered(d time.Duration) time.Duration {
	if p.DisableJitter || d <= 0 {
		return d
	}
	span := int64(float64(d) * 0.25)
	if span == 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*span+1)-span)
}

// shouldRetry reports whether the record is eligible for another attempt.
// Cancelled outcomes are never retried; the default predicate retries any
// non-zero exit.
func (p Policy) shouldRetry(rec *executor.Record) bool {
	if rec == nil || rec.Cancelled {
		return false
	}
	if rec.Success {
		return false
	}
	if len(p.RetryOnExitCodes) == 0 {
		return rec.ExitCode != 0
	}
	for _, code := range p.RetryOnExitCodes {
		if rec.ExitCode == code {
			return true
		}
	}
	return false
}

// AttemptFunc executes one attempt. The driver supplies the attempt number
// (from 1) and the shared correlation id.
type AttemptFunc func(ctx context.Context, attempt int, correlationID string) (*executor.Record, error)

// Driver invokes the execution controller up to MaxAttempts times.
type Driver struct {
	policy   Policy
	sink     executor.EventSink
	attempts metric.Int64Counter
	retries  metric.Int64Counter
}

func New(policy Policy, meter metric.Meter, sink executor.EventSink) *Driver {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if meter == nil {
		meter = otel.Meter("runforge-retrier")
	}
	if sink == nil {
		sink = executor.NopSink
	}
	attempts, _ := meter.Int64Counter("runforge_attempts_total")
	retries, _ := meter.Int64Counter("runforge_retries_total")
	return &Driver{policy: policy, sink: sink, attempts: attempts, retries: retries}
}

// Run drives fn until success, a non-retryable outcome, or attempt
// exhaustion. Exhaustion is not an error: the final record is returned
// either way. Errors from fn (validation) abort immediately.
func (d *Driver) Run(ctx context.Context, fn AttemptFunc) (*executor.Record, error) {
	correlationID := uuid.NewString()
	var rec *executor.Record
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		var err error
		rec, err = fn(ctx, attempt, correlationID)
		if err != nil {
			return nil, err
		}
		d.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("success", rec.Success),
		))
		d.sink.Emit(executor.Event{
			Type:      executor.EventAttemptComplete,
			Timestamp: time.Now(),
			Fields: map[string]any{
				"attempt":   attempt,
				"exit_code": rec.ExitCode,
				"success":   rec.Success,
			},
		})
		if rec.Success || !d.policy.shouldRetry(rec) || attempt == d.policy.MaxAttempts {
			return rec, nil
		}
		d.retries.Add(ctx, 1)
		delay := d.policy.jittered(d.policy.Delay(attempt))
		select {
		case <-ctx.Done():
			return rec, nil
		case <-time.After(delay):
		}
	}
	return rec, nil
}
