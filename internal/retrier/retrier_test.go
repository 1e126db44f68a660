package retrier

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/runforge/runforge/internal/executor"
)

func newTestDriver(p Policy) *Driver {
	mp := noopmetric.MeterProvider{}
	return New(p, mp.Meter("test"), nil)
}

func TestDelayCurves(t *testing.T) {
	base := 100 * time.Millisecond
	cases := []struct {
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{StrategyFixed, 1, base},
		{StrategyFixed, 5, base},
		{StrategyLinear, 1, base},
		{StrategyLinear, 3, 3 * base},
		{StrategyExponential, 1, base},
		{StrategyExponential, 4, 8 * base},
		{StrategyFibonacci, 1, base},
		{StrategyFibonacci, 2, base},
		{StrategyFibonacci, 5, 5 * base},
		{StrategyFibonacci, 6, 8 * base},
	}
	for _, tc := range cases {
		p := Policy{Strategy: tc.strategy, InitialDelay: base}
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("%s attempt %d: got %v, want %v", tc.strategy, tc.attempt, got, tc.want)
		}
	}
}

func TestDelayCappedByMax(t *testing.T) {
	p := Policy{Strategy: StrategyExponential, InitialDelay: time.Second, MaxDelay: 5 * time.Second}
	if got := p.Delay(10); got != 5*time.Second {
		t.Fatalf("delay not capped: %v", got)
	}
	// Large attempt numbers must not overflow the shift.
	if got := p.Delay(100); got != 5*time.Second {
		t.Fatalf("large attempt delay: %v", got)
	}
}

func TestJitterBounds(t *testing.T) {
	p := Policy{Strategy: StrategyFixed, InitialDelay: time.Second}
	for i := 0; i < 200; i++ {
		d := p.jittered(p.Delay(1))
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±25%%", d)
		}
	}
}

func TestJitterDisabled(t *testing.T) {
	p := Policy{Strategy: StrategyFixed, InitialDelay: time.Second, DisableJitter: true}
	if d := p.jittered(p.Delay(1)); d != time.Second {
		t.Fatalf("jitter applied despite DisableJitter: %v", d)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	d := newTestDriver(Policy{
		Strategy:      StrategyFixed,
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		DisableJitter: true,
	})
	calls := 0
	rec, err := d.Run(context.Background(), func(_ context.Context, attempt int, correlationID string) (*executor.Record, error) {
		calls++
		if correlationID == "" {
			t.Fatal("missing correlation id")
		}
		if attempt != calls {
			t.Fatalf("attempt %d on call %d", attempt, calls)
		}
		r := &executor.Record{Attempt: attempt, CorrelationID: correlationID}
		if attempt < 3 {
			r.ExitCode = 1
		}
		r.Success = r.ExitCode == 0
		return r, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if calls != 3 || !rec.Success || rec.Attempt != 3 {
		t.Fatalf("calls=%d record=%+v", calls, rec)
	}
}

func TestRunSharesCorrelationID(t *testing.T) {
	d := newTestDriver(Policy{Strategy: StrategyFixed, MaxAttempts: 3, DisableJitter: true})
	var ids []string
	d.Run(context.Background(), func(_ context.Context, attempt int, correlationID string) (*executor.Record, error) {
		ids = append(ids, correlationID)
		return &executor.Record{Attempt: attempt, ExitCode: 1}, nil
	})
	if len(ids) != 3 {
		t.Fatalf("want 3 attempts, got %d", len(ids))
	}
	if ids[0] != ids[1] || ids[1] != ids[2] {
		t.Fatalf("correlation ids differ: %v", ids)
	}
}

func TestRunNeverRetriesCancelled(t *testing.T) {
	d := newTestDriver(Policy{Strategy: StrategyFixed, MaxAttempts: 5, DisableJitter: true})
	calls := 0
	rec, err := d.Run(context.Background(), func(_ context.Context, attempt int, _ string) (*executor.Record, error) {
		calls++
		return &executor.Record{Attempt: attempt, ExitCode: -1, Cancelled: true}, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("cancelled run retried %d times", calls)
	}
	if !rec.Cancelled {
		t.Fatal("record lost cancelled flag")
	}
}

func TestRetryOnExitCodesFilter(t *testing.T) {
	d := newTestDriver(Policy{
		Strategy:         StrategyFixed,
		MaxAttempts:      4,
		DisableJitter:    true,
		RetryOnExitCodes: []int{75},
	})
	calls := 0
	d.Run(context.Background(), func(_ context.Context, attempt int, _ string) (*executor.Record, error) {
		calls++
		return &executor.Record{Attempt: attempt, ExitCode: 2}, nil
	})
	if calls != 1 {
		t.Fatalf("exit code outside retry set retried %d times", calls)
	}

	calls = 0
	d.Run(context.Background(), func(_ context.Context, attempt int, _ string) (*executor.Record, error) {
		calls++
		return &executor.Record{Attempt: attempt, ExitCode: 75}, nil
	})
	if calls != 4 {
		t.Fatalf("listed exit code retried %d times, want 4", calls)
	}
}

func TestRunValidationErrorAborts(t *testing.T) {
	d := newTestDriver(Policy{Strategy: StrategyFixed, MaxAttempts: 3, DisableJitter: true})
	calls := 0
	_, err := d.Run(context.Background(), func(context.Context, int, string) (*executor.Record, error) {
		calls++
		return nil, context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("validation error retried %d times", calls)
	}
}
