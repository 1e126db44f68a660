package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestBreaker(halfOpenAfter time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(time.Minute, 6, 4, 0.5, halfOpenAfter, 2)
}

func TestBreakerStaysClosedUnderSuccess(t *testing.T) {
	b := newTestBreaker(time.Second)
	for i := 0; i < 20; i++ {
		if !b.Allow() {
			t.Fatalf("closed breaker denied request %d", i)
		}
		b.RecordResult(true)
	}
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	b := newTestBreaker(time.Hour)
	for i := 0; i < 4; i++ {
		if !b.Allow() {
			t.Fatalf("denied before opening at %d", i)
		}
		b.RecordResult(false)
	}
	if b.Allow() {
		t.Fatal("breaker still closed past the failure threshold")
	}
}

func TestBreakerBelowMinSamplesStaysClosed(t *testing.T) {
	b := newTestBreaker(time.Hour)
	for i := 0; i < 3; i++ {
		b.RecordResult(false)
	}
	if !b.Allow() {
		t.Fatal("opened below the minimum sample count")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := newTestBreaker(50 * time.Millisecond)
	for i := 0; i < 4; i++ {
		b.RecordResult(false)
	}
	if b.Allow() {
		t.Fatal("breaker not open")
	}

	time.Sleep(80 * time.Millisecond)

	// Cool-down elapsed: probes allowed up to the configured budget.
	if !b.Allow() {
		t.Fatal("first half-open probe denied")
	}
	b.RecordResult(true)
	if !b.Allow() {
		t.Fatal("second half-open probe denied")
	}
	b.RecordResult(true)

	// Two successful probes close the breaker again.
	if !b.Allow() {
		t.Fatal("breaker did not close after successful probes")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(50 * time.Millisecond)
	for i := 0; i < 4; i++ {
		b.RecordResult(false)
	}
	time.Sleep(80 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("half-open probe denied")
	}
	b.RecordResult(false)
	if b.Allow() {
		t.Fatal("failed probe did not reopen the breaker")
	}
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	b := newTestBreaker(50 * time.Millisecond)
	for i := 0; i < 4; i++ {
		b.RecordResult(false)
	}
	time.Sleep(80 * time.Millisecond)

	if !b.Allow() || !b.Allow() {
		t.Fatal("probe budget not granted")
	}
	if b.Allow() {
		t.Fatal("probe budget exceeded")
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), 5, time.Millisecond, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("retry: %d, %v", got, err)
	}
	if calls != 3 {
		t.Fatalf("calls: %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: %d", calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, 5, time.Second, func() (int, error) {
		return 0, errors.New("always")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error: %v", err)
	}
}
