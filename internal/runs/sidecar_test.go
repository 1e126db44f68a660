package runs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/runforge/runforge/internal/executor"
)

func openTestSidecar(t *testing.T) *Sidecar {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	s, err := OpenSidecar(filepath.Join(t.TempDir(), "runs.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open sidecar: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSidecarUpsertRoundTrip(t *testing.T) {
	s := openTestSidecar(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Second)
	rec := &RunRecord{
		RunID:     "r-1",
		Status:    StatusQueued,
		RunStatus: StatusQueued,
		StartedAt: started,
		Request:   RunRequest{ScriptPath: "/tmp/a.sh", Args: []string{"x"}, TimeoutSeconds: 5},
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Second upsert with the terminal state must replace the first row.
	finished := time.Now()
	rec.Status = StatusCompleted
	rec.RunStatus = StatusCompleted
	rec.FinishedAt = &finished
	rec.CorrelationID = "corr-9"
	rec.Result = &executor.Record{
		ScriptPath: "/tmp/a.sh",
		Success:    true,
		Stdout:     "done\n",
		Metrics:    map[string]float64{"execution_time_seconds": 0.2},
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	recs, err := s.LoadRecent(ctx, 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("want 1 row, got %d", len(recs))
	}
	got := recs[0]
	if got.RunID != "r-1" || got.Status != StatusCompleted || got.CorrelationID != "corr-9" {
		t.Fatalf("record: %+v", got)
	}
	if got.Request.ScriptPath != "/tmp/a.sh" || got.Request.TimeoutSeconds != 5 {
		t.Fatalf("request: %+v", got.Request)
	}
	if got.Result == nil || !got.Result.Success || got.Result.Stdout != "done\n" {
		t.Fatalf("result: %+v", got.Result)
	}
	if got.FinishedAt == nil {
		t.Fatal("finished_at lost")
	}
}

func TestSidecarErrorSummaryRoundTrip(t *testing.T) {
	s := openTestSidecar(t)
	ctx := context.Background()

	now := time.Now()
	rec := &RunRecord{
		RunID:        "r-err",
		Status:       StatusFailed,
		RunStatus:    StatusFailed,
		StartedAt:    now,
		FinishedAt:   &now,
		Error:        "exit code 2",
		ErrorSummary: &ErrorSummary{Type: "execution", Message: "exit code 2"},
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	recs, err := s.LoadRecent(ctx, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := recs[0]
	if got.ErrorSummary == nil || got.ErrorSummary.Type != "execution" {
		t.Fatalf("error summary: %+v", got.ErrorSummary)
	}
}

func TestSidecarLoadRecentNewestFirst(t *testing.T) {
	s := openTestSidecar(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		rec := &RunRecord{
			RunID:     []string{"r-old", "r-mid", "r-new"}[i],
			Status:    StatusCompleted,
			RunStatus: StatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Request:   RunRequest{ScriptPath: "/tmp/a.sh"},
		}
		if err := s.Upsert(ctx, rec); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	recs, err := s.LoadRecent(ctx, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 2 || recs[0].RunID != "r-new" || recs[1].RunID != "r-mid" {
		t.Fatalf("ordering: %v, %v", recs[0].RunID, recs[1].RunID)
	}
}
