package analysis

import (
	"testing"
	"time"

	"github.com/runforge/runforge/internal/history"
)

func series(values ...float64) []history.Point {
	base := time.Now()
	out := make([]history.Point, len(values))
	for i, v := range values {
		out[i] = history.Point{Timestamp: base.Add(time.Duration(i) * time.Minute), Value: v}
	}
	return out
}

func TestDetectAnomaliesFlagsSpike(t *testing.T) {
	points := series(10, 10.2, 9.8, 10.1, 9.9, 10, 10.1, 50)
	got := DetectAnomalies(points, DefaultSigma)
	if len(got) != 1 {
		t.Fatalf("anomalies: %+v", got)
	}
	if got[0].Point.Value != 50 || got[0].Deviation <= DefaultSigma {
		t.Fatalf("anomaly: %+v", got[0])
	}
}

func TestDetectAnomaliesGuards(t *testing.T) {
	if got := DetectAnomalies(series(1, 100), DefaultSigma); got != nil {
		t.Fatalf("short series flagged: %+v", got)
	}
	if got := DetectAnomalies(series(5, 5, 5, 5, 5), DefaultSigma); got != nil {
		t.Fatalf("flat series flagged: %+v", got)
	}
	// A non-positive sigma falls back to the default rather than flagging all.
	if got := DetectAnomalies(series(10, 10, 10, 10, 10.1), 0); got != nil {
		t.Fatalf("sigma fallback flagged: %+v", got)
	}
}

func TestAnalyzeTrendDirections(t *testing.T) {
	up := AnalyzeTrend(series(1, 2, 3, 4, 5))
	if up.Direction != "increasing" || up.Slope <= 0 {
		t.Fatalf("increasing: %+v", up)
	}
	down := AnalyzeTrend(series(5, 4, 3, 2, 1))
	if down.Direction != "decreasing" || down.Slope >= 0 {
		t.Fatalf("decreasing: %+v", down)
	}
	flat := AnalyzeTrend(series(10, 10.01, 9.99, 10, 10.01))
	if flat.Direction != "stable" {
		t.Fatalf("stable: %+v", flat)
	}
	if short := AnalyzeTrend(series(7)); short.Direction != "stable" || short.SampleCount != 1 {
		t.Fatalf("short: %+v", short)
	}
}

func TestAnalyzeTrendFit(t *testing.T) {
	// y = 2x + 1 fits exactly.
	got := AnalyzeTrend(series(1, 3, 5, 7))
	if got.Slope < 1.99 || got.Slope > 2.01 {
		t.Fatalf("slope: %+v", got)
	}
	if got.Intercept < 0.99 || got.Intercept > 1.01 {
		t.Fatalf("intercept: %+v", got)
	}
}

func TestDetectRegression(t *testing.T) {
	degraded := DetectRegression(series(10, 10, 10, 10, 10, 15, 15, 15), 3, 0.20)
	if !degraded.Detected {
		t.Fatalf("regression missed: %+v", degraded)
	}
	if degraded.BaselineMean != 10 || degraded.RecentMean != 15 {
		t.Fatalf("means: %+v", degraded)
	}
	if degraded.ChangePercent < 49 || degraded.ChangePercent > 51 {
		t.Fatalf("change percent: %+v", degraded)
	}

	steady := DetectRegression(series(10, 10, 10, 10, 10, 10.5, 10.5, 10.5), 3, 0.20)
	if steady.Detected {
		t.Fatalf("false positive: %+v", steady)
	}

	improved := DetectRegression(series(15, 15, 15, 15, 15, 10, 10, 10), 3, 0.20)
	if improved.Detected {
		t.Fatalf("improvement flagged: %+v", improved)
	}
}

func TestDetectRegressionNeedsEnoughData(t *testing.T) {
	got := DetectRegression(series(1, 2, 3), 5, 0.20)
	if got.Detected || got.BaselineMean != 0 {
		t.Fatalf("short series: %+v", got)
	}
}
