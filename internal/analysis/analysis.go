// Package analysis runs statistical checks over historical metric series:
// anomaly flagging, trend estimation and regression detection. Inputs come
// from the history store's time-series reads.
package analysis

import (
	"math"

	"github.com/runforge/runforge/internal/history"
)

// DefaultSigma is the anomaly threshold in standard deviations.
const DefaultSigma = 2.0

// Anomaly is one observation outside the sigma band.
type Anomaly struct {
	Point     history.Point `json:"point"`
	Mean      float64       `json:"mean"`
	StdDev    float64       `json:"stddev"`
	Deviation float64       `json:"deviation"` // in standard deviations
}

func meanStdDev(values []float64) (mean, sd float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// DetectAnomalies flags points further than sigma standard deviations from
// the series mean. Fewer than three points never flag; a flat series never
// flags.
func DetectAnomalies(points []history.Point, sigma float64) []Anomaly {
	if sigma <= 0 {
		sigma = DefaultSigma
	}
	if len(points) < 3 {
		return nil
	}
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	mean, sd := meanStdDev(values)
	if sd == 0 {
		return nil
	}
	var out []Anomaly
	for _, p := range points {
		dev := math.Abs(p.Value-mean) / sd
		if dev > sigma {
			out = append(out, Anomaly{Point: p, Mean: mean, StdDev: sd, Deviation: dev})
		}
	}
	return out
}

// Trend is a least-squares fit over the series, slope in value units per
// observation.
type Trend struct {
	Slope         float64 `json:"slope"`
	Intercept     float64 `json:"intercept"`
	Direction     string  `json:"direction"` // increasing | decreasing | stable
	ChangePercent float64 `json:"change_percent"`
	SampleCount   int     `json:"sample_count"`
}

// stableSlopeRatio bounds |slope| relative to the mean below which the
// series counts as stable.
const stableSlopeRatio = 0.01

// AnalyzeTrend fits a line through the observations in order.
func AnalyzeTrend(points []history.Point) Trend {
	n := len(points)
	t := Trend{Direction: "stable", SampleCount: n}
	if n < 2 {
		return t
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range points {
		x := float64(i)
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return t
	}
	t.Slope = (fn*sumXY - sumX*sumY) / denom
	t.Intercept = (sumY - t.Slope*sumX) / fn

	mean := sumY / fn
	if mean != 0 {
		t.ChangePercent = t.Slope * fn / mean * 100
		if math.Abs(t.Slope) > math.Abs(mean)*stableSlopeRatio {
			if t.Slope > 0 {
				t.Direction = "increasing"
			} else {
				t.Direction = "decreasing"
			}
		}
	} else if t.Slope != 0 {
		if t.Slope > 0 {
			t.Direction = "increasing"
		} else {
			t.Direction = "decreasing"
		}
	}
	return t
}

// Regression compares a recent window against the preceding baseline.
type Regression struct {
	Detected      bool    `json:"detected"`
	BaselineMean  float64 `json:"baseline_mean"`
	RecentMean    float64 `json:"recent_mean"`
	ChangePercent float64 `json:"change_percent"`
}

// DefaultRegressionThreshold is the relative degradation that counts as a
// regression.
const DefaultRegressionThreshold = 0.20

// DetectRegression splits the series into a baseline and the last
// recentWindow observations and reports whether the recent mean degraded
// past the threshold. Higher values are treated as worse, which holds for
// the timing and memory metrics this is used on.
func DetectRegression(points []history.Point, recentWindow int, threshold float64) Regression {
	if threshold <= 0 {
		threshold = DefaultRegressionThreshold
	}
	if recentWindow <= 0 {
		recentWindow = 5
	}
	var r Regression
	if len(points) < recentWindow+2 {
		return r
	}
	split := len(points) - recentWindow
	var baseline, recent []float64
	for _, p := range points[:split] {
		baseline = append(baseline, p.Value)
	}
	for _, p := range points[split:] {
		recent = append(recent, p.Value)
	}
	r.BaselineMean, _ = meanStdDev(baseline)
	r.RecentMean, _ = meanStdDev(recent)
	if r.BaselineMean == 0 {
		return r
	}
	r.ChangePercent = (r.RecentMean - r.BaselineMean) / r.BaselineMean * 100
	r.Detected = r.RecentMean > r.BaselineMean*(1+threshold)
	return r
}
