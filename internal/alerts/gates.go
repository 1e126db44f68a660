package alerts

import "fmt"

// Gate is a post-execution threshold check. A gate fails when the observed
// metric crosses the configured bound; an unobserved metric never fails.
type Gate struct {
	MetricName string   `json:"metric_name" yaml:"metric_name"`
	MaxValue   *float64 `json:"max_value,omitempty" yaml:"max_value,omitempty"`
	MinValue   *float64 `json:"min_value,omitempty" yaml:"min_value,omitempty"`
}

// GateFailure reports one crossed bound.
type GateFailure struct {
	Gate     Gate    `json:"gate"`
	Observed float64 `json:"observed"`
}

func (f GateFailure) String() string {
	if f.Gate.MaxValue != nil && f.Observed > *f.Gate.MaxValue {
		return fmt.Sprintf("gate %s: %g exceeds max %g", f.Gate.MetricName, f.Observed, *f.Gate.MaxValue)
	}
	if f.Gate.MinValue != nil && f.Observed < *f.Gate.MinValue {
		return fmt.Sprintf("gate %s: %g below min %g", f.Gate.MetricName, f.Observed, *f.Gate.MinValue)
	}
	return fmt.Sprintf("gate %s: %g", f.Gate.MetricName, f.Observed)
}

// CheckGates evaluates every gate against the metric map. The caller decides
// whether failures translate to a non-zero process exit.
func CheckGates(gates []Gate, metrics map[string]float64) []GateFailure {
	var failures []GateFailure
	for _, g := range gates {
		v, ok := metrics[g.MetricName]
		if !ok {
			continue
		}
		if (g.MaxValue != nil && v > *g.MaxValue) || (g.MinValue != nil && v < *g.MinValue) {
			failures = append(failures, GateFailure{Gate: g, Observed: v})
		}
	}
	return failures
}
