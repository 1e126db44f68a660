// Package alerts evaluates predicate rules against a run's metric map,
// throttles repeated firings per rule, and fans triggered events out to
// notification sinks. A bad rule or a failing sink never aborts a run.
package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/runforge/runforge/internal/predicate"
)

// Severity of a rule / event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule is one alert definition, typically loaded from the config file.
type Rule struct {
	Name            string   `json:"name" yaml:"name"`
	Condition       string   `json:"condition" yaml:"condition"`
	Severity        Severity `json:"severity" yaml:"severity"`
	Channels        []string `json:"channels" yaml:"channels"`
	ThrottleSeconds int      `json:"throttle_seconds" yaml:"throttle_seconds"`
	Enabled         *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

func (r Rule) enabled() bool { return r.Enabled == nil || *r.Enabled }

// Event is one triggered alert with the metric snapshot that fired it.
type Event struct {
	RuleName  string             `json:"rule_name"`
	Severity  Severity           `json:"severity"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metric_snapshot"`
}

type compiledRule struct {
	rule Rule
	cond predicate.Condition
}

const historyCap = 256

// Evaluator holds compiled rules, per-rule throttle state and a bounded
// event history.
type Evaluator struct {
	mu        sync.Mutex
	rules     []compiledRule
	sinks     map[string]Sink
	lastFired map[string]time.Time
	history   []Event
	now       func() time.Time

	triggered  metric.Int64Counter
	suppressed metric.Int64Counter
	sinkErrors metric.Int64Counter
}

// NewEvaluator compiles rules and registers sinks by name. Rules with a
// malformed condition are logged and dropped.
func NewEvaluator(rules []Rule, sinks []Sink, meter metric.Meter) *Evaluator {
	if meter == nil {
		meter = otel.Meter("runforge-alerts")
	}
	triggered, _ := meter.Int64Counter("runforge_alerts_triggered_total")
	suppressed, _ := meter.Int64Counter("runforge_alerts_suppressed_total")
	sinkErrors, _ := meter.Int64Counter("runforge_alert_sink_errors_total")

	e := &Evaluator{
		sinks:      make(map[string]Sink),
		lastFired:  make(map[string]time.Time),
		now:        time.Now,
		triggered:  triggered,
		suppressed: suppressed,
		sinkErrors: sinkErrors,
	}
	for _, s := range sinks {
		e.sinks[s.Name()] = s
	}
	for _, r := range rules {
		if !r.enabled() {
			continue
		}
		cond, err := predicate.Parse(r.Condition)
		if err != nil {
			slog.Warn("dropping alert rule with malformed condition",
				"rule", r.Name, "error", err)
			continue
		}
		e.rules = append(e.rules, compiledRule{rule: r, cond: cond})
	}
	return e
}

// RuleCount reports how many rules survived compilation.
func (e *Evaluator) RuleCount() int { return len(e.rules) }

// Evaluate checks every rule against metrics and returns the events that
// fired. Throttled rules still match but emit nothing. Sink dispatch happens
// inline; sink failures are logged and swallowed.
func (e *Evaluator) Evaluate(ctx context.Context, metrics map[string]float64) []Event {
	var fired []Event
	now := e.now()

	e.mu.Lock()
	for _, cr := range e.rules {
		match, ok := cr.cond.Eval(predicate.MetricMap(metrics))
		if !ok || !match {
			continue
		}
		if throttle := time.Duration(cr.rule.ThrottleSeconds) * time.Second; throttle > 0 {
			if last, seen := e.lastFired[cr.rule.Name]; seen && now.Sub(last) < throttle {
				e.suppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", cr.rule.Name)))
				continue
			}
		}
		e.lastFired[cr.rule.Name] = now
		ev := Event{
			RuleName:  cr.rule.Name,
			Severity:  cr.rule.Severity,
			Timestamp: now,
			Metrics:   snapshot(metrics),
		}
		fired = append(fired, ev)
		e.history = append(e.history, ev)
		if len(e.history) > historyCap {
			e.history = e.history[len(e.history)-historyCap:]
		}
	}
	e.mu.Unlock()

	for i, ev := range fired {
		e.triggered.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule", ev.RuleName),
			attribute.String("severity", string(ev.Severity)),
		))
		e.dispatch(ctx, e.channelsFor(ev.RuleName), fired[i])
	}
	return fired
}

func (e *Evaluator) channelsFor(ruleName string) []string {
	for _, cr := range e.rules {
		if cr.rule.Name == ruleName {
			return cr.rule.Channels
		}
	}
	return nil
}

func (e *Evaluator) dispatch(ctx context.Context, channels []string, ev Event) {
	for _, ch := range channels {
		sink, ok := e.sinks[ch]
		if !ok {
			slog.Warn("alert channel has no sink", "channel", ch, "rule", ev.RuleName)
			continue
		}
		if err := sink.Send(ctx, ev); err != nil {
			e.sinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", ch)))
			slog.Warn("alert sink failed", "sink", ch, "rule", ev.RuleName, "error", err)
		}
	}
}

// History returns a copy of the bounded event history, oldest first.
func (e *Evaluator) History() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.history))
	copy(out, e.history)
	return out
}

func snapshot(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
