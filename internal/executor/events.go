package executor

import "time"

// Event is a structured observation emitted while a run executes. Events for
// one run are emitted in monotonic order.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Event types emitted by the controller and the retry driver.
const (
	EventStart           = "start"
	EventSpawned         = "subprocess_spawned"
	EventOutputLine      = "output_line"
	EventMetricSummary   = "metric_summary"
	EventAttemptComplete = "attempt_complete"
	EventFinish          = "finish"
)

// EventSink receives run events. Implementations must be safe for concurrent
// use; a slow or failing sink must not block the run.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// NopSink discards all events.
var NopSink EventSink = SinkFunc(func(Event) {})

func emit(sink EventSink, typ string, fields map[string]any) {
	if sink == nil {
		return
	}
	sink.Emit(Event{Type: typ, Timestamp: time.Now(), Fields: fields})
}
