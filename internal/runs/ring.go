package runs

import (
	"sync"

	"github.com/runforge/runforge/internal/executor"
)

// DefaultRingSize bounds the per-run event log.
const DefaultRingSize = 1024

// EventRing is a bounded buffer of execution events for one active run.
// It satisfies executor.EventSink; once full, the oldest entries fall off.
type EventRing struct {
	mu    sync.Mutex
	buf   []executor.Event
	size  int
	start int
	count int
}

func NewEventRing(size int) *EventRing {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &EventRing{buf: make([]executor.Event, size), size: size}
}

func (r *EventRing) Emit(ev executor.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < r.size {
		r.buf[(r.start+r.count)%r.size] = ev
		r.count++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % r.size
}

// Snapshot returns the buffered events oldest first.
func (r *EventRing) Snapshot() []executor.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]executor.Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%r.size]
	}
	return out
}
