package events

import "sync"

// Recorder is a synchronous Publisher that keeps every event. Intended for tests
// and for fan-in where ordering matters more than latency.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Publisher = (*Recorder)(nil)

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish appends e.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent event of kind.
func (r *Recorder) Last(kind Kind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Fanout publishes to every non-nil publisher in order.
type Fanout []Publisher

// Publish forwards e to each publisher.
func (f Fanout) Publish(e Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(e)
		}
	}
}
