package events

import "sync"

// Recorded is one captured entry of the event stream.
type Recorded struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Recorder collects the ordered event sequence of one collection. Attach it
// with Emitter.OnAny.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Handle is an events.Handler.
func (r *Recorder) Handle(event string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, Recorded{Event: event, Payload: payload})
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far, in emission order.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns just the event names, in emission order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Event
	}
	return out
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
