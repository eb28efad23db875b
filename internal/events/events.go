// Package events carries the lifecycle event stream produced by one page
// collection. The connector is the only publisher; rule engines and other
// consumers subscribe by event name and never run logic inside the connector.
package events

import (
	"strings"
	"sync"
)

// Lifecycle event names. Element events are derived per tag via Element.
const (
	ScanStart = "scan::start"
	ScanEnd   = "scan::end"

	TargetFetchStart = "targetfetch::start"
	TargetFetchEnd   = "targetfetch::end"
	TargetFetchError = "targetfetch::error"

	FetchStart = "fetch::start"
	FetchEnd   = "fetch::end"
	FetchError = "fetch::error"

	ManifestFetchEnd     = "manifestfetch::end"
	ManifestFetchError   = "manifestfetch::error"
	ManifestFetchMissing = "manifestfetch::missing"

	TraverseStart = "traverse::start"
	TraverseDown  = "traverse::down"
	TraverseUp    = "traverse::up"
	TraverseEnd   = "traverse::end"
)

// Element returns the event name emitted when the traverser visits a node
// with the given tag, e.g. Element("DIV") == "element::div".
func Element(tag string) string {
	return "element::" + strings.ToLower(tag)
}

// Handler receives one emitted event. Handlers run synchronously on the
// emitting goroutine, in registration order.
type Handler func(event string, payload any)

// Emitter is a dispatch table keyed by event name. Emission is serialized,
// so subscribers observe events in the exact order they were published.
type Emitter struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	any      []Handler
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]Handler)}
}

// On registers a handler for a single event name.
func (e *Emitter) On(event string, h Handler) {
	e.mu.Lock()
	e.handlers[event] = append(e.handlers[event], h)
	e.mu.Unlock()
}

// OnAny registers a handler invoked for every event, after the named
// handlers for that event.
func (e *Emitter) OnAny(h Handler) {
	e.mu.Lock()
	e.any = append(e.any, h)
	e.mu.Unlock()
}

// Emit publishes one event. The emitter lock is held across dispatch, which
// keeps the stream deterministic even when protocol callbacks fire from
// multiple goroutines.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.handlers[event] {
		h(event, payload)
	}
	for _, h := range e.any {
		h(event, payload)
	}
}
