// Package relay streams the connector's lifecycle events to SSE clients.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/iansealy/sonarwhal/internal/events"
)

const (
	subscriberBufSize = 256
	dropLogEvery      = 100
)

// Event is one serialized lifecycle event ready for the wire.
type Event struct {
	Name    string
	Payload json.RawMessage
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// Broker fans serialized lifecycle events out to SSE clients. Publishing
// never blocks: a subscriber that cannot keep up loses events, and the
// broker keeps count of how many.
type Broker struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]*subscriber
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int64]*subscriber)}
}

// Attach subscribes the broker to an emitter. Each event is serialized once
// and fanned out; a payload that cannot be marshalled is dropped with a log
// line rather than stalling the stream.
func (b *Broker) Attach(emitter *events.Emitter) {
	emitter.OnAny(func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Warn("event payload not serializable", "event", event, "error", err)
			return
		}
		b.Publish(Event{Name: event, Payload: data})
	})
}

// Subscribe registers a client and returns its id and buffered event channel.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber{ch: make(chan Event, subscriberBufSize)}
	return id, b.subs[id].ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Publish delivers an event to every subscriber whose buffer has room.
func (b *Broker) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		select {
		case s.ch <- evt:
		default:
			s.dropped++
			if s.dropped == 1 || s.dropped%dropLogEvery == 0 {
				slog.Warn("slow event stream client", "subscriber", id, "dropped", s.dropped)
			}
		}
	}
}

// Dropped returns how many events the given subscriber has lost.
func (b *Broker) Dropped(id int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		return s.dropped
	}
	return 0
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
