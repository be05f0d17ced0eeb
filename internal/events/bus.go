package events

import (
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/asheshgoplani/agent-monitor/internal/logging"
)

var busLog = logging.ForComponent(logging.CompEvents)

// Bus fans events out to buffered subscriber channels. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]chan Event)}
}

// Subscribe registers a subscriber with a buffer of bufSize events.
func (b *Bus) Subscribe(bufSize int) (string, <-chan Event) {
	if bufSize <= 0 {
		bufSize = 64
	}
	id := ulid.Make().String()
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe closes and removes the subscriber's channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			busLog.Debug("event_dropped",
				slog.String("subscriber", id),
				slog.String("type", string(e.Kind())))
		}
	}
}

// Emit implements Emitter.
func (b *Bus) Emit(p Payload) {
	b.Publish(New(p))
}
