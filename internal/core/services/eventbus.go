package services

import (
	"log/slog"
	"sync"
)

// EventType names a bus event (loop.cycle, loop.finished, span_start, ...).
type EventType string

// Event is one published occurrence, keyed by the conversation, trace or
// assessment it belongs to.
type Event struct {
	Key       string
	Type      EventType
	Data      string // JSON payload or raw text
	Timestamp int64
}

// EventBus fans events out to per-key subscribers. Channels are buffered and
// events are dropped rather than ever blocking a publisher.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel that receives events for a specific key,
// plus an unsubscribe function that closes the channel.
func (b *EventBus) Subscribe(key string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	b.subs[key] = append(b.subs[key], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[key]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[key] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of its key.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers, ok := b.subs[e.Key]
	if !ok {
		return
	}

	for _, ch := range subscribers {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "key", e.Key, "type", string(e.Type))
		}
	}
}
