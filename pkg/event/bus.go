package event

import (
	"sync"

	"github.com/rs/zerolog"
)

// Bus is an in-memory fan-out Publisher. Subscribers receive notifications on
// buffered channels; a subscriber that falls behind loses notifications rather
// than blocking the publisher.
type Bus struct {
	subscribers map[int]chan Notification
	nextID      int
	logger      zerolog.Logger
	mu          sync.RWMutex
}

// NewBus creates a new notification bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[int]chan Notification),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber with the given channel buffer size.
// The returned cancel function removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Notification, buffer)
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish delivers a notification to all subscribers without blocking
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
			b.logger.Warn().
				Int("subscriber", id).
				Str("type", string(n.Type)).
				Msg("Subscriber buffer full, notification dropped")
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers)
}

// NopPublisher discards all notifications
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(Notification) {}
