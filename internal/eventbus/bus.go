package eventbus

import (
	"sync"
	"time"

	"positionscan/internal/models"
)

// Topic routes events to subscribers.
type Topic string

const (
	// TopicPositionEvent carries a *models.PositionEvent freshly
	// committed by the indexer.
	TopicPositionEvent Topic = "position.event"
	// TopicRollback carries the chain and the height rolled back to.
	TopicRollback Topic = "chain.rollback"
)

// Event is one message routed through the bus.
type Event struct {
	Topic     Topic
	Chain     models.Chain
	Height    uint64
	Timestamp time.Time
	Data      any
}

// Bus is an in-process event bus that routes events to subscribers
// based on topic. It uses Go channels for delivery and is safe for
// concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]chan<- Event
	closed      bool
}

// New creates a new Bus ready for use.
func New() *Bus {
	return &Bus{
		subscribers: make(map[Topic][]chan<- Event),
	}
}

// Subscribe registers a channel to receive events published on the
// topic. The caller is responsible for creating the channel with
// sufficient buffer capacity; slow subscribers will have events
// dropped.
func (b *Bus) Subscribe(topic Topic, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
}

// Publish sends an event to all subscribers of its topic. If a
// subscriber's channel is full, the event is dropped for that
// subscriber. Publish is a no-op after Close has been called.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[evt.Topic] {
		select {
		case ch <- evt:
		default:
			// drop if subscriber is slow
		}
	}
}

// Close marks the bus as closed. After Close, Publish is a no-op.
// Close does not close subscriber channels; that is the caller's
// responsibility.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
