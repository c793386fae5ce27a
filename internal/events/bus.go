package events

import (
	"sync"
	"sync/atomic"
)

// Subscriber represents an event subscription.
type Subscriber struct {
	ch          chan Event
	types       map[string]bool // Empty means all types
	executionID string          // Empty means no execution filtering
}

// Bus provides pub/sub with backpressure control. Slow subscribers lose
// the oldest buffered events (documented lossy).
type Bus struct {
	mu           sync.RWMutex
	subscribers  []*Subscriber
	bufferSize   int
	droppedCount int64
	closed       bool
}

// NewBus creates a new Bus with the specified per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make([]*Subscriber, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription for specific event types.
// If no types are specified, subscribes to all events.
func (b *Bus) Subscribe(types ...string) <-chan Event {
	return b.SubscribeForExecution("", types...)
}

// SubscribeForExecution creates a subscription filtered to one execution.
// If executionID is empty, all events are received.
func (b *Bus) SubscribeForExecution(executionID string, types ...string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		ch:          make(chan Event, b.bufferSize),
		types:       make(map[string]bool),
		executionID: executionID,
	}
	for _, t := range types {
		sub.types[t] = true
	}
	b.subscribers = append(b.subscribers, sub)
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.ch != ch {
			result = append(result, sub)
		} else {
			close(sub.ch)
		}
	}
	b.subscribers = result
}

// Publish sends an event to all matching subscribers. Subscribers whose
// buffer is full drop their oldest event (ring buffer behavior).
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	eventType := event.EventType()
	eventExecution := event.ExecutionID()

	for _, sub := range b.subscribers {
		if sub.executionID != "" && eventExecution != sub.executionID {
			continue
		}
		if len(sub.types) > 0 && !sub.types[eventType] {
			continue
		}
		b.deliver(sub, event)
	}
}

// deliver attempts a send; on a full channel it drops the oldest event
// and retries once.
func (b *Bus) deliver(sub *Subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		select {
		case <-sub.ch: // Drop oldest
			atomic.AddInt64(&b.droppedCount, 1)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			atomic.AddInt64(&b.droppedCount, 1)
		}
	}
}

// DroppedCount returns the total number of dropped events.
func (b *Bus) DroppedCount() int64 {
	return atomic.LoadInt64(&b.droppedCount)
}

// Close closes the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}
