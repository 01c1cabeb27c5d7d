// Package events carries execution lifecycle notifications: one started
// event, zero or more progress events, and exactly one terminal event per
// execution, in that order.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testrig/testrig/internal/execution"
)

type Kind string

const (
	KindStarted   Kind = "execution:started"
	KindProgress  Kind = "execution:progress"
	KindCompleted Kind = "execution:completed"
	KindFailed    Kind = "execution:failed"
	KindTimeout   Kind = "execution:timeout"
	KindCancelled Kind = "execution:cancelled"
)

// Event is one lifecycle notification. Execution is only populated on
// terminal events and is always a detached snapshot.
type Event struct {
	ID          string               `json:"id"`
	Kind        Kind                 `json:"kind"`
	ExecutionID string               `json:"executionId"`
	Status      execution.Status     `json:"status"`
	Progress    int                  `json:"progress,omitempty"`
	Metrics     execution.Metrics    `json:"metrics"`
	Execution   *execution.Execution `json:"execution,omitempty"`
	OccurredAt  time.Time            `json:"occurredAt"`
}

// Broadcaster pushes events to connected realtime clients. Implementations
// must never block the caller.
type Broadcaster interface {
	Broadcast(eventName string, payload any)
}

// ClientCounter is optionally implemented by broadcasters that know how
// many clients are connected.
type ClientCounter interface {
	ClientCount() int
}

const subscriberBuffer = 128

// Bus fans events out to in-process subscribers. A subscriber that stops
// draining loses its channel rather than stalling publishers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Publish delivers the event to every live subscriber. It fills in the
// event id and timestamp when the caller left them empty, and never
// blocks: a subscriber with a full buffer is dropped.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(b.subs, id)
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel closes on unsubscribe, overflow, or
// bus shutdown.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if live, ok := b.subs[id]; ok {
			close(live)
			delete(b.subs, id)
		}
	}
}

// Close drops all subscribers. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Forward pumps bus events into a broadcaster until stopped. It returns a
// stop function that waits for the pump to exit.
func Forward(bus *Bus, broadcaster Broadcaster) func() {
	ch, unsubscribe := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range ch {
			broadcaster.Broadcast(string(event.Kind), event)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}
