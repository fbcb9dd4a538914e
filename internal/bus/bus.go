// Package bus implements the process-local event bus (C7): best-effort,
// lossy pub/sub for pipeline progress events. The durable record lives
// on-ledger; the bus exists so subscribers see freshness, not completeness.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is one of the four lifecycle states an event can report.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"
)

// Event is one pipeline progress notification (§4.7).
type Event struct {
	RequestID uint64      `json:"request_id"`
	Stage     string      `json:"stage"`
	Status    Status      `json:"status"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// defaultQueueSize bounds a subscriber's mailbox; publication never blocks
// on a slow subscriber past this depth.
const defaultQueueSize = 64

// subscriber is one registered listener, optionally filtered to a single
// request id.
type subscriber struct {
	id        string
	requestID uint64
	all       bool
	ch        chan Event
}

// Bus fans events out to subscribers. Publication takes the read side of
// the lock; subscribe/unsubscribe take the write side (§5).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	queueSize   int
	relay       func(Event)
}

// New constructs a Bus. queueSize <= 0 uses the default of 64.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{subscribers: make(map[string]*subscriber), queueSize: queueSize}
}

// Subscription is a live registration; the caller reads from Events() and
// must call Close() when done.
type Subscription struct {
	id   string
	ch   chan Event
	bus  *Bus
}

// Events returns the channel new events for this subscription arrive on.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Subscribe registers a listener for one request id.
func (b *Bus) Subscribe(requestID uint64) *Subscription {
	return b.register(requestID, false)
}

// SubscribeAll registers a listener that receives every event, matching
// the WebSocket surface's "unsubscribed clients receive all events" rule.
func (b *Bus) SubscribeAll() *Subscription {
	return b.register(0, true)
}

func (b *Bus) register(requestID uint64, all bool) *Subscription {
	sub := &subscriber{
		id:        uuid.NewString(),
		requestID: requestID,
		all:       all,
		ch:        make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	return &Subscription{id: sub.id, ch: sub.ch, bus: b}
}

// OnPublish registers a hook invoked once per Publish, after local fan-out,
// so a RedisRelay can mirror events to peer replicas without every
// component that emits events needing to know a relay exists.
func (b *Bus) OnPublish(hook func(Event)) {
	b.mu.Lock()
	b.relay = hook
	b.mu.Unlock()
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish delivers ev to every matching subscriber. A subscriber whose
// queue is full is dropped from that event, not backpressured onto the
// caller (§4.7): freshness beats completeness for progress events.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()

	b.publishLocal(ev)

	if relay != nil {
		relay(ev)
	}
}

// publishLocal delivers ev to local subscribers only. RedisRelay uses this
// directly for events it received from a peer replica, so a message never
// bounces back onto the shared channel it arrived from.
func (b *Bus) publishLocal(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.all && sub.requestID != ev.RequestID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
