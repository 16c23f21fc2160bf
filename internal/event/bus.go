// Package event provides the bounded, per-subscriber pub/sub stream that
// backs the server's SSE endpoint, built on watermill's gochannel
// infrastructure.
package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// DefaultQueueSize is the per-subscriber channel capacity used when a Bus
// is constructed with NewBus(0).
const DefaultQueueSize = 256

// topic is the single watermill topic the bus mirrors every event onto,
// giving PubSub() callers (metrics, audit sinks) access to the raw stream
// without coupling them to the typed subscriber API.
const topic = "nwbflow.events"

// Event is one item on the stream. Payload is one of the Kind* payload
// types declared in types.go.
type Event struct {
	Kind    Kind      `json:"kind"`
	Payload any       `json:"payload"`
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
}

type subscriber struct {
	ch     chan Event
	lagged int
}

// Bus is the single process-wide event stream. Every Session mutation
// published through it reaches every subscriber in the order it was
// published; a subscriber that falls behind has its oldest buffered
// events dropped rather than blocking the publisher, and is told how
// many it missed via a KindLagged event.
type Bus struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	queueSize   int
	closed      bool
	seq         uint64

	history    []Event
	historyCap int

	pubsub *gochannel.GoChannel
}

// NewBus constructs a Bus. queueSize <= 0 uses DefaultQueueSize.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subscribers: make(map[uint64]*subscriber),
		queueSize:   queueSize,
		historyCap:  512,
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: int64(queueSize), Persistent: false},
			watermill.NopLogger{},
		),
	}
}

// Subscribe registers a new listener and returns a receive-only channel of
// events plus a cancel function. Calling cancel is idempotent and closes
// the channel; callers must keep draining the channel until it closes.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.queueSize)}
	b.subscribers[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// History returns up to limit of the most recently published events, in
// publish order, for the GET /api/events/history replay endpoint.
// limit <= 0 returns the full retained history.
func (b *Bus) History(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit >= len(b.history) {
		out := make([]Event, len(b.history))
		copy(out, b.history)
		return out
	}
	start := len(b.history) - limit
	out := make([]Event, limit)
	copy(out, b.history[start:])
	return out
}

// Publish delivers kind/payload to every current subscriber and to the
// watermill topic. Never blocks: a full subscriber queue drops its oldest
// entry and records a lag instead.
func (b *Bus) Publish(kind Kind, payload any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	ev := Event{Kind: kind, Payload: payload, Seq: b.seq, Time: time.Now()}
	b.appendHistoryLocked(ev)

	for _, sub := range b.subscribers {
		b.deliverLocked(sub, ev)
	}
	b.mu.Unlock()

	if data, err := json.Marshal(ev); err == nil {
		msg := message.NewMessage(watermill.NewUUID(), data)
		_ = b.pubsub.Publish(topic, msg)
	}
}

func (b *Bus) appendHistoryLocked(ev Event) {
	b.history = append(b.history, ev)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
}

// deliverLocked implements drop-oldest-on-full with a Lagged marker,
// preserving in-order delivery for this subscriber. Must be called with
// b.mu held.
func (b *Bus) deliverLocked(sub *subscriber, ev Event) {
	if trySend(sub.ch, ev) {
		return
	}

	// Queue full: free one slot and count the loss.
	dropOldest(sub.ch)
	sub.lagged++

	if sub.lagged > 0 {
		marker := Event{Kind: KindLagged, Payload: LaggedPayload{Dropped: sub.lagged}, Seq: ev.Seq, Time: ev.Time}
		if trySend(sub.ch, marker) {
			sub.lagged = 0
		} else {
			dropOldest(sub.ch)
			if trySend(sub.ch, marker) {
				sub.lagged = 0
			}
		}
	}

	if !trySend(sub.ch, ev) {
		dropOldest(sub.ch)
		sub.lagged++
		trySend(sub.ch, ev)
	}
}

func trySend(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

func dropOldest(ch chan Event) {
	select {
	case <-ch:
	default:
	}
}

// Close shuts the bus down: every live subscriber channel is closed and
// no further Subscribe/Publish calls have effect.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel for advanced use
// (metrics consumers, audit sinks, or a future distributed backend).
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
