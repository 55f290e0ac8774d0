package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Topics published by the reliability layer. Components communicate
// through the bus by name and never hold live references to each other.
const (
	TopicRetrySuccess       = "retrySuccess"
	TopicRetryFailure       = "retryFailure"
	TopicSourceRecovered    = "sourceRecovered"
	TopicFailoverCompleted  = "failoverCompleted"
	TopicConnectionRestored = "connectionRestored"
	TopicPartialDegradation = "partialServiceDegradation"
	TopicFullDegradation    = "completeServiceDegradation"
	TopicCcxtBackupActive   = "ccxtBackupActivated"
	TopicCircuitOpened      = "circuitOpened"
)

// Event is one published occurrence on a named topic
type Event struct {
	Topic string
	At    time.Time
	Data  any
}

// Subscription receives events for one topic until Unsubscribe
type Subscription struct {
	C     <-chan Event
	bus   *Bus
	topic string
	ch    chan Event
	once  sync.Once
}

// Unsubscribe detaches the subscription and closes C
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s.topic, s.ch) })
}

// Bus is an in-process publish/subscribe fan-out. Delivery is
// non-blocking: a subscriber that cannot keep up loses events rather
// than stalling the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event
	closed  bool
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe registers for a topic with the default buffer
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.SubscribeBuffered(topic, 16)
}

// SubscribeBuffered registers for a topic with an explicit buffer size
func (b *Bus) SubscribeBuffered(topic string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Closed bus hands back an already-closed subscription
		closed := make(chan Event)
		close(closed)
		return &Subscription{C: closed, bus: b, topic: topic, ch: closed}
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return &Subscription{C: ch, bus: b, topic: topic, ch: ch}
}

// Publish delivers the event to every current subscriber of the topic.
// Full subscriber buffers drop the event for that subscriber only.
func (b *Bus) Publish(topic string, data any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]chan Event, len(b.subs[topic]))
	copy(targets, b.subs[topic])
	b.mu.RUnlock()

	ev := Event{Topic: topic, At: time.Now(), Data: data}
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			n := b.dropped.Add(1)
			if n%100 == 1 {
				log.Debug().Str("topic", topic).Uint64("dropped_total", n).Msg("event subscriber lagging, dropping")
			}
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close detaches and closes every subscription; later publishes are no-ops
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan Event)
}

func (b *Bus) remove(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Close already closed every channel
		return
	}
	chans := b.subs[topic]
	for i, c := range chans {
		if c == ch {
			b.subs[topic] = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}
