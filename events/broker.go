// ABOUTME: In-process event broker that fans progress events out to subscribers.
// ABOUTME: Supports buffered channel subscriptions with optional pipeline filters and synchronous handlers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 256

// Handler receives events synchronously on the publishing goroutine.
type Handler func(Event)

// Subscription is a buffered stream of events for one consumer.
type Subscription struct {
	ID       string
	C        <-chan Event
	ch       chan Event
	pipeline string
	broker   *Broker
	dropped  int
}

// Close detaches the subscription from its broker and closes its channel.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s.ID)
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int {
	s.broker.mu.RLock()
	defer s.broker.mu.RUnlock()
	return s.dropped
}

// Broker delivers published events to every subscriber. It never blocks the
// publisher: a subscriber whose buffer is full loses the event.
type Broker struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	handlers []Handler
	seq      uint64
	closed   bool
	now      func() time.Time
	logger   *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[string]*Subscription),
		now:    time.Now,
		logger: logger.With(slog.String("component", "events.broker")),
	}
}

// Publish stamps the payload with a sequence number and timestamp and delivers it.
func (b *Broker) Publish(topic Topic, payload any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	evt := Event{Seq: b.seq, Topic: topic, Payload: payload, Timestamp: b.now().UTC()}
	handlers := append([]Handler(nil), b.handlers...)
	for _, sub := range b.subs {
		if sub.pipeline != "" && sub.pipeline != evt.PipelineID() {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped++
			b.logger.Warn("subscriber buffer full, dropping event",
				slog.String("subscription", sub.ID), slog.Uint64("seq", evt.Seq))
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}

// Subscribe registers a buffered subscription. A non-empty pipelineID limits
// delivery to events about that pipeline.
func (b *Broker) Subscribe(pipelineID string) *Subscription {
	ch := make(chan Event, DefaultBufferSize)
	sub := &Subscription{
		ID:       uuid.New().String(),
		C:        ch,
		ch:       ch,
		pipeline: pipelineID,
		broker:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// AddHandler registers a synchronous handler called for every event.
func (b *Broker) AddHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// SubscriberCount returns the number of open subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription; later publishes are ignored.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Broker) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(b.subs, id)
}
