package broker

import (
	"context"
	"sync"

	"github.com/velocart/platform/common/events"
)

// InmemBus is a process-local bus for tests and local development, the same
// role the in-memory registry plays beside Consul. Delivery is synchronous:
// Publish runs every matching handler before returning. Handler failures
// are retried up to MaxRetryCount, then the event lands in DeadLetters.
type InmemBus struct {
	mu   sync.RWMutex
	subs map[string][]*inmemSub

	dlqMu       sync.Mutex
	deadLetters []DeadLetter
}

type inmemSub struct {
	queue   string
	handler Handler
}

// DeadLetter records an event that exhausted its retry budget.
type DeadLetter struct {
	Topic string
	Event events.Event
	Err   error
}

func NewInmemBus() *InmemBus {
	return &InmemBus{subs: map[string][]*inmemSub{}}
}

func (b *InmemBus) Publish(ctx context.Context, e events.Event) error {
	// Round-trip through the codec so tests exercise the same wire format
	// as the AMQP bus.
	data, err := events.Marshal(e)
	if err != nil {
		return err
	}

	b.mu.RLock()
	subs := make([]*inmemSub, len(b.subs[e.Topic()]))
	copy(subs, b.subs[e.Topic()])
	b.mu.RUnlock()

	for _, sub := range subs {
		decoded, err := events.Unmarshal(data)
		if err != nil {
			return err
		}
		b.deliver(ctx, e.Topic(), decoded, sub.handler)
	}
	return nil
}

func (b *InmemBus) deliver(ctx context.Context, topic string, e events.Event, h Handler) {
	var lastErr error
	for attempt := 0; attempt < MaxRetryCount; attempt++ {
		if lastErr = h(ctx, e); lastErr == nil {
			return
		}
	}
	b.dlqMu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{Topic: topic, Event: e, Err: lastErr})
	b.dlqMu.Unlock()
}

func (b *InmemBus) Subscribe(ctx context.Context, topic, queue string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// One delivery per queue group: a second subscriber on the same
	// topic+queue replaces the first, mirroring competing consumers.
	for _, sub := range b.subs[topic] {
		if sub.queue == queue {
			sub.handler = h
			return nil
		}
	}
	b.subs[topic] = append(b.subs[topic], &inmemSub{queue: queue, handler: h})
	return nil
}

// DeadLetters returns a snapshot of dead-lettered events.
func (b *InmemBus) DeadLetters() []DeadLetter {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

func (b *InmemBus) Close() error { return nil }

var _ EventBus = (*InmemBus)(nil)
