package pubsub

import (
	"context"
	"sync"

	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// MemoryBus is an in-process bus shared by any number of MemoryPubSub
// instances. Delivery is at-most-once: a full subscriber buffer drops the
// message.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	buffer int
}

type memorySubscription struct {
	channel string
	ch      chan *Message
	once    sync.Once
}

func (s *memorySubscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 100
	}
	return &MemoryBus{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

// Connect returns a new PubSub view of the bus, standing in for one server
// instance.
func (b *MemoryBus) Connect() *MemoryPubSub {
	return &MemoryPubSub{
		bus:  b,
		subs: make(map[string]*memorySubscription),
	}
}

func (b *MemoryBus) publish(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[channel] {
		data := make([]byte, len(payload))
		copy(data, payload)
		select {
		case sub.ch <- &Message{Channel: channel, Payload: data}:
		default:
			l := log.L()
			l.Warn().Str(log.FieldChannel, channel).Msg("memory pubsub buffer full, dropping message")
		}
	}
}

func (b *MemoryBus) add(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[sub.channel] == nil {
		b.subs[sub.channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[sub.channel][sub] = struct{}{}
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[sub.channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.channel)
		}
	}
	sub.close()
}

// Subscribers returns the number of active subscriptions on a channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// MemoryPubSub implements PubSub on top of a MemoryBus.
type MemoryPubSub struct {
	bus    *MemoryBus
	subs   map[string]*memorySubscription
	closed bool
	mu     sync.Mutex
}

// Publish publishes a payload to every subscription on the channel.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.bus.publish(channel, payload)
	return nil
}

// Subscribe subscribes to a channel, replacing any previous subscription
// this instance held on it.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if existing, ok := m.subs[channel]; ok {
		m.bus.remove(existing)
	}

	sub := &memorySubscription{channel: channel, ch: make(chan *Message, m.bus.buffer)}
	m.bus.add(sub)
	m.subs[channel] = sub
	return sub.ch, nil
}

// Unsubscribe removes this instance's subscription on a channel.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[channel]; ok {
		delete(m.subs, channel)
		m.bus.remove(sub)
	}
	return nil
}

// Close removes every subscription held by this instance.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for channel, sub := range m.subs {
		m.bus.remove(sub)
		delete(m.subs, channel)
	}
	return nil
}
