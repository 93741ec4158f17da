package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed PubSub.
var ErrClosed = errors.New("pubsub: closed")

// Message is a raw payload delivered by the bus.
type Message struct {
	Channel string
	Payload []byte
}

// Publisher publishes payloads to the bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber subscribes to payloads from the bus. A channel has at most one
// active subscription per instance; subscribing again replaces it. The
// returned channel is closed when the subscription ends.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Message, error)
	Unsubscribe(ctx context.Context, channel string) error
}

// PubSub combines Publisher and Subscriber interfaces.
type PubSub interface {
	Publisher
	Subscriber
	Close() error
}
