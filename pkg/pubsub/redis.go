package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// RedisPubSub implements PubSub interface using Redis.
type RedisPubSub struct {
	client        *redis.Client
	subscriptions map[string]*redis.PubSub
	buffer        int
	closed        bool
	mu            sync.Mutex
}

// NewRedisPubSub creates a new Redis-based PubSub instance.
func NewRedisPubSub(cfg RedisConfig, buffer int) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisPubSubFromClient(client, buffer), nil
}

// NewRedisPubSubFromClient wraps an existing client. The PubSub owns the
// client and closes it on Close.
func NewRedisPubSubFromClient(client *redis.Client, buffer int) *RedisPubSub {
	if buffer <= 0 {
		buffer = 100
	}
	return &RedisPubSub{
		client:        client,
		subscriptions: make(map[string]*redis.PubSub),
		buffer:        buffer,
	}
}

// Publish publishes a payload to the specified channel.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to a specific channel. The subscription is confirmed
// by the server before Subscribe returns.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	if existing, ok := r.subscriptions[channel]; ok {
		existing.Close()
		delete(r.subscriptions, channel)
	}

	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	r.subscriptions[channel] = pubsub

	msgCh := make(chan *Message, r.buffer)
	go r.processMessages(channel, pubsub, msgCh)

	return msgCh, nil
}

// Unsubscribe unsubscribes from a channel.
func (r *RedisPubSub) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pubsub, ok := r.subscriptions[channel]; ok {
		delete(r.subscriptions, channel)
		if err := pubsub.Close(); err != nil {
			return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
		}
	}

	return nil
}

// Close closes all subscriptions and the Redis client.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for _, pubsub := range r.subscriptions {
		pubsub.Close()
	}
	r.subscriptions = make(map[string]*redis.PubSub)

	return r.client.Close()
}

// Client returns the underlying Redis client for advanced operations.
func (r *RedisPubSub) Client() *redis.Client {
	return r.client
}

// processMessages copies Redis deliveries into msgCh until the Redis
// subscription is closed. A full msgCh drops the delivery.
func (r *RedisPubSub) processMessages(channel string, pubsub *redis.PubSub, msgCh chan<- *Message) {
	defer close(msgCh)

	for msg := range pubsub.Channel() {
		select {
		case msgCh <- &Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		default:
			l := log.L()
			l.Warn().Str(log.FieldChannel, channel).Msg("redis pubsub buffer full, dropping message")
		}
	}
}
