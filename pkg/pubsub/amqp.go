package pubsub

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// amqpSubscription is one exclusive queue bound to a channel's routing key.
type amqpSubscription struct {
	ch    *amqp.Channel
	queue string
}

// AMQPPubSub implements PubSub on a RabbitMQ direct exchange. Each
// subscription gets its own auto-deleted queue so every instance sees every
// message.
type AMQPPubSub struct {
	conn          *amqp.Connection
	pubCh         *amqp.Channel
	pubMu         sync.Mutex
	exchange      string
	buffer        int
	subscriptions map[string]*amqpSubscription
	mu            sync.Mutex
	closed        bool
}

// NewAMQPPubSub dials RabbitMQ and declares the exchange.
func NewAMQPPubSub(cfg AMQPConfig, buffer int) (*AMQPPubSub, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "livechat"
	}
	if buffer <= 0 {
		buffer = 100
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		amqp.ExchangeDirect,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	return &AMQPPubSub{
		conn:          conn,
		pubCh:         ch,
		exchange:      cfg.Exchange,
		buffer:        buffer,
		subscriptions: make(map[string]*amqpSubscription),
	}, nil
}

// Publish sends payload with channel as the routing key.
func (a *AMQPPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	err := a.pubCh.PublishWithContext(ctx,
		a.exchange,
		channel,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe declares an exclusive queue bound to channel and starts
// consuming it.
func (a *AMQPPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if existing, ok := a.subscriptions[channel]; ok {
		existing.ch.Close()
		delete(a.subscriptions, channel)
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue for %s: %w", channel, err)
	}

	if err := ch.QueueBind(q.Name, channel, a.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue for %s: %w", channel, err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",
		true,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", channel, err)
	}

	a.subscriptions[channel] = &amqpSubscription{ch: ch, queue: q.Name}
	l := log.L()
	l.Debug().Str(log.FieldChannel, channel).Str("queue", q.Name).Msg("amqp subscription started")

	msgCh := make(chan *Message, a.buffer)
	go a.processDeliveries(channel, deliveries, msgCh)

	return msgCh, nil
}

// processDeliveries copies deliveries into msgCh until the AMQP channel is
// closed. A full msgCh drops the delivery.
func (a *AMQPPubSub) processDeliveries(channel string, deliveries <-chan amqp.Delivery, msgCh chan<- *Message) {
	defer close(msgCh)

	for d := range deliveries {
		select {
		case msgCh <- &Message{Channel: channel, Payload: d.Body}:
		default:
			l := log.L()
			l.Warn().Str(log.FieldChannel, channel).Msg("amqp pubsub buffer full, dropping message")
		}
	}
}

// Unsubscribe closes the channel's queue; the server deletes it.
func (a *AMQPPubSub) Unsubscribe(ctx context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.subscriptions[channel]
	if !ok {
		return nil
	}
	delete(a.subscriptions, channel)
	if err := sub.ch.Close(); err != nil {
		return fmt.Errorf("failed to close amqp channel for %s: %w", channel, err)
	}
	return nil
}

// Close closes every subscription and the connection.
func (a *AMQPPubSub) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	for channel, sub := range a.subscriptions {
		sub.ch.Close()
		delete(a.subscriptions, channel)
	}
	return a.conn.Close()
}
