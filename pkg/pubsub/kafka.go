package pubsub

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// channelToTopicAndKey converts a Redis-style channel to a Kafka topic and
// message key. The room id becomes the key so a room keeps partition order.
//
//	"livechat:room:42"           → topic: "livechat-room", key: "42"
//	"livechat:room:42:to_backup" → topic: "livechat-to-backup", key: "42"
func channelToTopicAndKey(channel string) (topic, key string, err error) {
	parts := strings.Split(channel, ":")
	if len(parts) < 3 || len(parts) > 4 || parts[1] != "room" || parts[0] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid channel format: %s", channel)
	}

	prefix, roomID := parts[0], parts[2]
	if len(parts) == 3 {
		return prefix + "-room", roomID, nil
	}
	return prefix + "-" + strings.ReplaceAll(parts[3], "_", "-"), roomID, nil
}

// kafkaSubscription tracks a single consumer subscription.
type kafkaSubscription struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
}

// KafkaPubSub implements PubSub interface using Apache Kafka.
type KafkaPubSub struct {
	producer      *kafka.Producer
	subscriptions map[string]*kafkaSubscription // channel → subscription
	ensured       map[string]struct{}           // topics already created
	config        KafkaConfig
	buffer        int
	mu            sync.Mutex
	doneCh        chan struct{}
}

// NewKafkaPubSub creates a new Kafka-based PubSub instance.
func NewKafkaPubSub(cfg KafkaConfig, buffer int) (*KafkaPubSub, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	if buffer <= 0 {
		buffer = 100
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	kps := &KafkaPubSub{
		producer:      p,
		subscriptions: make(map[string]*kafkaSubscription),
		ensured:       make(map[string]struct{}),
		config:        cfg,
		buffer:        buffer,
		doneCh:        make(chan struct{}),
	}

	go kps.deliveryReportHandler()

	return kps, nil
}

// ensureTopic creates a topic once per process if it does not exist.
func (k *KafkaPubSub) ensureTopic(topic string) {
	k.mu.Lock()
	_, done := k.ensured[topic]
	k.ensured[topic] = struct{}{}
	k.mu.Unlock()
	if done {
		return
	}

	l := log.L()
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		l.Warn().Err(err).Str("topic", topic).Msg("failed to create kafka admin client")
		return
	}
	defer admin.Close()

	partitions := k.config.Partitions
	if partitions <= 0 {
		partitions = 4
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		l.Warn().Err(err).Str("topic", topic).Msg("failed to ensure kafka topic")
		return
	}

	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			l.Warn().Str("topic", r.Topic).Str("error", r.Error.String()).Msg("failed to create kafka topic")
		}
	}
}

// deliveryReportHandler processes delivery reports from the producer.
func (k *KafkaPubSub) deliveryReportHandler() {
	l := log.L()
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				l.Error().Err(ev.TopicPartition.Error).Msg("kafka pubsub delivery failed")
			}
		}
	}
	close(k.doneCh)
}

// Publish publishes a payload to the specified channel (converted to Kafka topic + key).
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	topic, key, err := channelToTopicAndKey(channel)
	if err != nil {
		return fmt.Errorf("failed to parse channel: %w", err)
	}
	k.ensureTopic(topic)

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(key),
		Value: payload,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}

// Subscribe subscribes to a specific channel, filtering the topic by room key.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Message, error) {
	topic, roomID, err := channelToTopicAndKey(channel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse channel: %w", err)
	}
	k.ensureTopic(topic)

	k.mu.Lock()
	defer k.mu.Unlock()

	if existing, ok := k.subscriptions[channel]; ok {
		existing.cancel()
		existing.consumer.Close()
		delete(k.subscriptions, channel)
	}

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       k.config.Brokers,
		"group.id":                consumerGroupID(k.config.GroupID, k.config.InstanceID, channel),
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	msgCh := make(chan *Message, k.buffer)

	k.subscriptions[channel] = &kafkaSubscription{
		consumer: c,
		cancel:   cancel,
	}

	go k.consumeMessages(subCtx, c, channel, roomID, msgCh)

	return msgCh, nil
}

// consumeMessages polls Kafka and forwards payloads keyed by roomID.
func (k *KafkaPubSub) consumeMessages(ctx context.Context, c *kafka.Consumer, channel, roomID string, msgCh chan<- *Message) {
	defer close(msgCh)
	l := log.L().With().Str(log.FieldChannel, channel).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev := c.Poll(500)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if string(e.Key) != roomID {
				continue
			}

			select {
			case msgCh <- &Message{Channel: channel, Payload: e.Value}:
			case <-ctx.Done():
				return
			default:
				l.Warn().Msg("kafka pubsub buffer full, dropping message")
			}

		case kafka.Error:
			l.Error().Err(e).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("kafka pubsub error")
			if e.IsFatal() {
				return
			}

		default:
			// Offsets committed, rebalances and stats are not relevant here.
		}
	}
}

// Unsubscribe unsubscribes from a channel.
func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if sub, ok := k.subscriptions[channel]; ok {
		sub.cancel()
		delete(k.subscriptions, channel)
		if err := sub.consumer.Close(); err != nil {
			return fmt.Errorf("failed to close consumer: %w", err)
		}
	}

	return nil
}

// Close closes all subscriptions and the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for channel, sub := range k.subscriptions {
		sub.cancel()
		sub.consumer.Close()
		delete(k.subscriptions, channel)
	}

	k.producer.Flush(5000)
	k.producer.Close()
	<-k.doneCh

	return nil
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// consumerGroupID names the group for one channel on one process. Sharing a
// group would split a room's partition between instances, so the instance
// id is part of the name and every instance sees every message.
func consumerGroupID(groupID, instanceID, channel string) string {
	if groupID == "" {
		groupID = "livechat"
	}
	return fmt.Sprintf("%s-%s-%s", groupID, sanitizeGroupID(instanceID), sanitizeGroupID(channel))
}

// sanitizeGroupID replaces characters not suitable for Kafka group IDs.
func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}
