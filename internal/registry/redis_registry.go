package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// Config holds instance registry settings.
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	Prefix            string        `mapstructure:"prefix"`
	InstanceID        string        `mapstructure:"instance_id"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type RedisRegistry struct {
	client            *redis.Client
	instanceID        string
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration
	managedKeys       map[string]struct{} // keys managed by this instance
	mu                sync.RWMutex
	cancel            context.CancelFunc
}

// NewRedisRegistry creates a registry on an existing client. The registry
// does not own the client.
func NewRedisRegistry(client *redis.Client, cfg Config) *RedisRegistry {
	if cfg.Prefix == "" {
		cfg.Prefix = "livechat"
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.KeyTTL / 3
	}
	return &RedisRegistry{
		client:            client,
		instanceID:        cfg.InstanceID,
		prefix:            cfg.Prefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		managedKeys:       make(map[string]struct{}),
	}
}

func (r *RedisRegistry) keyFor(roomID string) string {
	return fmt.Sprintf("%s:room:%s:instance:%s", r.prefix, roomID, r.instanceID)
}

func (r *RedisRegistry) AddRoom(ctx context.Context, roomID string) error {
	key := r.keyFor(roomID)

	if err := r.client.Set(ctx, key, time.Now().UnixMilli(), r.keyTTL).Err(); err != nil {
		return fmt.Errorf("failed to register room: %w", err)
	}

	r.mu.Lock()
	r.managedKeys[key] = struct{}{}
	r.mu.Unlock()

	l := log.L()
	l.Debug().Str(log.FieldRoomID, roomID).Str(log.FieldInstance, r.instanceID).Msg("registered room")
	return nil
}

func (r *RedisRegistry) RemoveRoom(ctx context.Context, roomID string) error {
	key := r.keyFor(roomID)

	r.mu.Lock()
	delete(r.managedKeys, key)
	r.mu.Unlock()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to deregister room: %w", err)
	}

	l := log.L()
	l.Debug().Str(log.FieldRoomID, roomID).Str(log.FieldInstance, r.instanceID).Msg("deregistered room")
	return nil
}

// Instances lists the instance ids currently serving roomID.
func (r *RedisRegistry) Instances(ctx context.Context, roomID string) ([]string, error) {
	prefix := fmt.Sprintf("%s:room:%s:instance:", r.prefix, roomID)

	var instances []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		instances = append(instances, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list room instances: %w", err)
	}
	return instances, nil
}

func (r *RedisRegistry) StartHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.heartbeatLoop(ctx)
	l := log.L()
	l.Info().Dur("interval", r.heartbeatInterval).Dur("ttl", r.keyTTL).Str(log.FieldInstance, r.instanceID).Msg("registry heartbeat started")
	return nil
}

func (r *RedisRegistry) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshKeys(ctx)
		}
	}
}

func (r *RedisRegistry) refreshKeys(ctx context.Context) {
	r.mu.RLock()
	keys := lo.Keys(r.managedKeys)
	r.mu.RUnlock()

	for _, key := range keys {
		if err := r.client.Expire(ctx, key, r.keyTTL).Err(); err != nil {
			l := log.L()
			l.Error().Str("key", key).Err(err).Msg("failed to refresh key")
		}
	}
}

func (r *RedisRegistry) StopHeartbeat() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Close stops the heartbeat and removes every key this instance owns.
func (r *RedisRegistry) Close() error {
	r.StopHeartbeat()

	r.mu.Lock()
	keys := lo.Keys(r.managedKeys)
	r.managedKeys = make(map[string]struct{})
	r.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Del(ctx, keys...).Err()
}
