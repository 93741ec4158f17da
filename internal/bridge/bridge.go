package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/keylock"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/pubsub"
)

// RoomRecorder records which rooms this instance serves.
type RoomRecorder interface {
	AddRoom(ctx context.Context, roomID string) error
	RemoveRoom(ctx context.Context, roomID string) error
}

// Config holds bridge settings.
type Config struct {
	EchoWindow time.Duration `mapstructure:"echo_window"`
	OpTimeout  time.Duration `mapstructure:"op_timeout"`
}

// Bridge moves chat messages between local rooms and the shared bus. It is
// the only component that talks to pubsub. Bus and recorder calls for one
// room are serialized by a per-room lock; mu only guards the listener map
// and is never held across I/O.
type Bridge struct {
	ps        pubsub.PubSub
	echo      *echoFilter
	recorder  RoomRecorder
	timeout   time.Duration
	rooms     *keylock.Map
	listeners map[string]*Listener
	mu        sync.RWMutex
}

// New creates a bridge over ps. recorder may be nil.
func New(ps pubsub.PubSub, cfg Config, recorder RoomRecorder) *Bridge {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &Bridge{
		ps:        ps,
		echo:      newEchoFilter(cfg.EchoWindow),
		recorder:  recorder,
		timeout:   cfg.OpTimeout,
		rooms:     keylock.New(),
		listeners: make(map[string]*Listener),
	}
}

// Subscribe starts a listener for roomID that hands decoded bus messages to
// deliver. An existing listener for the room is replaced.
func (b *Bridge) Subscribe(roomID string, deliver func(domain.ChatMessage)) error {
	unlock := b.rooms.Lock(roomID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	lst := NewListener(roomID, deliver)
	lst.echo = b.echo

	// The listener is visible before the bus call so publishes racing the
	// subscription are still fingerprinted.
	b.mu.Lock()
	existing, replaced := b.listeners[roomID]
	b.listeners[roomID] = lst
	b.mu.Unlock()
	if replaced {
		existing.Stop()
	}

	ch, err := b.ps.Subscribe(ctx, lst.Channel)
	if err != nil {
		b.mu.Lock()
		if b.listeners[roomID] == lst {
			delete(b.listeners, roomID)
		}
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", lst.Channel, err)
	}
	lst.Start(ch)

	l := log.L()
	l.Info().Str(log.FieldRoomID, roomID).Str(log.FieldChannel, lst.Channel).Msg("bus listener started")

	if b.recorder != nil {
		if err := b.recorder.AddRoom(ctx, roomID); err != nil {
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to record room in instance registry")
		}
	}
	return nil
}

// Unsubscribe stops the room's listener and releases its bus subscription.
func (b *Bridge) Unsubscribe(roomID string) {
	unlock := b.rooms.Lock(roomID)
	defer unlock()

	b.mu.Lock()
	lst, ok := b.listeners[roomID]
	delete(b.listeners, roomID)
	b.mu.Unlock()
	if !ok {
		return
	}
	lst.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	l := log.L()
	if err := b.ps.Unsubscribe(ctx, lst.Channel); err != nil {
		l.Warn().Err(err).Str(log.FieldChannel, lst.Channel).Msg("bus unsubscribe failed")
	}
	if b.recorder != nil {
		if err := b.recorder.RemoveRoom(ctx, roomID); err != nil {
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to remove room from instance registry")
		}
	}
	l.Info().Str(log.FieldRoomID, roomID).Msg("bus listener stopped")
}

// Publish sends msg to the room's bus channel. Failures are logged, never
// returned or retried.
func (b *Bridge) Publish(ctx context.Context, roomID string, msg domain.ChatMessage) {
	l := log.Ctx(ctx)
	channel := pubsub.RoomChannel(roomID)

	payload, err := json.Marshal(msg)
	if err != nil {
		l.Error().Err(fmt.Errorf("%w: %v", domain.ErrSerialization, err)).Str(log.FieldRoomID, roomID).Msg("failed to encode bus message")
		return
	}

	b.mu.RLock()
	_, listening := b.listeners[roomID]
	b.mu.RUnlock()
	if listening {
		b.echo.remember(payload)
	}

	if err := b.ps.Publish(ctx, channel, payload); err != nil {
		if listening {
			b.echo.forget(payload)
		}
		l.Warn().Err(fmt.Errorf("%w: %v", domain.ErrPublish, err)).Str(log.FieldChannel, channel).Msg("bus publish failed")
		return
	}
	l.Debug().Str(log.FieldChannel, channel).Msg("published to bus")
}

// Rooms returns the rooms with a listener, including one still subscribing.
func (b *Bridge) Rooms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return lo.Keys(b.listeners)
}

// Close stops every listener and closes the bus.
func (b *Bridge) Close() error {
	b.mu.Lock()
	for roomID, lst := range b.listeners {
		lst.Stop()
		delete(b.listeners, roomID)
	}
	b.mu.Unlock()
	return b.ps.Close()
}
