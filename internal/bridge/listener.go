package bridge

import (
	"context"
	"encoding/json"

	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/pubsub"
)

// Listener consumes one room's bus channel and hands decoded messages to a
// callback.
type Listener struct {
	RoomID  string
	Channel string

	deliver func(domain.ChatMessage)
	echo    *echoFilter
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewListener creates a listener for roomID.
func NewListener(roomID string, deliver func(domain.ChatMessage)) *Listener {
	return &Listener{
		RoomID:  roomID,
		Channel: pubsub.RoomChannel(roomID),
		deliver: deliver,
		done:    make(chan struct{}),
	}
}

// Start consumes ch in a goroutine until ch is closed or Stop is called.
func (l *Listener) Start(ch <-chan *pubsub.Message) {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx, ch)
}

// Stop ends consumption. It does not wait for an in-flight delivery.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

// Done is closed once the consuming goroutine has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) run(ctx context.Context, ch <-chan *pubsub.Message) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			l.Handle(msg.Payload)
		}
	}
}

// Handle decodes one bus payload and delivers it. Malformed payloads and
// echoes of this instance's own publishes are dropped.
func (l *Listener) Handle(payload []byte) {
	if l.echo != nil && l.echo.consume(payload) {
		return
	}

	var msg domain.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		lg := log.L()
		lg.Warn().Err(err).Str(log.FieldRoomID, l.RoomID).Str(log.FieldChannel, l.Channel).
			Int("size", len(payload)).Msg("dropping malformed bus payload")
		return
	}
	l.deliver(msg)
}
