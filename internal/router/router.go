package router

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// LocalPublisher fans a message out to this instance's room subscribers.
type LocalPublisher interface {
	PublishLocal(roomID string, msg domain.ChatMessage)
}

// BusPublisher sends a message to other instances. It never reports failure.
type BusPublisher interface {
	Publish(ctx context.Context, roomID string, msg domain.ChatMessage)
}

// Forwarder relays a message to a session's upstream connection.
type Forwarder interface {
	Forward(ctx context.Context, sessionID string, msg domain.ChatMessage) error
}

// Router stamps inbound messages and fans them out to the local room, the
// shared bus and the sender's upstream.
type Router struct {
	local    LocalPublisher
	bus      BusPublisher
	upstream Forwarder
	now      func() time.Time
}

// New creates a router. bus and upstream may be nil.
func New(local LocalPublisher, bus BusPublisher, upstream Forwarder) *Router {
	return &Router{
		local:    local,
		bus:      bus,
		upstream: upstream,
		now:      time.Now,
	}
}

// Route stamps msg with roomID and the server time, then publishes it. Bus
// and upstream failures do not affect local delivery.
func (r *Router) Route(ctx context.Context, sessionID, roomID string, msg domain.ChatMessage) domain.ChatMessage {
	stamped := msg.Stamp(roomID, r.now())

	r.local.PublishLocal(roomID, stamped)

	if r.bus != nil && !domain.IsLocalRoom(roomID) {
		r.bus.Publish(ctx, roomID, stamped)
	}

	if r.upstream != nil {
		if err := r.upstream.Forward(ctx, sessionID, stamped); err != nil {
			l := log.Ctx(log.WithSession(ctx, sessionID))
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).
				Msg("upstream forward failed")
		}
	}
	return stamped
}

// RouteStatus broadcasts a status change to the local status room only.
func (r *Router) RouteStatus(ctx context.Context, userID, status string) domain.ChatMessage {
	msg := domain.NewStatusMessage(userID, status, r.now())
	r.local.PublishLocal(domain.StatusRoomID, msg)

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldUserID, userID).Str("status", status).Msg("user status updated")
	return msg
}
