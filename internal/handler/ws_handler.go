package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/config"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/gate"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/service"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/stomp"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

type WSHandler struct {
	service  service.LiveChatService
	upgrader websocket.Upgrader
	wsCfg    config.WebSocketConfig
}

func NewWSHandler(svc service.LiveChatService, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    stomp.Subprotocols,
			CheckOrigin:     originChecker(wsCfg.AllowedOrigins),
		},
		wsCfg: wsCfg,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// connState is the per-connection handshake state. It is only touched by the
// connection's read pump.
type connState struct {
	attempt   gate.Attempt
	connected bool
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := log.Ctx(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldClientIP, r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	// The request context ends once the connection is hijacked; keep only
	// its logger.
	sessionID := uuid.NewString()
	ctx := log.WithSession(log.WithLogger(context.Background(), l), sessionID)

	sess, err := h.service.OpenSession(ctx, sessionID)
	if err != nil {
		l.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to open session")
		conn.Close()
		return
	}

	client := stomp.NewClient(conn, sess, h.wsCfg.Config)
	st := &connState{attempt: gate.AttemptFromRequest(r)}

	go client.WritePump()
	go client.ReadPump(
		func(c *stomp.Client, f *frame.Frame) { h.handleFrame(ctx, c, st, f) },
		func(c *stomp.Client) { h.service.HandleDisconnect(ctx, c) },
	)
}

func (h *WSHandler) handleFrame(ctx context.Context, c *stomp.Client, st *connState, f *frame.Frame) {
	receipt := f.Header.Get(frame.Receipt)

	if !st.connected {
		if f.Command != frame.CONNECT && f.Command != frame.STOMP {
			h.fail(ctx, c, "not connected", "first frame must be CONNECT", receipt)
			return
		}
		h.handleConnect(ctx, c, st, f)
		return
	}

	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		h.fail(ctx, c, "already connected", "", receipt)
		return

	case frame.SEND:
		if !h.handleSend(ctx, c, f, receipt) {
			return
		}

	case frame.SUBSCRIBE:
		if !h.handleSubscribe(ctx, c, f, receipt) {
			return
		}

	case frame.UNSUBSCRIBE:
		h.handleUnsubscribe(ctx, c, f)

	case frame.DISCONNECT:
		if receipt != "" {
			c.SendFrame(stomp.ReceiptFrame(receipt))
		}
		c.Close()
		return

	case frame.ACK, frame.NACK:
		// Subscriptions are auto-ack.

	default:
		h.fail(ctx, c, "unsupported command", f.Command, receipt)
		return
	}

	if receipt != "" {
		c.SendFrame(stomp.ReceiptFrame(receipt))
	}
}

func (h *WSHandler) handleConnect(ctx context.Context, c *stomp.Client, st *connState, f *frame.Frame) {
	receipt := f.Header.Get(frame.Receipt)

	version, ok := stomp.NegotiateVersion(f)
	if !ok {
		h.fail(ctx, c, "unsupported protocol version", "supported versions are 1.0, 1.1 and 1.2", receipt)
		return
	}

	attempt := st.attempt
	attempt.ConnectToken = f.Header.Get(gate.TokenHeader)
	if err := h.service.HandleConnect(ctx, c, attempt); err != nil {
		if isAuthError(err) {
			h.fail(ctx, c, "unauthorized", "access token missing or rejected", receipt)
		} else {
			h.fail(ctx, c, "connect failed", err.Error(), receipt)
		}
		return
	}

	st.connected = true
	c.SendFrame(stomp.ConnectedFrame(version, c.ID))
}

func (h *WSHandler) handleSend(ctx context.Context, c *stomp.Client, f *frame.Frame, receipt string) bool {
	dest := f.Header.Get(frame.Destination)
	route := domain.ParseSendDestination(dest)
	l := log.Ctx(ctx)

	switch route.Action {
	case domain.ActionSend:
		msg, err := stomp.DecodeChatMessage(f.Body)
		if err != nil {
			h.fail(ctx, c, "malformed message", err.Error(), receipt)
			return false
		}
		if _, err := h.service.HandleSendMessage(ctx, c, route.Target, msg); err != nil {
			h.fail(ctx, c, "message rejected", err.Error(), receipt)
			return false
		}

	case domain.ActionJoin:
		if err := h.service.HandleJoinRoom(ctx, c, route.Target); err != nil {
			h.fail(ctx, c, "join rejected", err.Error(), receipt)
			return false
		}

	case domain.ActionStatus:
		if err := h.service.HandleStatus(ctx, c, route.Target, stomp.DecodeStatus(f.Body)); err != nil {
			h.fail(ctx, c, "status rejected", err.Error(), receipt)
			return false
		}

	case domain.ActionUpstreamConnect:
		// Upstream failures degrade the session to local relay; the client
		// is not told.
		if err := h.service.HandleUpstreamConnect(ctx, c); err != nil {
			l.Warn().Err(err).Msg("upstream connect request failed")
		}

	default:
		h.fail(ctx, c, "unknown destination", dest, receipt)
		return false
	}
	return true
}

func (h *WSHandler) handleSubscribe(ctx context.Context, c *stomp.Client, f *frame.Frame, receipt string) bool {
	id := f.Header.Get(frame.Id)
	dest := f.Header.Get(frame.Destination)
	if id == "" {
		h.fail(ctx, c, "missing subscription id", dest, receipt)
		return false
	}

	route := domain.ParseSubscribeDestination(dest)
	switch route.Action {
	case domain.ActionRoomTopic, domain.ActionStatusTopic:
		c.Subscribe(id, dest)
		if err := h.service.HandleSubscribeRoom(ctx, c, route.Target); err != nil {
			c.Unsubscribe(id)
			h.fail(ctx, c, "subscription rejected", err.Error(), receipt)
			return false
		}

	case domain.ActionPrivateQueue:
		c.Subscribe(id, dest)

	default:
		h.fail(ctx, c, "unknown destination", dest, receipt)
		return false
	}
	return true
}

func (h *WSHandler) handleUnsubscribe(ctx context.Context, c *stomp.Client, f *frame.Frame) {
	dest, ok := c.Unsubscribe(f.Header.Get(frame.Id))
	if !ok {
		return
	}
	route := domain.ParseSubscribeDestination(dest)
	if route.Action != domain.ActionRoomTopic && route.Action != domain.ActionStatusTopic {
		return
	}
	if _, still := c.SubscriptionFor(dest); still {
		return
	}
	if err := h.service.HandleLeaveRoom(ctx, c, route.Target); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, route.Target).Msg("leave room failed")
	}
}

// fail sends an ERROR frame and closes the connection, as STOMP requires.
func (h *WSHandler) fail(ctx context.Context, c *stomp.Client, message, detail, receipt string) {
	l := log.Ctx(ctx)
	l.Info().Str("reason", message).Str("detail", detail).Msg("closing stomp connection")
	c.SendFrame(stomp.ErrorFrame(message, detail, receipt))
	c.Close()
}

func (h *WSHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", gin.WrapF(h.HandleWebSocket))
}

// isAuthError reports whether err is a handshake rejection.
func isAuthError(err error) bool {
	return errors.Is(err, domain.ErrAuthentication)
}
