package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-live/livechat-service/internal/audit"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/config"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/gate"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/room"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/router"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/session"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/stomp"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/upstream"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// Options controls the upstream behaviour of the service.
type Options struct {
	UpstreamEnabled    bool
	ConnectOnHandshake bool
	TokenSource        string
	OutboundBuffer     int
}

type liveChatService struct {
	sessions  *session.Registry
	rooms     *room.Registry
	gate      *gate.Gate
	router    *router.Router
	connector *upstream.Connector
	tokens    TokenIssuer
	opts      Options
	cancel    context.CancelFunc
}

// NewLiveChatService wires the relay components. tokens may be nil unless
// opts.TokenSource is config.TokenSourceIssuer.
func NewLiveChatService(
	sessions *session.Registry,
	rooms *room.Registry,
	g *gate.Gate,
	r *router.Router,
	connector *upstream.Connector,
	tokens TokenIssuer,
	opts Options,
) LiveChatService {
	return &liveChatService{
		sessions:  sessions,
		rooms:     rooms,
		gate:      g,
		router:    r,
		connector: connector,
		tokens:    tokens,
		opts:      opts,
	}
}

func (s *liveChatService) OpenSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess := domain.NewSession(sessionID, s.opts.OutboundBuffer)
	if err := s.sessions.Add(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *liveChatService) HandleConnect(ctx context.Context, c *stomp.Client, attempt gate.Attempt) error {
	if _, err := s.gate.Admit(ctx, c.Session, attempt); err != nil {
		return err
	}

	go s.pumpOutbound(c)

	if s.opts.UpstreamEnabled && s.opts.ConnectOnHandshake {
		// The handshake reply must not wait on the upstream dial.
		bg := log.WithLogger(context.Background(), log.Ctx(ctx))
		go func() {
			if err := s.connectUpstream(bg, c.Session); err != nil {
				l := log.Ctx(bg)
				l.Warn().Err(err).Msg("session continues without upstream")
			}
		}()
	}
	return nil
}

// pumpOutbound relays upstream-originated messages to the client's private
// queue until the session's outbound channel is closed.
func (s *liveChatService) pumpOutbound(c *stomp.Client) {
	for msg := range c.Session.Outbound() {
		c.SendMessage(domain.UpstreamQueue, msg)
	}
}

func (s *liveChatService) connectUpstream(ctx context.Context, sess *domain.Session) error {
	token, err := s.upstreamToken(ctx, sess)
	if err != nil {
		return err
	}
	if err := s.connector.Connect(ctx, sess.ID, token); err != nil {
		return err
	}
	audit.Log(ctx, audit.ActionUpstreamConnect, sess.ID, "upstream connected")
	return nil
}

func (s *liveChatService) upstreamToken(ctx context.Context, sess *domain.Session) (string, error) {
	credential := sess.Credential()
	if s.opts.TokenSource != config.TokenSourceIssuer {
		return credential, nil
	}
	if s.tokens == nil {
		return "", fmt.Errorf("%w: no token issuer configured", domain.ErrUnavailable)
	}
	return s.tokens.IssueToken(ctx, credential, sess.ID)
}

func (s *liveChatService) HandleSubscribeRoom(ctx context.Context, c *stomp.Client, roomID string) error {
	if roomID != domain.StatusRoomID {
		if err := domain.ValidateRoomID(roomID); err != nil {
			return err
		}
	}
	s.join(ctx, c, roomID)
	return nil
}

func (s *liveChatService) HandleJoinRoom(ctx context.Context, c *stomp.Client, roomID string) error {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return err
	}
	s.join(ctx, c, roomID)
	c.SendMessage(domain.RoomQueue(roomID), domain.NewJoinedMessage(roomID, time.Now()))
	return nil
}

// join takes one room reference per session and starts a pump from the room
// stream to the client. Joining a room twice is a no-op.
func (s *liveChatService) join(ctx context.Context, c *stomp.Client, roomID string) {
	sess := c.Session
	if sess.InRoom(roomID) {
		return
	}

	s.rooms.Subscribe(roomID)
	stream := s.rooms.Stream(roomID)
	detach := func() {
		stream.Close()
		s.rooms.Unsubscribe(roomID)
	}
	if !sess.JoinRoom(roomID, detach) {
		detach()
		return
	}

	go s.pumpRoom(c, roomID, stream)

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldRoomID, roomID).Msg("joined room")
	audit.LogWithDetail(ctx, audit.ActionJoinRoom, sess.ID, roomID, "joined room")
}

func (s *liveChatService) pumpRoom(c *stomp.Client, roomID string, stream *room.Stream) {
	destination := domain.RoomTopic(roomID)
	if roomID == domain.StatusRoomID {
		destination = domain.StatusTopic
	}

	ctx := context.Background()
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			return
		}
		c.SendMessage(destination, msg)
	}
}

func (s *liveChatService) HandleLeaveRoom(ctx context.Context, c *stomp.Client, roomID string) error {
	detach, ok := c.Session.LeaveRoom(roomID)
	if !ok {
		return nil
	}
	detach()

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldRoomID, roomID).Msg("left room")
	audit.LogWithDetail(ctx, audit.ActionLeaveRoom, c.Session.ID, roomID, "left room")
	return nil
}

func (s *liveChatService) HandleSendMessage(ctx context.Context, c *stomp.Client, roomID string, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return domain.ChatMessage{}, err
	}
	l := log.Ctx(ctx)
	l.Debug().Str(log.FieldRoomID, roomID).Str("sender", msg.Sender).Msg("routing message")
	return s.router.Route(ctx, c.Session.ID, roomID, msg), nil
}

func (s *liveChatService) HandleStatus(ctx context.Context, c *stomp.Client, userID, status string) error {
	if userID == "" || status == "" {
		return errors.New("status update needs a user id and a status")
	}
	s.router.RouteStatus(ctx, userID, status)
	return nil
}

func (s *liveChatService) HandleUpstreamConnect(ctx context.Context, c *stomp.Client) error {
	if !s.opts.UpstreamEnabled {
		return errors.New("upstream relay is disabled")
	}
	return s.connectUpstream(ctx, c.Session)
}

// HandleDisconnect unregisters the session, releases its rooms and closes its
// upstream and outbound channel.
func (s *liveChatService) HandleDisconnect(ctx context.Context, c *stomp.Client) {
	sess := c.Session
	if _, ok := s.sessions.Remove(sess.ID); !ok {
		return
	}

	for _, roomID := range sess.Rooms() {
		if detach, ok := sess.LeaveRoom(roomID); ok {
			detach()
		}
	}
	s.connector.DisconnectSession(sess)

	audit.Log(ctx, audit.ActionDisconnect, sess.ID, "session closed")
}

// Start runs background maintenance until ctx is cancelled or Stop is called.
func (s *liveChatService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.rooms.Run(ctx)
	return nil
}

// Stop ends background maintenance and tears every room down.
func (s *liveChatService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.rooms.UnsubscribeAll()
	return nil
}
