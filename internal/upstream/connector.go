package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// TokenPlaceholder is replaced by the query-escaped access token in the URL
// template.
const TokenPlaceholder = "{accessToken}"

// Config holds upstream connector settings.
type Config struct {
	URLTemplate    string        `mapstructure:"url_template"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// SessionLookup resolves live sessions by id.
type SessionLookup interface {
	Get(id string) (*domain.Session, bool)
}

// Connector bridges individual sessions to the upstream chat backend.
type Connector struct {
	cfg      Config
	sessions SessionLookup
	dialer   *websocket.Dialer
	pending  map[string]struct{}
	mu       sync.Mutex
}

func NewConnector(cfg Config, sessions SessionLookup) *Connector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Connector{
		cfg:      cfg,
		sessions: sessions,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		pending: make(map[string]struct{}),
	}
}

// URL renders the upstream address for accessToken.
func (c *Connector) URL(accessToken string) string {
	return strings.ReplaceAll(c.cfg.URLTemplate, TokenPlaceholder, url.QueryEscape(accessToken))
}

// Connect dials the upstream for sessionID and starts its receive loop. A
// session that is already connected (or connecting) is left alone. There is
// no retry; callers invoke Connect again to retry.
func (c *Connector) Connect(ctx context.Context, sessionID, accessToken string) error {
	l := log.Ctx(ctx)

	sess, ok := c.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownSession, sessionID)
	}
	if sess.Upstream() != nil {
		return nil
	}

	c.mu.Lock()
	if _, busy := c.pending[sessionID]; busy {
		c.mu.Unlock()
		return nil
	}
	c.pending[sessionID] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, sessionID)
		c.mu.Unlock()
	}()

	target := c.URL(accessToken)
	conn, err := c.dial(ctx, sessionID, target)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldUpstreamURL, redactURL(target)).
			Str(log.FieldUpstreamState, conn.State().String()).Msg("upstream connect failed")
		return fmt.Errorf("%w: %v", domain.ErrUpstreamConnect, err)
	}

	if !sess.SetUpstream(conn) {
		conn.Close()
		return nil
	}

	l.Info().Str(log.FieldUpstreamURL, redactURL(target)).Msg("upstream connected")
	go c.receiveLoop(sess, conn)
	return nil
}

// dial opens the upstream socket. The returned Conn is always non-nil: it is
// connected on success and closed on failure, since Connect never retries.
func (c *Connector) dial(ctx context.Context, sessionID, target string) (*Conn, error) {
	conn := newConn(sessionID, c.cfg.WriteTimeout)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ws, resp, err := c.dialer.DialContext(dialCtx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		conn.setState(StateClosed)
		return conn, err
	}

	conn.ws = ws
	conn.setState(StateConnected)
	return conn, nil
}

// receiveLoop delivers upstream payloads to the session's outbound channel
// until the socket fails or is closed.
func (c *Connector) receiveLoop(sess *domain.Session, conn *Conn) {
	l := log.L().With().Str(log.FieldSessionID, sess.ID).Logger()

	defer func() {
		conn.Close()
		if sess.ClearUpstream(conn) {
			l.Info().Str(log.FieldUpstreamState, conn.State().String()).Msg("upstream connection lost")
		}
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && conn.State() != StateClosed {
				l.Warn().Err(err).Msg("upstream read error")
			}
			return
		}

		msg, err := decodeUpstream(data, time.Now())
		if err != nil {
			l.Warn().Err(err).Int("size", len(data)).Msg("dropping malformed upstream payload")
			continue
		}
		if !sess.Deliver(msg) {
			return
		}
	}
}

func decodeUpstream(data []byte, now time.Time) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	if msg.Sender == "" {
		msg.Sender = domain.UpstreamSender
	}
	if msg.Timestamp == "" {
		msg.Timestamp = domain.Millis(now)
	}
	msg.RoomID = domain.UpstreamRoomID
	return msg, nil
}

// Forward sends msg over the session's upstream connection. A missing
// session or connection is logged and ignored.
func (c *Connector) Forward(ctx context.Context, sessionID string, msg domain.ChatMessage) error {
	l := log.Ctx(log.WithSession(ctx, sessionID))

	sess, ok := c.sessions.Get(sessionID)
	if !ok {
		l.Warn().Msg("forward to unknown session ignored")
		return nil
	}
	link := sess.Upstream()
	if link == nil {
		l.Warn().Msg("session has no upstream connection, message not forwarded")
		return nil
	}

	if err := link.WriteMessage(msg); err != nil {
		return fmt.Errorf("%w: upstream write: %v", domain.ErrPublish, err)
	}
	return nil
}

// Connected reports whether sessionID currently has an upstream connection.
func (c *Connector) Connected(sessionID string) bool {
	sess, ok := c.sessions.Get(sessionID)
	return ok && sess.Upstream() != nil
}

// Disconnect closes the session's upstream connection, if any, and closes
// its outbound channel.
func (c *Connector) Disconnect(sessionID string) {
	sess, ok := c.sessions.Get(sessionID)
	if !ok {
		l := log.L()
		l.Warn().Str(log.FieldSessionID, sessionID).Msg("disconnect of unknown session ignored")
		return
	}
	c.DisconnectSession(sess)
}

// DisconnectSession is Disconnect for a session that may already have left
// the registry.
func (c *Connector) DisconnectSession(sess *domain.Session) {
	if link := sess.TakeUpstream(); link != nil {
		if err := link.Close(); err != nil {
			l := log.L()
			l.Debug().Err(err).Str(log.FieldSessionID, sess.ID).Msg("upstream close")
		}
	}
	sess.CloseOutbound()
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	q := u.Query()
	for key, vals := range q {
		for i := range vals {
			vals[i] = log.Redact(vals[i])
		}
		q[key] = vals
	}
	u.RawQuery = q.Encode()
	return u.String()
}
