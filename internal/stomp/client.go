package stomp

import (
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// Config holds WebSocket transport settings.
type Config struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

// Client is one STOMP-over-WebSocket connection.
type Client struct {
	ID      string
	Conn    *websocket.Conn
	Session *domain.Session

	send   chan []byte
	subs   map[string]string // subscription id -> destination
	closed bool
	mu     sync.Mutex
	done   chan struct{}
	config Config
}

func NewClient(conn *websocket.Conn, sess *domain.Session, cfg Config) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Client{
		ID:      sess.ID,
		Conn:    conn,
		Session: sess,
		send:    make(chan []byte, cfg.SendBuffer),
		subs:    make(map[string]string),
		done:    make(chan struct{}),
		config:  cfg,
	}
}

// ReadPump decodes inbound frames and hands them to handler until the socket
// fails. onClose runs once the pump exits.
func (c *Client) ReadPump(handler func(*Client, *frame.Frame), onClose func(*Client)) {
	defer func() {
		onClose(c)
		c.Close()
	}()

	if c.config.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldSessionID, c.ID).Msg("websocket read error")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		c.Session.Touch()

		frames, err := Decode(message)
		if err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldSessionID, c.ID).Msg("malformed stomp frame")
			c.SendFrame(ErrorFrame("malformed frame", err.Error(), ""))
			c.Close()
			return
		}
		for _, f := range frames {
			handler(c, f)
			if c.IsClosed() {
				return
			}
		}
	}
}

// WritePump drains the send queue to the socket and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendFrame queues f for the write pump. It returns false when the client is
// closed or its queue is full.
func (c *Client) SendFrame(f *frame.Frame) bool {
	data, err := Encode(f)
	if err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldSessionID, c.ID).Str("command", f.Command).Msg("failed to encode frame")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		l := log.L()
		l.Warn().Str(log.FieldSessionID, c.ID).Str("command", f.Command).Msg("send queue full, frame dropped")
		return false
	}
}

// SendMessage delivers msg on destination to the client's matching
// subscription. Without one the message is discarded and false is returned:
// a client only receives MESSAGE frames for destinations it subscribed to.
func (c *Client) SendMessage(destination string, msg domain.ChatMessage) bool {
	subID, ok := c.SubscriptionFor(destination)
	if !ok {
		l := log.L()
		l.Debug().Str(log.FieldSessionID, c.ID).Str(log.FieldDestination, destination).Msg("no subscription, message not sent")
		return false
	}
	f, err := MessageFrame(destination, subID, msg)
	if err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldSessionID, c.ID).Msg("failed to build message frame")
		return false
	}
	return c.SendFrame(f)
}

// Subscribe records a subscription id for destination.
func (c *Client) Subscribe(id, destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = destination
}

// Unsubscribe forgets subscription id and returns its destination.
func (c *Client) Unsubscribe(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dest, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	return dest, ok
}

// SubscriptionFor returns a subscription id bound to destination. Private
// queue destinations match with or without the /user prefix.
func (c *Client) SubscriptionFor(destination string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := domain.PrivateDestination(destination)
	for id, dest := range c.subs {
		if domain.PrivateDestination(dest) == want {
			return id, true
		}
	}
	return "", false
}

// Done is closed when the client shuts down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops accepting frames. Frames already queued are still written
// before the write pump sends a close message.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
}
