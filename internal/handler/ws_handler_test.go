package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/config"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/gate"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/room"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/router"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/service"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/session"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/stomp"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/upstream"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/pubsub"
)

type testEnv struct {
	srv      *httptest.Server
	sessions *session.Registry
	rooms    *room.Registry
}

// newTestEnv starts one relay instance attached to bus.
func newTestEnv(t *testing.T, bus *pubsub.MemoryBus) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	br := bridge.New(bus.Connect(), bridge.Config{EchoWindow: 5 * time.Second, OpTimeout: time.Second}, nil)
	rooms := room.NewRegistry(room.DefaultConfig(), br)
	sessions := session.NewRegistry()
	connector := upstream.NewConnector(upstream.Config{}, sessions)
	rt := router.New(rooms, br, connector)
	svc := service.NewLiveChatService(sessions, rooms, gate.New(nil, time.Second), rt, connector, nil, service.Options{OutboundBuffer: 8})

	h := NewWSHandler(svc, config.WebSocketConfig{Config: stomp.DefaultConfig(), AllowedOrigins: []string{"*"}})
	engine := gin.New()
	h.RegisterRoutes(engine)

	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		srv.Close()
		br.Close()
	})
	return &testEnv{srv: srv, sessions: sessions, rooms: rooms}
}

type stompConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T, query string) *stompConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws" + query
	dialer := websocket.Dialer{Subprotocols: []string{"v12.stomp"}}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &stompConn{t: t, conn: conn}
}

func (c *stompConn) send(command, body string, headers ...string) {
	c.t.Helper()
	f := frame.New(command, headers...)
	if body != "" {
		f.Body = []byte(body)
	}
	data, err := stomp.Encode(f)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *stompConn) read() *frame.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		frames, err := stomp.Decode(data)
		require.NoError(c.t, err)
		if len(frames) > 0 {
			return frames[0]
		}
	}
}

func (c *stompConn) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *stompConn) connect(token string) *frame.Frame {
	c.t.Helper()
	c.send(frame.CONNECT, "", frame.AcceptVersion, "1.1,1.2", frame.Host, "localhost", gate.TokenHeader, token)
	f := c.read()
	require.Equal(c.t, frame.CONNECTED, f.Command)
	return f
}

func (c *stompConn) subscribe(id, dest string) {
	c.t.Helper()
	c.send(frame.SUBSCRIBE, "", frame.Id, id, frame.Destination, dest, frame.Receipt, "r-"+id)
	f := c.read()
	require.Equal(c.t, frame.RECEIPT, f.Command)
	require.Equal(c.t, "r-"+id, f.Header.Get(frame.ReceiptId))
}

func TestWSHandler_ConnectWithoutCredentialIsRejected(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, pubsub.NewMemoryBus(16))
	c := env.dial(t, "")

	// When
	c.send(frame.CONNECT, "", frame.AcceptVersion, "1.2", frame.Host, "localhost")

	// Then
	f := c.read()
	req.Equal(frame.ERROR, f.Command)
	req.Equal("unauthorized", f.Header.Get(frame.Message))
	c.expectClosed()
	req.Eventually(func() bool { return env.sessions.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWSHandler_FrameBeforeConnect(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, pubsub.NewMemoryBus(16))
	c := env.dial(t, "?access_token=abc")

	c.send(frame.SEND, `{"content":"hi"}`, frame.Destination, "/app/livechat/rooms/42/send")

	f := c.read()
	req.Equal(frame.ERROR, f.Command)
	req.Equal("not connected", f.Header.Get(frame.Message))
	c.expectClosed()
}

func TestWSHandler_ConnectNegotiatesVersion(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, pubsub.NewMemoryBus(16))

	// Given the credential only on the upgrade query
	c := env.dial(t, "?access_token=abc")

	// When
	c.send(frame.CONNECT, "", frame.AcceptVersion, "1.0,1.1,1.2", frame.Host, "localhost")

	// Then
	f := c.read()
	req.Equal(frame.CONNECTED, f.Command)
	req.Equal("1.2", f.Header.Get(frame.Version))
	req.NotEmpty(f.Header.Get(frame.Session))
	req.Equal(1, env.sessions.Count())
}

func TestWSHandler_UnsupportedVersion(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, pubsub.NewMemoryBus(16))
	c := env.dial(t, "")

	c.send(frame.CONNECT, "", frame.AcceptVersion, "2.0", frame.Host, "localhost", gate.TokenHeader, "abc")

	f := c.read()
	req.Equal(frame.ERROR, f.Command)
	c.expectClosed()
}

func TestWSHandler_RoomBroadcastOnOneInstance(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, pubsub.NewMemoryBus(16))

	// Given A subscribed to room 42 and B connected
	a := env.dial(t, "")
	a.connect("token-a")
	a.subscribe("sub-0", "/topic/livechat/rooms/42")
	b := env.dial(t, "")
	b.connect("token-b")

	// When B sends with a spoofed room id
	b.send(frame.SEND, `{"roomId":"99","sender":"bob","content":"hello"}`,
		frame.Destination, "/app/livechat/rooms/42/send", frame.ContentType, "application/json")

	// Then A receives the stamped copy on its subscription
	f := a.read()
	req.Equal(frame.MESSAGE, f.Command)
	req.Equal("/topic/livechat/rooms/42", f.Header.Get(frame.Destination))
	req.Equal("sub-0", f.Header.Get(frame.Subscription))

	msg, err := stomp.DecodeChatMessage(f.Body)
	req.NoError(err)
	req.Equal("42", msg.RoomID)
	req.Equal("bob", msg.Sender)
	req.Equal("hello", msg.Content)
	req.NotEmpty(msg.Timestamp)
}

func TestWSHandler_RoomBroadcastAcrossInstances(t *testing.T) {
	req := require.New(t)
	bus := pubsub.NewMemoryBus(16)
	one := newTestEnv(t, bus)
	two := newTestEnv(t, bus)

	// Given A on instance one and B on instance two, both in room 42
	a := one.dial(t, "")
	a.connect("token-a")
	a.subscribe("sub-0", "/topic/livechat/rooms/42")
	b := two.dial(t, "")
	b.connect("token-b")
	b.subscribe("sub-7", "/topic/livechat/rooms/42")

	// When
	b.send(frame.SEND, `{"sender":"bob","content":"across"}`, frame.Destination, "/app/livechat/rooms/42/send")

	// Then both see exactly one copy
	for _, c := range []*stompConn{a, b} {
		f := c.read()
		req.Equal(frame.MESSAGE, f.Command)
		msg, err := stomp.DecodeChatMessage(f.Body)
		req.NoError(err)
		req.Equal("across", msg.Content)
	}

	b.send(frame.SEND, `{"sender":"bob","content":"second"}`, frame.Destination, "/app/livechat/rooms/42/send")
	for _, c := range []*stompConn{a, b} {
		msg, err := stomp.DecodeChatMessage(c.read().Body)
		req.NoError(err)
		req.Equal("second", msg.Content)
	}
}

func TestWSHandler_JoinWithoutSubscribeReceivesNoBroadcast(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, pubsub.NewMemoryBus(16))

	// Given A in room 42 through a SEND join only
	a := env.dial(t, "")
	a.connect("token-a")
	a.send(frame.SEND, "", frame.Destination, "/app/livechat/rooms/42/subscribe", frame.Receipt, "r-join")
	f := a.read()
	req.Equal(frame.RECEIPT, f.Command)
	req.Equal(1, env.rooms.RefCount("42"))

	// When B broadcasts to the room
	b := env.dial(t, "")
	b.connect("token-b")
	b.send(frame.SEND, `{"sender":"bob","content":"first"}`,
		frame.Destination, "/app/livechat/rooms/42/send", frame.Receipt, "r-1")
	req.Equal(frame.RECEIPT, b.read().Command)
	time.Sleep(50 * time.Millisecond)

	// Then A gets nothing until it subscribes, and the next frame is its receipt
	a.subscribe("sub-0", "/topic/livechat/rooms/42")
	b.send(frame.SEND, `{"sender":"bob","content":"second"}`, frame.Destination, "/app/livechat/rooms/42/send")

	f = a.read()
	req.Equal(frame.MESSAGE, f.Command)
	req.Equal("sub-0", f.Header.Get(frame.Subscription))
	msg, err := stomp.DecodeChatMessage(f.Body)
	req.NoError(err)
	req.Equal("second", msg.Content)
}

func TestWSHandler_JoinSendsPrivateConfirmation(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, pubsub.NewMemoryBus(16))
	c := env.dial(t, "")
	c.connect("token")
	c.subscribe("sub-q", "/user/queue/livechat/rooms/42")

	c.send(frame.SEND, "", frame.Destination, "/app/livechat/rooms/42/subscribe")

	f := c.read()
	req.Equal(frame.MESSAGE, f.Command)
	req.Equal("/queue/livechat/rooms/42", f.Header.Get(frame.Destination))
	req.Equal("sub-q", f.Header.Get(frame.Subscription))
	msg, err := stomp.DecodeChatMessage(f.Body)
	req.NoError(err)
	req.Equal("Joined the chat room.", msg.Content)
	req.Equal(1, env.rooms.RefCount("42"))
}

func TestWSHandler_StatusIsBroadcastLocally(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, pubsub.NewMemoryBus(16))
	a := env.dial(t, "")
	a.connect("token-a")
	a.subscribe("sub-s", "/topic/livechat/status")
	b := env.dial(t, "")
	b.connect("token-b")

	b.send(frame.SEND, "away", frame.Destination, "/app/livechat/users/u1/status")

	msg, err := stomp.DecodeChatMessage(a.read().Body)
	req.NoError(err)
	req.Equal("system", msg.RoomID)
	req.Equal("u1 changed status to away", msg.Content)
}

func TestWSHandler_UnsubscribeReleasesRoom(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, pubsub.NewMemoryBus(16))
	c := env.dial(t, "")
	c.connect("token")
	c.subscribe("sub-0", "/topic/livechat/rooms/42")
	req.Equal(1, env.rooms.RefCount("42"))

	c.send(frame.UNSUBSCRIBE, "", frame.Id, "sub-0", frame.Receipt, "r-un")

	f := c.read()
	req.Equal(frame.RECEIPT, f.Command)
	req.Equal(0, env.rooms.RefCount("42"))
}

func TestWSHandler_DisconnectWithReceipt(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, pubsub.NewMemoryBus(16))
	c := env.dial(t, "")
	c.connect("token")
	c.subscribe("sub-0", "/topic/livechat/rooms/42")

	c.send(frame.DISCONNECT, "", frame.Receipt, "bye")

	f := c.read()
	req.Equal(frame.RECEIPT, f.Command)
	req.Equal("bye", f.Header.Get(frame.ReceiptId))
	c.expectClosed()
	req.Eventually(func() bool {
		return env.sessions.Count() == 0 && env.rooms.RefCount("42") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWSHandler_InvalidRoomClosesConnection(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, pubsub.NewMemoryBus(16))
	c := env.dial(t, "")
	c.connect("token")

	c.send(frame.SEND, `{"content":"x"}`, frame.Destination, "/app/livechat/rooms/external/send")

	f := c.read()
	req.Equal(frame.ERROR, f.Command)
	c.expectClosed()
}

func TestOriginChecker(t *testing.T) {
	req := require.New(t)
	check := originChecker([]string{"https://chat.example.com"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.True(check(r))

	r.Header.Set("Origin", "https://chat.example.com")
	req.True(check(r))

	r.Header.Set("Origin", "https://evil.example.com")
	req.False(check(r))

	req.True(originChecker([]string{"*"})(r))
}
