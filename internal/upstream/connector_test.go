package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/session"
)

// fakeBackend is an upstream chat server that records what it receives and
// lets the test push frames to the connected client.
type fakeBackend struct {
	srv      *httptest.Server
	tokens   chan string
	received chan []byte
	ready    chan struct{}
	once     sync.Once
	mu       sync.Mutex
	conn     *websocket.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		tokens:   make(chan string, 4),
		received: make(chan []byte, 16),
		ready:    make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.tokens <- r.URL.Query().Get("access_token")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = ws
		b.mu.Unlock()
		b.once.Do(func() { close(b.ready) })
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			b.received <- data
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) template() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/websocket?access_token=" + TokenPlaceholder
}

func (b *fakeBackend) wait(t *testing.T) {
	t.Helper()
	select {
	case <-b.ready:
	case <-time.After(time.Second):
		t.Fatal("backend never accepted a connection")
	}
}

func (b *fakeBackend) push(t *testing.T, payload string) {
	t.Helper()
	b.wait(t)
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NoError(t, b.conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (b *fakeBackend) drop(t *testing.T) {
	b.wait(t)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn.Close()
}

func setup(t *testing.T, template string) (*Connector, *domain.Session) {
	t.Helper()
	sessions := session.NewRegistry()
	sess := domain.NewSession("s1", 8)
	require.NoError(t, sessions.Add(sess))
	return NewConnector(Config{URLTemplate: template, ConnectTimeout: time.Second}, sessions), sess
}

func outbound(t *testing.T, sess *domain.Session) domain.ChatMessage {
	t.Helper()
	select {
	case msg := <-sess.Outbound():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no upstream message delivered")
		return domain.ChatMessage{}
	}
}

func TestConnector_ConnectForwardReceive(t *testing.T) {
	req := require.New(t)
	backend := newFakeBackend(t)
	c, sess := setup(t, backend.template())
	ctx := context.Background()

	// When the session connects with a token that needs escaping
	req.NoError(c.Connect(ctx, "s1", "tok en&x"))
	req.Equal("tok en&x", <-backend.tokens)
	req.True(c.Connected("s1"))

	// Then forwarded messages reach the backend as wire JSON
	msg := domain.ChatMessage{RoomID: "42", Sender: "alice", Content: "hi", Timestamp: "1"}
	req.NoError(c.Forward(ctx, "s1", msg))
	select {
	case data := <-backend.received:
		var got domain.ChatMessage
		req.NoError(json.Unmarshal(data, &got))
		req.Equal(msg, got)
	case <-time.After(time.Second):
		t.Fatal("backend received nothing")
	}

	// And backend pushes land on the session's outbound channel, tagged external
	backend.push(t, `{"roomId":"99","sender":"agent","content":"hello","timestamp":"7"}`)
	got := outbound(t, sess)
	req.Equal(domain.ChatMessage{RoomID: domain.UpstreamRoomID, Sender: "agent", Content: "hello", Timestamp: "7"}, got)

	// Malformed payloads are dropped, defaults filled for missing fields
	backend.push(t, `not json`)
	backend.push(t, `{"content":"bare"}`)
	got = outbound(t, sess)
	req.Equal("bare", got.Content)
	req.Equal(domain.UpstreamSender, got.Sender)
	req.NotEmpty(got.Timestamp)
}

func TestConnector_ConnectTwiceIsNoop(t *testing.T) {
	req := require.New(t)
	backend := newFakeBackend(t)
	c, sess := setup(t, backend.template())

	req.NoError(c.Connect(context.Background(), "s1", "t"))
	first := sess.Upstream()
	req.NoError(c.Connect(context.Background(), "s1", "t"))

	req.Same(first, sess.Upstream())
	req.Len(backend.tokens, 1)
}

func TestConnector_ConnectFailureLeavesSessionUsable(t *testing.T) {
	req := require.New(t)
	c, sess := setup(t, "ws://127.0.0.1:1/websocket?access_token="+TokenPlaceholder)

	err := c.Connect(context.Background(), "s1", "t")

	req.ErrorIs(err, domain.ErrUpstreamConnect)
	req.False(c.Connected("s1"))
	req.Nil(sess.Upstream())
	req.True(sess.Deliver(domain.ChatMessage{Content: "still open"}))
}

func TestConnector_DialFailureIsClosed(t *testing.T) {
	req := require.New(t)
	c, _ := setup(t, "ws://127.0.0.1:1/websocket?access_token="+TokenPlaceholder)

	conn, err := c.dial(context.Background(), "s1", c.URL("t"))

	req.Error(err)
	req.Equal(StateClosed, conn.State())
	req.ErrorIs(conn.WriteMessage(domain.ChatMessage{Content: "x"}), errNotConnected)
}

func TestConnector_ConnectUnknownSession(t *testing.T) {
	c, _ := setup(t, "ws://unused/{accessToken}")
	err := c.Connect(context.Background(), "nope", "t")
	require.ErrorIs(t, err, domain.ErrUnknownSession)
}

func TestConnector_ForwardWithoutUpstreamIsNoop(t *testing.T) {
	req := require.New(t)
	c, _ := setup(t, "ws://unused/{accessToken}")

	req.NoError(c.Forward(context.Background(), "s1", domain.ChatMessage{Content: "x"}))
	req.NoError(c.Forward(context.Background(), "missing", domain.ChatMessage{Content: "x"}))
}

func TestConnector_UpstreamDropDetachesButKeepsSession(t *testing.T) {
	req := require.New(t)
	backend := newFakeBackend(t)
	c, sess := setup(t, backend.template())

	req.NoError(c.Connect(context.Background(), "s1", "t"))
	link := sess.Upstream().(*Conn)

	backend.drop(t)

	req.Eventually(func() bool { return !c.Connected("s1") }, time.Second, 5*time.Millisecond)
	req.Equal(StateClosed, link.State())
	req.True(sess.Deliver(domain.ChatMessage{Content: "local still works"}))
}

func TestConnector_Disconnect(t *testing.T) {
	req := require.New(t)
	backend := newFakeBackend(t)
	c, sess := setup(t, backend.template())

	req.NoError(c.Connect(context.Background(), "s1", "t"))
	link := sess.Upstream().(*Conn)

	c.Disconnect("s1")

	req.Nil(sess.Upstream())
	req.Equal(StateClosed, link.State())
	_, ok := <-sess.Outbound()
	req.False(ok)
	req.False(sess.SetUpstream(link))

	c.Disconnect("missing")
}

func TestConnector_URL(t *testing.T) {
	c := NewConnector(Config{URLTemplate: "wss://upstream.example.com/websocket?access_token={accessToken}"}, session.NewRegistry())
	require.Equal(t, "wss://upstream.example.com/websocket?access_token=a%2Bb%3D", c.URL("a+b="))
}

func TestState_String(t *testing.T) {
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "unknown", State(42).String())
}
