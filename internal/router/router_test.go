package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/room"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/session"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/upstream"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/pubsub"
)

type mockForwarder struct {
	mock.Mock
}

func (m *mockForwarder) Forward(ctx context.Context, sessionID string, msg domain.ChatMessage) error {
	return m.Called(sessionID, msg).Error(0)
}

type mockBus struct {
	mock.Mock
}

func (m *mockBus) Publish(ctx context.Context, roomID string, msg domain.ChatMessage) {
	m.Called(roomID, msg)
}

func next(t *testing.T, s *room.Stream) domain.ChatMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := s.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestRouter_RouteStampsAndFansOut(t *testing.T) {
	req := require.New(t)
	rooms := room.NewRegistry(room.DefaultConfig(), nil)
	bus := &mockBus{}
	fwd := &mockForwarder{}
	r := New(rooms, bus, fwd)
	r.now = func() time.Time { return time.UnixMilli(1700000000000) }

	want := domain.ChatMessage{RoomID: "42", Sender: "alice", Content: "hi", Timestamp: "1700000000000"}
	bus.On("Publish", "42", want).Return().Once()
	fwd.On("Forward", "s1", want).Return(errors.New("socket gone")).Once()

	rooms.Subscribe("42")
	s := rooms.Stream("42")

	got := r.Route(context.Background(), "s1", "42", domain.ChatMessage{RoomID: "spoof", Sender: "alice", Content: "hi", Timestamp: "0"})

	req.Equal(want, got)
	req.Equal(want, next(t, s))
	bus.AssertExpectations(t)
	fwd.AssertExpectations(t)
}

func TestRouter_RouteStatusIsLocalOnly(t *testing.T) {
	req := require.New(t)
	rooms := room.NewRegistry(room.DefaultConfig(), nil)
	bus := &mockBus{}
	r := New(rooms, bus, nil)

	rooms.Subscribe(domain.StatusRoomID)
	s := rooms.Stream(domain.StatusRoomID)

	r.RouteStatus(context.Background(), "u1", "away")

	got := next(t, s)
	req.Equal(domain.StatusRoomID, got.RoomID)
	req.Equal(domain.SystemSender, got.Sender)
	req.Equal("u1 changed status to away", got.Content)
	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

// Session A subscribes to room 42 on one instance, session B sends on
// another; A sees one stamped copy and the bus carries one publish.
func TestRouter_EndToEndAcrossInstances(t *testing.T) {
	req := require.New(t)
	bus := pubsub.NewMemoryBus(16)
	tap := bus.Connect()
	wire, err := tap.Subscribe(context.Background(), "livechat:room:42")
	req.NoError(err)

	cfg := bridge.Config{EchoWindow: 5 * time.Second, OpTimeout: time.Second}
	bridgeA := bridge.New(bus.Connect(), cfg, nil)
	roomsA := room.NewRegistry(room.DefaultConfig(), bridgeA)
	bridgeB := bridge.New(bus.Connect(), cfg, nil)
	roomsB := room.NewRegistry(room.DefaultConfig(), bridgeB)

	sessionsB := session.NewRegistry()
	req.NoError(sessionsB.Add(domain.NewSession("B", 4)))
	routerB := New(roomsB, bridgeB, upstream.NewConnector(upstream.Config{}, sessionsB))

	roomsA.Subscribe("42")
	streamA := roomsA.Stream("42")
	roomsB.Subscribe("42")
	streamB := roomsB.Stream("42")

	sent := routerB.Route(context.Background(), "B", "42", domain.ChatMessage{Sender: "alice", Content: "hi"})
	req.Equal("42", sent.RoomID)
	req.NotEmpty(sent.Timestamp)

	req.Equal(sent, next(t, streamA))
	req.Equal(sent, next(t, streamB))

	select {
	case raw := <-wire:
		req.JSONEq(`{"roomId":"42","sender":"alice","content":"hi","timestamp":"`+sent.Timestamp+`"}`, string(raw.Payload))
	case <-time.After(time.Second):
		t.Fatal("bus saw no publish")
	}

	// Exactly one copy each: B's own echo is suppressed.
	time.Sleep(30 * time.Millisecond)
	req.Empty(streamA.C())
	req.Empty(streamB.C())
	select {
	case raw := <-wire:
		t.Fatalf("unexpected second publish %s", raw.Payload)
	default:
	}
}

func TestRouter_ForwardWithoutUpstreamKeepsLocalDelivery(t *testing.T) {
	req := require.New(t)
	rooms := room.NewRegistry(room.DefaultConfig(), nil)
	sessions := session.NewRegistry()
	req.NoError(sessions.Add(domain.NewSession("C", 4)))
	r := New(rooms, nil, upstream.NewConnector(upstream.Config{}, sessions))

	rooms.Subscribe("7")
	s := rooms.Stream("7")

	r.Route(context.Background(), "C", "7", domain.ChatMessage{Sender: "carol", Content: "yo"})

	req.Equal("yo", next(t, s).Content)
}
