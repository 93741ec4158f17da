package room

import (
	"context"
	"sync"

	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// Stream is one subscriber's bounded view of a room topic. When the queue is
// full the oldest pending message is dropped.
type Stream struct {
	roomID  string
	ch      chan domain.ChatMessage
	closed  bool
	dropped int
	detach  func(*Stream)
	mu      sync.Mutex
}

func newStream(roomID string, buffer int, detach func(*Stream)) *Stream {
	return &Stream{
		roomID: roomID,
		ch:     make(chan domain.ChatMessage, buffer),
		detach: detach,
	}
}

func closedStream(roomID string) *Stream {
	s := newStream(roomID, 1, nil)
	s.shutdown()
	return s
}

// RoomID returns the room this stream is attached to.
func (s *Stream) RoomID() string {
	return s.roomID
}

// Next blocks until a message is available, the stream is closed
// (domain.ErrStreamClosed) or ctx is done. Messages already queued when the
// stream closes are still returned.
func (s *Stream) Next(ctx context.Context) (domain.ChatMessage, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return domain.ChatMessage{}, domain.ErrStreamClosed
		}
		return msg, nil
	case <-ctx.Done():
		return domain.ChatMessage{}, ctx.Err()
	}
}

// C exposes the underlying channel; it is closed with the stream.
func (s *Stream) C() <-chan domain.ChatMessage {
	return s.ch
}

// Dropped returns how many messages were evicted on overflow.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the stream from its topic. It does not change the room's
// reference count.
func (s *Stream) Close() {
	if s.detach != nil {
		s.detach(s)
	}
	s.shutdown()
}

func (s *Stream) push(msg domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			l := log.L()
			l.Warn().Str(log.FieldRoomID, s.roomID).Int("dropped", s.dropped).Msg("room stream full, dropped oldest message")
		default:
		}
	}
}

func (s *Stream) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
