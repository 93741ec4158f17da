package room

import (
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/pubsub"
)

// Topic is the local fanout point of one room.
type Topic struct {
	RoomID  string
	Channel string

	refCount int  // guarded by the shard lock
	bound    bool // guarded by the registry's per-room bind lock

	streams    map[*Stream]struct{}
	backlog    []domain.ChatMessage
	backlogMax int
	bufferSize int
	lastActive time.Time
	closed     bool
	mu         sync.Mutex
}

func newTopic(roomID string, bufferSize, backlogMax int) *Topic {
	return &Topic{
		RoomID:     roomID,
		Channel:    pubsub.RoomChannel(roomID),
		streams:    make(map[*Stream]struct{}),
		backlogMax: backlogMax,
		bufferSize: bufferSize,
		lastActive: time.Now(),
	}
}

// emit delivers msg to every attached stream in publish order. With no
// stream attached the message is kept in the warm-up backlog.
func (t *Topic) emit(msg domain.ChatMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	t.lastActive = time.Now()

	if len(t.streams) == 0 {
		if t.backlogMax <= 0 {
			return true
		}
		if len(t.backlog) >= t.backlogMax {
			t.backlog = t.backlog[1:]
		}
		t.backlog = append(t.backlog, msg)
		return true
	}

	for s := range t.streams {
		s.push(msg)
	}
	return true
}

func (t *Topic) attach() *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return closedStream(t.RoomID)
	}

	s := newStream(t.RoomID, t.bufferSize, t.detach)
	first := len(t.streams) == 0
	t.streams[s] = struct{}{}
	if first {
		for _, msg := range t.backlog {
			s.push(msg)
		}
		t.backlog = nil
	}
	t.lastActive = time.Now()
	return s
}

func (t *Topic) detach(s *Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, s)
}

func (t *Topic) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for s := range t.streams {
		s.shutdown()
	}
	t.streams = nil
	t.backlog = nil
}

func (t *Topic) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Topic) idleSince(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams) == 0 && t.lastActive.Before(cutoff)
}

func (t *Topic) streamCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
