package domain

import (
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// UpstreamLink is a session's bridged connection to the upstream backend.
type UpstreamLink interface {
	WriteMessage(msg ChatMessage) error
	Close() error
}

// Session is one client's live connection state.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActiveAt time.Time

	authenticated bool
	credential    string
	upstream      UpstreamLink
	outbound      chan ChatMessage
	outClosed     bool
	dropped       int
	rooms         map[string]func()
	mu            sync.RWMutex
}

// NewSession creates an unauthenticated session whose dedicated outbound
// channel holds up to buffer messages.
func NewSession(id string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActiveAt: now,
		outbound:     make(chan ChatMessage, buffer),
		rooms:        make(map[string]func()),
	}
}

// Authenticate marks the session admitted with credential.
func (s *Session) Authenticate(credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.credential = credential
	s.LastActiveAt = time.Now()
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *Session) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

// Touch records client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActiveAt = time.Now()
	s.mu.Unlock()
}

// Upstream returns the session's upstream link, or nil.
func (s *Session) Upstream() UpstreamLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upstream
}

// SetUpstream attaches link unless one is already attached or the session
// is closed.
func (s *Session) SetUpstream(link UpstreamLink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstream != nil || s.outClosed {
		return false
	}
	s.upstream = link
	return true
}

// ClearUpstream detaches link if it is still the attached one.
func (s *Session) ClearUpstream(link UpstreamLink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstream == nil || s.upstream != link {
		return false
	}
	s.upstream = nil
	return true
}

// TakeUpstream detaches and returns the current link.
func (s *Session) TakeUpstream() UpstreamLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	link := s.upstream
	s.upstream = nil
	return link
}

// Outbound is the point-to-point channel carrying upstream-originated
// messages to this client. It is closed by CloseOutbound.
func (s *Session) Outbound() <-chan ChatMessage {
	return s.outbound
}

// Deliver pushes msg onto the outbound channel, evicting the oldest queued
// message when full. It returns false once the channel is closed.
func (s *Session) Deliver(msg ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outClosed {
		return false
	}
	for {
		select {
		case s.outbound <- msg:
			return true
		default:
		}
		select {
		case <-s.outbound:
			s.dropped++
			l := log.L()
			l.Warn().Str(log.FieldSessionID, s.ID).Int("dropped", s.dropped).Msg("session outbound full, dropped oldest message")
		default:
		}
	}
}

// Dropped returns how many outbound messages were evicted on overflow.
func (s *Session) Dropped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// CloseOutbound closes the outbound channel. Safe to call more than once.
func (s *Session) CloseOutbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outClosed {
		return
	}
	s.outClosed = true
	close(s.outbound)
}

// JoinRoom records membership of roomID with its detach func. It returns
// false when the session is already a member.
func (s *Session) JoinRoom(roomID string, detach func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	s.rooms[roomID] = detach
	return true
}

// LeaveRoom removes membership of roomID and returns its detach func.
func (s *Session) LeaveRoom(roomID string) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	detach, ok := s.rooms[roomID]
	if ok {
		delete(s.rooms, roomID)
	}
	return detach, ok
}

// InRoom reports whether the session joined roomID.
func (s *Session) InRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns a snapshot of joined room ids.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.rooms)
}
