package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reserved room ids.
const (
	// StatusRoomID is the local-only room that carries user status broadcasts.
	StatusRoomID = "system"
	// UpstreamRoomID marks messages that originate from the upstream backend.
	UpstreamRoomID = "external"
)

// Well-known senders.
const (
	SystemSender   = "system"
	UpstreamSender = "external"
)

// MaxRoomIDLength bounds application room ids.
const MaxRoomIDLength = 128

// ChatMessage is the unit relayed between clients, the bus and the upstream.
type ChatMessage struct {
	RoomID    string `json:"roomId"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Stamp returns a copy of m with the server-assigned room id and timestamp.
func (m ChatMessage) Stamp(roomID string, now time.Time) ChatMessage {
	m.RoomID = roomID
	m.Timestamp = Millis(now)
	return m
}

// Millis formats t as epoch milliseconds.
func Millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// NewStatusMessage builds the broadcast for a user status change.
func NewStatusMessage(userID, status string, now time.Time) ChatMessage {
	return ChatMessage{
		RoomID:    StatusRoomID,
		Sender:    SystemSender,
		Content:   fmt.Sprintf("%s changed status to %s", userID, status),
		Timestamp: Millis(now),
	}
}

// NewJoinedMessage builds the private confirmation sent after joining a room.
func NewJoinedMessage(roomID string, now time.Time) ChatMessage {
	return ChatMessage{
		RoomID:    roomID,
		Sender:    SystemSender,
		Content:   "Joined the chat room.",
		Timestamp: Millis(now),
	}
}

// ValidateRoomID checks an application supplied room id.
func ValidateRoomID(roomID string) error {
	switch {
	case roomID == "":
		return fmt.Errorf("%w: empty room id", ErrInvalidRoom)
	case len(roomID) > MaxRoomIDLength:
		return fmt.Errorf("%w: room id longer than %d bytes", ErrInvalidRoom, MaxRoomIDLength)
	case strings.Contains(roomID, "/"):
		return fmt.Errorf("%w: room id %q contains '/'", ErrInvalidRoom, roomID)
	case IsReservedRoom(roomID):
		return fmt.Errorf("%w: room id %q is reserved", ErrInvalidRoom, roomID)
	}
	return nil
}

// IsReservedRoom reports whether roomID is one of the reserved ids.
func IsReservedRoom(roomID string) bool {
	return roomID == StatusRoomID || roomID == UpstreamRoomID
}

// IsLocalRoom reports whether a room is served only by this instance and
// never bridged to the shared bus.
func IsLocalRoom(roomID string) bool {
	return roomID == StatusRoomID
}
