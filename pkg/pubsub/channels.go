package pubsub

import (
	"fmt"
	"strings"
)

// Channel naming conventions for the live chat relay.
const (
	// ChannelRoom carries every chat message sent to a room, across instances.
	ChannelRoom = "livechat:room:%s"

	channelRoomPrefix = "livechat:room:"
)

// RoomChannel returns the bus channel name for a room.
func RoomChannel(roomID string) string {
	return fmt.Sprintf(ChannelRoom, roomID)
}

// RoomFromChannel extracts the room id from a room channel name.
func RoomFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelRoomPrefix) {
		return "", false
	}
	roomID := strings.TrimPrefix(channel, channelRoomPrefix)
	return roomID, roomID != ""
}
