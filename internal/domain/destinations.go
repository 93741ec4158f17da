package domain

import "strings"

// STOMP destination prefixes.
const (
	AppPrefix   = "/app/livechat"
	TopicPrefix = "/topic/livechat"
	QueuePrefix = "/queue/livechat"
	UserPrefix  = "/user"

	StatusTopic                = TopicPrefix + "/status"
	UpstreamQueue              = QueuePrefix + "/upstream"
	UpstreamConnectDestination = AppPrefix + "/upstream/connect"
)

// Action is what an inbound destination asks the server to do.
type Action int

const (
	ActionUnknown Action = iota
	ActionSend
	ActionJoin
	ActionStatus
	ActionUpstreamConnect
	ActionRoomTopic
	ActionStatusTopic
	ActionPrivateQueue
)

// Route is a parsed inbound destination.
type Route struct {
	Action Action
	// RoomID for room actions, user id for ActionStatus.
	Target string
}

// ParseSendDestination parses the destination of a SEND frame.
//
//	/app/livechat/rooms/{roomId}/send
//	/app/livechat/rooms/{roomId}/subscribe
//	/app/livechat/users/{userId}/status
//	/app/livechat/upstream/connect
func ParseSendDestination(dest string) Route {
	if dest == UpstreamConnectDestination {
		return Route{Action: ActionUpstreamConnect}
	}
	rest, ok := strings.CutPrefix(dest, AppPrefix+"/")
	if !ok {
		return Route{}
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] == "" {
		return Route{}
	}

	switch {
	case parts[0] == "rooms" && parts[2] == "send":
		return Route{Action: ActionSend, Target: parts[1]}
	case parts[0] == "rooms" && parts[2] == "subscribe":
		return Route{Action: ActionJoin, Target: parts[1]}
	case parts[0] == "users" && parts[2] == "status":
		return Route{Action: ActionStatus, Target: parts[1]}
	}
	return Route{}
}

// ParseSubscribeDestination parses the destination of a SUBSCRIBE frame.
func ParseSubscribeDestination(dest string) Route {
	if dest == StatusTopic {
		return Route{Action: ActionStatusTopic, Target: StatusRoomID}
	}
	if roomID, ok := strings.CutPrefix(dest, TopicPrefix+"/rooms/"); ok {
		if roomID == "" || strings.Contains(roomID, "/") {
			return Route{}
		}
		return Route{Action: ActionRoomTopic, Target: roomID}
	}
	if strings.HasPrefix(dest, UserPrefix+"/queue/") || strings.HasPrefix(dest, "/queue/") {
		return Route{Action: ActionPrivateQueue, Target: PrivateDestination(dest)}
	}
	return Route{}
}

// PrivateDestination strips the user prefix from a private queue destination
// so "/user/queue/x" and "/queue/x" address the same sink.
func PrivateDestination(dest string) string {
	return strings.TrimPrefix(dest, UserPrefix)
}

// RoomTopic returns the broadcast destination for a room.
func RoomTopic(roomID string) string {
	return TopicPrefix + "/rooms/" + roomID
}

// RoomQueue returns the private join confirmation destination for a room.
func RoomQueue(roomID string) string {
	return QueuePrefix + "/rooms/" + roomID
}
