package router

// EventKind is the closed set of inbound events the router understands.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventJoinChatRoom
	EventLeaveChatRoom
	EventSendMessage
	EventJoinSocialFeed
	EventNewPost
	EventLikePost
	EventUnlikePost
	EventJoinGameRoom
	EventLeaveGameRoom
	EventGameAction
)

var eventNames = map[EventKind]string{
	EventJoinChatRoom:   "join-chat-room",
	EventLeaveChatRoom:  "leave-chat-room",
	EventSendMessage:    "send-message",
	EventJoinSocialFeed: "join-social-feed",
	EventNewPost:        "new-post",
	EventLikePost:       "like-post",
	EventUnlikePost:     "unlike-post",
	EventJoinGameRoom:   "join-game-room",
	EventLeaveGameRoom:  "leave-game-room",
	EventGameAction:     "game-action",
}

var eventKinds = func() map[string]EventKind {
	kinds := make(map[string]EventKind, len(eventNames))
	for kind, name := range eventNames {
		kinds[name] = kind
	}
	return kinds
}()

// ParseEventKind maps a wire event name to its kind.
func ParseEventKind(name string) EventKind {
	return eventKinds[name]
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Outbound event names.
const (
	OutChatHistory       = "chat-history"
	OutNewMessage        = "new-message"
	OutSocialFeedHistory = "social-feed-history"
	OutNewPost           = "new-post"
	OutPostUpdated       = "post-updated"
	OutGameEvent         = "game-event"
	OutError             = "error"
)

// Game event types.
const (
	GameJoin   = "join"
	GameLeave  = "leave"
	GameMove   = "move"
	GameAction = "action"
)

// Broadcast group names.
const (
	SocialFeedGroup = "social-feed"
	DefaultChatRoom = "general"
)

// ChatGroup names the broadcast group of a chat room.
func ChatGroup(roomID string) string {
	return "chat-" + roomID
}

// GameGroup names the broadcast group of a game room.
func GameGroup(roomID string) string {
	return "game-" + roomID
}
