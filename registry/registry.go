// Package registry holds the room state shared by all connections: chat
// histories, the social feed and game room membership.
package registry

import (
	"errors"
	"time"
)

// ErrPostNotFound is returned when a post id does not resolve.
var ErrPostNotFound = errors.New("post not found")

// DefaultFeedLimit caps the social feed when no limit is configured.
const DefaultFeedLimit = 100

// ChatMessage is one immutable message of a chat room.
type ChatMessage struct {
	ID        string    `json:"id" mapstructure:"id"`
	UserID    string    `json:"userId" mapstructure:"userId"`
	Username  string    `json:"username" mapstructure:"username"`
	Message   string    `json:"message" mapstructure:"message"`
	Timestamp time.Time `json:"timestamp" mapstructure:"timestamp"`
	RoomID    string    `json:"roomId" mapstructure:"roomId"`
}

// Post is an entry of the social feed. Likes always equals len(UserLikes).
type Post struct {
	ID        string    `json:"id" mapstructure:"id"`
	UserID    string    `json:"userId" mapstructure:"userId"`
	Username  string    `json:"username" mapstructure:"username"`
	Content   string    `json:"content" mapstructure:"content"`
	Timestamp time.Time `json:"timestamp" mapstructure:"timestamp"`
	Likes     int       `json:"likes" mapstructure:"likes"`
	Comments  int       `json:"comments" mapstructure:"comments"`
	UserLikes []string  `json:"userLikes" mapstructure:"userLikes"`
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	ChatRooms    int `json:"chatRooms"`
	ChatMessages int `json:"chatMessages"`
	Posts        int `json:"posts"`
	GameRooms    int `json:"gameRooms"`
	GameMembers  int `json:"gameMembers"`
}

// Store is the room state used by the event router. Implementations must be
// safe for concurrent use and return copies, never internal slices.
type Store interface {
	// ChatHistory returns the messages of a chat room, oldest first,
	// creating the room if it does not exist.
	ChatHistory(roomID string) []ChatMessage
	AppendChatMessage(roomID string, msg ChatMessage)

	// SocialFeed returns the feed newest first.
	SocialFeed() []Post
	PrependPost(post Post)
	FindPost(postID string) (Post, bool)
	LikePost(postID, username string) (Post, error)
	UnlikePost(postID, username string) (Post, error)

	// GameMembers returns the sorted connection ids of a game room,
	// creating the room if it does not exist.
	GameMembers(roomID string) []string
	AddGameMember(roomID, connID string) bool
	RemoveGameMember(roomID, connID string) bool
	// LeaveAllGameRooms removes the connection from every game room and
	// returns the sorted ids of the rooms it was in.
	LeaveAllGameRooms(connID string) []string

	Stats() Stats
	// Prune drops rooms that hold no state and reports how many went.
	Prune() int
}
