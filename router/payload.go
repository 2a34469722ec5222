package router

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ValidationError describes an inbound event that was rejected before any
// state changed.
type ValidationError struct {
	Event  EventKind
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Event, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// RoomRequest is the payload of the join and leave events. It also arrives
// as a bare room id string.
type RoomRequest struct {
	RoomID   string `json:"roomId,omitempty" mapstructure:"roomId"`
	Username string `json:"username,omitempty" mapstructure:"username"`
}

// MessageRequest is the payload of send-message.
type MessageRequest struct {
	Message  string `json:"message,omitempty" mapstructure:"message"`
	UserID   string `json:"userId,omitempty" mapstructure:"userId"`
	Username string `json:"username,omitempty" mapstructure:"username"`
	RoomID   string `json:"roomId,omitempty" mapstructure:"roomId"`
}

// PostRequest is the payload of new-post.
type PostRequest struct {
	Content  string `json:"content,omitempty" mapstructure:"content"`
	UserID   string `json:"userId,omitempty" mapstructure:"userId"`
	Username string `json:"username,omitempty" mapstructure:"username"`
}

// LikeRequest is the payload of like-post and unlike-post. It also arrives
// as a bare post id string.
type LikeRequest struct {
	PostID   string `json:"postId,omitempty" mapstructure:"postId"`
	Username string `json:"username,omitempty" mapstructure:"username"`
}

// GameActionRequest is the payload of game-action.
type GameActionRequest struct {
	RoomID   string      `json:"roomId,omitempty" mapstructure:"roomId"`
	Type     string      `json:"type,omitempty" mapstructure:"type"`
	Username string      `json:"username,omitempty" mapstructure:"username"`
	Data     interface{} `json:"data,omitempty" mapstructure:"data"`
	// Extra holds any other top-level fields; they are relayed as sent.
	Extra map[string]interface{} `json:"-" mapstructure:",remain"`
}

// GameEvent is relayed to game room members and never stored.
type GameEvent struct {
	Type     string      `json:"type" mapstructure:"type"`
	UserID   string      `json:"userId" mapstructure:"userId"`
	Username string      `json:"username" mapstructure:"username"`
	RoomID   string      `json:"roomId" mapstructure:"roomId"`
	Data     interface{} `json:"data,omitempty" mapstructure:"data"`
	// Extra carries the sender's additional game-action fields. Named
	// fields above always win over a key of the same name.
	Extra map[string]interface{} `json:"-" mapstructure:",remain"`
}

// MarshalJSON flattens Extra into the event object.
func (e GameEvent) MarshalJSON() ([]byte, error) {
	type plain GameEvent
	if len(e.Extra) == 0 {
		return json.Marshal(plain(e))
	}
	out := make(map[string]interface{}, len(e.Extra)+5)
	for k, v := range e.Extra {
		out[k] = v
	}
	out["type"] = e.Type
	out["userId"] = e.UserID
	out["username"] = e.Username
	out["roomId"] = e.RoomID
	if e.Data != nil {
		out["data"] = e.Data
	}
	return json.Marshal(out)
}

// ErrorPayload is sent to the originating connection when an event fails.
type ErrorPayload struct {
	Message string `json:"message" mapstructure:"message"`
}

// decodeObject decodes the first event argument into out. Field types are
// checked strictly; a number where a string is expected is rejected.
func decodeObject(kind EventKind, args []interface{}, out interface{}) error {
	if len(args) == 0 || args[0] == nil {
		return &ValidationError{Event: kind, Field: "payload", Reason: "is required"}
	}
	raw, ok := args[0].(map[string]interface{})
	if !ok {
		return &ValidationError{Event: kind, Field: "payload", Reason: "must be an object"}
	}
	if err := mapstructure.Decode(raw, out); err != nil {
		return &ValidationError{Event: kind, Field: "payload", Reason: "has invalid field types", Err: err}
	}
	return nil
}

// decodeKeyed accepts either a bare string or an object and returns the key
// field (roomId or postId) together with an optional username.
func decodeKeyed(kind EventKind, args []interface{}, field string) (key, username string, err error) {
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			if s == "" {
				return "", "", &ValidationError{Event: kind, Field: field, Reason: "must be a non-empty string"}
			}
			return s, "", nil
		}
	}

	switch field {
	case "postId":
		var req LikeRequest
		if err := decodeObject(kind, args, &req); err != nil {
			return "", "", err
		}
		key, username = req.PostID, req.Username
	default:
		var req RoomRequest
		if err := decodeObject(kind, args, &req); err != nil {
			return "", "", err
		}
		key, username = req.RoomID, req.Username
	}
	if key == "" {
		return "", "", &ValidationError{Event: kind, Field: field, Reason: "must be a non-empty string"}
	}
	return key, username, nil
}

func requireFields(kind EventKind, fields map[string]string, order ...string) error {
	for _, name := range order {
		if fields[name] == "" {
			return &ValidationError{Event: kind, Field: name, Reason: "is required"}
		}
	}
	return nil
}
