package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/genzplug/fanout/registry"
	"github.com/genzplug/fanout/router"
	"github.com/mitchellh/mapstructure"
)

// subscribe records a room subscription so it is replayed after every
// reconnect, then sends it if the connection is up. Re-subscribing to the
// same key keeps its first position.
func (c *Controller) subscribe(key, event string, args ...interface{}) error {
	c.mu.Lock()
	replaced := false
	for i := range c.subs {
		if c.subs[i].key == key {
			c.subs[i].args = args
			replaced = true
			break
		}
	}
	if !replaced {
		c.subs = append(c.subs, subscription{key: key, event: event, args: args})
	}
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Emit(event, args...)
}

func (c *Controller) unsubscribe(key, event string, args ...interface{}) error {
	c.mu.Lock()
	for i := range c.subs {
		if c.subs[i].key == key {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	err := c.Emit(event, args...)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Subscriptions lists the events replayed on reconnect, in replay order.
func (c *Controller) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.subs))
	for _, s := range c.subs {
		keys = append(keys, s.key)
	}
	return keys
}

func roomArg(roomID, username string) interface{} {
	if username == "" {
		return roomID
	}
	return router.RoomRequest{RoomID: roomID, Username: username}
}

// JoinChatRoom subscribes to a chat room; the server answers with
// chat-history. username may be empty.
func (c *Controller) JoinChatRoom(roomID, username string) error {
	return c.subscribe("chat:"+roomID, router.EventJoinChatRoom.String(), roomArg(roomID, username))
}

func (c *Controller) LeaveChatRoom(roomID string) error {
	return c.unsubscribe("chat:"+roomID, router.EventLeaveChatRoom.String(), roomID)
}

// SendMessage posts to a chat room; an empty RoomID means the general room.
func (c *Controller) SendMessage(msg router.MessageRequest) error {
	return c.Emit(router.EventSendMessage.String(), msg)
}

// JoinSocialFeed subscribes to the feed; the server answers with
// social-feed-history.
func (c *Controller) JoinSocialFeed() error {
	return c.subscribe("feed", router.EventJoinSocialFeed.String())
}

func (c *Controller) CreatePost(post router.PostRequest) error {
	return c.Emit(router.EventNewPost.String(), post)
}

func (c *Controller) LikePost(postID, username string) error {
	return c.Emit(router.EventLikePost.String(), router.LikeRequest{PostID: postID, Username: username})
}

func (c *Controller) UnlikePost(postID, username string) error {
	return c.Emit(router.EventUnlikePost.String(), router.LikeRequest{PostID: postID, Username: username})
}

// JoinGameRoom subscribes to a game room. Members, including this client,
// receive a join game-event.
func (c *Controller) JoinGameRoom(roomID, username string) error {
	return c.subscribe("game:"+roomID, router.EventJoinGameRoom.String(), roomArg(roomID, username))
}

func (c *Controller) LeaveGameRoom(roomID string) error {
	return c.unsubscribe("game:"+roomID, router.EventLeaveGameRoom.String(), roomID)
}

// SendGameAction relays a move or action to the members of a game room.
func (c *Controller) SendGameAction(action router.GameActionRequest) error {
	return c.Emit(router.EventGameAction.String(), action)
}

// Decode converts an event argument into a typed value such as
// registry.ChatMessage, []registry.Post or router.GameEvent.
func Decode(arg interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339),
		Result:     out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(arg); err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	return nil
}

// on registers fn for event with the first argument decoded into T.
// Malformed arguments are logged and skipped.
func on[T any](c *Controller, event string, fn func(T)) {
	c.On(event, func(args []interface{}) {
		var v T
		if len(args) == 0 {
			c.logger.Debug().Str("event", event).Msg("event without payload")
			return
		}
		if err := Decode(args[0], &v); err != nil {
			c.logger.Debug().Err(err).Str("event", event).Msg("malformed payload")
			return
		}
		fn(v)
	})
}

// OnChatHistory registers a typed handler for chat-history, sent after
// JoinChatRoom.
func (c *Controller) OnChatHistory(fn func([]registry.ChatMessage)) {
	on(c, router.OutChatHistory, fn)
}

// OnChatMessage registers a typed handler for new-message.
func (c *Controller) OnChatMessage(fn func(registry.ChatMessage)) {
	on(c, router.OutNewMessage, fn)
}

// OnSocialFeedHistory registers a typed handler for social-feed-history,
// sent after JoinSocialFeed.
func (c *Controller) OnSocialFeedHistory(fn func([]registry.Post)) {
	on(c, router.OutSocialFeedHistory, fn)
}

func (c *Controller) OnNewPost(fn func(registry.Post)) {
	on(c, router.OutNewPost, fn)
}

// OnPostUpdated registers a typed handler for like and unlike results.
func (c *Controller) OnPostUpdated(fn func(registry.Post)) {
	on(c, router.OutPostUpdated, fn)
}

// OnGameEvent registers a typed handler for game-event.
func (c *Controller) OnGameEvent(fn func(router.GameEvent)) {
	on(c, router.OutGameEvent, fn)
}

// OnError registers a handler for errors the server scopes to this client.
func (c *Controller) OnError(fn func(message string)) {
	on(c, router.OutError, func(payload router.ErrorPayload) {
		fn(payload.Message)
	})
}
