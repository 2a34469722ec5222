// Package router validates inbound room events, applies them to the
// registry and fans the results out to broadcast groups.
package router

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/folkengine/goname"
	"github.com/genzplug/fanout"
	"github.com/genzplug/fanout/registry"
	nanoid "github.com/jaevor/go-nanoid"
	"github.com/rs/zerolog"
)

const (
	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	idLength   = 9

	usernameKey = "username"
	guestKey    = "guestName"

	msgPostNotFound  = "Post not found"
	msgInternalError = "internal server error"
)

var (
	ErrNoStore       = errors.New("router needs a store")
	ErrNoBroadcaster = errors.New("router needs a broadcaster")
)

type (
	// Conn is the connection an event arrived on.
	Conn interface {
		ID() string
		Emit(event string, data ...interface{}) error
		Join(room string)
		Leave(room string)
		Set(key string, value interface{})
		Get(key string) (interface{}, bool)
		// Connected turns false once the connection has closed; the
		// router ignores its events from then on.
		Connected() bool
	}

	// Broadcaster delivers an event to every member of a broadcast group.
	// Both methods must return without waiting on any recipient.
	Broadcaster interface {
		BroadcastTo(room, event string, data ...interface{}) error
		BroadcastExcept(room, exceptID, event string, data ...interface{}) error
	}

	Config struct {
		Store       registry.Store
		Broadcaster Broadcaster
		Logger      *zerolog.Logger
		// GuestName names connections that never supplied a username.
		GuestName func() string
		// NewID generates message and post ids.
		NewID func() string
		// ExcludeSender keeps game actions from echoing back to their sender.
		ExcludeSender bool
		Now           func() time.Time
	}

	// Router is the single sequencing point for every room event: one event
	// is validated, applied and broadcast before the next one starts.
	Router struct {
		mu            sync.Mutex
		store         registry.Store
		bc            Broadcaster
		logger        zerolog.Logger
		guestName     func() string
		newID         func() string
		now           func() time.Time
		excludeSender bool
	}
)

func New(cfg *Config) (*Router, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Broadcaster == nil {
		return nil, ErrNoBroadcaster
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	newID := cfg.NewID
	if newID == nil {
		gen, err := nanoid.CustomASCII(idAlphabet, idLength)
		if err != nil {
			return nil, fmt.Errorf("cannot create id generator: %w", err)
		}
		newID = gen
	}

	guestName := cfg.GuestName
	if guestName == nil {
		guestName = func() string {
			return goname.New(goname.FantasyMap).FirstLast() + " (guest)"
		}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Router{
		store:         cfg.Store,
		bc:            cfg.Broadcaster,
		logger:        logger.With().Str("component", "router").Logger(),
		guestName:     guestName,
		newID:         newID,
		now:           now,
		excludeSender: cfg.ExcludeSender,
	}, nil
}

// Bind routes every socket of the server through the router.
func (r *Router) Bind(srv *fanout.Server) {
	srv.OnConnect(func(socket *fanout.Socket) {
		socket.OnAny(func(event string, args []interface{}) {
			r.Dispatch(socket, event, args)
		})
		socket.OnDisconnect(func(reason string) {
			r.Disconnect(socket)
		})
	})
}

// Dispatch handles one inbound event. Unknown events are logged and ignored;
// failures are answered with an error event to the originating connection.
func (r *Router) Dispatch(conn Conn, event string, args []interface{}) {
	kind := ParseEventKind(event)
	if kind == EventUnknown {
		r.logger.Debug().Str("connID", conn.ID()).Str("event", event).Msg("ignoring unknown event")
		return
	}

	err := r.Handle(conn, kind, args)
	if err == nil {
		return
	}

	message := err.Error()
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		r.logger.Debug().Err(err).Str("connID", conn.ID()).Msg("event rejected")
	case errors.Is(err, registry.ErrPostNotFound):
		message = msgPostNotFound
		r.logger.Debug().Str("connID", conn.ID()).Str("event", event).Msg("post not found")
	default:
		message = msgInternalError
		r.logger.Error().Err(err).Str("connID", conn.ID()).Str("event", event).Msg("event failed")
	}

	if err := conn.Emit(OutError, ErrorPayload{Message: message}); err != nil {
		r.logger.Debug().Err(err).Str("connID", conn.ID()).Msg("failed to send error")
	}
}

// Handle applies one event under the router lock. Events from a closed
// connection are dropped. A panic inside a handler is converted into an
// error.
func (r *Router) Handle(conn Conn, kind EventKind, args []interface{}) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic handling %s: %v", kind, rec)
		}
	}()

	// a closed connection has already been through Disconnect
	if !conn.Connected() {
		r.logger.Debug().Str("connID", conn.ID()).Stringer("event", kind).Msg("dropping event from closed connection")
		return nil
	}

	switch kind {
	case EventJoinChatRoom:
		return r.joinChatRoom(conn, args)
	case EventLeaveChatRoom:
		return r.leaveChatRoom(conn, args)
	case EventSendMessage:
		return r.sendMessage(conn, args)
	case EventJoinSocialFeed:
		return r.joinSocialFeed(conn)
	case EventNewPost:
		return r.newPost(conn, args)
	case EventLikePost:
		return r.likePost(conn, args, true)
	case EventUnlikePost:
		return r.likePost(conn, args, false)
	case EventJoinGameRoom:
		return r.joinGameRoom(conn, args)
	case EventLeaveGameRoom:
		return r.leaveGameRoom(conn, args)
	case EventGameAction:
		return r.gameAction(conn, args)
	case EventUnknown:
	}
	return fmt.Errorf("unhandled event kind %d", kind)
}

// Disconnect removes a closed connection from every game room and tells the
// remaining members, one leave event per room.
func (r *Router) Disconnect(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.store.LeaveAllGameRooms(conn.ID())
	if len(rooms) == 0 {
		return
	}
	username := r.username(conn, "")
	for _, roomID := range rooms {
		r.broadcast(GameGroup(roomID), OutGameEvent, GameEvent{
			Type:     GameLeave,
			UserID:   conn.ID(),
			Username: username,
			RoomID:   roomID,
		})
	}
	r.logger.Debug().Str("connID", conn.ID()).Strs("rooms", rooms).Msg("left game rooms on disconnect")
}

func (r *Router) joinChatRoom(conn Conn, args []interface{}) error {
	roomID, username, err := decodeKeyed(EventJoinChatRoom, args, "roomId")
	if err != nil {
		return err
	}
	r.remember(conn, username)

	conn.Join(ChatGroup(roomID))
	history := r.store.ChatHistory(roomID)
	r.emit(conn, OutChatHistory, history)

	r.logger.Debug().Str("connID", conn.ID()).Str("roomId", roomID).Msg("joined chat room")
	return nil
}

func (r *Router) leaveChatRoom(conn Conn, args []interface{}) error {
	roomID, _, err := decodeKeyed(EventLeaveChatRoom, args, "roomId")
	if err != nil {
		return err
	}
	conn.Leave(ChatGroup(roomID))
	return nil
}

func (r *Router) sendMessage(conn Conn, args []interface{}) error {
	var req MessageRequest
	if err := decodeObject(EventSendMessage, args, &req); err != nil {
		return err
	}
	fields := map[string]string{"message": req.Message, "userId": req.UserID, "username": req.Username}
	if err := requireFields(EventSendMessage, fields, "message", "userId", "username"); err != nil {
		return err
	}
	r.remember(conn, req.Username)

	roomID := req.RoomID
	if roomID == "" {
		roomID = DefaultChatRoom
	}
	msg := registry.ChatMessage{
		ID:        r.newID(),
		UserID:    req.UserID,
		Username:  req.Username,
		Message:   req.Message,
		Timestamp: r.now().UTC(),
		RoomID:    roomID,
	}
	r.store.AppendChatMessage(roomID, msg)
	r.broadcast(ChatGroup(roomID), OutNewMessage, msg)
	return nil
}

func (r *Router) joinSocialFeed(conn Conn) error {
	conn.Join(SocialFeedGroup)
	r.emit(conn, OutSocialFeedHistory, r.store.SocialFeed())
	return nil
}

func (r *Router) newPost(conn Conn, args []interface{}) error {
	var req PostRequest
	if err := decodeObject(EventNewPost, args, &req); err != nil {
		return err
	}
	fields := map[string]string{"content": req.Content, "userId": req.UserID, "username": req.Username}
	if err := requireFields(EventNewPost, fields, "content", "userId", "username"); err != nil {
		return err
	}
	r.remember(conn, req.Username)

	post := registry.Post{
		ID:        r.newID(),
		UserID:    req.UserID,
		Username:  req.Username,
		Content:   req.Content,
		Timestamp: r.now().UTC(),
		UserLikes: []string{},
	}
	r.store.PrependPost(post)
	r.broadcast(SocialFeedGroup, OutNewPost, post)

	r.logger.Debug().Str("postId", post.ID).Str("username", post.Username).Msg("post created")
	return nil
}

func (r *Router) likePost(conn Conn, args []interface{}, like bool) error {
	kind := EventUnlikePost
	if like {
		kind = EventLikePost
	}
	postID, username, err := decodeKeyed(kind, args, "postId")
	if err != nil {
		return err
	}
	r.remember(conn, username)

	liker := username
	if liker == "" {
		liker = r.explicitUsername(conn)
	}
	if liker == "" {
		liker = conn.ID()
	}

	var post registry.Post
	if like {
		post, err = r.store.LikePost(postID, liker)
	} else {
		post, err = r.store.UnlikePost(postID, liker)
	}
	if err != nil {
		return err
	}
	r.broadcast(SocialFeedGroup, OutPostUpdated, post)
	return nil
}

func (r *Router) joinGameRoom(conn Conn, args []interface{}) error {
	roomID, username, err := decodeKeyed(EventJoinGameRoom, args, "roomId")
	if err != nil {
		return err
	}
	username = r.username(conn, username)

	r.store.AddGameMember(roomID, conn.ID())
	conn.Join(GameGroup(roomID))
	r.broadcast(GameGroup(roomID), OutGameEvent, GameEvent{
		Type:     GameJoin,
		UserID:   conn.ID(),
		Username: username,
		RoomID:   roomID,
	})

	r.logger.Debug().Str("connID", conn.ID()).Str("roomId", roomID).Msg("joined game room")
	return nil
}

func (r *Router) leaveGameRoom(conn Conn, args []interface{}) error {
	roomID, username, err := decodeKeyed(EventLeaveGameRoom, args, "roomId")
	if err != nil {
		return err
	}
	username = r.username(conn, username)

	conn.Leave(GameGroup(roomID))
	if !r.store.RemoveGameMember(roomID, conn.ID()) {
		return nil
	}
	r.broadcast(GameGroup(roomID), OutGameEvent, GameEvent{
		Type:     GameLeave,
		UserID:   conn.ID(),
		Username: username,
		RoomID:   roomID,
	})
	return nil
}

func (r *Router) gameAction(conn Conn, args []interface{}) error {
	var req GameActionRequest
	if err := decodeObject(EventGameAction, args, &req); err != nil {
		return err
	}
	if err := requireFields(EventGameAction, map[string]string{"roomId": req.RoomID, "type": req.Type}, "roomId", "type"); err != nil {
		return err
	}
	if req.Type != GameMove && req.Type != GameAction {
		return &ValidationError{Event: EventGameAction, Field: "type", Reason: "must be move or action"}
	}

	event := GameEvent{
		Type:     req.Type,
		UserID:   conn.ID(),
		Username: r.username(conn, req.Username),
		RoomID:   req.RoomID,
		Data:     req.Data,
		Extra:    req.Extra,
	}
	if r.excludeSender {
		if err := r.bc.BroadcastExcept(GameGroup(req.RoomID), conn.ID(), OutGameEvent, event); err != nil {
			r.logger.Error().Err(err).Str("roomId", req.RoomID).Msg("game action broadcast failed")
		}
		return nil
	}
	r.broadcast(GameGroup(req.RoomID), OutGameEvent, event)
	return nil
}

// username resolves the display name of a connection: the supplied one,
// then the last one it supplied, then a guest name fixed for its lifetime.
func (r *Router) username(conn Conn, supplied string) string {
	if supplied != "" {
		r.remember(conn, supplied)
		return supplied
	}
	if name := r.explicitUsername(conn); name != "" {
		return name
	}
	if v, ok := conn.Get(guestKey); ok {
		if name, ok := v.(string); ok {
			return name
		}
	}
	guest := r.guestName()
	conn.Set(guestKey, guest)
	return guest
}

func (r *Router) remember(conn Conn, username string) {
	if username != "" {
		conn.Set(usernameKey, username)
	}
}

func (r *Router) explicitUsername(conn Conn) string {
	if v, ok := conn.Get(usernameKey); ok {
		if name, ok := v.(string); ok {
			return name
		}
	}
	return ""
}

func (r *Router) emit(conn Conn, event string, data interface{}) {
	if err := conn.Emit(event, data); err != nil {
		r.logger.Warn().Err(err).Str("connID", conn.ID()).Str("event", event).Msg("failed to send to connection")
	}
}

func (r *Router) broadcast(group, event string, data interface{}) {
	if err := r.bc.BroadcastTo(group, event, data); err != nil {
		r.logger.Error().Err(err).Str("group", group).Str("event", event).Msg("broadcast failed")
	}
}
