package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/genzplug/fanout/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	event string
	data  interface{}
}

type fakeConn struct {
	id     string
	hub    *fakeHub
	data   sync.Map
	closed atomic.Bool

	mu   sync.Mutex
	recv []received
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, data ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var payload interface{}
	if len(data) > 0 {
		payload = data[0]
	}
	c.recv = append(c.recv, received{event: event, data: payload})
	return nil
}

func (c *fakeConn) Join(room string)  { c.hub.join(room, c) }
func (c *fakeConn) Leave(room string) { c.hub.leave(room, c.id) }

func (c *fakeConn) Set(key string, value interface{}) { c.data.Store(key, value) }

func (c *fakeConn) Get(key string) (interface{}, bool) { return c.data.Load(key) }

func (c *fakeConn) Connected() bool { return !c.closed.Load() }

// close mirrors a socket closing: it leaves every group before the router
// hears about it.
func (c *fakeConn) close() {
	c.closed.Store(true)
	c.hub.leaveAll(c.id)
}

func (c *fakeConn) events(name string) []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []interface{}
	for _, r := range c.recv {
		if r.event == name {
			out = append(out, r.data)
		}
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recv)
}

// fakeHub delivers broadcasts synchronously to the conns joined to a group.
type fakeHub struct {
	mu     sync.Mutex
	groups map[string]map[string]*fakeConn
}

func newFakeHub() *fakeHub {
	return &fakeHub{groups: make(map[string]map[string]*fakeConn)}
}

func (h *fakeHub) conn(id string) *fakeConn {
	return &fakeConn{id: id, hub: h}
}

func (h *fakeHub) join(room string, c *fakeConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.groups[room] == nil {
		h.groups[room] = make(map[string]*fakeConn)
	}
	h.groups[room][c.id] = c
}

func (h *fakeHub) leave(room, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.groups[room], id)
}

func (h *fakeHub) leaveAll(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, members := range h.groups {
		delete(members, id)
	}
}

func (h *fakeHub) BroadcastTo(room, event string, data ...interface{}) error {
	return h.BroadcastExcept(room, "", event, data...)
}

func (h *fakeHub) BroadcastExcept(room, exceptID, event string, data ...interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.groups[room] {
		if id == exceptID {
			continue
		}
		_ = c.Emit(event, data...)
	}
	return nil
}

func newTestRouter(t *testing.T, hub *fakeHub, store registry.Store, exclude bool) *Router {
	t.Helper()
	seq := 0
	r, err := New(&Config{
		Store:         store,
		Broadcaster:   hub,
		GuestName:     func() string { return "Guest" },
		ExcludeSender: exclude,
		NewID: func() string {
			seq++
			return fmt.Sprintf("id%d", seq)
		},
	})
	require.NoError(t, err)
	return r
}

func TestNew(t *testing.T) {
	_, err := New(&Config{Broadcaster: newFakeHub()})
	assert.ErrorIs(t, err, ErrNoStore)

	_, err = New(&Config{Store: registry.NewMemory(nil)})
	assert.ErrorIs(t, err, ErrNoBroadcaster)

	r, err := New(&Config{Store: registry.NewMemory(nil), Broadcaster: newFakeHub()})
	require.NoError(t, err)
	assert.Len(t, r.newID(), idLength)
	assert.Contains(t, r.guestName(), "(guest)")
}

func TestParseEventKind(t *testing.T) {
	for kind, name := range eventNames {
		assert.Equal(t, kind, ParseEventKind(name))
		assert.Equal(t, name, kind.String())
	}
	assert.Equal(t, EventUnknown, ParseEventKind("chat-history"))
	assert.Equal(t, "unknown", EventUnknown.String())
}

func TestRouter_ChatScenario(t *testing.T) {
	hub := newFakeHub()
	r := newTestRouter(t, hub, registry.NewMemory(nil), false)
	c1, c2 := hub.conn("c1"), hub.conn("c2")

	r.Dispatch(c1, "join-chat-room", []interface{}{"general"})
	require.Len(t, c1.events(OutChatHistory), 1)
	assert.Empty(t, c1.events(OutChatHistory)[0])

	r.Dispatch(c1, "send-message", []interface{}{map[string]interface{}{
		"userId": "u1", "username": "alice", "message": "hi",
	}})

	r.Dispatch(c2, "join-chat-room", []interface{}{"general"})
	history := c2.events(OutChatHistory)
	require.Len(t, history, 1)
	msgs := history[0].([]registry.ChatMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Message)
	assert.Equal(t, "general", msgs[0].RoomID)

	r.Dispatch(c1, "send-message", []interface{}{map[string]interface{}{
		"userId": "u1", "username": "alice", "message": "second", "roomId": "general",
	}})

	m1 := c1.events(OutNewMessage)
	m2 := c2.events(OutNewMessage)
	require.Len(t, m1, 2)
	require.Len(t, m2, 1)

	last1 := m1[1].(registry.ChatMessage)
	last2 := m2[0].(registry.ChatMessage)
	assert.Equal(t, "second", last2.Message)
	assert.Equal(t, last1.ID, last2.ID)
	assert.Equal(t, last1.Timestamp, last2.Timestamp)
}

func TestRouter_JoinChatRoomObjectPayload(t *testing.T) {
	hub := newFakeHub()
	r := newTestRouter(t, hub, registry.NewMemory(nil), false)
	c := hub.conn("c1")

	r.Dispatch(c, "join-chat-room", []interface{}{map[string]interface{}{"roomId": "lobby", "username": "zoe"}})

	require.Len(t, c.events(OutChatHistory), 1)
	v, ok := c.Get(usernameKey)
	require.True(t, ok)
	assert.Equal(t, "zoe", v)

	r.Dispatch(c, "leave-chat-room", []interface{}{"lobby"})
	r.Dispatch(hub.conn("c2"), "send-message", []interface{}{map[string]interface{}{
		"userId": "u2", "username": "bob", "message": "hello", "roomId": "lobby",
	}})
	assert.Empty(t, c.events(OutNewMessage))
}

func TestRouter_FeedScenario(t *testing.T) {
	hub := newFakeHub()
	store := registry.NewMemory(nil)
	r := newTestRouter(t, hub, store, false)
	c := hub.conn("c1")
	r.Dispatch(c, "join-social-feed", nil)
	require.Len(t, c.events(OutSocialFeedHistory), 1)

	for i := 1; i <= 101; i++ {
		r.Dispatch(c, "new-post", []interface{}{map[string]interface{}{
			"content": fmt.Sprintf("post %d", i), "userId": "u1", "username": "alice",
		}})
	}

	assert.Len(t, c.events(OutNewPost), 101)
	feed := store.SocialFeed()
	require.Len(t, feed, 100)
	assert.Equal(t, "post 101", feed[0].Content)
	assert.Equal(t, "post 2", feed[99].Content)
	for _, p := range feed {
		assert.NotEqual(t, "post 1", p.Content)
		assert.Zero(t, p.Likes)
		assert.Zero(t, p.Comments)
	}
}

func TestRouter_LikePost(t *testing.T) {
	hub := newFakeHub()
	store := registry.NewMemory(nil)
	r := newTestRouter(t, hub, store, false)
	c := hub.conn("c1")
	r.Dispatch(c, "join-social-feed", nil)
	r.Dispatch(c, "new-post", []interface{}{map[string]interface{}{
		"content": "hello", "userId": "u1", "username": "alice",
	}})
	postID := store.SocialFeed()[0].ID

	r.Dispatch(c, "like-post", []interface{}{postID})
	r.Dispatch(c, "like-post", []interface{}{map[string]interface{}{"postId": postID, "username": "bob"}})
	r.Dispatch(c, "like-post", []interface{}{map[string]interface{}{"postId": postID, "username": "bob"}})

	updates := c.events(OutPostUpdated)
	require.Len(t, updates, 3)
	last := updates[2].(registry.Post)
	assert.Equal(t, []string{"alice", "bob"}, last.UserLikes)
	assert.Equal(t, 2, last.Likes)

	r.Dispatch(c, "unlike-post", []interface{}{map[string]interface{}{"postId": postID, "username": "alice"}})
	post, ok := store.FindPost(postID)
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, post.UserLikes)
	assert.Equal(t, 1, post.Likes)
}

func TestRouter_LikeFallsBackToConnID(t *testing.T) {
	hub := newFakeHub()
	store := registry.NewMemory(nil)
	store.PrependPost(registry.Post{ID: "p1"})
	r := newTestRouter(t, hub, store, false)
	c := hub.conn("c1")

	r.Dispatch(c, "like-post", []interface{}{"p1"})

	post, _ := store.FindPost("p1")
	assert.Equal(t, []string{"c1"}, post.UserLikes)
}

func TestRouter_LikeUnknownPost(t *testing.T) {
	hub := newFakeHub()
	store := registry.NewMemory(nil)
	store.PrependPost(registry.Post{ID: "p1"})
	r := newTestRouter(t, hub, store, false)
	c := hub.conn("c1")
	r.Dispatch(c, "join-social-feed", nil)
	before := store.SocialFeed()

	r.Dispatch(c, "like-post", []interface{}{"nope"})

	errs := c.events(OutError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorPayload{Message: "Post not found"}, errs[0])
	assert.Empty(t, c.events(OutPostUpdated))
	assert.Equal(t, before, store.SocialFeed())
}

func TestRouter_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		args    []interface{}
		wantMsg string
	}{
		{
			name:    "send-message without payload",
			event:   "send-message",
			args:    nil,
			wantMsg: "send-message: payload is required",
		},
		{
			name:    "send-message missing text",
			event:   "send-message",
			args:    []interface{}{map[string]interface{}{"userId": "u1", "username": "a"}},
			wantMsg: "send-message: message is required",
		},
		{
			name:    "send-message wrong type",
			event:   "send-message",
			args:    []interface{}{map[string]interface{}{"userId": "u1", "username": "a", "message": 42.0}},
			wantMsg: "send-message: payload has invalid field types",
		},
		{
			name:    "new-post as string",
			event:   "new-post",
			args:    []interface{}{"hello"},
			wantMsg: "new-post: payload must be an object",
		},
		{
			name:    "new-post missing username",
			event:   "new-post",
			args:    []interface{}{map[string]interface{}{"content": "x", "userId": "u1"}},
			wantMsg: "new-post: username is required",
		},
		{
			name:    "join-chat-room empty id",
			event:   "join-chat-room",
			args:    []interface{}{""},
			wantMsg: "join-chat-room: roomId must be a non-empty string",
		},
		{
			name:    "join-game-room numeric id",
			event:   "join-game-room",
			args:    []interface{}{7.0},
			wantMsg: "join-game-room: payload must be an object",
		},
		{
			name:    "game-action missing type",
			event:   "game-action",
			args:    []interface{}{map[string]interface{}{"roomId": "g1"}},
			wantMsg: "game-action: type is required",
		},
		{
			name:    "game-action synthesized type",
			event:   "game-action",
			args:    []interface{}{map[string]interface{}{"roomId": "g1", "type": "join"}},
			wantMsg: "game-action: type must be move or action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newFakeHub()
			store := registry.NewMemory(nil)
			r := newTestRouter(t, hub, store, false)
			c := hub.conn("c1")

			r.Dispatch(c, tt.event, tt.args)

			errs := c.events(OutError)
			require.Len(t, errs, 1)
			assert.Equal(t, ErrorPayload{Message: tt.wantMsg}, errs[0])
			assert.Equal(t, registry.Stats{}, store.Stats())
		})
	}
}

func TestRouter_UnknownEventIgnored(t *testing.T) {
	hub := newFakeHub()
	r := newTestRouter(t, hub, registry.NewMemory(nil), false)
	c := hub.conn("c1")

	r.Dispatch(c, "delete-everything", []interface{}{"x"})

	assert.Zero(t, c.count())
}

func TestRouter_GameRoom(t *testing.T) {
	hub := newFakeHub()
	store := registry.NewMemory(nil)
	r := newTestRouter(t, hub, store, false)
	a, b := hub.conn("a"), hub.conn("b")

	r.Dispatch(a, "join-game-room", []interface{}{"g1"})
	r.Dispatch(b, "join-game-room", []interface{}{map[string]interface{}{"roomId": "g1", "username": "bob"}})

	joins := a.events(OutGameEvent)
	require.Len(t, joins, 2)
	assert.Equal(t, GameEvent{Type: GameJoin, UserID: "a", Username: "Guest", RoomID: "g1"}, joins[0])
	assert.Equal(t, GameEvent{Type: GameJoin, UserID: "b", Username: "bob", RoomID: "g1"}, joins[1])
	assert.Equal(t, []string{"a", "b"}, store.GameMembers("g1"))

	r.Dispatch(b, "game-action", []interface{}{map[string]interface{}{
		"roomId": "g1", "type": "move", "data": map[string]interface{}{"x": 1.0},
	}})
	want := GameEvent{Type: GameMove, UserID: "b", Username: "bob", RoomID: "g1", Data: map[string]interface{}{"x": 1.0}}
	assert.Equal(t, want, a.events(OutGameEvent)[2])
	assert.Equal(t, want, b.events(OutGameEvent)[1])

	r.Dispatch(b, "leave-game-room", []interface{}{"g1"})
	assert.Equal(t, GameEvent{Type: GameLeave, UserID: "b", Username: "bob", RoomID: "g1"}, a.events(OutGameEvent)[3])
	assert.Len(t, b.events(OutGameEvent), 2)
	assert.Equal(t, []string{"a"}, store.GameMembers("g1"))
}

func TestRouter_GameActionRelaysExtraFields(t *testing.T) {
	hub := newFakeHub()
	r := newTestRouter(t, hub, registry.NewMemory(nil), false)
	a := hub.conn("a")
	r.Dispatch(a, "join-game-room", []interface{}{map[string]interface{}{"roomId": "g1", "username": "ann"}})

	r.Dispatch(a, "game-action", []interface{}{map[string]interface{}{
		"roomId": "g1", "type": "move", "turn": 3.0, "userId": "someone-else",
	}})

	events := a.events(OutGameEvent)
	require.Len(t, events, 2)
	ev := events[1].(GameEvent)
	assert.Equal(t, 3.0, ev.Extra["turn"])

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, map[string]interface{}{
		"type": "move", "userId": "a", "username": "ann", "roomId": "g1", "turn": 3.0,
	}, wire)

	plain, err := json.Marshal(GameEvent{Type: GameJoin, UserID: "a", Username: "ann", RoomID: "g1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"join","userId":"a","username":"ann","roomId":"g1"}`, string(plain))
}

func TestRouter_GameActionExcludeSender(t *testing.T) {
	hub := newFakeHub()
	r := newTestRouter(t, hub, registry.NewMemory(nil), true)
	a, b := hub.conn("a"), hub.conn("b")
	r.Dispatch(a, "join-game-room", []interface{}{"g1"})
	r.Dispatch(b, "join-game-room", []interface{}{"g1"})

	r.Dispatch(a, "game-action", []interface{}{map[string]interface{}{"roomId": "g1", "type": "action"}})

	assert.Len(t, a.events(OutGameEvent), 2)
	assert.Len(t, b.events(OutGameEvent), 2)
	assert.Equal(t, GameAction, b.events(OutGameEvent)[1].(GameEvent).Type)
}

func TestRouter_DisconnectLeavesEveryGameRoom(t *testing.T) {
	hub := newFakeHub()
	store := registry.NewMemory(nil)
	r := newTestRouter(t, hub, store, false)
	gone := hub.conn("gone")
	watcherA, watcherB := hub.conn("wa"), hub.conn("wb")

	r.Dispatch(watcherA, "join-game-room", []interface{}{"A"})
	r.Dispatch(watcherB, "join-game-room", []interface{}{"B"})
	r.Dispatch(gone, "join-game-room", []interface{}{map[string]interface{}{"roomId": "A", "username": "zed"}})
	r.Dispatch(gone, "join-game-room", []interface{}{"B"})

	gone.close()
	r.Disconnect(gone)

	leaves := func(c *fakeConn) []GameEvent {
		var out []GameEvent
		for _, e := range c.events(OutGameEvent) {
			if ev := e.(GameEvent); ev.Type == GameLeave {
				out = append(out, ev)
			}
		}
		return out
	}
	assert.Equal(t, []GameEvent{{Type: GameLeave, UserID: "gone", Username: "zed", RoomID: "A"}}, leaves(watcherA))
	assert.Equal(t, []GameEvent{{Type: GameLeave, UserID: "gone", Username: "zed", RoomID: "B"}}, leaves(watcherB))
	assert.Equal(t, []string{"wa"}, store.GameMembers("A"))
	assert.Equal(t, []string{"wb"}, store.GameMembers("B"))

	r.Disconnect(gone)
	assert.Len(t, leaves(watcherA), 1)
}

func TestRouter_ClosedConnectionIsIgnored(t *testing.T) {
	hub := newFakeHub()
	store := registry.NewMemory(nil)
	r := newTestRouter(t, hub, store, false)
	watcher, late := hub.conn("watcher"), hub.conn("late")
	r.Dispatch(watcher, "join-game-room", []interface{}{"g1"})

	late.close()
	r.Disconnect(late)
	r.Dispatch(late, "join-game-room", []interface{}{"g1"})
	r.Dispatch(late, "send-message", []interface{}{map[string]interface{}{
		"message": "hi", "userId": "u", "username": "ghost",
	}})

	assert.Equal(t, []string{"watcher"}, store.GameMembers("g1"))
	assert.Empty(t, store.ChatHistory(DefaultChatRoom))
	assert.Len(t, watcher.events(OutGameEvent), 1)
	assert.Equal(t, 0, late.count())
}

func TestRouter_PerRoomOrder(t *testing.T) {
	hub := newFakeHub()
	r := newTestRouter(t, hub, registry.NewMemory(nil), false)

	watchers := make([]*fakeConn, 3)
	for i := range watchers {
		watchers[i] = hub.conn(fmt.Sprintf("w%d", i))
		r.Dispatch(watchers[i], "join-chat-room", []interface{}{"general"})
	}

	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		sender := hub.conn(fmt.Sprintf("s%d", s))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				r.Dispatch(sender, "send-message", []interface{}{map[string]interface{}{
					"userId": sender.ID(), "username": sender.ID(), "message": fmt.Sprintf("%d", i),
				}})
			}
		}()
	}
	wg.Wait()

	ids := func(c *fakeConn) []string {
		var out []string
		for _, e := range c.events(OutNewMessage) {
			out = append(out, e.(registry.ChatMessage).ID)
		}
		return out
	}
	reference := ids(watchers[0])
	require.Len(t, reference, 100)
	for _, w := range watchers[1:] {
		assert.Equal(t, reference, ids(w))
	}
}

type panicStore struct {
	registry.Store
}

func (panicStore) ChatHistory(string) []registry.ChatMessage { panic("boom") }

func TestRouter_PanicIsContained(t *testing.T) {
	hub := newFakeHub()
	r := newTestRouter(t, hub, panicStore{Store: registry.NewMemory(nil)}, false)
	c := hub.conn("c1")

	r.Dispatch(c, "join-chat-room", []interface{}{"general"})
	errs := c.events(OutError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorPayload{Message: "internal server error"}, errs[0])

	done := make(chan struct{})
	go func() {
		r.Dispatch(c, "join-social-feed", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("router lock was not released after panic")
	}
}
