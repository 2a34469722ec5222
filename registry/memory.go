package registry

import (
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Config configures the in-memory store.
type Config struct {
	// ChatHistoryLimit bounds each chat room; 0 keeps every message.
	ChatHistoryLimit int
	// FeedLimit bounds the social feed; 0 means DefaultFeedLimit.
	FeedLimit int
	Logger    *zerolog.Logger
}

// Memory is a Store living in process memory.
type Memory struct {
	mu        sync.Mutex
	chats     map[string][]ChatMessage
	feed      []*Post // newest first
	games     map[string]map[string]struct{}
	chatLimit int
	feedLimit int
	logger    zerolog.Logger
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory(cfg *Config) *Memory {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	feedLimit := cfg.FeedLimit
	if feedLimit <= 0 {
		feedLimit = DefaultFeedLimit
	}
	chatLimit := cfg.ChatHistoryLimit
	if chatLimit < 0 {
		chatLimit = 0
	}
	return &Memory{
		chats:     make(map[string][]ChatMessage),
		games:     make(map[string]map[string]struct{}),
		chatLimit: chatLimit,
		feedLimit: feedLimit,
		logger:    logger.With().Str("component", "registry").Logger(),
	}
}

func (m *Memory) ChatHistory(roomID string) []ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	history, ok := m.chats[roomID]
	if !ok {
		m.chats[roomID] = nil
		m.logger.Debug().Str("roomId", roomID).Msg("chat room created")
		return []ChatMessage{}
	}
	return append(make([]ChatMessage, 0, len(history)), history...)
}

func (m *Memory) AppendChatMessage(roomID string, msg ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.chats[roomID], msg)
	if m.chatLimit > 0 && len(history) > m.chatLimit {
		history = append([]ChatMessage(nil), history[len(history)-m.chatLimit:]...)
	}
	m.chats[roomID] = history
}

func (m *Memory) SocialFeed() []Post {
	m.mu.Lock()
	defer m.mu.Unlock()

	feed := make([]Post, 0, len(m.feed))
	for _, p := range m.feed {
		feed = append(feed, copyPost(p))
	}
	return feed
}

func (m *Memory) PrependPost(post Post) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := copyPost(&post)
	p.Likes = len(p.UserLikes)

	m.feed = append([]*Post{&p}, m.feed...)
	if len(m.feed) > m.feedLimit {
		evicted := m.feed[m.feedLimit:]
		for _, e := range evicted {
			m.logger.Debug().Str("postId", e.ID).Msg("post evicted from feed")
		}
		m.feed = m.feed[:m.feedLimit:m.feedLimit]
	}
}

func (m *Memory) FindPost(postID string) (Post, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.findPost(postID)
	if p == nil {
		return Post{}, false
	}
	return copyPost(p), true
}

// LikePost adds username to the likers of a post. Liking twice is a no-op.
func (m *Memory) LikePost(postID, username string) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.findPost(postID)
	if p == nil {
		return Post{}, ErrPostNotFound
	}
	if !slices.Contains(p.UserLikes, username) {
		p.UserLikes = append(p.UserLikes, username)
	}
	p.Likes = len(p.UserLikes)
	return copyPost(p), nil
}

// UnlikePost removes username from the likers of a post.
func (m *Memory) UnlikePost(postID, username string) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.findPost(postID)
	if p == nil {
		return Post{}, ErrPostNotFound
	}
	if i := slices.Index(p.UserLikes, username); i >= 0 {
		p.UserLikes = slices.Delete(p.UserLikes, i, i+1)
	}
	p.Likes = len(p.UserLikes)
	return copyPost(p), nil
}

func (m *Memory) GameMembers(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.games[roomID]
	if !ok {
		members = make(map[string]struct{})
		m.games[roomID] = members
		m.logger.Debug().Str("roomId", roomID).Msg("game room created")
	}
	return sortedKeys(members)
}

// AddGameMember reports whether the connection was not yet a member.
func (m *Memory) AddGameMember(roomID, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.games[roomID]
	if !ok {
		members = make(map[string]struct{})
		m.games[roomID] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = struct{}{}
	return true
}

// RemoveGameMember reports whether the connection was a member.
func (m *Memory) RemoveGameMember(roomID, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.games[roomID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	return true
}

func (m *Memory) LeaveAllGameRooms(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var left []string
	for roomID, members := range m.games {
		if _, ok := members[connID]; ok {
			delete(members, connID)
			left = append(left, roomID)
		}
	}
	sort.Strings(left)
	return left
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		ChatRooms: len(m.chats),
		Posts:     len(m.feed),
		GameRooms: len(m.games),
	}
	for _, history := range m.chats {
		stats.ChatMessages += len(history)
	}
	for _, members := range m.games {
		stats.GameMembers += len(members)
	}
	return stats
}

// Prune drops chat rooms without messages and game rooms without members.
func (m *Memory) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for roomID, history := range m.chats {
		if len(history) == 0 {
			delete(m.chats, roomID)
			pruned++
		}
	}
	for roomID, members := range m.games {
		if len(members) == 0 {
			delete(m.games, roomID)
			pruned++
		}
	}
	return pruned
}

func (m *Memory) findPost(postID string) *Post {
	for _, p := range m.feed {
		if p.ID == postID {
			return p
		}
	}
	return nil
}

func copyPost(p *Post) Post {
	c := *p
	c.UserLikes = append(make([]string, 0, len(p.UserLikes)), p.UserLikes...)
	return c
}

func sortedKeys(set map[string]struct{}) []string {
	result := make([]string, 0, len(set))
	for k := range set {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}
