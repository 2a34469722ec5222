package client

import (
	"sync"

	"github.com/genzplug/fanout/registry"
	"github.com/genzplug/fanout/router"
)

// view is the client's picture of the rooms it follows. It is updated from
// server events only and survives reconnects; the history events that
// follow a replayed join replace it.
type view struct {
	mu        sync.RWMutex
	feedLimit int
	chat      []registry.ChatMessage
	feed      []registry.Post
	games     []router.GameEvent
}

func (v *view) bind(c *Controller) {
	c.OnChatHistory(v.setChat)
	c.OnChatMessage(v.addMessage)
	c.OnSocialFeedHistory(v.setFeed)
	c.OnNewPost(v.addPost)
	c.OnPostUpdated(v.updatePost)
	c.OnGameEvent(v.addGameEvent)
}

func (v *view) setChat(history []registry.ChatMessage) {
	v.mu.Lock()
	v.chat = append([]registry.ChatMessage(nil), history...)
	v.mu.Unlock()
}

func (v *view) addMessage(msg registry.ChatMessage) {
	v.mu.Lock()
	v.chat = append(v.chat, msg)
	v.mu.Unlock()
}

func (v *view) setFeed(posts []registry.Post) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.feed = append([]registry.Post(nil), posts...)
	if len(v.feed) > v.feedLimit {
		v.feed = v.feed[:v.feedLimit]
	}
}

// addPost puts the post first and drops the oldest beyond the limit.
func (v *view) addPost(post registry.Post) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.feed = append([]registry.Post{post}, v.feed...)
	if len(v.feed) > v.feedLimit {
		v.feed = v.feed[:v.feedLimit]
	}
}

// updatePost replaces the post with the same id; unknown posts are ignored.
func (v *view) updatePost(post registry.Post) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.feed {
		if v.feed[i].ID == post.ID {
			v.feed[i] = post
			return
		}
	}
}

func (v *view) addGameEvent(ev router.GameEvent) {
	v.mu.Lock()
	v.games = append(v.games, ev)
	v.mu.Unlock()
}

// ChatMessages returns the history of the last joined chat room followed by
// the messages received since.
func (c *Controller) ChatMessages() []registry.ChatMessage {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return append([]registry.ChatMessage(nil), c.view.chat...)
}

// SocialFeed returns the feed newest first, capped at Config.FeedLimit.
func (c *Controller) SocialFeed() []registry.Post {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return append([]registry.Post(nil), c.view.feed...)
}

// GameEvents returns the game events received so far, oldest first.
func (c *Controller) GameEvents() []router.GameEvent {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return append([]router.GameEvent(nil), c.view.games...)
}
