package chat

import (
	"context"

	"github.com/Stars1233/chatsdk/internal/state"
)

// Thread is the short-lived facade handed to handlers. It binds one thread
// ID to the owning adapter and the state backend; a fresh instance is
// built per delivery and carries no identity across deliveries.
type Thread struct {
	id      string
	adapter Adapter
	state   state.Adapter
}

// NewThread binds a thread facade. The Thread only looks things up through
// adapter and st; it owns neither.
func NewThread(adapter Adapter, st state.Adapter, id string) *Thread {
	return &Thread{id: id, adapter: adapter, state: st}
}

// ID returns the opaque thread ID.
func (t *Thread) ID() string { return t.id }

// Adapter returns the platform adapter this thread belongs to.
func (t *Thread) Adapter() Adapter { return t.adapter }

// Subscribe marks this thread as attended; subsequent non-bot messages in
// it reach OnSubscribedMessage handlers.
func (t *Thread) Subscribe(ctx context.Context) error {
	return t.state.Subscribe(ctx, t.id)
}

// Unsubscribe removes the subscription marker.
func (t *Thread) Unsubscribe(ctx context.Context) error {
	return t.state.Unsubscribe(ctx, t.id)
}

// IsSubscribed reports whether the thread is currently subscribed.
func (t *Thread) IsSubscribed(ctx context.Context) (bool, error) {
	return t.state.IsSubscribed(ctx, t.id)
}

// Post sends content to the thread. Adapter errors surface unchanged.
func (t *Thread) Post(ctx context.Context, content Content) (*PostedMessage, error) {
	return t.adapter.PostMessage(ctx, t.id, content)
}

// PostText sends a plain-text message to the thread.
func (t *Thread) PostText(ctx context.Context, text string) (*PostedMessage, error) {
	return t.adapter.PostMessage(ctx, t.id, Content{Text: text})
}

// StartTyping shows a typing indicator where the platform supports one.
func (t *Thread) StartTyping(ctx context.Context) error {
	return t.adapter.StartTyping(ctx, t.id)
}

// AddReaction reacts to a message in this thread with a normalized emoji.
func (t *Thread) AddReaction(ctx context.Context, messageID, emoji string) error {
	return t.adapter.AddReaction(ctx, t.id, messageID, emoji)
}

// RemoveReaction removes a previously added reaction.
func (t *Thread) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return t.adapter.RemoveReaction(ctx, t.id, messageID, emoji)
}
