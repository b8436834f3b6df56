// Package chat is the platform-independent core of the bot runtime: the
// adapter contract, normalized events, the dispatch loop, and the Thread
// facade handed to handlers.
package chat

import (
	"context"
	"net/http"
	"time"
)

// EventKind tags a normalized inbound event.
type EventKind string

const (
	EventMention  EventKind = "mention"
	EventMessage  EventKind = "message"
	EventReaction EventKind = "reaction"
)

// User identifies a message author on some platform.
type User struct {
	UserID      string
	UserName    string
	DisplayName string
	Bot         bool
}

// Attachment is a normalized file attached to a message. Either URL or Data
// is set depending on how the platform delivers files.
type Attachment struct {
	FileName string
	MimeType string
	URL      string
	Data     []byte
}

// Message is the normalized representation of an inbound platform message.
// It is created per event and never mutated.
type Message struct {
	ID          string
	ThreadID    string
	Author      User
	Text        string
	Attachments []Attachment
	Timestamp   time.Time
	Edited      bool
}

// ReactionEvent is a normalized emoji reaction change.
type ReactionEvent struct {
	Adapter   string
	ThreadID  string
	MessageID string
	UserID    string
	Emoji     string // normalized key
	RawEmoji  string // platform representation
	Added     bool
}

// InboundEvent is the tagged union an adapter emits from raw platform
// input. Exactly one of Message/Reaction is set according to Kind.
type InboundEvent struct {
	Kind     EventKind
	Adapter  string
	Message  *Message
	Reaction *ReactionEvent
}

// Content is an outbound message body.
type Content struct {
	Text        string
	Attachments []Attachment
}

// WebhookReply is the result of decoding one raw webhook delivery. Body,
// when non-empty, must be echoed back to the platform in the HTTP response
// (e.g. the Slack URL verification challenge).
type WebhookReply struct {
	Events      []InboundEvent
	Body        []byte
	ContentType string
}

// Adapter is the capability set every platform integration provides.
// Optional capabilities (gateway listening, bot identity) are separate
// interfaces discovered by type assertion.
type Adapter interface {
	// Name is the stable short string used as the thread ID prefix and in
	// adapter errors.
	Name() string

	// EncodeThreadID packs platform coordinates into an opaque thread ID.
	EncodeThreadID(coords ...string) (string, error)
	// DecodeThreadID unpacks a thread ID produced by EncodeThreadID. It
	// fails with a ValidationError when the ID belongs to another adapter.
	DecodeThreadID(id string) ([]string, error)

	// ParseWebhook validates and decodes one raw webhook delivery. A bad
	// signature yields an AuthenticationError; a well-formed but unknown
	// payload yields an empty reply, not an error.
	ParseWebhook(ctx context.Context, header http.Header, body []byte) (*WebhookReply, error)

	PostMessage(ctx context.Context, threadID string, content Content) (*PostedMessage, error)
	EditMessage(ctx context.Context, threadID, messageID string, content Content) error
	DeleteMessage(ctx context.Context, threadID, messageID string) error

	StartTyping(ctx context.Context, threadID string) error

	// AddReaction / RemoveReaction take a normalized emoji key. Platforms
	// without reaction write access return a PermissionError.
	AddReaction(ctx context.Context, threadID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error
}

// BotUserIDer is an optional interface adapters implement to expose the
// bot's own platform user ID, enabling self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// Connecter is an optional interface for adapters that need a handshake
// (auth test, identity resolution) before use. Bot.Initialize calls it.
type Connecter interface {
	Connect(ctx context.Context) error
}

// GatewayRunner is an optional interface for adapters whose events arrive
// over a long-lived outbound connection instead of webhooks. RunGateway blocks
// pumping events into forward until ctx is cancelled.
type GatewayRunner interface {
	RunGateway(ctx context.Context, forward func(context.Context, InboundEvent) error) error
}

// PostedMessage is the handle returned by PostMessage.
type PostedMessage struct {
	ID       string
	ThreadID string
	Adapter  Adapter
}

// Edit replaces the message content.
func (m *PostedMessage) Edit(ctx context.Context, content Content) error {
	return m.Adapter.EditMessage(ctx, m.ThreadID, m.ID, content)
}

// Delete removes the message.
func (m *PostedMessage) Delete(ctx context.Context) error {
	return m.Adapter.DeleteMessage(ctx, m.ThreadID, m.ID)
}

// ThreadID returns the thread an event belongs to, for either kind.
func (e InboundEvent) ThreadID() string {
	switch {
	case e.Message != nil:
		return e.Message.ThreadID
	case e.Reaction != nil:
		return e.Reaction.ThreadID
	}
	return ""
}
