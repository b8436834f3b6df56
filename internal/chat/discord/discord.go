// Package discord implements the chat Adapter for Discord. Outbound calls
// use the REST API; inbound events arrive as forwarded gateway frames (the
// gateway listener POSTs them to the shared webhook endpoint).
package discord

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Stars1233/chatsdk/internal/chat"
)

// Name is the adapter's thread ID prefix.
const Name = "discord"

// maxMessageLen is Discord's hard cap on message content.
const maxMessageLen = 2000

// session abstracts the discordgo.Session methods we use, enabling test
// mocks.
type session interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error
}

var _ chat.Adapter = (*Adapter)(nil)
var _ chat.GatewayRunner = (*Adapter)(nil)

// Adapter implements chat.Adapter for Discord.
type Adapter struct {
	sess      session
	gw        *discordgo.Session // gateway session, nil when a mock is injected
	botUserID string
	publicKey ed25519.PublicKey // interaction signature key, optional
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string
	// PublicKey is the hex application public key used to verify signed
	// deliveries; forwarded gateway frames are accepted without it.
	PublicKey string
	// BotUserID enables self-message filtering.
	BotUserID string
	// Session injects a mock in tests.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	a := &Adapter{botUserID: opts.BotUserID}
	if opts.PublicKey != "" {
		key, err := hex.DecodeString(opts.PublicKey)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("discord: invalid public key")
		}
		a.publicKey = ed25519.PublicKey(key)
	}
	if opts.Session != nil {
		a.sess = opts.Session
		return a, nil
	}
	dg, err := discordgo.New("Bot " + opts.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent
	a.sess = dg
	a.gw = dg
	return a, nil
}

func (a *Adapter) Name() string { return Name }

// BotUserID returns the bot's Discord user ID when known.
func (a *Adapter) BotUserID() string { return a.botUserID }

// EncodeThreadID packs (channelID) into "discord:<channel>".
func (a *Adapter) EncodeThreadID(coords ...string) (string, error) {
	if len(coords) != 1 {
		return "", chat.NewValidation(Name, fmt.Sprintf("discord thread ID takes (channel), got %d coordinates", len(coords)))
	}
	return chat.EncodeThreadID(Name, coords...)
}

// DecodeThreadID unpacks "discord:<channel>".
func (a *Adapter) DecodeThreadID(id string) ([]string, error) {
	return chat.DecodeThreadID(Name, id, 1)
}

// frame is the envelope the gateway forwarder POSTs to the webhook
// endpoint.
type frame struct {
	Type      string `json:"type"` // message_create | message_update | reaction_add | reaction_remove
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Bot       bool   `json:"bot"`
	Content   string `json:"content"`
	Emoji     string `json:"emoji"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Mention   bool   `json:"mention"`   // bot was mentioned
}

// ParseWebhook decodes a forwarded gateway frame. When a public key is
// configured, the Ed25519 signature headers are verified first.
func (a *Adapter) ParseWebhook(ctx context.Context, header http.Header, body []byte) (*chat.WebhookReply, error) {
	if err := a.verifySignature(header, body); err != nil {
		return nil, err
	}

	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, chat.NewValidation(Name, fmt.Sprintf("parse frame: %v", err))
	}
	if f.ChannelID == "" {
		return &chat.WebhookReply{}, nil
	}
	threadID, err := a.EncodeThreadID(f.ChannelID)
	if err != nil {
		return nil, err
	}

	reply := &chat.WebhookReply{}
	switch f.Type {
	case "message_create", "message_update":
		kind := chat.EventMessage
		if f.Mention {
			kind = chat.EventMention
		}
		reply.Events = append(reply.Events, chat.InboundEvent{
			Kind:    kind,
			Adapter: Name,
			Message: &chat.Message{
				ID:        f.MessageID,
				ThreadID:  threadID,
				Author:    chat.User{UserID: f.UserID, UserName: f.UserName, Bot: f.Bot},
				Text:      f.Content,
				Timestamp: time.UnixMilli(f.Timestamp),
				Edited:    f.Type == "message_update",
			},
		})
	case "reaction_add", "reaction_remove":
		reply.Events = append(reply.Events, chat.InboundEvent{
			Kind:    chat.EventReaction,
			Adapter: Name,
			Reaction: &chat.ReactionEvent{
				Adapter:   Name,
				ThreadID:  threadID,
				MessageID: f.MessageID,
				UserID:    f.UserID,
				Emoji:     chat.NormalizeEmoji(Name, f.Emoji),
				RawEmoji:  f.Emoji,
				Added:     f.Type == "reaction_add",
			},
		})
	}
	return reply, nil
}

// verifySignature checks X-Signature-Ed25519 / X-Signature-Timestamp when
// a public key is configured. ed25519.Verify is constant-time.
func (a *Adapter) verifySignature(header http.Header, body []byte) error {
	if a.publicKey == nil {
		return nil
	}
	sig, err := hex.DecodeString(header.Get("X-Signature-Ed25519"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return chat.NewAuthentication(Name)
	}
	ts := header.Get("X-Signature-Timestamp")
	if !ed25519.Verify(a.publicKey, append([]byte(ts), body...), sig) {
		return chat.NewAuthentication(Name)
	}
	return nil
}

// PostMessage sends to the channel, chunking past Discord's 2000-char cap.
// The returned handle points at the first chunk.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, content chat.Content) (*chat.PostedMessage, error) {
	channel, err := a.channel(threadID)
	if err != nil {
		return nil, err
	}
	var first *discordgo.Message
	for _, chunk := range chat.ChunkText(content.Text, maxMessageLen) {
		msg, err := a.sess.ChannelMessageSend(channel, chunk, discordgo.WithContext(ctx))
		if err != nil {
			return nil, a.wrapErr("post message", err)
		}
		if first == nil {
			first = msg
		}
	}
	return &chat.PostedMessage{ID: first.ID, ThreadID: threadID, Adapter: a}, nil
}

func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, content chat.Content) error {
	channel, err := a.channel(threadID)
	if err != nil {
		return err
	}
	if _, err := a.sess.ChannelMessageEdit(channel, messageID, content.Text, discordgo.WithContext(ctx)); err != nil {
		return a.wrapErr("edit message", err)
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	channel, err := a.channel(threadID)
	if err != nil {
		return err
	}
	if err := a.sess.ChannelMessageDelete(channel, messageID, discordgo.WithContext(ctx)); err != nil {
		return a.wrapErr("delete message", err)
	}
	return nil
}

func (a *Adapter) StartTyping(ctx context.Context, threadID string) error {
	channel, err := a.channel(threadID)
	if err != nil {
		return err
	}
	if err := a.sess.ChannelTyping(channel, discordgo.WithContext(ctx)); err != nil {
		return a.wrapErr("start typing", err)
	}
	return nil
}

func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, emoji string) error {
	channel, err := a.channel(threadID)
	if err != nil {
		return err
	}
	raw := chat.PlatformEmoji(Name, emoji)
	if err := a.sess.MessageReactionAdd(channel, messageID, raw, discordgo.WithContext(ctx)); err != nil {
		return a.wrapErr("add reaction", err)
	}
	return nil
}

func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error {
	channel, err := a.channel(threadID)
	if err != nil {
		return err
	}
	raw := chat.PlatformEmoji(Name, emoji)
	if err := a.sess.MessageReactionRemove(channel, messageID, raw, "@me", discordgo.WithContext(ctx)); err != nil {
		return a.wrapErr("remove reaction", err)
	}
	return nil
}

func (a *Adapter) channel(threadID string) (string, error) {
	parts, err := a.DecodeThreadID(threadID)
	if err != nil {
		return "", err
	}
	return parts[0], nil
}

// RunGateway opens the gateway WebSocket and pumps message and reaction
// events into forward until ctx is cancelled. Only available when the
// adapter owns a real discordgo session.
func (a *Adapter) RunGateway(ctx context.Context, forward func(context.Context, chat.InboundEvent) error) error {
	if a.gw == nil {
		return fmt.Errorf("discord: gateway unavailable without a real session")
	}

	remove := a.gw.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if s.State.User != nil && m.Author != nil && m.Author.ID == s.State.User.ID {
			return
		}
		_ = forward(ctx, a.gatewayMessage(s, m.Message, false))
	})
	defer remove()

	removeEdit := a.gw.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
		if s.State.User != nil && m.Author != nil && m.Author.ID == s.State.User.ID {
			return
		}
		_ = forward(ctx, a.gatewayMessage(s, m.Message, true))
	})
	defer removeEdit()

	removeAdd := a.gw.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		_ = forward(ctx, a.gatewayReaction(r.MessageReaction, true))
	})
	defer removeAdd()

	removeRemove := a.gw.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
		_ = forward(ctx, a.gatewayReaction(r.MessageReaction, false))
	})
	defer removeRemove()

	if err := a.gw.Open(); err != nil {
		return a.wrapErr("gateway open", err)
	}
	if a.gw.State.User != nil {
		a.botUserID = a.gw.State.User.ID
	}
	<-ctx.Done()
	if err := a.gw.Close(); err != nil {
		return a.wrapErr("gateway close", err)
	}
	return nil
}

func (a *Adapter) gatewayMessage(s *discordgo.Session, m *discordgo.Message, edited bool) chat.InboundEvent {
	threadID, _ := a.EncodeThreadID(m.ChannelID)
	kind := chat.EventMessage
	if s.State.User != nil {
		for _, u := range m.Mentions {
			if u.ID == s.State.User.ID {
				kind = chat.EventMention
				break
			}
		}
	}
	msg := &chat.Message{
		ID:        m.ID,
		ThreadID:  threadID,
		Text:      m.Content,
		Timestamp: m.Timestamp,
		Edited:    edited,
	}
	if m.Author != nil {
		msg.Author = chat.User{UserID: m.Author.ID, UserName: m.Author.Username, Bot: m.Author.Bot}
	}
	return chat.InboundEvent{Kind: kind, Adapter: Name, Message: msg}
}

func (a *Adapter) gatewayReaction(r *discordgo.MessageReaction, added bool) chat.InboundEvent {
	threadID, _ := a.EncodeThreadID(r.ChannelID)
	return chat.InboundEvent{
		Kind:    chat.EventReaction,
		Adapter: Name,
		Reaction: &chat.ReactionEvent{
			Adapter:   Name,
			ThreadID:  threadID,
			MessageID: r.MessageID,
			UserID:    r.UserID,
			Emoji:     chat.NormalizeEmoji(Name, r.Emoji.Name),
			RawEmoji:  r.Emoji.Name,
			Added:     added,
		},
	}
}

// wrapErr maps discordgo REST failures onto the shared error taxonomy.
func (a *Adapter) wrapErr(op string, err error) error {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusTooManyRequests:
			retry := time.Duration(0)
			if ra := rerr.Response.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.ParseFloat(ra, 64); perr == nil {
					retry = time.Duration(secs * float64(time.Second))
				}
			}
			return chat.NewRateLimited(Name, retry)
		case http.StatusUnauthorized:
			return chat.NewAuthentication(Name)
		case http.StatusForbidden:
			return chat.NewPermission(Name, op, "")
		case http.StatusNotFound:
			return chat.NewResourceNotFound(Name, "message", "")
		}
	}
	return chat.NewNetwork(Name, fmt.Errorf("%s: %w", op, err))
}
