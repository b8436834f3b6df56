// Package slack implements the chat Adapter for Slack over the Events API
// (webhook ingress) and the Web API (outbound).
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/Stars1233/chatsdk/internal/chat"
)

// Name is the adapter's thread ID prefix.
const Name = "slack"

// client abstracts the Slack Web API methods we use, enabling test mocks.
type client interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	DeleteMessageContext(ctx context.Context, channelID, timestamp string) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slackapi.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slackapi.ItemRef) error
}

var _ chat.Adapter = (*Adapter)(nil)

// Adapter implements chat.Adapter for Slack.
type Adapter struct {
	client        client
	signingSecret string
	botUserID     string
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	BotToken      string // xoxb-...
	SigningSecret string // webhook signature verification
	// BotUserID enables self-message filtering; resolved via auth.test by
	// Connect when empty.
	BotUserID string
	// Client injects a mock Web API client in tests.
	Client client
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	a := &Adapter{
		signingSecret: opts.SigningSecret,
		botUserID:     opts.BotUserID,
	}
	if opts.Client != nil {
		a.client = opts.Client
	} else {
		a.client = slackapi.New(opts.BotToken)
	}
	return a, nil
}

// Connect resolves the bot's own user ID for self-message filtering.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.botUserID != "" {
		return nil
	}
	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return a.wrapErr("auth test", err)
	}
	a.botUserID = auth.UserID
	return nil
}

func (a *Adapter) Name() string { return Name }

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string { return a.botUserID }

// EncodeThreadID packs (channelID, threadTS) into "slack:<channel>:<ts>".
func (a *Adapter) EncodeThreadID(coords ...string) (string, error) {
	if len(coords) != 2 {
		return "", chat.NewValidation(Name, fmt.Sprintf("slack thread ID takes (channel, ts), got %d coordinates", len(coords)))
	}
	return chat.EncodeThreadID(Name, coords...)
}

// DecodeThreadID unpacks "slack:<channel>:<ts>".
func (a *Adapter) DecodeThreadID(id string) ([]string, error) {
	return chat.DecodeThreadID(Name, id, 2)
}

// ParseWebhook verifies the Events API signature and decodes the payload.
func (a *Adapter) ParseWebhook(ctx context.Context, header http.Header, body []byte) (*chat.WebhookReply, error) {
	if err := a.verifySignature(header, body); err != nil {
		return nil, err
	}

	outer, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, chat.NewValidation(Name, fmt.Sprintf("parse event: %v", err))
	}

	switch outer.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			return nil, chat.NewValidation(Name, fmt.Sprintf("parse challenge: %v", err))
		}
		return &chat.WebhookReply{Body: []byte(challenge.Challenge), ContentType: "text/plain"}, nil

	case slackevents.CallbackEvent:
		return a.parseCallback(outer.InnerEvent)
	}

	// Well-formed but unknown outer type: ack with no events.
	return &chat.WebhookReply{}, nil
}

// verifySignature checks the X-Slack-Signature header. The comparison
// inside SecretsVerifier is constant-time.
func (a *Adapter) verifySignature(header http.Header, body []byte) error {
	if a.signingSecret == "" {
		return nil
	}
	sv, err := slackapi.NewSecretsVerifier(header, a.signingSecret)
	if err != nil {
		return chat.NewAuthentication(Name)
	}
	if _, err := sv.Write(body); err != nil {
		return chat.NewAuthentication(Name)
	}
	if err := sv.Ensure(); err != nil {
		return chat.NewAuthentication(Name)
	}
	return nil
}

func (a *Adapter) parseCallback(inner slackevents.EventsAPIInnerEvent) (*chat.WebhookReply, error) {
	reply := &chat.WebhookReply{}
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		reply.Events = append(reply.Events, chat.InboundEvent{
			Kind:    chat.EventMention,
			Adapter: Name,
			Message: a.messageFrom(ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.User, ev.Text, false),
		})

	case *slackevents.MessageEvent:
		// Edits arrive as message_changed; other subtypes (joins, deletes)
		// are not conversation messages.
		edited := ev.SubType == "message_changed"
		if ev.SubType != "" && !edited {
			break
		}
		if ev.BotID != "" {
			break
		}
		reply.Events = append(reply.Events, chat.InboundEvent{
			Kind:    chat.EventMessage,
			Adapter: Name,
			Message: a.messageFrom(ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.User, ev.Text, edited),
		})

	case *slackevents.ReactionAddedEvent:
		reply.Events = append(reply.Events, a.reactionFrom(ev.Item, ev.User, ev.Reaction, true))

	case *slackevents.ReactionRemovedEvent:
		reply.Events = append(reply.Events, a.reactionFrom(ev.Item, ev.User, ev.Reaction, false))
	}
	return reply, nil
}

func (a *Adapter) messageFrom(channel, threadTS, ts, user, text string, edited bool) *chat.Message {
	// Top-level messages root their own thread.
	if threadTS == "" {
		threadTS = ts
	}
	threadID, _ := a.EncodeThreadID(channel, threadTS)
	return &chat.Message{
		ID:        ts,
		ThreadID:  threadID,
		Author:    chat.User{UserID: user, UserName: user},
		Text:      text,
		Timestamp: parseTimestamp(ts),
		Edited:    edited,
	}
}

func (a *Adapter) reactionFrom(item slackevents.Item, user, reaction string, added bool) chat.InboundEvent {
	threadID, _ := a.EncodeThreadID(item.Channel, item.Timestamp)
	return chat.InboundEvent{
		Kind:    chat.EventReaction,
		Adapter: Name,
		Reaction: &chat.ReactionEvent{
			Adapter:   Name,
			ThreadID:  threadID,
			MessageID: item.Timestamp,
			UserID:    user,
			Emoji:     chat.NormalizeEmoji(Name, reaction),
			RawEmoji:  reaction,
			Added:     added,
		},
	}
}

// PostMessage posts into the thread (chat.postMessage with thread_ts).
func (a *Adapter) PostMessage(ctx context.Context, threadID string, content chat.Content) (*chat.PostedMessage, error) {
	channel, threadTS, err := a.coords(threadID)
	if err != nil {
		return nil, err
	}
	options := []slackapi.MsgOption{
		slackapi.MsgOptionText(content.Text, false),
		slackapi.MsgOptionTS(threadTS),
	}
	_, ts, err := a.client.PostMessageContext(ctx, channel, options...)
	if err != nil {
		return nil, a.wrapErr("post message", err)
	}
	return &chat.PostedMessage{ID: ts, ThreadID: threadID, Adapter: a}, nil
}

func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, content chat.Content) error {
	channel, _, err := a.coords(threadID)
	if err != nil {
		return err
	}
	if _, _, _, err := a.client.UpdateMessageContext(ctx, channel, messageID, slackapi.MsgOptionText(content.Text, false)); err != nil {
		return a.wrapErr("update message", err)
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	channel, _, err := a.coords(threadID)
	if err != nil {
		return err
	}
	if _, _, err := a.client.DeleteMessageContext(ctx, channel, messageID); err != nil {
		return a.wrapErr("delete message", err)
	}
	return nil
}

// StartTyping is a no-op: the Slack Web API has no typing indicator for
// Events API bots.
func (a *Adapter) StartTyping(ctx context.Context, threadID string) error {
	return nil
}

func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, emoji string) error {
	channel, _, err := a.coords(threadID)
	if err != nil {
		return err
	}
	name := chat.PlatformEmoji(Name, emoji)
	if err := a.client.AddReactionContext(ctx, name, slackapi.NewRefToMessage(channel, messageID)); err != nil {
		return a.wrapErr("add reaction", err)
	}
	return nil
}

func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error {
	channel, _, err := a.coords(threadID)
	if err != nil {
		return err
	}
	name := chat.PlatformEmoji(Name, emoji)
	if err := a.client.RemoveReactionContext(ctx, name, slackapi.NewRefToMessage(channel, messageID)); err != nil {
		return a.wrapErr("remove reaction", err)
	}
	return nil
}

func (a *Adapter) coords(threadID string) (channel, threadTS string, err error) {
	parts, err := a.DecodeThreadID(threadID)
	if err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

// wrapErr maps Slack API failures onto the shared error taxonomy.
func (a *Adapter) wrapErr(op string, err error) error {
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return chat.NewRateLimited(Name, rle.RetryAfter)
	}
	switch err.Error() {
	case "channel_not_found":
		return chat.NewResourceNotFound(Name, "channel", "")
	case "message_not_found":
		return chat.NewResourceNotFound(Name, "message", "")
	case "not_authed", "invalid_auth", "token_revoked", "account_inactive":
		return chat.NewAuthentication(Name)
	case "missing_scope", "restricted_action":
		return chat.NewPermission(Name, op, "")
	}
	return chat.NewNetwork(Name, fmt.Errorf("%s: %w", op, err))
}

// parseTimestamp converts a Slack ts ("1710000000.123456") to a time.Time.
func parseTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
