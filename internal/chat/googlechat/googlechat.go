// Package googlechat implements the chat Adapter for Google Chat via the
// chat/v1 REST API. Service-account bots cannot write reactions, so those
// operations refuse with a Permission error.
package googlechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	chatapi "google.golang.org/api/chat/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Stars1233/chatsdk/internal/chat"
)

// Name is the adapter's thread ID prefix.
const Name = "googlechat"

// client abstracts the chat/v1 calls we use, enabling test mocks.
type client interface {
	CreateMessage(ctx context.Context, space string, msg *chatapi.Message) (*chatapi.Message, error)
	UpdateMessage(ctx context.Context, name string, msg *chatapi.Message) error
	DeleteMessage(ctx context.Context, name string) error
}

// apiClient wraps *chatapi.Service to implement client.
type apiClient struct {
	svc *chatapi.Service
}

func (c *apiClient) CreateMessage(ctx context.Context, space string, msg *chatapi.Message) (*chatapi.Message, error) {
	return c.svc.Spaces.Messages.Create(space, msg).
		MessageReplyOption("REPLY_MESSAGE_FALLBACK_TO_NEW_THREAD").
		Context(ctx).Do()
}

func (c *apiClient) UpdateMessage(ctx context.Context, name string, msg *chatapi.Message) error {
	_, err := c.svc.Spaces.Messages.Patch(name, msg).UpdateMask("text").Context(ctx).Do()
	return err
}

func (c *apiClient) DeleteMessage(ctx context.Context, name string) error {
	_, err := c.svc.Spaces.Messages.Delete(name).Context(ctx).Do()
	return err
}

var _ chat.Adapter = (*Adapter)(nil)

// Adapter implements chat.Adapter for Google Chat.
type Adapter struct {
	client  client
	botUser string
}

// AdapterOpts holds parameters for creating a Google Chat Adapter.
type AdapterOpts struct {
	// CredentialsFile is a service-account JSON key path. Ignored when
	// Client is injected.
	CredentialsFile string
	// BotUser is the bot's user resource name ("users/...") for
	// self-message filtering.
	BotUser string
	// Client injects a mock in tests.
	Client client
}

// New creates a Google Chat Adapter.
func New(ctx context.Context, opts AdapterOpts) (*Adapter, error) {
	a := &Adapter{botUser: opts.BotUser}
	if opts.Client != nil {
		a.client = opts.Client
		return a, nil
	}
	if opts.CredentialsFile == "" {
		return nil, fmt.Errorf("googlechat: credentials file is required")
	}
	svc, err := chatapi.NewService(ctx,
		option.WithCredentialsFile(opts.CredentialsFile),
		option.WithScopes(chatapi.ChatBotScope))
	if err != nil {
		return nil, fmt.Errorf("googlechat: new service: %w", err)
	}
	a.client = &apiClient{svc: svc}
	return a, nil
}

func (a *Adapter) Name() string { return Name }

// BotUserID returns the bot's user resource name when configured.
func (a *Adapter) BotUserID() string { return a.botUser }

// EncodeThreadID packs (space, thread) into "googlechat:<space>:<thread>".
// Coordinates are the trailing path segments of the space and thread
// resource names.
func (a *Adapter) EncodeThreadID(coords ...string) (string, error) {
	if len(coords) != 2 {
		return "", chat.NewValidation(Name, fmt.Sprintf("googlechat thread ID takes (space, thread), got %d coordinates", len(coords)))
	}
	return chat.EncodeThreadID(Name, coords...)
}

// DecodeThreadID unpacks "googlechat:<space>:<thread>".
func (a *Adapter) DecodeThreadID(id string) ([]string, error) {
	return chat.DecodeThreadID(Name, id, 2)
}

// event is the Google Chat webhook payload subset this adapter reads.
type event struct {
	Type    string `json:"type"` // MESSAGE, ADDED_TO_SPACE, ...
	Message struct {
		Name   string `json:"name"`
		Text   string `json:"text"`
		Sender struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			Type        string `json:"type"` // HUMAN or BOT
		} `json:"sender"`
		Thread struct {
			Name string `json:"name"`
		} `json:"thread"`
		Space struct {
			Name string `json:"name"`
		} `json:"space"`
		CreateTime  time.Time `json:"createTime"`
		Annotations []struct {
			Type        string `json:"type"`
			UserMention *struct {
				User struct {
					Name string `json:"name"`
				} `json:"user"`
			} `json:"userMention"`
		} `json:"annotations"`
	} `json:"message"`
}

// ParseWebhook requires the bearer token Google Chat attaches to pushes
// (JWT validation is the host's concern) and decodes the event.
func (a *Adapter) ParseWebhook(ctx context.Context, header http.Header, body []byte) (*chat.WebhookReply, error) {
	auth := header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || len(auth) <= len("Bearer ") {
		return nil, chat.NewAuthentication(Name)
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, chat.NewValidation(Name, fmt.Sprintf("parse event: %v", err))
	}
	if ev.Type != "MESSAGE" || ev.Message.Space.Name == "" {
		// ADDED_TO_SPACE and friends are acked without dispatch.
		return &chat.WebhookReply{}, nil
	}

	space := lastSegment(ev.Message.Space.Name)
	thread := lastSegment(ev.Message.Thread.Name)
	if thread == "" {
		thread = lastSegment(ev.Message.Name)
	}
	threadID, err := a.EncodeThreadID(space, thread)
	if err != nil {
		return nil, err
	}

	kind := chat.EventMessage
	for _, ann := range ev.Message.Annotations {
		if ann.Type == "USER_MENTION" && ann.UserMention != nil {
			if a.botUser == "" || ann.UserMention.User.Name == a.botUser {
				kind = chat.EventMention
				break
			}
		}
	}

	return &chat.WebhookReply{Events: []chat.InboundEvent{{
		Kind:    kind,
		Adapter: Name,
		Message: &chat.Message{
			ID:       ev.Message.Name,
			ThreadID: threadID,
			Author: chat.User{
				UserID:      ev.Message.Sender.Name,
				UserName:    ev.Message.Sender.DisplayName,
				DisplayName: ev.Message.Sender.DisplayName,
				Bot:         ev.Message.Sender.Type == "BOT",
			},
			Text:      ev.Message.Text,
			Timestamp: ev.Message.CreateTime,
		},
	}}}, nil
}

// PostMessage creates a message in the thread.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, content chat.Content) (*chat.PostedMessage, error) {
	space, thread, err := a.coords(threadID)
	if err != nil {
		return nil, err
	}
	msg := &chatapi.Message{
		Text:   content.Text,
		Thread: &chatapi.Thread{Name: fmt.Sprintf("spaces/%s/threads/%s", space, thread)},
	}
	created, err := a.client.CreateMessage(ctx, "spaces/"+space, msg)
	if err != nil {
		return nil, a.wrapErr("post message", err)
	}
	return &chat.PostedMessage{ID: created.Name, ThreadID: threadID, Adapter: a}, nil
}

func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, content chat.Content) error {
	if err := a.client.UpdateMessage(ctx, messageID, &chatapi.Message{Text: content.Text}); err != nil {
		return a.wrapErr("edit message", err)
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	if err := a.client.DeleteMessage(ctx, messageID); err != nil {
		return a.wrapErr("delete message", err)
	}
	return nil
}

// StartTyping is a no-op: Google Chat has no typing indicator API.
func (a *Adapter) StartTyping(ctx context.Context, threadID string) error {
	return nil
}

// AddReaction refuses: service-account bots cannot create reactions.
func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, emoji string) error {
	return chat.NewPermission(Name, "add reaction", "chat.messages.reactions.create")
}

// RemoveReaction refuses; see AddReaction.
func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error {
	return chat.NewPermission(Name, "remove reaction", "chat.messages.reactions.delete")
}

func (a *Adapter) coords(threadID string) (space, thread string, err error) {
	parts, err := a.DecodeThreadID(threadID)
	if err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}

// wrapErr maps googleapi failures onto the shared error taxonomy.
func (a *Adapter) wrapErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return chat.NewAuthentication(Name)
		case http.StatusForbidden:
			return chat.NewPermission(Name, op, "")
		case http.StatusNotFound:
			return chat.NewResourceNotFound(Name, "message", "")
		case http.StatusTooManyRequests:
			return chat.NewRateLimited(Name, 0)
		}
	}
	return chat.NewNetwork(Name, fmt.Errorf("%s: %w", op, err))
}

func lastSegment(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, "/")
	return parts[len(parts)-1]
}
