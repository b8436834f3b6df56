// Package linear implements the chat Adapter for Linear: issue comment
// threads over the GraphQL API, with HMAC-verified webhooks inbound.
package linear

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Stars1233/chatsdk/internal/chat"
)

// Name is the adapter's thread ID prefix.
const Name = "linear"

// defaultEndpoint is the Linear GraphQL endpoint.
const defaultEndpoint = "https://api.linear.app/graphql"

// signatureHeader carries the hex HMAC-SHA256 of the webhook body.
const signatureHeader = "Linear-Signature"

var _ chat.Adapter = (*Adapter)(nil)

// Adapter implements chat.Adapter for Linear.
type Adapter struct {
	apiKey        string
	webhookSecret string
	endpoint      string
	httpClient    *http.Client
	botUserID     string
}

// AdapterOpts holds parameters for creating a Linear Adapter.
type AdapterOpts struct {
	APIKey        string
	WebhookSecret string
	// Endpoint overrides the GraphQL URL (tests).
	Endpoint string
	// BotUserID enables self-comment filtering.
	BotUserID string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// New creates a Linear Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("linear: api key is required")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Adapter{
		apiKey:        opts.APIKey,
		webhookSecret: opts.WebhookSecret,
		endpoint:      endpoint,
		httpClient:    hc,
		botUserID:     opts.BotUserID,
	}, nil
}

func (a *Adapter) Name() string { return Name }

// BotUserID returns the bot's Linear user ID when configured.
func (a *Adapter) BotUserID() string { return a.botUserID }

// EncodeThreadID packs (issueID) into "linear:<uuid>".
func (a *Adapter) EncodeThreadID(coords ...string) (string, error) {
	if len(coords) != 1 {
		return "", chat.NewValidation(Name, fmt.Sprintf("linear thread ID takes (issue), got %d coordinates", len(coords)))
	}
	return chat.EncodeThreadID(Name, coords...)
}

// DecodeThreadID unpacks "linear:<uuid>".
func (a *Adapter) DecodeThreadID(id string) ([]string, error) {
	return chat.DecodeThreadID(Name, id, 1)
}

// webhookPayload is the Linear webhook envelope subset this adapter reads.
type webhookPayload struct {
	Action string `json:"action"` // create, update, remove
	Type   string `json:"type"`   // Comment, Reaction, Issue, ...
	Data   struct {
		ID        string    `json:"id"`
		Body      string    `json:"body"`
		IssueID   string    `json:"issueId"`
		CommentID string    `json:"commentId"`
		Emoji     string    `json:"emoji"`
		CreatedAt time.Time `json:"createdAt"`
		User      struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"user"`
	} `json:"data"`
}

// ParseWebhook verifies the HMAC signature and decodes the payload.
func (a *Adapter) ParseWebhook(ctx context.Context, header http.Header, body []byte) (*chat.WebhookReply, error) {
	if err := a.verifySignature(header, body); err != nil {
		return nil, err
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, chat.NewValidation(Name, fmt.Sprintf("parse payload: %v", err))
	}

	reply := &chat.WebhookReply{}
	switch p.Type {
	case "Comment":
		if p.Action != "create" && p.Action != "update" {
			break
		}
		if p.Data.IssueID == "" {
			break
		}
		threadID, err := a.EncodeThreadID(p.Data.IssueID)
		if err != nil {
			return nil, err
		}
		reply.Events = append(reply.Events, chat.InboundEvent{
			Kind:    chat.EventMessage,
			Adapter: Name,
			Message: &chat.Message{
				ID:        p.Data.ID,
				ThreadID:  threadID,
				Author:    chat.User{UserID: p.Data.User.ID, UserName: p.Data.User.Name},
				Text:      p.Data.Body,
				Timestamp: p.Data.CreatedAt,
				Edited:    p.Action == "update",
			},
		})

	case "Reaction":
		if p.Data.IssueID == "" {
			break
		}
		threadID, err := a.EncodeThreadID(p.Data.IssueID)
		if err != nil {
			return nil, err
		}
		reply.Events = append(reply.Events, chat.InboundEvent{
			Kind:    chat.EventReaction,
			Adapter: Name,
			Reaction: &chat.ReactionEvent{
				Adapter:   Name,
				ThreadID:  threadID,
				MessageID: p.Data.CommentID,
				UserID:    p.Data.User.ID,
				Emoji:     chat.NormalizeEmoji(Name, p.Data.Emoji),
				RawEmoji:  p.Data.Emoji,
				Added:     p.Action == "create",
			},
		})
	}
	return reply, nil
}

// verifySignature checks the Linear-Signature HMAC with a constant-time
// compare.
func (a *Adapter) verifySignature(header http.Header, body []byte) error {
	if a.webhookSecret == "" {
		return nil
	}
	got, err := hex.DecodeString(header.Get(signatureHeader))
	if err != nil || len(got) == 0 {
		return chat.NewAuthentication(Name)
	}
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return chat.NewAuthentication(Name)
	}
	return nil
}

// PostMessage creates an issue comment.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, content chat.Content) (*chat.PostedMessage, error) {
	issueID, err := a.issue(threadID)
	if err != nil {
		return nil, err
	}
	var out struct {
		CommentCreate struct {
			Comment struct {
				ID string `json:"id"`
			} `json:"comment"`
		} `json:"commentCreate"`
	}
	const q = `mutation($issueId: String!, $body: String!) {
		commentCreate(input: {issueId: $issueId, body: $body}) { comment { id } }
	}`
	if err := a.query(ctx, q, map[string]any{"issueId": issueID, "body": content.Text}, &out); err != nil {
		return nil, err
	}
	return &chat.PostedMessage{ID: out.CommentCreate.Comment.ID, ThreadID: threadID, Adapter: a}, nil
}

func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, content chat.Content) error {
	const q = `mutation($id: String!, $body: String!) {
		commentUpdate(id: $id, input: {body: $body}) { success }
	}`
	return a.query(ctx, q, map[string]any{"id": messageID, "body": content.Text}, nil)
}

func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	const q = `mutation($id: String!) { commentDelete(id: $id) { success } }`
	return a.query(ctx, q, map[string]any{"id": messageID}, nil)
}

// StartTyping is a no-op: Linear has no typing indicator.
func (a *Adapter) StartTyping(ctx context.Context, threadID string) error {
	return nil
}

// AddReaction reacts to a comment with an emoji name.
func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, emoji string) error {
	const q = `mutation($commentId: String!, $emoji: String!) {
		reactionCreate(input: {commentId: $commentId, emoji: $emoji}) { success }
	}`
	raw := chat.PlatformEmoji(Name, emoji)
	return a.query(ctx, q, map[string]any{"commentId": messageID, "emoji": raw}, nil)
}

// RemoveReaction is unsupported: reactionDelete requires the reaction id,
// which the contract does not carry.
func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error {
	return chat.NewPermission(Name, "remove reaction", "")
}

func (a *Adapter) issue(threadID string) (string, error) {
	parts, err := a.DecodeThreadID(threadID)
	if err != nil {
		return "", err
	}
	return parts[0], nil
}

// query runs one GraphQL request and maps failures onto the taxonomy.
func (a *Adapter) query(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return chat.NewValidation(Name, fmt.Sprintf("encode query: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return chat.NewNetwork(Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return chat.NewNetwork(Name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return chat.NewAuthentication(Name)
	case http.StatusForbidden:
		return chat.NewPermission(Name, "query", "")
	case http.StatusTooManyRequests:
		return chat.NewRateLimited(Name, 0)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return chat.NewNetwork(Name, fmt.Errorf("status %d: %s", resp.StatusCode, data))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return chat.NewNetwork(Name, fmt.Errorf("decode response: %w", err))
	}
	if len(envelope.Errors) > 0 {
		return chat.NewValidation(Name, envelope.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return chat.NewNetwork(Name, fmt.Errorf("decode data: %w", err))
		}
	}
	return nil
}
