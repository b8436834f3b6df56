// Package teams implements the chat Adapter for Microsoft Teams via the
// Bot Framework connector REST API. Outbound calls authenticate with an
// OAuth2 client-credentials token.
package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/Stars1233/chatsdk/internal/chat"
)

// Name is the adapter's thread ID prefix.
const Name = "teams"

const (
	// defaultTokenURL is the Bot Framework token endpoint template.
	defaultTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	// botFrameworkScope is the connector API scope.
	botFrameworkScope = "https://api.botframework.com/.default"
)

var _ chat.Adapter = (*Adapter)(nil)

// Adapter implements chat.Adapter for Microsoft Teams.
type Adapter struct {
	appID      string
	serviceURL string
	botName    string
	httpClient *http.Client
}

// AdapterOpts holds parameters for creating a Teams Adapter.
type AdapterOpts struct {
	AppID       string
	AppPassword string
	TenantID    string
	// ServiceURL is the connector base the tenant's activities come from,
	// e.g. "https://smba.trafficmanager.net/amer/".
	ServiceURL string
	// BotName is the display name users @mention.
	BotName string
	// HTTPClient injects a pre-authenticated client in tests; when nil a
	// client-credentials token source backs all requests.
	HTTPClient *http.Client
}

// New creates a Teams Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.HTTPClient == nil && (opts.AppID == "" || opts.AppPassword == "") {
		return nil, fmt.Errorf("teams: app id and password are required")
	}
	if opts.ServiceURL == "" {
		return nil, fmt.Errorf("teams: service url is required")
	}
	a := &Adapter{
		appID:      opts.AppID,
		serviceURL: strings.TrimRight(opts.ServiceURL, "/"),
		botName:    opts.BotName,
	}
	if opts.HTTPClient != nil {
		a.httpClient = opts.HTTPClient
	} else {
		tenant := opts.TenantID
		if tenant == "" {
			tenant = "botframework.com"
		}
		cc := &clientcredentials.Config{
			ClientID:     opts.AppID,
			ClientSecret: opts.AppPassword,
			TokenURL:     fmt.Sprintf(defaultTokenURL, tenant),
			Scopes:       []string{botFrameworkScope},
		}
		a.httpClient = cc.Client(context.Background())
	}
	return a, nil
}

func (a *Adapter) Name() string { return Name }

// BotUserID returns the bot's channel account ID (the 28:<appid> form).
func (a *Adapter) BotUserID() string {
	if a.appID == "" {
		return ""
	}
	return "28:" + a.appID
}

// EncodeThreadID packs (conversationID) into "teams:<conversation>". Teams
// conversation IDs may themselves contain ";messageid=..." segments.
func (a *Adapter) EncodeThreadID(coords ...string) (string, error) {
	if len(coords) != 1 {
		return "", chat.NewValidation(Name, fmt.Sprintf("teams thread ID takes (conversation), got %d coordinates", len(coords)))
	}
	return chat.EncodeThreadID(Name, coords...)
}

// DecodeThreadID unpacks "teams:<conversation>".
func (a *Adapter) DecodeThreadID(id string) ([]string, error) {
	return chat.DecodeThreadID(Name, id, 1)
}

// activity is the subset of a Bot Framework activity this adapter reads
// and writes.
type activity struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Text         string          `json:"text,omitempty"`
	Timestamp    time.Time       `json:"timestamp,omitempty"`
	From         channelAccount  `json:"from,omitempty"`
	Conversation conversationRef `json:"conversation,omitempty"`
	Entities     []entity        `json:"entities,omitempty"`

	ReactionsAdded   []messageReaction `json:"reactionsAdded,omitempty"`
	ReactionsRemoved []messageReaction `json:"reactionsRemoved,omitempty"`
	ReplyToID        string            `json:"replyToId,omitempty"`
}

type channelAccount struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

type conversationRef struct {
	ID string `json:"id,omitempty"`
}

type entity struct {
	Type      string          `json:"type"`
	Mentioned *channelAccount `json:"mentioned,omitempty"`
}

type messageReaction struct {
	Type string `json:"type"` // like, heart, laugh, surprised, sad, angry
}

// ParseWebhook requires a bearer token on the request (full JWT validation
// is the host's concern) and decodes the activity payload.
func (a *Adapter) ParseWebhook(ctx context.Context, header http.Header, body []byte) (*chat.WebhookReply, error) {
	auth := header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || len(auth) <= len("Bearer ") {
		return nil, chat.NewAuthentication(Name)
	}

	var act activity
	if err := json.Unmarshal(body, &act); err != nil {
		return nil, chat.NewValidation(Name, fmt.Sprintf("parse activity: %v", err))
	}
	if act.Conversation.ID == "" {
		return &chat.WebhookReply{}, nil
	}
	threadID, err := a.EncodeThreadID(act.Conversation.ID)
	if err != nil {
		return nil, err
	}

	reply := &chat.WebhookReply{}
	switch act.Type {
	case "message":
		kind := chat.EventMessage
		if a.mentionsBot(act) {
			kind = chat.EventMention
		}
		reply.Events = append(reply.Events, chat.InboundEvent{
			Kind:    kind,
			Adapter: Name,
			Message: &chat.Message{
				ID:       act.ID,
				ThreadID: threadID,
				Author: chat.User{
					UserID:   act.From.ID,
					UserName: act.From.Name,
					Bot:      act.From.Role == "bot",
				},
				Text:      stripMentionTags(act.Text),
				Timestamp: act.Timestamp,
			},
		})

	case "messageReaction":
		for _, r := range act.ReactionsAdded {
			reply.Events = append(reply.Events, a.reactionEvent(threadID, act, r, true))
		}
		for _, r := range act.ReactionsRemoved {
			reply.Events = append(reply.Events, a.reactionEvent(threadID, act, r, false))
		}
	}
	return reply, nil
}

func (a *Adapter) reactionEvent(threadID string, act activity, r messageReaction, added bool) chat.InboundEvent {
	return chat.InboundEvent{
		Kind:    chat.EventReaction,
		Adapter: Name,
		Reaction: &chat.ReactionEvent{
			Adapter:   Name,
			ThreadID:  threadID,
			MessageID: act.ReplyToID,
			UserID:    act.From.ID,
			Emoji:     normalizeTeamsReaction(r.Type),
			RawEmoji:  r.Type,
			Added:     added,
		},
	}
}

// mentionsBot checks the activity's mention entities against the bot.
func (a *Adapter) mentionsBot(act activity) bool {
	for _, e := range act.Entities {
		if e.Type != "mention" || e.Mentioned == nil {
			continue
		}
		if e.Mentioned.ID == a.BotUserID() || (a.botName != "" && e.Mentioned.Name == a.botName) {
			return true
		}
	}
	return false
}

// stripMentionTags turns <at>name</at> wrappers into @name.
func stripMentionTags(text string) string {
	text = strings.ReplaceAll(text, "<at>", "@")
	text = strings.ReplaceAll(text, "</at>", "")
	return strings.TrimSpace(text)
}

// normalizeTeamsReaction maps Teams reaction types onto normalized keys.
func normalizeTeamsReaction(t string) string {
	switch t {
	case "like":
		return chat.EmojiThumbsUp
	case "heart":
		return chat.EmojiHeart
	}
	return t
}

// PostMessage creates an activity in the conversation.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, content chat.Content) (*chat.PostedMessage, error) {
	conversation, err := a.conversation(threadID)
	if err != nil {
		return nil, err
	}
	var out struct {
		ID string `json:"id"`
	}
	act := activity{Type: "message", Text: content.Text}
	if err := a.do(ctx, http.MethodPost, a.activitiesURL(conversation, ""), act, &out); err != nil {
		return nil, err
	}
	return &chat.PostedMessage{ID: out.ID, ThreadID: threadID, Adapter: a}, nil
}

func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, content chat.Content) error {
	conversation, err := a.conversation(threadID)
	if err != nil {
		return err
	}
	act := activity{Type: "message", ID: messageID, Text: content.Text}
	return a.do(ctx, http.MethodPut, a.activitiesURL(conversation, messageID), act, nil)
}

func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	conversation, err := a.conversation(threadID)
	if err != nil {
		return err
	}
	return a.do(ctx, http.MethodDelete, a.activitiesURL(conversation, messageID), nil, nil)
}

// StartTyping sends a typing activity.
func (a *Adapter) StartTyping(ctx context.Context, threadID string) error {
	conversation, err := a.conversation(threadID)
	if err != nil {
		return err
	}
	return a.do(ctx, http.MethodPost, a.activitiesURL(conversation, ""), activity{Type: "typing"}, nil)
}

// AddReaction is unsupported: the connector API has no reaction write
// endpoint, bots only receive messageReaction activities.
func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, emoji string) error {
	return chat.NewPermission(Name, "add reaction", "")
}

// RemoveReaction is unsupported; see AddReaction.
func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error {
	return chat.NewPermission(Name, "remove reaction", "")
}

func (a *Adapter) conversation(threadID string) (string, error) {
	parts, err := a.DecodeThreadID(threadID)
	if err != nil {
		return "", err
	}
	return parts[0], nil
}

func (a *Adapter) activitiesURL(conversation, activityID string) string {
	u := fmt.Sprintf("%s/v3/conversations/%s/activities", a.serviceURL, url.PathEscape(conversation))
	if activityID != "" {
		u += "/" + url.PathEscape(activityID)
	}
	return u
}

// do runs one connector request and maps failures onto the taxonomy.
func (a *Adapter) do(ctx context.Context, method, reqURL string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return chat.NewValidation(Name, fmt.Sprintf("encode activity: %v", err))
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return chat.NewNetwork(Name, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return chat.NewNetwork(Name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return chat.NewAuthentication(Name)
	case resp.StatusCode == http.StatusForbidden:
		return chat.NewPermission(Name, method+" activity", "")
	case resp.StatusCode == http.StatusNotFound:
		return chat.NewResourceNotFound(Name, "conversation", "")
	case resp.StatusCode == http.StatusTooManyRequests:
		retry := time.Duration(0)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, perr := time.ParseDuration(ra + "s"); perr == nil {
				retry = d
			}
		}
		return chat.NewRateLimited(Name, retry)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return chat.NewNetwork(Name, fmt.Errorf("%s %s: status %d: %s", method, reqURL, resp.StatusCode, data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return chat.NewNetwork(Name, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}
