package googlechat

import (
	"context"
	"errors"
	"net/http"
	"testing"

	chatapi "google.golang.org/api/chat/v1"
	"google.golang.org/api/googleapi"

	"github.com/Stars1233/chatsdk/internal/chat"
)

// mockClient records chat/v1 calls.
type mockClient struct {
	createErr error
	created   []*chatapi.Message
	updated   []string
	deleted   []string
}

func (m *mockClient) CreateMessage(ctx context.Context, space string, msg *chatapi.Message) (*chatapi.Message, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, msg)
	return &chatapi.Message{Name: space + "/messages/m1", Text: msg.Text}, nil
}

func (m *mockClient) UpdateMessage(ctx context.Context, name string, msg *chatapi.Message) error {
	m.updated = append(m.updated, name)
	return nil
}

func (m *mockClient) DeleteMessage(ctx context.Context, name string) error {
	m.deleted = append(m.deleted, name)
	return nil
}

func newTestAdapter(t *testing.T) (*Adapter, *mockClient) {
	t.Helper()
	mock := &mockClient{}
	a, err := New(context.Background(), AdapterOpts{Client: mock, BotUser: "users/bot-1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, mock
}

func authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer push-token")
	return h
}

func TestThreadIDRoundTrip(t *testing.T) {
	a, _ := newTestAdapter(t)
	id, err := a.EncodeThreadID("AAA", "BBB")
	if err != nil {
		t.Fatalf("EncodeThreadID: %v", err)
	}
	if id != "googlechat:AAA:BBB" {
		t.Errorf("EncodeThreadID = %q", id)
	}
	coords, err := a.DecodeThreadID(id)
	if err != nil {
		t.Fatalf("DecodeThreadID: %v", err)
	}
	if coords[0] != "AAA" || coords[1] != "BBB" {
		t.Errorf("DecodeThreadID = %v", coords)
	}
}

func TestParseWebhook_RequiresBearer(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.ParseWebhook(context.Background(), http.Header{}, []byte(`{"type":"MESSAGE"}`))
	var authErr *chat.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("ParseWebhook without auth = %v, want AuthenticationError", err)
	}
}

func TestParseWebhook_Message(t *testing.T) {
	a, _ := newTestAdapter(t)
	body := []byte(`{
		"type": "MESSAGE",
		"message": {
			"name": "spaces/AAA/messages/m9",
			"text": "hello bot",
			"sender": {"name": "users/u1", "displayName": "Alice", "type": "HUMAN"},
			"thread": {"name": "spaces/AAA/threads/BBB"},
			"space": {"name": "spaces/AAA"},
			"createTime": "2026-03-01T10:00:00Z"
		}
	}`)
	reply, err := a.ParseWebhook(context.Background(), authHeader(), body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(reply.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(reply.Events))
	}
	ev := reply.Events[0]
	if ev.Kind != chat.EventMessage {
		t.Errorf("Kind = %q", ev.Kind)
	}
	if ev.Message.ThreadID != "googlechat:AAA:BBB" {
		t.Errorf("ThreadID = %q", ev.Message.ThreadID)
	}
	if ev.Message.Author.DisplayName != "Alice" {
		t.Errorf("Author = %+v", ev.Message.Author)
	}
}

func TestParseWebhook_MentionAnnotation(t *testing.T) {
	a, _ := newTestAdapter(t)
	body := []byte(`{
		"type": "MESSAGE",
		"message": {
			"name": "spaces/AAA/messages/m9",
			"text": "@bot help",
			"sender": {"name": "users/u1", "displayName": "Alice", "type": "HUMAN"},
			"thread": {"name": "spaces/AAA/threads/BBB"},
			"space": {"name": "spaces/AAA"},
			"createTime": "2026-03-01T10:00:00Z",
			"annotations": [{"type": "USER_MENTION", "userMention": {"user": {"name": "users/bot-1"}}}]
		}
	}`)
	reply, err := a.ParseWebhook(context.Background(), authHeader(), body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if reply.Events[0].Kind != chat.EventMention {
		t.Errorf("Kind = %q, want mention", reply.Events[0].Kind)
	}
}

func TestParseWebhook_AddedToSpaceAcked(t *testing.T) {
	a, _ := newTestAdapter(t)
	reply, err := a.ParseWebhook(context.Background(), authHeader(), []byte(`{"type":"ADDED_TO_SPACE"}`))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(reply.Events) != 0 {
		t.Errorf("lifecycle event produced %d events", len(reply.Events))
	}
}

func TestPostMessageThreadsReply(t *testing.T) {
	a, mock := newTestAdapter(t)
	ctx := context.Background()

	posted, err := a.PostMessage(ctx, "googlechat:AAA:BBB", chat.Content{Text: "hi"})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if posted.ID == "" {
		t.Error("posted id is empty")
	}
	if len(mock.created) != 1 {
		t.Fatalf("created %d messages", len(mock.created))
	}
	if got := mock.created[0].Thread.Name; got != "spaces/AAA/threads/BBB" {
		t.Errorf("thread name = %q", got)
	}

	if err := posted.Edit(ctx, chat.Content{Text: "edited"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if len(mock.updated) != 1 || mock.updated[0] != posted.ID {
		t.Errorf("updated = %v", mock.updated)
	}
	if err := posted.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(mock.deleted) != 1 {
		t.Errorf("deleted = %v", mock.deleted)
	}
}

func TestReactionsRefused(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	err := a.AddReaction(ctx, "googlechat:AAA:BBB", "m1", chat.EmojiThumbsUp)
	var pe *chat.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("AddReaction = %v, want PermissionError", err)
	}
	if pe.RequiredScope == "" {
		t.Error("expected the missing scope to be named")
	}
}

func TestErrorMapping(t *testing.T) {
	a, mock := newTestAdapter(t)
	ctx := context.Background()

	mock.createErr = &googleapi.Error{Code: http.StatusForbidden}
	_, err := a.PostMessage(ctx, "googlechat:AAA:BBB", chat.Content{Text: "x"})
	var pe *chat.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("403 = %v, want PermissionError", err)
	}

	mock.createErr = &googleapi.Error{Code: http.StatusNotFound}
	_, err = a.PostMessage(ctx, "googlechat:AAA:BBB", chat.Content{Text: "x"})
	var nfe *chat.ResourceNotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("404 = %v, want ResourceNotFoundError", err)
	}

	mock.createErr = errors.New("transport down")
	_, err = a.PostMessage(ctx, "googlechat:AAA:BBB", chat.Content{Text: "x"})
	var ne *chat.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("fallback = %v, want NetworkError", err)
	}
}
