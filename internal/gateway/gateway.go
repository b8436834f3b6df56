// Package gateway keeps exactly one live Discord gateway listener running
// across a fleet of short-lived workers. Each new listener announces
// itself on a Redis pub/sub channel; the incumbent hears the announcement
// and aborts, so listeners overlap briefly instead of competing.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Stars1233/chatsdk/internal/chat"
)

// ControlChannel is the pub/sub channel listeners coordinate on.
const ControlChannel = "discord:gateway:control"

// MaxDuration caps a single listener's lifetime.
const MaxDuration = 10 * time.Minute

// softTimeoutSlack backstops the pub/sub wait past the requested duration.
const softTimeoutSlack = 5 * time.Second

// Source is the gateway capability the Discord adapter provides.
type Source interface {
	RunGateway(ctx context.Context, forward func(context.Context, chat.InboundEvent) error) error
}

// Coordinator runs rolling gateway listeners.
type Coordinator struct {
	client *redis.Client // nil runs uncoordinated
	logger *slog.Logger
	http   *http.Client
}

// CoordinatorOpts holds parameters for creating a Coordinator.
type CoordinatorOpts struct {
	// Client is the Redis connection used for handover pub/sub. A nil
	// client (or any Redis failure) degrades to an uncoordinated run.
	Client *redis.Client
	Logger *slog.Logger
	// HTTPClient posts forwarded events; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts CoordinatorOpts) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Coordinator{client: opts.Client, logger: logger, http: hc}
}

// ListenOpts holds parameters for one listener run.
type ListenOpts struct {
	// Duration is the requested listener lifetime, capped at MaxDuration.
	Duration time.Duration
	// WebhookURL receives forwarded gateway events.
	WebhookURL string
	// BypassSecret, when set, is appended as the deployment-protection
	// bypass query parameter on the forwarder URL.
	BypassSecret string
}

// Listen runs one gateway listener until its deadline or until a newer
// listener announces itself. A self-published announcement never aborts
// the run. Redis failures are logged and the listener proceeds
// uncoordinated.
func (c *Coordinator) Listen(ctx context.Context, src Source, opts ListenOpts) error {
	listenerID := newListenerID()
	duration := opts.Duration
	if duration <= 0 || duration > MaxDuration {
		duration = MaxDuration
	}
	logger := c.logger.With("listener", listenerID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before publishing so the announcement of a successor can
	// never race past us.
	handover := c.announce(runCtx, listenerID, logger)

	// Soft timeout backstops the handover wait.
	deadline := time.NewTimer(duration + softTimeoutSlack)
	defer deadline.Stop()

	done := make(chan error, 1)
	go func() {
		gwCtx, gwCancel := context.WithTimeout(runCtx, duration)
		defer gwCancel()
		done <- src.RunGateway(gwCtx, c.forwarder(opts))
	}()

	select {
	case <-handover:
		logger.Info("gateway: superseded by newer listener, aborting")
		cancel()
		<-done
		return nil
	case err := <-done:
		if err != nil {
			return fmt.Errorf("gateway: listener: %w", err)
		}
		return nil
	case <-deadline.C:
		logger.Warn("gateway: soft timeout reached, aborting")
		cancel()
		<-done
		return nil
	}
}

// announce subscribes to the control channel, publishes our listener ID,
// and returns a channel that closes when a different listener announces
// itself. On any Redis failure the returned channel never closes.
func (c *Coordinator) announce(ctx context.Context, listenerID string, logger *slog.Logger) <-chan struct{} {
	handover := make(chan struct{})
	if c.client == nil {
		return handover
	}

	pubsub := c.client.Subscribe(ctx, ControlChannel)
	// Force the subscription onto the wire before we publish.
	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Warn("gateway: subscribe failed, running uncoordinated", "error", err)
		pubsub.Close()
		return handover
	}
	if err := c.client.Publish(ctx, ControlChannel, listenerID).Err(); err != nil {
		logger.Warn("gateway: announce failed, running uncoordinated", "error", err)
		pubsub.Close()
		return handover
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == listenerID {
					continue // our own announcement
				}
				close(handover)
				return
			}
		}
	}()
	return handover
}

// forwarder POSTs gateway events to the webhook endpoint so they rejoin
// the normal dispatch path.
func (c *Coordinator) forwarder(opts ListenOpts) func(context.Context, chat.InboundEvent) error {
	target := opts.WebhookURL
	if opts.BypassSecret != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "x-vercel-protection-bypass=" + url.QueryEscape(opts.BypassSecret)
	}
	return func(ctx context.Context, ev chat.InboundEvent) error {
		if target == "" {
			return nil
		}
		body, err := json.Marshal(forwardFrame(ev))
		if err != nil {
			return fmt.Errorf("gateway: encode event: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("gateway: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn("gateway: forward failed", "error", err)
			return nil
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			c.logger.Warn("gateway: forward rejected", "status", resp.StatusCode)
		}
		return nil
	}
}

// forwardFrame flattens an InboundEvent into the envelope the Discord
// adapter's ParseWebhook expects.
func forwardFrame(ev chat.InboundEvent) map[string]any {
	f := map[string]any{}
	switch {
	case ev.Message != nil:
		f["type"] = "message_create"
		if ev.Message.Edited {
			f["type"] = "message_update"
		}
		f["mention"] = ev.Kind == chat.EventMention
		f["message_id"] = ev.Message.ID
		f["user_id"] = ev.Message.Author.UserID
		f["user_name"] = ev.Message.Author.UserName
		f["bot"] = ev.Message.Author.Bot
		f["content"] = ev.Message.Text
		f["timestamp"] = ev.Message.Timestamp.UnixMilli()
		f["channel_id"] = channelOf(ev.Message.ThreadID)
	case ev.Reaction != nil:
		f["type"] = "reaction_add"
		if !ev.Reaction.Added {
			f["type"] = "reaction_remove"
		}
		f["message_id"] = ev.Reaction.MessageID
		f["user_id"] = ev.Reaction.UserID
		f["emoji"] = ev.Reaction.RawEmoji
		f["channel_id"] = channelOf(ev.Reaction.ThreadID)
	}
	return f
}

// channelOf strips the adapter prefix off a discord thread ID.
func channelOf(threadID string) string {
	coords, err := chat.DecodeThreadID("discord", threadID, 1)
	if err != nil {
		return ""
	}
	return coords[0]
}

// newListenerID builds a unique listener identity.
func newListenerID() string {
	return fmt.Sprintf("listener-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
