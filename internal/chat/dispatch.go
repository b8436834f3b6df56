package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Stars1233/chatsdk/internal/state"
)

// Dispatch routes one normalized event to the matching handlers. Matching
// order is fixed: mention handlers, then subscribed-message handlers, then
// pattern handlers in registration order, then reaction handlers.
//
// Handler runs for the same thread serialize through a state lock; a
// failed acquisition means another worker owns the event, so it is dropped
// here. Handler errors and panics are logged and never stop the bot.
func (b *Bot) Dispatch(ctx context.Context, ev InboundEvent) {
	adapter, ok := b.adapters[ev.Adapter]
	if !ok {
		b.logger.Warn("dispatch: unknown adapter", "adapter", ev.Adapter)
		return
	}
	threadID := ev.ThreadID()
	if threadID == "" {
		b.logger.Warn("dispatch: event without thread", "adapter", ev.Adapter, "kind", ev.Kind)
		return
	}
	if b.isSelf(adapter, ev) {
		return
	}

	matched := b.match(ctx, ev)
	if len(matched) == 0 {
		return
	}

	lock, err := b.state.AcquireLock(ctx, threadID, b.lockTTL)
	if err != nil {
		b.logger.Error("dispatch: acquire lock", "thread", threadID, "error", err)
		return
	}
	if lock == nil {
		// Another worker holds the thread; it will handle the event.
		b.logger.Debug("dispatch: thread locked elsewhere, dropping", "thread", threadID)
		return
	}

	// Keep the lock alive while handlers run, release on every exit path.
	// The keeper is stopped before the release runs.
	defer func() {
		if err := b.state.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
			b.logger.Error("dispatch: release lock", "thread", threadID, "error", err)
		}
	}()
	keepCtx, stopKeeper := context.WithCancel(ctx)
	defer stopKeeper()
	go b.keepLockAlive(keepCtx, lock)

	for _, r := range matched {
		b.invoke(ctx, adapter, ev, r)
	}
}

// isSelf reports whether the event originates from the bot itself.
func (b *Bot) isSelf(adapter Adapter, ev InboundEvent) bool {
	var userID, userName string
	switch {
	case ev.Message != nil:
		userID = ev.Message.Author.UserID
		userName = ev.Message.Author.UserName
	case ev.Reaction != nil:
		userID = ev.Reaction.UserID
	default:
		return false
	}
	if bui, ok := adapter.(BotUserIDer); ok && bui.BotUserID() != "" && userID == bui.BotUserID() {
		return true
	}
	return b.userName != "" && userName == b.userName
}

// match computes the handlers an event reaches, in delivery order.
func (b *Bot) match(ctx context.Context, ev InboundEvent) []registration {
	handlers := b.snapshot()
	var out []registration

	switch ev.Kind {
	case EventMention, EventMessage:
		msg := ev.Message
		if msg == nil {
			return nil
		}
		subscribed, err := b.state.IsSubscribed(ctx, msg.ThreadID)
		if err != nil {
			b.logger.Error("dispatch: subscription check", "thread", msg.ThreadID, "error", err)
			return nil
		}
		isMention := ev.Kind == EventMention || b.mentionsSelf(msg.Text)

		for _, r := range handlers {
			if r.kind == handlerMention && isMention && !subscribed {
				out = append(out, r)
			}
		}
		for _, r := range handlers {
			if r.kind == handlerSubscribed && subscribed && !msg.Author.Bot {
				out = append(out, r)
			}
		}
		for _, r := range handlers {
			if r.kind == handlerPattern && r.pattern.MatchString(msg.Text) {
				out = append(out, r)
			}
		}

	case EventReaction:
		re := ev.Reaction
		if re == nil {
			return nil
		}
		for _, r := range handlers {
			if r.kind != handlerReaction {
				continue
			}
			if len(r.emojis) > 0 {
				if _, ok := r.emojis[re.Emoji]; !ok {
					continue
				}
			}
			out = append(out, r)
		}
	}
	return out
}

// invoke runs one handler with a fresh Thread facade, containing panics
// and logging errors with their structured fields.
func (b *Bot) invoke(ctx context.Context, adapter Adapter, ev InboundEvent, r registration) {
	thread := NewThread(adapter, b.state, ev.ThreadID())

	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("handler panic",
				"adapter", ev.Adapter, "thread", ev.ThreadID(), "panic", fmt.Sprint(rec))
		}
	}()

	var err error
	if ev.Kind == EventReaction {
		err = r.rfn(ctx, thread, *ev.Reaction)
	} else {
		err = r.fn(ctx, thread, *ev.Message)
	}
	if err != nil {
		b.logHandlerError(ev, err)
	}
}

func (b *Bot) logHandlerError(ev InboundEvent, err error) {
	attrs := []any{"adapter", ev.Adapter, "thread", ev.ThreadID(), "error", err}
	var ae *AdapterError
	if errors.As(err, &ae) {
		attrs = append(attrs, "code", string(ae.Code), "errorAdapter", ae.Adapter)
	}
	b.logger.Error("handler error", attrs...)
}

// keepLockAlive extends the dispatch lock at a third of its TTL until ctx
// is cancelled. A false extension means the lock expired or was superseded;
// the keeper stops and lets the deferred release no-op.
func (b *Bot) keepLockAlive(ctx context.Context, lock *state.Lock) {
	ticker := time.NewTicker(b.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := b.state.ExtendLock(ctx, lock, b.lockTTL)
			if err != nil {
				b.logger.Error("dispatch: extend lock", "thread", lock.ThreadID, "error", err)
				return
			}
			if !ok {
				b.logger.Warn("dispatch: lock lost", "thread", lock.ThreadID)
				return
			}
		}
	}
}

// mentionsSelf reports whether text addresses the bot by its configured
// user name.
func (b *Bot) mentionsSelf(text string) bool {
	if b.userName == "" {
		return false
	}
	return strings.Contains(text, "@"+b.userName)
}
