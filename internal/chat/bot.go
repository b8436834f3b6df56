package chat

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/Stars1233/chatsdk/internal/state"
)

// DefaultLockTTL is the per-thread dispatch lock lifetime. The lock is
// extended while handlers are still running.
const DefaultLockTTL = 30 * time.Second

// HandlerFunc handles a message delivery. Returned errors are logged, not
// propagated.
type HandlerFunc func(ctx context.Context, thread *Thread, msg Message) error

// ReactionHandlerFunc handles a reaction delivery.
type ReactionHandlerFunc func(ctx context.Context, thread *Thread, reaction ReactionEvent) error

type handlerKind int

const (
	handlerMention handlerKind = iota
	handlerSubscribed
	handlerPattern
	handlerReaction
)

// registration is one compiled handler entry.
type registration struct {
	kind    handlerKind
	pattern *regexp.Regexp      // pattern handlers
	emojis  map[string]struct{} // reaction handlers; empty matches all
	fn      HandlerFunc
	rfn     ReactionHandlerFunc
}

// Bot owns the adapter set and state backend, normalizes nothing itself
// (adapters do), and routes normalized events to registered handlers.
type Bot struct {
	adapters map[string]Adapter
	state    state.Adapter
	userName string
	logger   *slog.Logger
	lockTTL  time.Duration

	mu       sync.Mutex
	handlers []registration

	initOnce sync.Once
	initErr  error
}

// BotOpts holds parameters for creating a Bot.
type BotOpts struct {
	Adapters []Adapter
	State    state.Adapter
	// UserName is the handle users mention to address the bot (without @).
	UserName string
	Logger   *slog.Logger  // defaults to slog.Default()
	LockTTL  time.Duration // defaults to DefaultLockTTL
}

// New creates a Bot. Handlers may be registered before Initialize.
func New(opts BotOpts) (*Bot, error) {
	if opts.State == nil {
		return nil, fmt.Errorf("chat: state adapter is required")
	}
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("chat: at least one adapter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	adapters := make(map[string]Adapter, len(opts.Adapters))
	for _, a := range opts.Adapters {
		if _, dup := adapters[a.Name()]; dup {
			return nil, fmt.Errorf("chat: duplicate adapter %q", a.Name())
		}
		adapters[a.Name()] = a
	}
	return &Bot{
		adapters: adapters,
		state:    opts.State,
		userName: opts.UserName,
		logger:   logger,
		lockTTL:  ttl,
	}, nil
}

// Initialize connects the state adapter and any adapter that requires a
// handshake. It is idempotent and safe to call concurrently; every caller
// observes the outcome of the single in-flight initialization.
func (b *Bot) Initialize(ctx context.Context) error {
	b.initOnce.Do(func() {
		if err := b.state.Connect(ctx); err != nil {
			b.initErr = fmt.Errorf("chat: connect state: %w", err)
			return
		}
		for name, a := range b.adapters {
			c, ok := a.(Connecter)
			if !ok {
				continue
			}
			if err := c.Connect(ctx); err != nil {
				b.initErr = fmt.Errorf("chat: connect %s: %w", name, err)
				return
			}
		}
	})
	return b.initErr
}

// Adapter looks up a registered adapter by name.
func (b *Bot) Adapter(name string) (Adapter, bool) {
	a, ok := b.adapters[name]
	return a, ok
}

// UserName returns the bot's mention handle.
func (b *Bot) UserName() string { return b.userName }

// State returns the state backend shared by all bot operations.
func (b *Bot) State() state.Adapter { return b.state }

// OnNewMention registers fn for mentions of the bot in threads that are
// not yet subscribed.
func (b *Bot) OnNewMention(fn HandlerFunc) {
	b.register(registration{kind: handlerMention, fn: fn})
}

// OnSubscribedMessage registers fn for every non-bot message in a
// subscribed thread.
func (b *Bot) OnSubscribedMessage(fn HandlerFunc) {
	b.register(registration{kind: handlerSubscribed, fn: fn})
}

// OnNewMessage registers fn for any message whose text matches pattern,
// regardless of subscription. A message in a subscribed thread that also
// matches a pattern is delivered to both handler kinds.
func (b *Bot) OnNewMessage(pattern string, fn HandlerFunc) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("chat: compile pattern: %w", err)
	}
	b.register(registration{kind: handlerPattern, pattern: re, fn: fn})
	return nil
}

// OnReaction registers fn for reactions whose normalized emoji is in
// emojis. An empty set matches every reaction.
func (b *Bot) OnReaction(emojis []string, fn ReactionHandlerFunc) {
	set := make(map[string]struct{}, len(emojis))
	for _, e := range emojis {
		set[e] = struct{}{}
	}
	b.register(registration{kind: handlerReaction, emojis: set, rfn: fn})
}

func (b *Bot) register(r registration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, r)
}

// snapshot returns the registrations in registration order.
func (b *Bot) snapshot() []registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]registration, len(b.handlers))
	copy(out, b.handlers)
	return out
}
