package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Stars1233/chatsdk/internal/chat"
	discordadapter "github.com/Stars1233/chatsdk/internal/chat/discord"
	googlechatadapter "github.com/Stars1233/chatsdk/internal/chat/googlechat"
	linearadapter "github.com/Stars1233/chatsdk/internal/chat/linear"
	slackadapter "github.com/Stars1233/chatsdk/internal/chat/slack"
	teamsadapter "github.com/Stars1233/chatsdk/internal/chat/teams"
	"github.com/Stars1233/chatsdk/internal/config"
	"github.com/Stars1233/chatsdk/internal/gateway"
	"github.com/Stars1233/chatsdk/internal/server"
	"github.com/Stars1233/chatsdk/internal/state"
	"github.com/Stars1233/chatsdk/internal/state/gormstate"
	"github.com/Stars1233/chatsdk/internal/state/memory"
	"github.com/Stars1233/chatsdk/internal/state/redisstate"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook ingress and dispatch loop",
		Long:  "Connects the configured adapters and state backend, then serves platform webhooks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chatd.yaml", "path to chatd config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if cfg.Production() && cfg.State.Backend == "memory" {
		logger.Warn("memory state backend in production: subscriptions and locks will not survive restarts")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := buildState(cfg)
	adapters, err := buildAdapters(ctx, cfg)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no adapters configured in %s", configPath)
	}

	bot, err := chat.New(chat.BotOpts{
		Adapters: adapters,
		State:    st,
		UserName: cfg.BotName,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := bot.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer st.Disconnect(context.Background())

	registerDefaultHandlers(bot, logger)

	var coordinator *gateway.Coordinator
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		coordinator = gateway.NewCoordinator(gateway.CoordinatorOpts{
			Client: redis.NewClient(ropts),
			Logger: logger,
		})
	} else {
		coordinator = gateway.NewCoordinator(gateway.CoordinatorOpts{Logger: logger})
	}

	return server.Start(ctx, server.StartOpts{
		Bot:         bot,
		Port:        cfg.HTTP.Port,
		CronSecret:  cfg.Gateway.CronSecret,
		Coordinator: coordinator,
		GatewayListen: gateway.ListenOpts{
			WebhookURL:   webhookURL(cfg),
			BypassSecret: cfg.Gateway.BypassSecret,
		},
		Logger: logger,
	})
}

// newLogger builds the process logger: tinted text in development, JSON
// at Info level in production.
func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.Production() {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))
}

// buildState selects the configured state backend.
func buildState(cfg *config.Config) state.Adapter {
	switch cfg.State.Backend {
	case "redis":
		return redisstate.New(redisstate.Options{URL: cfg.Redis.URL, Prefix: cfg.Redis.Prefix})
	case "sql":
		return gormstate.New(gormstate.Options{Path: cfg.State.SQLPath})
	default:
		return memory.New()
	}
}

// buildAdapters constructs every adapter with credentials configured.
func buildAdapters(ctx context.Context, cfg *config.Config) ([]chat.Adapter, error) {
	var adapters []chat.Adapter

	if c := cfg.Adapters.Slack; c.BotToken != "" {
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			BotToken:      c.BotToken,
			SigningSecret: c.SigningSecret,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if c := cfg.Adapters.Discord; c.BotToken != "" {
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  c.BotToken,
			PublicKey: c.PublicKey,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if c := cfg.Adapters.Teams; c.AppID != "" {
		a, err := teamsadapter.New(teamsadapter.AdapterOpts{
			AppID:       c.AppID,
			AppPassword: c.AppPassword,
			TenantID:    c.TenantID,
			ServiceURL:  c.ServiceURL,
			BotName:     cfg.BotName,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if c := cfg.Adapters.GoogleChat; c.CredentialsFile != "" {
		a, err := googlechatadapter.New(ctx, googlechatadapter.AdapterOpts{
			CredentialsFile: c.CredentialsFile,
			BotUser:         c.BotUser,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if c := cfg.Adapters.Linear; c.APIKey != "" {
		a, err := linearadapter.New(linearadapter.AdapterOpts{
			APIKey:        c.APIKey,
			WebhookSecret: c.WebhookSecret,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

// webhookURL derives the forwarder target for gateway events.
func webhookURL(cfg *config.Config) string {
	if cfg.Gateway.WebhookBaseURL == "" {
		return ""
	}
	return cfg.Gateway.WebhookBaseURL + "/webhooks/discord"
}

// ackPhrases are the acknowledgment messages posted when the bot picks up
// a new mention.
var ackPhrases = []string{
	"On it.",
	"Looking into it...",
	"Copy that, working on it now.",
	"Roger that. Give me a sec.",
	"Let me see what I can do.",
	"Already on it.",
}

// ackDeck cycles through all phrases in shuffled order before repeating.
type ackDeck struct {
	mu   sync.Mutex
	deck []string
}

func (d *ackDeck) next() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.deck) == 0 {
		d.deck = make([]string, len(ackPhrases))
		copy(d.deck, ackPhrases)
		rand.Shuffle(len(d.deck), func(i, j int) {
			d.deck[i], d.deck[j] = d.deck[j], d.deck[i]
		})
	}
	phrase := d.deck[len(d.deck)-1]
	d.deck = d.deck[:len(d.deck)-1]
	return phrase
}

// registerDefaultHandlers wires the built-in behavior: a new mention
// subscribes the thread and acks; an unsubscribe request drops it.
func registerDefaultHandlers(bot *chat.Bot, logger *slog.Logger) {
	acks := &ackDeck{}

	bot.OnNewMention(func(ctx context.Context, thread *chat.Thread, msg chat.Message) error {
		if err := thread.Subscribe(ctx); err != nil {
			return err
		}
		logger.Info("subscribed", "thread", thread.ID(), "user", msg.Author.UserName)
		_, err := thread.PostText(ctx, acks.next())
		return err
	})

	if err := bot.OnNewMessage(`(?i)\bstop listening\b`, func(ctx context.Context, thread *chat.Thread, msg chat.Message) error {
		subscribed, err := thread.IsSubscribed(ctx)
		if err != nil || !subscribed {
			return err
		}
		if err := thread.Unsubscribe(ctx); err != nil {
			return err
		}
		logger.Info("unsubscribed", "thread", thread.ID())
		_, err = thread.PostText(ctx, "Okay, leaving this thread alone.")
		return err
	}); err != nil {
		logger.Error("register unsubscribe handler", "error", err)
	}
}
