package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	discordadapter "github.com/Stars1233/chatsdk/internal/chat/discord"
	"github.com/Stars1233/chatsdk/internal/config"
	"github.com/Stars1233/chatsdk/internal/gateway"
)

func newGatewayCmd() *cobra.Command {
	var (
		configPath string
		durationMS int64
		schedule   string
	)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run a Discord gateway listener",
		Long: "Runs one rolling gateway listener, or a recurring one on a cron schedule " +
			"for deployments without an external cron trigger.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd, configPath, durationMS, schedule)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chatd.yaml", "path to chatd config file")
	cmd.Flags().Int64Var(&durationMS, "duration", 0, "listener duration in ms (capped at 600000)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression for recurring listeners (overrides gateway.schedule)")
	return cmd
}

func runGateway(cmd *cobra.Command, configPath string, durationMS int64, schedule string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if cfg.Adapters.Discord.BotToken == "" {
		return fmt.Errorf("gateway: discord adapter is not configured in %s", configPath)
	}
	adapter, err := discordadapter.New(discordadapter.AdapterOpts{
		BotToken:  cfg.Adapters.Discord.BotToken,
		PublicKey: cfg.Adapters.Discord.PublicKey,
	})
	if err != nil {
		return err
	}

	var client *redis.Client
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(ropts)
		defer client.Close()
	}
	coordinator := gateway.NewCoordinator(gateway.CoordinatorOpts{Client: client, Logger: logger})

	listen := gateway.ListenOpts{
		Duration:     time.Duration(durationMS) * time.Millisecond,
		WebhookURL:   webhookURL(cfg),
		BypassSecret: cfg.Gateway.BypassSecret,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if schedule == "" {
		schedule = cfg.Gateway.Schedule
	}
	if schedule == "" {
		return coordinator.Listen(ctx, adapter, listen)
	}

	// Recurring mode: each tick starts a fresh listener that supersedes
	// the previous one through the coordinator handover.
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := coordinator.Listen(ctx, adapter, listen); err != nil {
			logger.Error("gateway listener failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("gateway: schedule %q: %w", schedule, err)
	}
	c.Start()
	defer c.Stop()

	logger.Info("gateway keepalive running", "schedule", schedule)
	// Run the first listener immediately; cron covers the rest.
	if err := coordinator.Listen(ctx, adapter, listen); err != nil {
		logger.Error("gateway listener failed", "error", err)
	}
	<-ctx.Done()
	return nil
}
