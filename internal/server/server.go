// Package server is the HTTP ingress: per-adapter webhook routes that feed
// the bot's dispatch path, the gateway listener endpoint, and health.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Stars1233/chatsdk/internal/chat"
	"github.com/Stars1233/chatsdk/internal/gateway"
)

// StartOpts holds configuration for the ingress server.
type StartOpts struct {
	Bot  *chat.Bot
	Port int
	// CronSecret authorizes the gateway listener endpoint.
	CronSecret string
	// Coordinator runs gateway listeners; nil disables the endpoint.
	Coordinator *gateway.Coordinator
	// GatewayListen carries the forwarder settings for listener runs.
	GatewayListen gateway.ListenOpts
	Logger        *slog.Logger
}

// Start launches the ingress server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Bot == nil {
		return fmt.Errorf("server: bot is required")
	}
	if opts.Port <= 0 {
		opts.Port = 3000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("ingress listening", "port", opts.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// registerRoutes sets up all ingress routes.
func registerRoutes(router *gin.Engine, opts StartOpts, logger *slog.Logger) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/:adapter", handleWebhook(opts.Bot, logger))
	router.GET("/gateway/discord", handleGateway(opts, logger))
}
