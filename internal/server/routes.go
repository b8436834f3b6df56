package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Stars1233/chatsdk/internal/chat"
	"github.com/Stars1233/chatsdk/internal/gateway"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

// handleWebhook decodes one raw platform delivery through the named
// adapter and dispatches the resulting events in the background. Signature
// failures return 401; other decode failures are acked with 200 to avoid
// platform retry storms.
func handleWebhook(bot *chat.Bot, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("adapter")
		adapter, ok := bot.Adapter(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown adapter"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
			return
		}

		reply, err := adapter.ParseWebhook(c.Request.Context(), c.Request.Header, body)
		if err != nil {
			var authErr *chat.AuthenticationError
			if errors.As(err, &authErr) {
				logger.Warn("webhook rejected", "adapter", name, "error", err)
				c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
				return
			}
			// Well-formed-but-unknown and malformed payloads are both acked;
			// retrying them cannot succeed.
			logger.Warn("webhook decode failed", "adapter", name, "error", err)
			c.Status(http.StatusOK)
			return
		}

		for _, ev := range reply.Events {
			ev := ev
			go bot.Dispatch(context.WithoutCancel(c.Request.Context()), ev)
		}

		if len(reply.Body) > 0 {
			contentType := reply.ContentType
			if contentType == "" {
				contentType = "text/plain"
			}
			c.Data(http.StatusOK, contentType, reply.Body)
			return
		}
		c.Status(http.StatusOK)
	}
}

// handleGateway runs a Discord gateway listener for the requested
// duration. Invoked by a cron with a shared bearer secret.
func handleGateway(opts StartOpts, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.CronSecret == "" {
			logger.Error("gateway endpoint invoked without a configured secret")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "misconfigured",
				"message": "cron secret is not configured",
			})
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+opts.CronSecret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		adapter, ok := opts.Bot.Adapter("discord")
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "discord adapter not configured"})
			return
		}
		src, ok := adapter.(gateway.Source)
		if !ok || opts.Coordinator == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "gateway listener not available"})
			return
		}

		listen := opts.GatewayListen
		if raw := c.Query("duration"); raw != "" {
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || ms <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration"})
				return
			}
			listen.Duration = time.Duration(ms) * time.Millisecond
		}
		if listen.Duration <= 0 || listen.Duration > gateway.MaxDuration {
			listen.Duration = gateway.MaxDuration
		}

		if err := opts.Coordinator.Listen(c.Request.Context(), src, listen); err != nil {
			logger.Error("gateway listener failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "gateway listener failed",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed"})
	}
}
